// Package models contains shared types and interfaces for the iap packages
package models

import (
	"strings"

	"github.com/memsql/errors"
)

// Header names set by Identity-Aware Proxy on requests it forwards
const (
	// AssertionHeader carries the signed JWT assertion
	AssertionHeader = "X-Goog-IAP-JWT-Assertion"

	// AuthenticatedUserIDHeader carries the pre-authenticated user id. It is
	// unsigned and must not be used for lookups.
	AuthenticatedUserIDHeader = "X-Goog-Authenticated-User-Id"
)

// Trust broker constants
const (
	// IAPIssuer is the only issuer IAP puts in its assertions
	IAPIssuer = "https://cloud.google.com/iap"

	// IAPKeysURL serves the current IAP signing keys as a JWK set
	IAPKeysURL = "https://www.gstatic.com/iap/verify/public_key-jwk"
)

// IdentityClaims holds the verified identity extracted from an assertion.
// The zero value represents an unauthenticated caller.
type IdentityClaims struct {
	Email string
	// Subject has the form "provider:id", e.g. "accounts.google.com:12345"
	Subject string
}

// Empty returns true when no verified identity is present
func (c *IdentityClaims) Empty() bool {
	return c == nil || (c.Email == "" && c.Subject == "")
}

// AccountID returns the id portion of the subject. A subject without a
// provider prefix is returned unchanged.
func (c *IdentityClaims) AccountID() string {
	if c == nil {
		return ""
	}
	_, id, found := strings.Cut(c.Subject, ":")
	if !found {
		return c.Subject
	}
	return id
}

// Logger is a simple logging interface
type Logger interface {
	Logf(format string, args ...interface{})
}

// Errors returned by the iap packages. Callers should test with errors.Is.
var (
	// ErrAudienceUnavailable is returned when the metadata service lookups fail
	ErrAudienceUnavailable errors.String = "audience unavailable"

	// ErrKeyFetch is returned when the trust broker's signing keys cannot be fetched
	ErrKeyFetch errors.String = "failed to fetch signing keys"

	// ErrVerification is returned for any signature, audience, issuer, or format failure
	ErrVerification errors.String = "assertion verification failed"

	// ErrDirectoryLookup is returned when the directory call fails
	ErrDirectoryLookup errors.String = "directory lookup failed"

	// ErrNoPhoto is returned when the directory has no photo for the subject.
	// It is always wrapped together with ErrDirectoryLookup.
	ErrNoPhoto errors.String = "no profile photo"
)
