// Package iap verifies the identity that Google Identity-Aware Proxy asserts
// for incoming requests and looks up profile photos for verified users.
//
// Usage:
//
//	cache := iap.NewAudienceCache()
//	validator := iap.NewValidator(iap.NewAudienceResolver(cache))
//	claims, err := validator.Validate(ctx, r.Header.Get(iap.AssertionHeader))
//	if err != nil {
//	    // unverified
//	}
//	if !claims.Empty() {
//	    photo, err := directoryClient.FetchProfilePhoto(ctx, claims.AccountID())
//	}
package iap

import (
	"github.com/singlestore-labs/iapprofile/iap/assertion"
	"github.com/singlestore-labs/iapprofile/iap/audience"
	"github.com/singlestore-labs/iapprofile/iap/directory"
	"github.com/singlestore-labs/iapprofile/iap/models"
)

// Re-export types from models package
type (
	IdentityClaims = models.IdentityClaims
	Logger         = models.Logger
)

// Re-export header and trust broker constants
const (
	AssertionHeader           = models.AssertionHeader
	AuthenticatedUserIDHeader = models.AuthenticatedUserIDHeader
	IAPIssuer                 = models.IAPIssuer
	IAPKeysURL                = models.IAPKeysURL
)

// Re-export errors
var (
	ErrAudienceUnavailable = models.ErrAudienceUnavailable
	ErrKeyFetch            = models.ErrKeyFetch
	ErrVerification        = models.ErrVerification
	ErrDirectoryLookup     = models.ErrDirectoryLookup
	ErrNoPhoto             = models.ErrNoPhoto
)

// Export constructors
var (
	NewAudienceCache    = audience.NewCache
	NewAudienceResolver = audience.NewResolver
	NewValidator        = assertion.NewValidator
	NewDirectoryClient  = directory.NewClient
)
