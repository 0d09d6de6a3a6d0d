// Package assertion verifies the signed JWT assertions that Identity-Aware
// Proxy attaches to the requests it forwards.
//
// Usage:
//
//	cache := audience.NewCache()
//	v := assertion.NewValidator(audience.NewResolver(cache))
//	claims, err := v.Validate(ctx, r.Header.Get(models.AssertionHeader))
//	if err != nil {
//	    // unverified
//	}
//	if claims.Empty() {
//	    // no assertion was presented
//	}
package assertion

import (
	"context"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/memsql/errors"

	"github.com/singlestore-labs/iapprofile/iap/models"
)

// defaultLeeway matches the clock skew tolerated by Google's auth libraries
const defaultLeeway = 5 * time.Minute

// AudienceResolver supplies the audience an assertion must be addressed to
type AudienceResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Validator verifies IAP assertions
type Validator struct {
	audience AudienceResolver
	keys     KeySource
	issuers  []string
	methods  []string
	leeway   time.Duration
	now      func() time.Time
	logger   models.Logger
}

// Option configures a Validator
type Option func(*Validator)

// WithKeySource overrides where signing keys come from. The default fetches
// the IAP JWK set from models.IAPKeysURL.
func WithKeySource(keys KeySource) Option {
	return func(v *Validator) {
		v.keys = keys
	}
}

// WithIssuers sets the accepted issuers. The default is models.IAPIssuer.
func WithIssuers(issuers ...string) Option {
	return func(v *Validator) {
		v.issuers = issuers
	}
}

// WithValidMethods sets the accepted signing algorithms. IAP signs with ES256.
func WithValidMethods(methods ...string) Option {
	return func(v *Validator) {
		v.methods = methods
	}
}

// WithLeeway sets the tolerated clock skew for exp and iat
func WithLeeway(leeway time.Duration) Option {
	return func(v *Validator) {
		v.leeway = leeway
	}
}

// WithTimeFunc overrides the clock, for tests
func WithTimeFunc(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// WithLogger sets a logger (if nil, no logging occurs)
func WithLogger(logger models.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator that checks audiences produced by resolver
func NewValidator(resolver AudienceResolver, opts ...Option) *Validator {
	v := &Validator{
		audience: resolver,
		issuers:  []string{models.IAPIssuer},
		methods:  []string{jwt.SigningMethodES256.Alg()},
		leeway:   defaultLeeway,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.keys == nil {
		v.keys = NewHTTPKeySource(models.IAPKeysURL, nil, 0)
	}
	return v
}

type iapClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (v *Validator) logf(format string, args ...interface{}) {
	if v.logger != nil {
		v.logger.Logf(format, args...)
	}
}

// Validate verifies assertion and returns its identity claims. An empty
// assertion is not an error: it yields empty claims without any I/O.
//
// An audience that cannot be resolved is passed to verification as "",
// which no assertion matches.
func (v *Validator) Validate(ctx context.Context, assertion string) (*models.IdentityClaims, error) {
	if assertion == "" {
		return &models.IdentityClaims{}, nil
	}

	aud, err := v.audience.Resolve(ctx)
	if err != nil {
		v.logf("Assertion - audience resolution failed, verifying against empty audience: %v", err)
		aud = ""
	} else if aud == "" {
		v.logf("Assertion - no audience available, verification will fail the audience check")
	}

	keys, err := v.keys.FetchKeys(ctx)
	if err != nil {
		v.logf("Assertion - %v", err)
		return nil, err
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.Errorf("missing kid header in assertion")
		}
		jwk, err := keys.KeyRead(ctx, kid)
		if err != nil {
			return nil, errors.Errorf("signing key %q: %w", kid, err)
		}
		return jwk.Key(), nil
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithAudience(aud),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	}
	if v.now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(v.now))
	}

	var claims iapClaims
	token, err := jwt.ParseWithClaims(assertion, &claims, keyFunc, parserOpts...)
	if err != nil {
		v.logf("Assertion - failed to parse/validate: %v", err)
		return nil, errors.Errorf("%w: %w", models.ErrVerification, err)
	}
	if !token.Valid {
		return nil, errors.WithStack(models.ErrVerification)
	}

	if !slices.Contains(v.issuers, claims.Issuer) {
		v.logf("Assertion - unexpected issuer %q", claims.Issuer)
		return nil, errors.Errorf("%w: unexpected issuer %q", models.ErrVerification, claims.Issuer)
	}

	v.logf("Assertion - verified subject %s", claims.Subject)
	return &models.IdentityClaims{
		Email:   claims.Email,
		Subject: claims.Subject,
	}, nil
}
