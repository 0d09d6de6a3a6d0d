// Package fakeiap stands in for Identity-Aware Proxy: it owns an ES256
// signing key, publishes the public half as a JWK set, and mints
// assertions. It is used by tests and by cmd/iap_test_server.
package fakeiap

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"github.com/memsql/errors"

	"github.com/singlestore-labs/iapprofile/iap/models"
)

// Broker holds a signing key and its published JWK set
type Broker struct {
	keyID      string
	privateKey *ecdsa.PrivateKey
	jwks       json.RawMessage
}

// NewBroker generates a fresh P-256 key published under keyID
func NewBroker(keyID string) (*Broker, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Errorf("error generating ECDSA key: %w", err)
	}

	jwk, err := jwkset.NewJWKFromKey(&privateKey.PublicKey, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgES256,
			KID: keyID,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return nil, errors.Errorf("error creating JWK: %w", err)
	}

	ctx := context.Background()
	storage := jwkset.NewMemoryStorage()
	if err := storage.KeyWrite(ctx, jwk); err != nil {
		return nil, errors.Errorf("error storing JWK: %w", err)
	}
	raw, err := storage.JSONPublic(ctx)
	if err != nil {
		return nil, errors.Errorf("error marshaling JWK set: %w", err)
	}

	return &Broker{
		keyID:      keyID,
		privateKey: privateKey,
		jwks:       raw,
	}, nil
}

// KeyID returns the kid of the signing key
func (b *Broker) KeyID() string {
	return b.keyID
}

// JWKSet returns the public JWK set document
func (b *Broker) JWKSet() json.RawMessage {
	return b.jwks
}

// ServeHTTP serves the public JWK set
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b.jwks)
}

// Assertion describes the claims of a minted assertion. Zero times
// default to now and one hour from now; an empty Issuer defaults to IAP's.
type Assertion struct {
	Email     string
	Subject   string
	Audience  string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// KeyID overrides the kid header when set
	KeyID string
}

// Mint signs the assertion with the broker's key
func (b *Broker) Mint(a Assertion) (string, error) {
	now := time.Now()
	if a.IssuedAt.IsZero() {
		a.IssuedAt = now
	}
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = a.IssuedAt.Add(time.Hour)
	}
	if a.Issuer == "" {
		a.Issuer = models.IAPIssuer
	}
	if a.KeyID == "" {
		a.KeyID = b.keyID
	}

	claims := jwt.MapClaims{
		"iss": a.Issuer,
		"aud": a.Audience,
		"sub": a.Subject,
		"iat": a.IssuedAt.Unix(),
		"exp": a.ExpiresAt.Unix(),
	}
	if a.Email != "" {
		claims["email"] = a.Email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = a.KeyID
	signed, err := token.SignedString(b.privateKey)
	if err != nil {
		return "", errors.Errorf("error signing assertion: %w", err)
	}
	return signed, nil
}
