package fakeiap_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/singlestore-labs/iapprofile/iap/models"
	"github.com/singlestore-labs/iapprofile/internal/fakeiap"
)

func TestBrokerMint(t *testing.T) {
	t.Parallel()
	broker, err := fakeiap.NewBroker("kid-1")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", broker.KeyID())

	var set jwkset.JWKSMarshal
	require.NoError(t, json.Unmarshal(broker.JWKSet(), &set))
	storage, err := set.ToStorage()
	require.NoError(t, err)
	jwk, err := storage.KeyRead(context.Background(), "kid-1")
	require.NoError(t, err)
	publicKey, ok := jwk.Key().(*ecdsa.PublicKey)
	require.True(t, ok, "published key is %T", jwk.Key())

	issued := time.Now().Add(-time.Minute).Truncate(time.Second)
	token, err := broker.Mint(fakeiap.Assertion{
		Email:    "a@example.com",
		Subject:  "accounts.google.com:12345",
		Audience: "/projects/1/apps/x",
		IssuedAt: issued,
	})
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return publicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal(t, "kid-1", parsed.Header["kid"])
	assert.Equal(t, models.IAPIssuer, claims["iss"])
	assert.Equal(t, "a@example.com", claims["email"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.Equal(t, issued.Add(time.Hour).Unix(), exp.Unix())
}

func TestBrokerServeHTTP(t *testing.T) {
	t.Parallel()
	broker, err := fakeiap.NewBroker("kid-2")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	broker.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jwk", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, string(broker.JWKSet()), w.Body.String())
	assert.NotContains(t, w.Body.String(), `"d":`)
}
