package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/singlestore-labs/iapprofile/iap/models"
)

func TestIdentityClaims(t *testing.T) {
	t.Parallel()

	var nilClaims *models.IdentityClaims
	assert.True(t, nilClaims.Empty())
	assert.Equal(t, "", nilClaims.AccountID())
	assert.True(t, (&models.IdentityClaims{}).Empty())

	testCases := []struct {
		subject  string
		expected string
	}{
		{"accounts.google.com:12345", "12345"},
		{"12345", "12345"},
		{"securetoken.google.com:proj:abc", "proj:abc"},
		{"", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.subject, func(t *testing.T) {
			c := &models.IdentityClaims{Email: "a@example.com", Subject: tc.subject}
			assert.False(t, c.Empty())
			assert.Equal(t, tc.expected, c.AccountID())
		})
	}
}
