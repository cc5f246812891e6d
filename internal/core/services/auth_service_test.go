package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	token, err := auth.GenerateToken("u1", "alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", string(claims.UserID))
	assert.Equal(t, "alice", claims.Username)
}

func TestAuthService_RejectsBadTokens(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)
	other := NewAuthService("other-secret", time.Hour)

	foreign, err := other.GenerateToken("u1", "alice")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":        "not-a-token",
		"wrong secret":   foreign,
		"none algorithm": unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.ValidateToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthService_Expiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	auth := &authService{jwtSecret: []byte("secret"), accessTokenTTL: time.Minute, now: func() time.Time { return now }}

	token, err := auth.GenerateToken("u1", "alice")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthService_RequiresUserID(t *testing.T) {
	_, err := NewAuthService("secret", time.Hour).GenerateToken("", "alice")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
