package services

import (
	"testing"
	"time"

	"wanderlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_AuthorizesOwnUser(t *testing.T) {
	auth := NewAuthService("bob", "secret", time.Hour)

	token, err := auth.GenerateToken("bob")
	require.NoError(t, err)

	claims, err := auth.Authorize(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), claims.UserID)
	assert.Equal(t, "bob", claims.Subject)
}

func TestAuthService_RejectsOtherUser(t *testing.T) {
	auth := NewAuthService("bob", "secret", time.Hour)

	token, err := auth.GenerateToken("mallory")
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.NoError(t, err)
	_, err = auth.Authorize(token)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthService_RejectsForeignSignature(t *testing.T) {
	issuer := NewAuthService("bob", "other-secret", time.Hour)
	token, err := issuer.GenerateToken("bob")
	require.NoError(t, err)

	_, err = NewAuthService("bob", "secret", time.Hour).Authorize(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewAuthService("bob", "secret", time.Hour).Authorize("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Expiry(t *testing.T) {
	auth := NewAuthService("bob", "secret", time.Minute).(*authService)
	issued := time.Now()
	auth.now = func() time.Time { return issued }

	token, err := auth.GenerateToken("bob")
	require.NoError(t, err)

	auth.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = auth.Authorize(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
