package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestLoginIssuesValidToken(t *testing.T) {
	a, err := NewAuthenticator(Options{Enabled: true, Username: "ops", Password: "s3cret", JWTSecret: "k"}, nil)
	require.NoError(t, err)

	token, err := a.Login("ops", "s3cret")
	require.NoError(t, err)
	assert.True(t, token.ExpiresAt.After(time.Now()))

	claims, err := a.Verify(token.Value)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "lookout", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	a, err := NewAuthenticator(Options{Enabled: true, Password: "s3cret"}, nil)
	require.NoError(t, err)

	_, err = a.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Login("root", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginAcceptsBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	a, err := NewAuthenticator(Options{Enabled: true, Password: string(hash)}, nil)
	require.NoError(t, err)

	_, err = a.Login("admin", "hunter2")
	assert.NoError(t, err)
}

func TestDisabledAuthenticator(t *testing.T) {
	a, err := NewAuthenticator(Options{}, nil)
	require.NoError(t, err)
	assert.False(t, a.Enabled())

	_, err = a.Login("admin", "")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestEnabledWithoutPasswordFails(t *testing.T) {
	_, err := NewAuthenticator(Options{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	s, generated := newSigner("", time.Minute)
	assert.True(t, generated)

	token, err := s.issue("admin")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.verify(token.Value)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenFromOtherSecretIsInvalid(t *testing.T) {
	a, _ := newSigner("one", 0)
	b, _ := newSigner("two", 0)
	assert.Equal(t, DefaultExpiry, a.expiry)

	token, err := a.issue("admin")
	require.NoError(t, err)

	_, err = b.verify(token.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = b.verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenWithOtherAlgorithmIsInvalid(t *testing.T) {
	s, _ := newSigner("k", 0)
	claims := &Claims{Username: "admin", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "admin",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = s.verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
