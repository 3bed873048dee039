package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const issuer = "lookout"

// DefaultExpiry is used when no token lifetime is configured
const DefaultExpiry = 24 * time.Hour

// Claims are carried by every lookout access token. The subject is the operator name.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Token is a signed access token
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// signer issues and verifies HS256 tokens
type signer struct {
	key    []byte
	expiry time.Duration
	now    func() time.Time
}

// newSigner returns a signer for secret. An empty secret is replaced by a random
// key, reported by the second return value.
func newSigner(secret string, expiry time.Duration) (*signer, bool) {
	generated := false
	if secret == "" {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secret = hex.EncodeToString(buf)
		generated = true
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &signer{key: []byte(secret), expiry: expiry, now: time.Now}, generated
}

func (s *signer) issue(username string) (Token, error) {
	now := s.now()
	expiresAt := now.Add(s.expiry)

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Value: value, ExpiresAt: expiresAt}, nil
}

func (s *signer) verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Username == "" || claims.Username != claims.Subject:
		return nil, ErrInvalidToken
	}
	return claims, nil
}
