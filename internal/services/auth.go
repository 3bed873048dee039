package services

import (
	"context"
	"errors"

	"lookout/internal/auth"
	"lookout/internal/middleware"
)

// ErrUnauthorized is returned for failed logins
var ErrUnauthorized = errors.New("invalid username or password")

// Auth implements login and auth status
type Auth struct {
	authenticator *auth.Authenticator
}

// NewAuth creates the auth service
func NewAuth(authenticator *auth.Authenticator) *Auth {
	return &Auth{authenticator: authenticator}
}

// LoginResult carries an issued token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Login authenticates a user and returns a JWT token
func (a *Auth) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	token, err := a.authenticator.Login(username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return &LoginResult{Token: token.Value, ExpiresAt: token.ExpiresAt.Unix()}, nil
}

// AuthStatus describes the caller's authentication state
type AuthStatus struct {
	Enabled       bool   `json:"enabled"`
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

// Status returns the current authentication status
func (a *Auth) Status(ctx context.Context) *AuthStatus {
	status := &AuthStatus{Enabled: a.authenticator.Enabled()}
	if claims := middleware.GetUserFromContext(ctx); claims != nil {
		status.Authenticated = true
		status.Username = claims.Username
	}
	return status
}
