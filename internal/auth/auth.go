// Package auth guards the lookout API with a single operator account and JWT access tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Options configures the operator account
type Options struct {
	Enabled  bool
	Username string
	// Password is plaintext or an existing bcrypt hash
	Password  string
	JWTSecret string
	JWTExpiry time.Duration
}

// Authenticator checks operator credentials and the tokens issued for them
type Authenticator struct {
	enabled  bool
	username string
	hash     []byte
	tokens   *signer
}

// NewAuthenticator creates an authenticator. An empty username defaults to "admin".
func NewAuthenticator(opts Options, logger *slog.Logger) (*Authenticator, error) {
	a := &Authenticator{enabled: opts.Enabled, username: opts.Username}
	if a.username == "" {
		a.username = "admin"
	}

	if opts.Enabled {
		hash, err := passwordHash(opts.Password)
		if err != nil {
			return nil, err
		}
		a.hash = hash
	}

	var generated bool
	a.tokens, generated = newSigner(opts.JWTSecret, opts.JWTExpiry)
	if generated && opts.Enabled && logger != nil {
		logger.Warn("no JWT secret configured, tokens will not survive a restart", "component", "auth")
	}
	return a, nil
}

// passwordHash accepts a bcrypt hash as is and hashes anything else
func passwordHash(password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("password is required when authentication is enabled")
	}
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return []byte(password), nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// Enabled reports whether requests must carry a token
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Login checks the credentials and issues an access token
func (a *Authenticator) Login(username, password string) (Token, error) {
	if !a.enabled {
		return Token{}, ErrAuthDisabled
	}
	nameOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	// the hash comparison runs even for a wrong name
	passErr := bcrypt.CompareHashAndPassword(a.hash, []byte(password))
	if !nameOK || passErr != nil {
		return Token{}, ErrInvalidCredentials
	}
	return a.tokens.issue(a.username)
}

// Verify returns the claims of a valid token
func (a *Authenticator) Verify(token string) (*Claims, error) {
	return a.tokens.verify(token)
}
