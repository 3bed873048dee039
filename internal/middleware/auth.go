package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lookout/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey ContextKey = "user"
)

// Guard decides which request paths need a token
type Guard struct {
	// Prefixes lists the protected path prefixes, e.g. "/api/"
	Prefixes []string
	// Public lists exact paths under a protected prefix that stay open
	Public []string
}

func (g Guard) protects(path string) bool {
	for _, p := range g.Public {
		if path == p {
			return false
		}
	}
	for _, p := range g.Prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// AuthMiddleware creates an HTTP middleware for JWT authentication.
// Browsers cannot set headers on <img> and WebSocket requests, so a "token"
// query parameter is accepted as well.
func AuthMiddleware(authenticator *auth.Authenticator, guard Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authenticator.Enabled() || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if !guard.protects(r.URL.Path) {
				// open paths still see the caller when a valid token is sent
				if token, ok := bearerToken(r); ok {
					if claims, err := authenticator.Verify(token); err == nil {
						r = r.WithContext(context.WithValue(r.Context(), UserContextKey, claims))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			tokenString, ok := bearerToken(r)
			if !ok {
				writeError(w, "missing authorization header")
				return
			}

			claims, err := authenticator.Verify(tokenString)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					writeError(w, "token has expired")
				} else {
					writeError(w, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}
