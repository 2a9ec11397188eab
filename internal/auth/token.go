// Package auth guards the admin surface. A single operator bearer token is
// verified against a bcrypt hash so the plaintext never sits in config.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("unauthorized")

// TokenVerifier checks presented tokens against the configured hash.
type TokenVerifier struct {
	hash []byte
}

// NewTokenVerifier validates that hash is a well-formed bcrypt hash before
// accepting it, so a mangled deployment value fails at startup instead of
// rejecting every request.
func NewTokenVerifier(hash string) (*TokenVerifier, error) {
	if hash == "" {
		return nil, errors.New("empty token hash")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &TokenVerifier{hash: []byte(hash)}, nil
}

func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashToken produces the bcrypt hash a deployment configures. Exposed for
// operator tooling and tests.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

type Middleware struct {
	verifier *TokenVerifier
}

// NewMiddleware wraps admin handlers. A nil verifier means no token was
// configured; the middleware then rejects everything rather than serving
// the admin surface open.
func NewMiddleware(verifier *TokenVerifier) *Middleware {
	return &Middleware{verifier: verifier}
}

func (m *Middleware) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.verifier == nil {
			http.Error(w, "admin token not configured", http.StatusUnauthorized)
			return
		}

		token := ExtractBearerToken(r)
		if err := m.verifier.Verify(token); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Admin API"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
