package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"wallet/internal/identity"
)

var (
	ErrMissingToken   = errors.New("authorization header required")
	ErrMalformedToken = errors.New("invalid token format")
)

// Verifier resolves a session token to the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.Contains(token, " ") {
		return "", ErrMalformedToken
	}
	return token, nil
}

// Authenticate verifies the request's bearer token and returns who made it.
// Every failure is reported as identity.ErrUnauthenticated.
func Authenticate(ctx context.Context, v Verifier, r *http.Request) (identity.Identity, error) {
	token, err := BearerToken(r)
	if err != nil {
		return identity.Identity{}, errors.Join(identity.ErrUnauthenticated, err)
	}
	return v.Verify(ctx, token)
}
