// Package auth authenticates callers of the controller API. Two admission
// strategies exist: a static API key set and identity tokens issued by an
// external provider. The gateway never uses this package; it only ever sees
// capability tokens.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingCredentials means no bearer credential was presented.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidCredentials means a credential was presented but did not
	// verify.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Authenticator resolves a request to an opaque owner id.
type Authenticator interface {
	// Authenticate returns the caller's owner id, or ErrMissingCredentials /
	// ErrInvalidCredentials.
	Authenticate(r *http.Request) (string, error)
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidCredentials
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}
