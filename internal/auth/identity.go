package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// IdentityAuthenticator admits callers presenting a JWT from an external
// identity provider, verified against the provider's JWKS endpoint. The
// token's subject becomes the owner id.
type IdentityAuthenticator struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewIdentityAuthenticator fetches the provider's key set and returns an
// authenticator enforcing the given issuer (optional) and audience.
func NewIdentityAuthenticator(jwksURL, issuer, audience string) (*IdentityAuthenticator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch identity provider key set: %w", err)
	}

	return &IdentityAuthenticator{jwks: k, issuer: issuer, audience: audience}, nil
}

// Authenticate validates the bearer token and returns its subject.
func (a *IdentityAuthenticator) Authenticate(r *http.Request) (string, error) {
	tokenString, err := bearerToken(r)
	if err != nil {
		return "", err
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.jwks.Keyfunc)
	if err != nil || !token.Valid {
		return "", ErrInvalidCredentials
	}

	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", ErrInvalidCredentials
	}

	if a.audience != "" {
		audOK := false
		for _, aud := range claims.Audience {
			if aud == a.audience {
				audOK = true
				break
			}
		}
		if !audOK {
			return "", ErrInvalidCredentials
		}
	}

	if claims.Subject == "" {
		return "", ErrInvalidCredentials
	}
	return claims.Subject, nil
}
