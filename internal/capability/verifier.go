package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Verification failures, one per distinct cause. Callers treat all of them
// as fatal to the attach attempt; the split exists for logs and tests.
var (
	ErrMalformed  = errors.New("capability: malformed token")
	ErrUnknownKey = errors.New("capability: unknown key id")
	ErrSignature  = errors.New("capability: signature mismatch")
	ErrExpired    = errors.New("capability: token expired")
	ErrAudience   = errors.New("capability: audience mismatch")
)

// Verifier validates attach tokens against the controller's published key
// set. Keys are fetched from the JWKS endpoint at construction and cached by
// key id with background refresh, so rotation only needs publication.
type Verifier struct {
	mu       sync.RWMutex
	kf       keyfunc.Keyfunc
	jwksURL  string
	audience string
}

// NewVerifier fetches the key set from jwksURL and returns a verifier that
// requires the given audience.
func NewVerifier(ctx context.Context, jwksURL, audience string) (*Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch key set from %s: %w", jwksURL, err)
	}
	return &Verifier{kf: kf, jwksURL: jwksURL, audience: audience}, nil
}

// Reset discards the cached key set and refetches it. Wired to SIGHUP in the
// gateway so operators can force a refresh after an emergency rotation.
func (v *Verifier) Reset(ctx context.Context) error {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{v.jwksURL})
	if err != nil {
		return fmt.Errorf("refetch key set from %s: %w", v.jwksURL, err)
	}
	v.mu.Lock()
	v.kf = kf
	v.mu.Unlock()
	return nil
}

// Verify parses and validates a token and returns its claims. The checks and
// their failure categories:
//
//	unparseable compact form          -> ErrMalformed
//	header kid absent from key set    -> ErrUnknownKey
//	signature invalid for that key    -> ErrSignature
//	exp at or before now              -> ErrExpired
//	aud != expected audience          -> ErrAudience
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	v.mu.RLock()
	kf := v.kf
	v.mu.RUnlock()

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, kf.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", ErrSignature, err)
		case errors.Is(err, jwt.ErrTokenUnverifiable):
			// The keyfunc failed, which for a JWKS keyfunc means the kid
			// was not found in the published set.
			return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if !token.Valid {
		return nil, ErrSignature
	}

	// jwt/v5 treats exp strictly-greater-than-now as live; the attach
	// contract rejects exp equal to the current second as well.
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.After(time.Now()) {
		return nil, ErrExpired
	}

	audOK := false
	for _, aud := range claims.Audience {
		if aud == v.audience {
			audOK = true
			break
		}
	}
	if !audOK {
		return nil, ErrAudience
	}

	if claims.ID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing jti or sid", ErrMalformed)
	}

	return claims, nil
}
