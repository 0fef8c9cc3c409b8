package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
)

// APIKeyAuthenticator admits callers presenting one of a configured set of
// static keys. The owner id is a stable hash of the matched key, so rate
// limiting and session ownership work without a user directory.
type APIKeyAuthenticator struct {
	keys []string
}

// NewAPIKeyAuthenticator builds an authenticator over the configured keys.
func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate compares the presented bearer credential against every
// configured key in constant time.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	token, err := bearerToken(r)
	if err != nil {
		return "", err
	}

	for _, key := range a.keys {
		if key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return ownerIDForKey(key), nil
		}
	}
	return "", ErrInvalidCredentials
}

func ownerIDForKey(key string) string {
	sum := sha256.Sum256([]byte("api-key/" + key))
	return fmt.Sprintf("key-%s", hex.EncodeToString(sum[:])[:16])
}
