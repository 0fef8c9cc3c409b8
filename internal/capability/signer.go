// Package capability mints and verifies the short-lived, single-use,
// session-bound tokens that authorize one WebSocket attach. Tokens are
// ES256-signed JWTs; the controller publishes the verification keys as a
// JWKS document and the gateway verifies against it, so the gateway never
// holds signing material.
package capability

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the fixed audience claim of attach tokens.
const Audience = "attach"

// Claims are the signed contents of an attach token. The registered ID (jti)
// is the one-time token id recorded in the shared store; SessionID binds the
// token to exactly one session.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Minted is the result of minting one attach token.
type Minted struct {
	TokenID   string
	Token     string
	ExpiresAt time.Time
}

// Signer holds the controller's private signing key and the derived public
// key set document.
type Signer struct {
	key  *ecdsa.PrivateKey
	kid  string
	jwks []byte
}

// LoadSigner reads a PEM-encoded ECDSA P-256 private key (SEC1 or PKCS#8)
// from the given path.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key material: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("key material at %s is not PEM", path)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC private key: %w", err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 private key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key material is %T, want *ecdsa.PrivateKey", parsed)
		}
		key = ecKey
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	return newSigner(key)
}

// NewEphemeralSigner generates a fresh P-256 key. Tokens signed with it stop
// verifying when the process restarts, which is acceptable for development
// and tests only.
func NewEphemeralSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return newSigner(key)
}

func newSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	// Key id derived from the public key so that it is stable across
	// restarts with the same key material and globally unique across
	// rotations.
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(pub)
	kid := hex.EncodeToString(sum[:])[:16]

	jwk, err := jwkset.NewJWKFromKey(&key.PublicKey, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgES256,
			KID: kid,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build JWK: %w", err)
	}

	doc, err := json.Marshal(jwkset.JWKSMarshal{Keys: []jwkset.JWKMarshal{jwk.Marshal()}})
	if err != nil {
		return nil, fmt.Errorf("marshal JWKS: %w", err)
	}

	return &Signer{key: key, kid: kid, jwks: doc}, nil
}

// KeyID returns the identifier embedded in token headers and the JWKS.
func (s *Signer) KeyID() string {
	return s.kid
}

// JWKS returns the public key set document served at the well-known path.
func (s *Signer) JWKS() []byte {
	return s.jwks
}

// Mint produces a signed attach token bound to the given session. The token
// id (jti) is freshly randomized on every call; the caller must record it in
// the shared store before handing the token out.
func (s *Signer) Mint(subject, sessionID string, ttl time.Duration) (*Minted, error) {
	now := time.Now().UTC()
	tokenID := uuid.NewString()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &Minted{TokenID: tokenID, Token: signed, ExpiresAt: expiresAt}, nil
}
