package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwk is the subset of RFC 7517 fields this resolver understands: Ed25519
// (OKP/Ed25519) keys only, matching the ed25519-only signing scheme used
// throughout settld.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// JWKSResolver turns a provider's published JSON Web Key Set into an
// ed25519.PublicKey lookup by kid, so a provider can rotate its signing
// key without settld needing a redeployment to learn the new one (spec
// §12's JWKS-backed signer resolution, additive to the static trust file).
type JWKSResolver struct {
	mu         sync.RWMutex
	keys       map[string]ed25519.PublicKey
	fetchedAt  time.Time
	fetcher    func() ([]byte, error)
	refreshTTL time.Duration
}

// NewJWKSResolver builds a resolver backed by fetcher, which returns the
// raw bytes of a JWKS document (typically an HTTP GET against a provider's
// well-known endpoint). Keys are cached for refreshTTL before re-fetching.
func NewJWKSResolver(fetcher func() ([]byte, error), refreshTTL time.Duration) *JWKSResolver {
	return &JWKSResolver{
		keys:       make(map[string]ed25519.PublicKey),
		fetcher:    fetcher,
		refreshTTL: refreshTTL,
	}
}

// Resolve returns the Ed25519 public key for kid, refreshing the cached
// key set if it is stale or kid is unknown.
func (r *JWKSResolver) Resolve(kid string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	key, ok := r.keys[kid]
	stale := time.Since(r.fetchedAt) > r.refreshTTL
	r.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if err := r.refresh(); err != nil {
		if ok {
			return key, nil // serve stale key rather than fail a request on a transient fetch error
		}
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok = r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("crypto: jwks: unknown kid %q", kid)
	}
	return key, nil
}

func (r *JWKSResolver) refresh() error {
	raw, err := r.fetcher()
	if err != nil {
		return fmt.Errorf("crypto: jwks: fetch: %w", err)
	}
	var doc jwksDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("crypto: jwks: decode: %w", err)
	}
	next := make(map[string]ed25519.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			continue
		}
		pub, err := decodeJWKX(k.X)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	r.mu.Lock()
	r.keys = next
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func decodeJWKX(x string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(x)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: jwks: invalid ed25519 key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyWithJWKS verifies a detached signature (the base64 signature
// scheme used by artifacts and events) using a key resolved from a JWKS
// document rather than the static trust file.
func (r *JWKSResolver) VerifyWithJWKS(kid string, data []byte, signatureBase64 string) (bool, error) {
	pub, err := r.Resolve(kid)
	if err != nil {
		return false, err
	}
	return VerifyWithKey(data, signatureBase64, pub)
}

// KeyFunc adapts the resolver into a jwt.Keyfunc, for providers that
// present attestations as EdDSA-signed JWTs (rather than a detached
// signature over canonical bytes) alongside their JWKS endpoint.
func (r *JWKSResolver) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("crypto: jwks: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("crypto: jwks: missing kid in header")
		}
		return r.Resolve(kid)
	}
}

// ParseProviderJWT parses and verifies an EdDSA-signed provider attestation
// token, resolving its signing key through the JWKS endpoint.
func (r *JWKSResolver) ParseProviderJWT(tokenString string, claims jwt.Claims) (*jwt.Token, error) {
	return jwt.ParseWithClaims(tokenString, claims, r.KeyFunc(), jwt.WithValidMethods([]string{"EdDSA"}))
}
