package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
)

// Role names a category of trusted signer, per spec §4.2's trust file:
// "governanceRoots, pricingSigners, timeAuthorities, buyerDecisionSigners".
type Role string

const (
	RoleGovernanceRoot Role = "governanceRoots"
	RolePricingSigner  Role = "pricingSigners"
	RoleTimeAuthority  Role = "timeAuthorities"
	RoleBuyerDecision  Role = "buyerDecisionSigners"
)

// NamedKey is one entry of a trust file: a role-scoped public key.
type NamedKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	Name         string `json:"name,omitempty"`
}

// TrustFile enumerates the named public keys a verifier accepts as roots,
// loaded at boot and swapped atomically (spec §5 "Shared resources").
type TrustFile struct {
	mu    sync.RWMutex
	roles map[Role]map[string]NamedKey // role -> keyId -> key
}

// NewTrustFile builds an empty trust file.
func NewTrustFile() *TrustFile {
	return &TrustFile{roles: make(map[Role]map[string]NamedKey)}
}

// LoadTrustFileJSON parses a single `{"governanceRoots":[...], ...}`
// document keyed by role. The TRUSTED_*_KEYS_JSON environment variables do
// not use this shape: pkg/config reads each of them as a bare []NamedKey
// array for one role.
func LoadTrustFileJSON(data []byte) (*TrustFile, error) {
	var raw map[Role][]NamedKey
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("crypto: parse trust file: %w", err)
	}
	tf := NewTrustFile()
	for role, keys := range raw {
		for _, k := range keys {
			tf.Add(role, k)
		}
	}
	return tf, nil
}

// Add registers a named key under a role.
func (t *TrustFile) Add(role Role, key NamedKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roles[role] == nil {
		t.roles[role] = make(map[string]NamedKey)
	}
	t.roles[role][key.KeyID] = key
}

// Lookup returns the named key for a keyId within a role.
func (t *TrustFile) Lookup(role Role, keyID string) (NamedKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byID, ok := t.roles[role]
	if !ok {
		return NamedKey{}, false
	}
	k, ok := byID[keyID]
	return k, ok
}

// IsTrusted reports whether keyID is registered under any of the given
// roles. Verifiers use this to fail closed with SIGNER_NOT_TRUSTED.
func (t *TrustFile) IsTrusted(keyID string, roles ...Role) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, role := range roles {
		if byID, ok := t.roles[role]; ok {
			if _, ok := byID[keyID]; ok {
				return true
			}
		}
	}
	return false
}

// VerifySignedBy verifies data/signature against the named key registered
// for keyID under role. Returns (false, nil) — not an error — when the key
// is unknown or the role lacks it, so callers can map that to
// SIGNER_NOT_TRUSTED without a type assertion on error values.
func (t *TrustFile) VerifySignedBy(role Role, keyID string, data []byte, signatureBase64 string) (bool, error) {
	named, ok := t.Lookup(role, keyID)
	if !ok {
		return false, nil
	}
	return Verify(data, signatureBase64, named.PublicKeyPEM)
}

// Snapshot returns a deep copy of the trust file suitable for a request
// handler to hold for the duration of one request, isolated from
// concurrent atomic-swap reloads (spec §5).
func (t *TrustFile) Snapshot() *TrustFile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clone := NewTrustFile()
	for role, byID := range t.roles {
		for id, k := range byID {
			clone.roles[role] = mapPut(clone.roles[role], id, k)
		}
	}
	return clone
}

func mapPut(m map[string]NamedKey, k string, v NamedKey) map[string]NamedKey {
	if m == nil {
		m = make(map[string]NamedKey)
	}
	m[k] = v
	return m
}

// ed25519PublicKeyOf is a convenience used by tests and callers that need
// the raw key rather than round-tripping through PEM text.
func ed25519PublicKeyOf(named NamedKey) (ed25519.PublicKey, error) {
	return PublicKeyFromPEM([]byte(named.PublicKeyPEM))
}
