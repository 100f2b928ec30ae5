// Package crypto implements Ed25519 keypair generation, detached signing
// and verification, and the named-role trust file used to validate every
// signed artifact, event, and provider attestation in settld (spec §4.2).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrInvalidKeyID is returned when a keyId does not have the "ed25519:"
// prefix this implementation emits and expects.
var ErrInvalidKeyID = errors.New("crypto: invalid key id")

const keyIDPrefix = "ed25519:"

// KeyPair is an Ed25519 keypair with its derived keyId. The private key
// never leaves the process that generated or loaded it; only PublicKeyPEM
// and KeyID are ever written to an artifact.
type KeyPair struct {
	KeyID          string
	PublicKeyPEM   string
	privateKey     ed25519.PrivateKey
	publicKeyBytes ed25519.PublicKey
}

// GenerateKeyPair creates a new random Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return newKeyPair(pub, priv)
}

// LoadKeyPair reconstructs a KeyPair from a full 64-byte Ed25519 private
// key (for example one returned by ed25519.NewKeyFromSeed). A bare 32-byte
// seed is not accepted here.
func LoadKeyPair(priv ed25519.PrivateKey) (*KeyPair, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("crypto: unable to derive public key")
	}
	return newKeyPair(pub, priv)
}

func newKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*KeyPair, error) {
	pemBytes := PublicKeyToPEM(pub)
	return &KeyPair{
		KeyID:          DeriveKeyID(pemBytes),
		PublicKeyPEM:   string(pemBytes),
		privateKey:     priv,
		publicKeyBytes: pub,
	}, nil
}

// DeriveKeyID computes keyId = "ed25519:" + first 32 hex chars of
// SHA-256(pemBytes), per spec §4.2.
func DeriveKeyID(pemBytes []byte) string {
	sum := sha256.Sum256(pemBytes)
	return keyIDPrefix + hex.EncodeToString(sum[:])[:32]
}

// PublicKeyToPEM encodes an Ed25519 public key as a PEM block.
func PublicKeyToPEM(pub ed25519.PublicKey) []byte {
	block := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pub,
	}
	return pem.EncodeToMemory(block)
}

// PublicKeyFromPEM decodes a PEM-encoded Ed25519 public key.
func PublicKeyFromPEM(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("crypto: invalid PEM block")
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: invalid ed25519 public key size: %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// Sign signs data with the keypair's private key, returning a base64
// signature (spec §3.2: "signature (base64, optional)").
func (k *KeyPair) Sign(data []byte) string {
	sig := ed25519.Sign(k.privateKey, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKey returns the raw Ed25519 public key bytes.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.publicKeyBytes
}

// Verify checks a base64 signature against data using publicKeyPEM,
// returning (false, err) only for malformed inputs — a genuine signature
// mismatch returns (false, nil) so callers can fold it into a Report
// instead of propagating a Go error.
func Verify(data []byte, signatureBase64 string, publicKeyPEM string) (bool, error) {
	pub, err := PublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid base64 signature: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifyWithKey is Verify against an already-parsed public key.
func VerifyWithKey(data []byte, signatureBase64 string, pub ed25519.PublicKey) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid base64 signature: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}
