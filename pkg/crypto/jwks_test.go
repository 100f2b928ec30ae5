package crypto

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWKSResolver_ResolveAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	doc := jwksDoc{Keys: []jwk{{
		Kty: "OKP",
		Crv: "Ed25519",
		Kid: "provider-key-1",
		X:   base64.RawURLEncoding.EncodeToString(kp.PublicKey()),
	}}}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	fetchCount := 0
	resolver := NewJWKSResolver(func() ([]byte, error) {
		fetchCount++
		return raw, nil
	}, time.Hour)

	data := []byte("provider attestation payload")
	sig := kp.Sign(data)

	ok, err := resolver.VerifyWithJWKS("provider-key-1", data, sig)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, fetchCount)

	// Second resolve within the TTL window should reuse the cache.
	_, err = resolver.Resolve("provider-key-1")
	require.NoError(t, err)
	require.Equal(t, 1, fetchCount)
}

func TestJWKSResolver_UnknownKidErrors(t *testing.T) {
	resolver := NewJWKSResolver(func() ([]byte, error) {
		return []byte(`{"keys":[]}`), nil
	}, time.Hour)

	_, err := resolver.Resolve("missing")
	require.Error(t, err)
}

func TestJWKSResolver_RefreshesStaleCache(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	doc := jwksDoc{Keys: []jwk{{Kty: "OKP", Crv: "Ed25519", Kid: "k1", X: base64.RawURLEncoding.EncodeToString(kp.PublicKey())}}}
	raw, _ := json.Marshal(doc)

	fetchCount := 0
	resolver := NewJWKSResolver(func() ([]byte, error) {
		fetchCount++
		return raw, nil
	}, 0) // always stale

	_, err = resolver.Resolve("k1")
	require.NoError(t, err)
	_, err = resolver.Resolve("k1")
	require.NoError(t, err)
	require.Equal(t, 2, fetchCount)
}
