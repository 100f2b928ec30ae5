package config_test

import (
	"testing"

	"github.com/settld/substrate/pkg/config"
	"github.com/settld/substrate/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"SETTLD_PORT", "NOOTERRA_PORT",
		"SETTLD_LOG_LEVEL", "NOOTERRA_LOG_LEVEL",
		"SETTLD_STORE_DRIVER", "NOOTERRA_STORE_DRIVER",
		"SETTLD_DATABASE_URL", "NOOTERRA_DATABASE_URL",
		"SETTLD_REDIS_URL", "NOOTERRA_REDIS_URL",
		"SETTLD_S3_BUCKET", "NOOTERRA_S3_BUCKET",
		"SETTLD_GCS_BUCKET", "NOOTERRA_GCS_BUCKET",
		"SETTLD_OUTBOX_MAX_ATTEMPTS", "NOOTERRA_OUTBOX_MAX_ATTEMPTS",
		"SETTLD_OUTBOX_LEASE_SECONDS", "NOOTERRA_OUTBOX_LEASE_SECONDS",
		"TRUSTED_GOVERNANCE_ROOT_KEYS_JSON", "TRUSTED_PRICING_SIGNER_KEYS_JSON",
		"TRUSTED_TIME_AUTHORITY_KEYS_JSON", "TRUSTED_BUYER_KEYS_JSON",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "INFO", cfg.LogLevel)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.Equal(t, "", cfg.DatabaseURL)
	require.Equal(t, 10, cfg.OutboxMaxAttempts)
	require.Equal(t, 30, cfg.OutboxLeaseSeconds)
	require.NotNil(t, cfg.Trust)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SETTLD_PORT", "9090")
	t.Setenv("SETTLD_LOG_LEVEL", "DEBUG")
	t.Setenv("SETTLD_STORE_DRIVER", "postgres")
	t.Setenv("SETTLD_DATABASE_URL", "postgres://prod:5432/settld")
	t.Setenv("SETTLD_OUTBOX_MAX_ATTEMPTS", "5")
	t.Setenv("SETTLD_OUTBOX_LEASE_SECONDS", "60")

	cfg := config.Load()

	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.Equal(t, "postgres", cfg.StoreDriver)
	require.Equal(t, "postgres://prod:5432/settld", cfg.DatabaseURL)
	require.Equal(t, 5, cfg.OutboxMaxAttempts)
	require.Equal(t, 60, cfg.OutboxLeaseSeconds)
}

func TestLoad_NooterraAliasIsAccepted(t *testing.T) {
	clearEnv(t)
	t.Setenv("NOOTERRA_PORT", "7070")
	t.Setenv("NOOTERRA_STORE_DRIVER", "sqlite")

	cfg := config.Load()

	require.Equal(t, "7070", cfg.Port)
	require.Equal(t, "sqlite", cfg.StoreDriver)
}

func TestLoad_CanonicalPrefixTakesPrecedenceOverAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("SETTLD_PORT", "9090")
	t.Setenv("NOOTERRA_PORT", "7070")

	cfg := config.Load()

	require.Equal(t, "9090", cfg.Port)
}

func TestLoad_TrustedKeysJSONPopulatesTrustFile(t *testing.T) {
	clearEnv(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	t.Setenv("TRUSTED_GOVERNANCE_ROOT_KEYS_JSON", `[{"keyId":"`+kp.KeyID+`","publicKeyPem":"`+escapePEM(kp.PublicKeyPEM)+`","name":"root-1"}]`)

	cfg := config.Load()

	require.True(t, cfg.Trust.IsTrusted(kp.KeyID, crypto.RoleGovernanceRoot))
	require.False(t, cfg.Trust.IsTrusted(kp.KeyID, crypto.RolePricingSigner))
}

func TestLoad_MalformedTrustedKeysJSONFallsBackToEmptyTrustFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRUSTED_GOVERNANCE_ROOT_KEYS_JSON", `not json`)

	cfg := config.Load()

	require.NotNil(t, cfg.Trust)
	require.False(t, cfg.Trust.IsTrusted("ed25519:anything", crypto.RoleGovernanceRoot))
}

func TestCurrent_ReturnsLastLoadedSnapshot(t *testing.T) {
	clearEnv(t)
	t.Setenv("SETTLD_PORT", "6060")
	config.Load()

	require.Equal(t, "6060", config.Current().Port)
}

// escapePEM replaces newlines with \n so the PEM text can be embedded in a
// single-line JSON string literal in these tests.
func escapePEM(pem string) string {
	out := make([]byte, 0, len(pem))
	for i := 0; i < len(pem); i++ {
		if pem[i] == '\n' {
			out = append(out, '\\', 'n')
			continue
		}
		out = append(out, pem[i])
	}
	return string(out)
}
