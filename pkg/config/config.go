// Package config loads server configuration from the environment once at
// boot and exposes it as an atomically-swappable snapshot (spec §5's
// "Shared resources": trust and signer configuration is loaded at startup
// and refreshed via an atomic swap; in-flight requests use the snapshot
// they started with).
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/settld/substrate/pkg/crypto"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	StoreDriver string // "memory" | "postgres" | "sqlite"
	DatabaseURL string
	RedisURL    string

	S3Bucket  string
	GCSBucket string

	OutboxMaxAttempts  int
	OutboxLeaseSeconds int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelServiceName string

	Trust *crypto.TrustFile

	// Signer signs artifacts this process builds on a caller's behalf
	// (session replay packs today). Loaded from SETTLD_SESSION_SIGNER_SEED_HEX
	// when set, otherwise a fresh keypair is generated at boot — fine for a
	// single-process deployment, but a restart invalidates every signature
	// it produced, so a real deployment must pin the seed.
	Signer *crypto.KeyPair
}

// current is the boot snapshot; handlers that need live config call
// Current() rather than holding a *Config across a reload.
var current atomic.Pointer[Config]

// envAlias pairs a canonical SETTLD_ env var with its deprecated NOOTERRA_
// alias (Open Question decision #1: canonical prefix is `settld`,
// `NOOTERRA_*` is accepted as a deprecated alias logged once when used).
func envAlias(canonical, legacy string) string {
	if v := os.Getenv(canonical); v != "" {
		return v
	}
	if v := os.Getenv(legacy); v != "" {
		slog.Warn("config: using deprecated env var alias", "legacy", legacy, "canonical", canonical)
		return v
	}
	return ""
}

// Load loads configuration from environment variables and stores it as the
// current boot snapshot.
func Load() *Config {
	cfg := load()
	current.Store(cfg)
	return cfg
}

// Current returns the most recently loaded snapshot, or a freshly loaded
// one if Load has never been called.
func Current() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	return Load()
}

func load() *Config {
	port := envAlias("SETTLD_PORT", "NOOTERRA_PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := envAlias("SETTLD_LOG_LEVEL", "NOOTERRA_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storeDriver := envAlias("SETTLD_STORE_DRIVER", "NOOTERRA_STORE_DRIVER")
	if storeDriver == "" {
		storeDriver = "memory"
	}

	dbURL := envAlias("SETTLD_DATABASE_URL", "NOOTERRA_DATABASE_URL")
	redisURL := envAlias("SETTLD_REDIS_URL", "NOOTERRA_REDIS_URL")
	s3Bucket := envAlias("SETTLD_S3_BUCKET", "NOOTERRA_S3_BUCKET")
	gcsBucket := envAlias("SETTLD_GCS_BUCKET", "NOOTERRA_GCS_BUCKET")

	maxAttempts := 10
	if v := envAlias("SETTLD_OUTBOX_MAX_ATTEMPTS", "NOOTERRA_OUTBOX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxAttempts = n
		} else {
			slog.Warn("config: invalid SETTLD_OUTBOX_MAX_ATTEMPTS, using default", "value", v)
		}
	}

	leaseSeconds := 30
	if v := envAlias("SETTLD_OUTBOX_LEASE_SECONDS", "NOOTERRA_OUTBOX_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			leaseSeconds = n
		} else {
			slog.Warn("config: invalid SETTLD_OUTBOX_LEASE_SECONDS, using default", "value", v)
		}
	}

	trust, err := loadTrustFile()
	if err != nil {
		slog.Error("config: failed loading trust file, starting with an empty trust file", "error", err)
		trust = crypto.NewTrustFile()
	}

	otelEnabled := false
	if v := envAlias("SETTLD_OTEL_ENABLED", "NOOTERRA_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			otelEnabled = b
		} else {
			slog.Warn("config: invalid SETTLD_OTEL_ENABLED, disabling observability", "value", v)
		}
	}
	otelEndpoint := envAlias("SETTLD_OTEL_ENDPOINT", "NOOTERRA_OTEL_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	otelServiceName := envAlias("SETTLD_OTEL_SERVICE_NAME", "NOOTERRA_OTEL_SERVICE_NAME")
	if otelServiceName == "" {
		otelServiceName = "settld-substrate"
	}

	signer, err := loadSessionSigner()
	if err != nil {
		slog.Error("config: failed loading session signer, generating an ephemeral one", "error", err)
		signer, _ = crypto.GenerateKeyPair()
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		StoreDriver:        storeDriver,
		DatabaseURL:        dbURL,
		RedisURL:           redisURL,
		S3Bucket:           s3Bucket,
		GCSBucket:          gcsBucket,
		OutboxMaxAttempts:  maxAttempts,
		OutboxLeaseSeconds: leaseSeconds,
		OtelEnabled:        otelEnabled,
		OtelEndpoint:       otelEndpoint,
		OtelServiceName:    otelServiceName,
		Signer:             signer,
		Trust:              trust,
	}
}

// trustEnvVars maps each trust role to the env var carrying its JSON-encoded
// []NamedKey array (spec §6 "Trust and config env").
var trustEnvVars = []struct {
	role crypto.Role
	env  string
}{
	{crypto.RoleGovernanceRoot, "TRUSTED_GOVERNANCE_ROOT_KEYS_JSON"},
	{crypto.RolePricingSigner, "TRUSTED_PRICING_SIGNER_KEYS_JSON"},
	{crypto.RoleTimeAuthority, "TRUSTED_TIME_AUTHORITY_KEYS_JSON"},
	{crypto.RoleBuyerDecision, "TRUSTED_BUYER_KEYS_JSON"},
}

// loadTrustFile reads each TRUSTED_*_KEYS_JSON env var (a bare []NamedKey
// array, one per role) into a single TrustFile. A missing env var leaves
// that role empty rather than erroring — not every deployment trusts every
// role.
func loadTrustFile() (*crypto.TrustFile, error) {
	tf := crypto.NewTrustFile()
	for _, rv := range trustEnvVars {
		raw := os.Getenv(rv.env)
		if raw == "" {
			continue
		}
		var keys []crypto.NamedKey
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", rv.env, err)
		}
		for _, k := range keys {
			tf.Add(rv.role, k)
		}
	}
	return tf, nil
}

// loadSessionSigner reads a hex-encoded Ed25519 seed from
// SETTLD_SESSION_SIGNER_SEED_HEX, if set. A missing env var is not an
// error; a freshly generated ephemeral keypair is returned instead.
func loadSessionSigner() (*crypto.KeyPair, error) {
	seedHex := envAlias("SETTLD_SESSION_SIGNER_SEED_HEX", "NOOTERRA_SESSION_SIGNER_SEED_HEX")
	if seedHex == "" {
		return crypto.GenerateKeyPair()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("config: decode SETTLD_SESSION_SIGNER_SEED_HEX: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("config: SETTLD_SESSION_SIGNER_SEED_HEX must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return crypto.LoadKeyPair(ed25519.NewKeyFromSeed(seed))
}
