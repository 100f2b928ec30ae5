// Package artifacts implements the hash-bound artifact family: each
// artifact is a pure function of current store state, wrapping an inner
// "Core.vN" object whose canonical hash is the artifact's identity.
// Builders and verifiers never throw — verification failures are entries
// in an apierr.Report.
package artifacts

import (
	"fmt"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/canonicalize"
	"github.com/settld/substrate/pkg/crypto"
)

// Wrapper is embedded by every concrete artifact type. The name-specific
// `<name>Hash` field lives on the concrete struct; Wrapper only carries
// the two fields every artifact shares.
type Wrapper struct {
	SchemaVersion string    `json:"schemaVersion"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// HashCore canonicalizes core and returns its sha256 hex digest — the
// `<name>Hash = SHA256(canonical(core))` rule from spec §3.4.
func HashCore(core interface{}) (string, error) {
	digest, err := canonicalize.Hash(core)
	if err != nil {
		return "", fmt.Errorf("artifacts: canonicalize core: %w", err)
	}
	return digest, nil
}

// CheckSchemaVersion fails closed on any mismatch (spec §4.5).
func CheckSchemaVersion(report *apierr.Report, path, expected, actual string) {
	if expected != actual {
		report.Fail(apierr.UnsupportedSchemaVersion, path,
			fmt.Sprintf("expected schema version %q, got %q", expected, actual))
	}
}

// CheckHashBinding recomputes the hash of core and compares it against the
// wrapper's recorded hash, failing closed on any mismatch.
func CheckHashBinding(report *apierr.Report, path string, core interface{}, recordedHash string) {
	actual, err := HashCore(core)
	if err != nil {
		report.Fail(apierr.ArtifactHashMismatch, path, err.Error())
		return
	}
	if actual != recordedHash {
		report.Fail(apierr.ArtifactHashMismatch, path,
			fmt.Sprintf("expected hash %s, recomputed %s", recordedHash, actual))
	}
}

// CheckCrossArtifactBinding verifies that an embedded core canonicalizes
// identically to its standalone counterpart (spec §4.5's
// `CertBundleCore.reportCore` MUST canonicalize identically rule).
func CheckCrossArtifactBinding(report *apierr.Report, path string, embedded, standalone interface{}) {
	embeddedBytes, err := canonicalize.Canonical(embedded)
	if err != nil {
		report.Fail(apierr.ConformanceStrictArtifactValidationFailed, path, err.Error())
		return
	}
	standaloneBytes, err := canonicalize.Canonical(standalone)
	if err != nil {
		report.Fail(apierr.ConformanceStrictArtifactValidationFailed, path, err.Error())
		return
	}
	if string(embeddedBytes) != string(standaloneBytes) {
		report.Fail(apierr.ConformanceStrictArtifactValidationFailed, path,
			"embedded core does not canonicalize identically to the standalone core")
	}
}

// SignedCore is any core payload carrying an optional detached signature
// over its own canonical bytes plus the keyId that produced it.
type SignedCore struct {
	SignerKeyID string `json:"signerKeyId,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// SignCore signs the canonical bytes of core (core must NOT itself embed
// the SignedCore fields being populated, or the signature would cover its
// own output) and returns the detached signature plus keyId.
func SignCore(core interface{}, signer *crypto.KeyPair) (signature, keyID string, err error) {
	bytes, err := canonicalize.Canonical(core)
	if err != nil {
		return "", "", fmt.Errorf("artifacts: canonicalize for signing: %w", err)
	}
	return signer.Sign(bytes), signer.KeyID, nil
}

// VerifyCoreSignature verifies a detached signature over core's canonical
// bytes against a role-scoped trust file, failing closed with
// SIGNER_NOT_TRUSTED on an unrecognized keyId (spec §4.5).
func VerifyCoreSignature(report *apierr.Report, path string, core interface{}, signerKeyID, signature string, trust *crypto.TrustFile, role crypto.Role) {
	if signerKeyID == "" && signature == "" {
		return
	}
	if signerKeyID == "" || signature == "" {
		report.Fail(apierr.SchemaInvalid, path, "signature present without signerKeyId or vice versa")
		return
	}
	bytes, err := canonicalize.Canonical(core)
	if err != nil {
		report.Fail(apierr.ArtifactHashMismatch, path, err.Error())
		return
	}
	ok, err := trust.VerifySignedBy(role, signerKeyID, bytes, signature)
	if err != nil || !ok {
		report.Fail(apierr.SignerNotTrusted, path, fmt.Sprintf("signature by %s does not verify against a trusted %s key", signerKeyID, role))
	}
}
