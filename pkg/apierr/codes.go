// Package apierr defines the stable error-code vocabulary emitted verbatim
// in artifacts and APIs, and the RFC 7807 Problem Detail HTTP envelope
// that wraps it at the transport boundary.
package apierr

// Code is one of the stable string constants from the error taxonomy.
// These strings are persisted into artifacts and returned to clients; they
// must never be renamed once shipped.
type Code string

const (
	// Schema
	SchemaInvalid            Code = "SCHEMA_INVALID"
	UnsupportedSchemaVersion Code = "UNSUPPORTED_SCHEMA_VERSION"

	// Canonicalization
	CanonicalJSONUnsupportedValue Code = "CANONICAL_JSON_UNSUPPORTED_VALUE"

	// Auth
	AuthKeyMissing     Code = "AUTH_KEY_MISSING"
	SignerNotTrusted   Code = "SIGNER_NOT_TRUSTED"
	SignerKeyNotActive Code = "SIGNER_KEY_NOT_ACTIVE"

	// Chain / append
	OptimisticConcurrencyConflict Code = "OPTIMISTIC_CONCURRENCY_CONFLICT"
	EventIntegrityInvalid         Code = "EVENT_INTEGRITY_INVALID"
	ChainBrokenAtIndex            Code = "CHAIN_BROKEN_AT_INDEX_i"

	// Artifact
	ArtifactHashMismatch                      Code = "ARTIFACT_HASH_MISMATCH"
	CrossArtifactBindingMismatch               Code = "CROSS_ARTIFACT_BINDING_MISMATCH"
	ConformanceStrictArtifactValidationFailed  Code = "CONFORMANCE_STRICT_ARTIFACT_VALIDATION_FAILED"

	// x402
	X402ProviderSignatureInvalid        Code = "X402_PROVIDER_SIGNATURE_INVALID"
	X402ReversalBindingEvidenceReq      Code = "X402_REVERSAL_BINDING_EVIDENCE_REQUIRED"
	X402ReversalBindingEvidenceMismatch Code = "X402_REVERSAL_BINDING_EVIDENCE_MISMATCH"
	X402AgentSuspended                  Code = "X402_AGENT_SUSPENDED"
	X402AgentThrottled                  Code = "X402_AGENT_THROTTLED"
	X402AgentSignerKeyInvalid           Code = "X402_AGENT_SIGNER_KEY_INVALID"

	// Session
	SessionReplayChainInvalid      Code = "SESSION_REPLAY_CHAIN_INVALID"
	SessionReplayProvenanceInvalid Code = "SESSION_REPLAY_PROVENANCE_INVALID"
	SessionEventCursorConflict     Code = "SESSION_EVENT_CURSOR_CONFLICT"

	// Delivery
	DeliveryHTTPError            Code = "DELIVERY_HTTP_ERROR"
	DeliveryTimeout              Code = "DELIVERY_TIMEOUT"
	DeliveryMaxAttemptsExceeded  Code = "DELIVERY_MAX_ATTEMPTS_EXCEEDED"

	// ZIP
	ZipBudgetExceeded Code = "ZIP_BUDGET_EXCEEDED"
	ZipUnsafeEntry    Code = "ZIP_UNSAFE_ENTRY"
)
