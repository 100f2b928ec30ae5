package artifacts

import (
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/chain"
	"github.com/settld/substrate/pkg/crypto"
)

const (
	SchemaSessionReplayPackV1 = "SessionReplayPack.v1"
	SchemaSessionTranscriptV1 = "SessionTranscript.v1"
)

// ReplayVerification is the verification block embedded in a
// SessionReplayPack (spec §4.9).
type ReplayVerification struct {
	ChainOK            bool              `json:"chainOk"`
	VerifiedEventCount int               `json:"verifiedEventCount"`
	Provenance         ProvenanceSummary `json:"provenance"`
}

type ProvenanceSummary struct {
	OK                bool `json:"ok"`
	VerifiedEventCount int  `json:"verifiedEventCount"`
	TaintedEventCount  int  `json:"taintedEventCount"`
}

// SessionReplayPackCore is the ordered event list plus derived chain and
// provenance verification for one session.
type SessionReplayPackCore struct {
	SessionID     string             `json:"sessionId"`
	Events        []*chain.Event     `json:"events"`
	EventCount    int                `json:"eventCount"`
	HeadChainHash *string            `json:"headChainHash"`
	Verification  ReplayVerification `json:"verification"`
}

type SessionReplayPack struct {
	Wrapper
	SignedCore
	PackCore SessionReplayPackCore `json:"packCore"`
	PackHash string                `json:"packHash"`
}

// BuildSessionReplayPack recomputes the chain and provenance state over
// events and folds them into a signed, hash-bound replay pack.
func BuildSessionReplayPack(sessionID string, events []*chain.Event, now time.Time, signer *crypto.KeyPair) (*SessionReplayPack, error) {
	chainReport := chain.VerifyChain(events)
	taint := VerifyProvenanceTaint(events)

	var head *string
	if len(events) > 0 {
		h := events[len(events)-1].ChainHash
		head = &h
	}

	core := SessionReplayPackCore{
		SessionID:  sessionID,
		Events:     events,
		EventCount: len(events),
		Verification: ReplayVerification{
			ChainOK:            chainReport.OK,
			VerifiedEventCount: len(events),
			Provenance:         taint.Summary,
		},
		HeadChainHash: head,
	}

	if schemaErr := ValidateCoreSchema(SchemaSessionReplayPackV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}

	pack := &SessionReplayPack{
		Wrapper:  Wrapper{SchemaVersion: SchemaSessionReplayPackV1, GeneratedAt: now},
		PackCore: core,
		PackHash: hash,
	}
	if signer != nil {
		sig, keyID, err := SignCore(core, signer)
		if err != nil {
			return nil, err
		}
		pack.Signature = sig
		pack.SignerKeyID = keyID
	}
	return pack, nil
}

// VerifyReplayPack is the pure verifier: it independently recomputes the
// chain and taint state over PackCore.Events and fails closed on any
// divergence from the recorded verification block (spec §4.9).
func VerifyReplayPack(pack *SessionReplayPack, trust *crypto.TrustFile) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaSessionReplayPackV1, pack.SchemaVersion)
	CheckHashBinding(r, "$.packHash", pack.PackCore, pack.PackHash)

	chainReport := chain.VerifyChain(pack.PackCore.Events)
	if chainReport.OK != pack.PackCore.Verification.ChainOK {
		r.Fail(apierr.SessionReplayChainInvalid, "$.packCore.verification.chainOk", "recomputed chain verification does not match recorded value")
	}
	r.Merge(tamperSafeChainReport(chainReport))

	taint := VerifyProvenanceTaint(pack.PackCore.Events)
	if taint.Summary != pack.PackCore.Verification.Provenance {
		r.Fail(apierr.SessionReplayProvenanceInvalid, "$.packCore.verification.provenance", "recomputed provenance taint does not match recorded value")
	}

	if trust != nil && pack.Signature != "" {
		VerifyCoreSignature(r, "$.signature", pack.PackCore, pack.SignerKeyID, pack.Signature, trust, crypto.RoleBuyerDecision)
	}
	return r
}

// tamperSafeChainReport re-tags chain integrity findings with the
// session-scoped error code so callers see SESSION_REPLAY_CHAIN_INVALID
// rather than the raw chain package code.
func tamperSafeChainReport(report *apierr.Report) *apierr.Report {
	retagged := apierr.NewReport()
	for _, f := range report.Errors {
		retagged.Fail(apierr.SessionReplayChainInvalid, f.Path, f.Message)
	}
	return retagged
}

// SessionTranscriptCore additionally binds a sessionHash and must match the
// replay pack's headChainHash and eventCount (spec §4.9).
type SessionTranscriptCore struct {
	SessionID     string  `json:"sessionId"`
	SessionHash   string  `json:"sessionHash"`
	HeadChainHash *string `json:"headChainHash"`
	EventCount    int     `json:"eventCount"`
}

type SessionTranscript struct {
	Wrapper
	TranscriptCore SessionTranscriptCore `json:"transcriptCore"`
	TranscriptHash string                `json:"transcriptHash"`
}

func BuildSessionTranscript(sessionHash string, pack *SessionReplayPack, now time.Time) (*SessionTranscript, error) {
	core := SessionTranscriptCore{
		SessionID:     pack.PackCore.SessionID,
		SessionHash:   sessionHash,
		HeadChainHash: pack.PackCore.HeadChainHash,
		EventCount:    pack.PackCore.EventCount,
	}
	if schemaErr := ValidateCoreSchema(SchemaSessionTranscriptV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &SessionTranscript{
		Wrapper:        Wrapper{SchemaVersion: SchemaSessionTranscriptV1, GeneratedAt: now},
		TranscriptCore: core,
		TranscriptHash: hash,
	}, nil
}

func VerifyTranscript(transcript *SessionTranscript, pack *SessionReplayPack) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaSessionTranscriptV1, transcript.SchemaVersion)
	CheckHashBinding(r, "$.transcriptHash", transcript.TranscriptCore, transcript.TranscriptHash)
	if pack != nil {
		if transcript.TranscriptCore.EventCount != pack.PackCore.EventCount {
			r.Fail(apierr.SchemaInvalid, "$.transcriptCore.eventCount", "does not match replay pack eventCount")
		}
		if !hashPtrEqual(transcript.TranscriptCore.HeadChainHash, pack.PackCore.HeadChainHash) {
			r.Fail(apierr.SchemaInvalid, "$.transcriptCore.headChainHash", "does not match replay pack headChainHash")
		}
	}
	return r
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
