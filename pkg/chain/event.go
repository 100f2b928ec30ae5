// Package chain implements per-stream, hash-chained, optionally signed
// event sequences with optimistic-concurrency guards (spec §4.3). Every
// other component — sessions, work orders, x402 gates — appends its
// domain events through this package so a single algorithm carries the
// system's tamper-evidence property.
package chain

import (
	"time"

	"github.com/google/uuid"
	"github.com/settld/substrate/pkg/canonicalize"
	"github.com/settld/substrate/pkg/crypto"
)

// Actor identifies who caused an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is the wire and storage shape of one chained event (spec §3.2).
type Event struct {
	V             int             `json:"v"`
	ID            string          `json:"id"`
	StreamID      string          `json:"streamId"`
	Type          string          `json:"type"`
	At            string          `json:"at"`
	Actor         Actor           `json:"actor"`
	Payload       interface{}     `json:"payload"`
	PrevChainHash *string         `json:"prevChainHash"`
	PayloadHash   string          `json:"payloadHash"`
	ChainHash     string          `json:"chainHash"`
	SignerKeyID   *string         `json:"signerKeyId,omitempty"`
	Signature     *string         `json:"signature,omitempty"`
}

// StreamSnapshot records a stream's current chain head (spec §3.3).
type StreamSnapshot struct {
	TenantID      string  `json:"tenantId"`
	StreamID      string  `json:"streamId"`
	LastChainHash *string `json:"lastChainHash"`
	LastEventID   *string `json:"lastEventId"`
}

// idGenerator is overridable for deterministic tests.
var idGenerator = func() string { return "evt_" + uuid.New().String() }

// clock is overridable for deterministic tests.
var clock = func() time.Time { return time.Now().UTC() }

// payloadHashInput is the exact field set §3.2 binds payloadHash to:
// {v,id,at,streamId,type,actor,payload}.
type payloadHashInput struct {
	V        int         `json:"v"`
	ID       string      `json:"id"`
	At       string      `json:"at"`
	StreamID string      `json:"streamId"`
	Type     string      `json:"type"`
	Actor    Actor       `json:"actor"`
	Payload  interface{} `json:"payload"`
}

// chainHashInput is the exact field set §3.2 binds chainHash to:
// {v,prevChainHash,payloadHash}.
type chainHashInput struct {
	V             int     `json:"v"`
	PrevChainHash *string `json:"prevChainHash"`
	PayloadHash   string  `json:"payloadHash"`
}

// CreateChainedEvent populates id, v, at, and payloadHash for a new event.
// prevChainHash and chainHash are left zero until FinalizeChainedEvent
// binds the event to a specific chain position (spec §4.3).
func CreateChainedEvent(streamID, eventType string, actor Actor, payload interface{}, at *time.Time) (*Event, error) {
	ts := clock()
	if at != nil {
		ts = at.UTC()
	}
	atStr := ts.Format(time.RFC3339Nano)

	e := &Event{
		V:        1,
		ID:       idGenerator(),
		StreamID: streamID,
		Type:     eventType,
		At:       atStr,
		Actor:    actor,
		Payload:  canonicalize.NormalizeOptional(payload),
	}

	hash, err := canonicalize.Hash(payloadHashInput{
		V: e.V, ID: e.ID, At: e.At, StreamID: e.StreamID, Type: e.Type, Actor: e.Actor, Payload: e.Payload,
	})
	if err != nil {
		return nil, err
	}
	e.PayloadHash = hash
	return e, nil
}

// FinalizeChainedEvent binds a draft event to a chain position by setting
// prevChainHash and computing chainHash, optionally signing the event
// (spec §4.3: finalizeChainedEvent).
func FinalizeChainedEvent(draft *Event, prevChainHash *string, signer *crypto.KeyPair) (*Event, error) {
	e := *draft
	e.PrevChainHash = prevChainHash

	hash, err := canonicalize.Hash(chainHashInput{V: e.V, PrevChainHash: e.PrevChainHash, PayloadHash: e.PayloadHash})
	if err != nil {
		return nil, err
	}
	e.ChainHash = hash

	if signer != nil {
		unsigned := e
		unsigned.SignerKeyID = nil
		unsigned.Signature = nil
		bytes, err := canonicalize.Canonical(unsigned)
		if err != nil {
			return nil, err
		}
		sig := signer.Sign(bytes)
		keyID := signer.KeyID
		e.SignerKeyID = &keyID
		e.Signature = &sig
	}

	return &e, nil
}

// VerifySignature checks event.Signature against publicKeyPEM over
// canonical(event-without-signature), per spec §3.2's signature invariant.
// Returns (true, nil) when no signature is present — an unsigned event
// carries no signature claim to falsify.
func VerifySignature(event *Event, publicKeyPEM string) (bool, error) {
	if event.Signature == nil {
		return true, nil
	}
	unsigned := *event
	unsigned.SignerKeyID = nil
	unsigned.Signature = nil
	bytes, err := canonicalize.Canonical(unsigned)
	if err != nil {
		return false, err
	}
	return crypto.Verify(bytes, *event.Signature, publicKeyPEM)
}
