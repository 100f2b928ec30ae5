package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/canonicalize"
)

// StreamStore is the narrow slice of the storage contract the chain
// algorithm needs: read a stream's current head and append one event to
// it atomically. pkg/store's drivers implement this alongside their wider
// Store interface.
type StreamStore interface {
	GetStreamSnapshot(ctx context.Context, tenantID, streamID string) (*StreamSnapshot, error)
	PutEvent(ctx context.Context, tenantID string, event *Event, snapshot *StreamSnapshot) error
	FindEventByIdempotencyKey(ctx context.Context, tenantID, streamID, idempotencyKey string) (*Event, bool, error)
	RecordIdempotencyKey(ctx context.Context, tenantID, streamID, idempotencyKey string, eventID string) error
}

// streamLocks serializes appends per (tenantId, streamId), matching the
// in-process "per-stream lock" resource model of spec §5. A relational
// store driver additionally relies on SERIALIZABLE transactions; this
// lock only protects against concurrent writers inside one process.
var streamLocks sync.Map // map[string]*sync.Mutex

func lockFor(tenantID, streamID string) *sync.Mutex {
	key := tenantID + "/" + streamID
	l, _ := streamLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// AppendResult is the outcome of AppendChainedEvent.
type AppendResult struct {
	Event    *Event
	Snapshot *StreamSnapshot
	Replayed bool // true when an idempotency key matched a prior append
}

// AppendChainedEvent runs the append algorithm of spec §4.3: acquire the
// per-stream lock, check optimistic concurrency, honor idempotency keys,
// verify the event's own hash chain, then persist atomically.
func AppendChainedEvent(ctx context.Context, store StreamStore, tenantID, streamID string, event *Event, expectedPrevChainHash *string, idempotencyKey string) (*AppendResult, error) {
	mu := lockFor(tenantID, streamID)
	mu.Lock()
	defer mu.Unlock()

	if idempotencyKey != "" {
		if prior, ok, err := store.FindEventByIdempotencyKey(ctx, tenantID, streamID, idempotencyKey); err != nil {
			return nil, err
		} else if ok {
			snap, err := store.GetStreamSnapshot(ctx, tenantID, streamID)
			if err != nil {
				return nil, err
			}
			return &AppendResult{Event: prior, Snapshot: snap, Replayed: true}, nil
		}
	}

	snapshot, err := store.GetStreamSnapshot(ctx, tenantID, streamID)
	if err != nil {
		return nil, err
	}

	if expectedPrevChainHash != nil {
		if !hashPtrEqual(expectedPrevChainHash, snapshot.LastChainHash) {
			conflict := apierr.New(apierr.OptimisticConcurrencyConflict, "expected prev chain hash does not match stream head")
			details := map[string]interface{}{"expectedPrevChainHash": derefOrNull(snapshot.LastChainHash)}
			return nil, conflict.WithDetails(details)
		}
	}

	if err := verifyEventIntegrity(event, snapshot.LastChainHash); err != nil {
		return nil, err
	}

	newSnapshot := &StreamSnapshot{
		TenantID:      tenantID,
		StreamID:      streamID,
		LastChainHash: &event.ChainHash,
		LastEventID:   &event.ID,
	}

	if err := store.PutEvent(ctx, tenantID, event, newSnapshot); err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		if err := store.RecordIdempotencyKey(ctx, tenantID, streamID, idempotencyKey, event.ID); err != nil {
			return nil, err
		}
	}

	return &AppendResult{Event: event, Snapshot: newSnapshot}, nil
}

// verifyEventIntegrity recomputes event's payloadHash/chainHash and
// checks prevChainHash against the stream's current head (spec §4.3 step
// 4). A present signature is only checked for an accompanying
// signerKeyId; the signature itself is not verified here.
func verifyEventIntegrity(event *Event, lastChainHash *string) error {
	if !hashPtrEqual(event.PrevChainHash, lastChainHash) {
		return apierr.New(apierr.EventIntegrityInvalid, "event prevChainHash does not match stream head")
	}

	expectedPayloadHash, err := canonicalize.Hash(payloadHashInput{
		V: event.V, ID: event.ID, At: event.At, StreamID: event.StreamID,
		Type: event.Type, Actor: event.Actor, Payload: event.Payload,
	})
	if err != nil {
		return err
	}
	if expectedPayloadHash != event.PayloadHash {
		return apierr.New(apierr.EventIntegrityInvalid, "payloadHash does not match recomputed hash")
	}

	expectedChainHash, err := canonicalize.Hash(chainHashInput{V: event.V, PrevChainHash: event.PrevChainHash, PayloadHash: event.PayloadHash})
	if err != nil {
		return err
	}
	if expectedChainHash != event.ChainHash {
		return apierr.New(apierr.EventIntegrityInvalid, "chainHash does not match recomputed hash")
	}

	if event.Signature != nil {
		if event.SignerKeyID == nil {
			return apierr.New(apierr.EventIntegrityInvalid, "signature present without signerKeyId")
		}
		// Verification of the signature against a trust file happens one
		// layer up, where the caller has access to the configured
		// signer's public key; this function only checks hash integrity.
	}

	return nil
}

// VerifyChain recomputes every event's hashes in order, failing at the
// first break with CHAIN_BROKEN_AT_INDEX_i (spec §4.3 "Verification").
func VerifyChain(events []*Event) *apierr.Report {
	report := apierr.NewReport()
	var prevChainHash *string

	for i, e := range events {
		if !hashPtrEqual(e.PrevChainHash, prevChainHash) {
			report.Fail(apierr.ChainBrokenAtIndex, fmt.Sprintf("$[%d].prevChainHash", i),
				fmt.Sprintf("chain broken at index %d: expected prevChainHash %s, got %s", i, derefOrNull(prevChainHash), derefOrNull(e.PrevChainHash)))
			return report
		}

		expectedPayloadHash, err := canonicalize.Hash(payloadHashInput{
			V: e.V, ID: e.ID, At: e.At, StreamID: e.StreamID, Type: e.Type, Actor: e.Actor, Payload: e.Payload,
		})
		if err != nil {
			report.Fail(apierr.CanonicalJSONUnsupportedValue, fmt.Sprintf("$[%d].payload", i), err.Error())
			return report
		}
		if expectedPayloadHash != e.PayloadHash {
			report.Fail(apierr.ChainBrokenAtIndex, fmt.Sprintf("$[%d].payloadHash", i), fmt.Sprintf("payloadHash mismatch at index %d", i))
			return report
		}

		expectedChainHash, err := canonicalize.Hash(chainHashInput{V: e.V, PrevChainHash: e.PrevChainHash, PayloadHash: e.PayloadHash})
		if err != nil {
			report.Fail(apierr.CanonicalJSONUnsupportedValue, fmt.Sprintf("$[%d]", i), err.Error())
			return report
		}
		if expectedChainHash != e.ChainHash {
			report.Fail(apierr.ChainBrokenAtIndex, fmt.Sprintf("$[%d].chainHash", i), fmt.Sprintf("chainHash mismatch at index %d", i))
			return report
		}

		prevChainHash = &e.ChainHash
	}

	return report
}

func hashPtrEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func derefOrNull(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
