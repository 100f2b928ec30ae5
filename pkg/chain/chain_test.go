package chain

import (
	"context"
	"testing"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	snapshots map[string]*StreamSnapshot
	events    map[string][]*Event
	idemKeys  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: make(map[string]*StreamSnapshot),
		events:    make(map[string][]*Event),
		idemKeys:  make(map[string]string),
	}
}

func key(tenantID, streamID string) string { return tenantID + "/" + streamID }

func (f *fakeStore) GetStreamSnapshot(ctx context.Context, tenantID, streamID string) (*StreamSnapshot, error) {
	if s, ok := f.snapshots[key(tenantID, streamID)]; ok {
		return s, nil
	}
	return &StreamSnapshot{TenantID: tenantID, StreamID: streamID}, nil
}

func (f *fakeStore) PutEvent(ctx context.Context, tenantID string, event *Event, snapshot *StreamSnapshot) error {
	k := key(tenantID, event.StreamID)
	f.events[k] = append(f.events[k], event)
	f.snapshots[k] = snapshot
	return nil
}

func (f *fakeStore) FindEventByIdempotencyKey(ctx context.Context, tenantID, streamID, idempotencyKey string) (*Event, bool, error) {
	eventID, ok := f.idemKeys[tenantID+"/"+streamID+"/"+idempotencyKey]
	if !ok {
		return nil, false, nil
	}
	for _, e := range f.events[key(tenantID, streamID)] {
		if e.ID == eventID {
			return e, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeStore) RecordIdempotencyKey(ctx context.Context, tenantID, streamID, idempotencyKey string, eventID string) error {
	f.idemKeys[tenantID+"/"+streamID+"/"+idempotencyKey] = eventID
	return nil
}

func buildEvent(t *testing.T, streamID string, prev *string) *Event {
	t.Helper()
	draft, err := CreateChainedEvent(streamID, "TEST_EVENT", Actor{Type: "user", ID: "u1"}, map[string]interface{}{"k": "v"}, nil)
	require.NoError(t, err)
	finalized, err := FinalizeChainedEvent(draft, prev, nil)
	require.NoError(t, err)
	return finalized
}

func TestAppendChainedEvent_GenesisAndSecond(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	e1 := buildEvent(t, "s1", nil)
	res1, err := AppendChainedEvent(ctx, store, "tenant1", "s1", e1, nil, "")
	require.NoError(t, err)
	require.Equal(t, e1.ChainHash, *res1.Snapshot.LastChainHash)

	e2 := buildEvent(t, "s1", &e1.ChainHash)
	res2, err := AppendChainedEvent(ctx, store, "tenant1", "s1", e2, &e1.ChainHash, "")
	require.NoError(t, err)
	require.Equal(t, e2.ChainHash, *res2.Snapshot.LastChainHash)
}

func TestAppendChainedEvent_ConflictRecovery(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	e1 := buildEvent(t, "s1", nil)
	_, err := AppendChainedEvent(ctx, store, "tenant1", "s1", e1, nil, "")
	require.NoError(t, err)

	wrongPrev := "deadbeef"
	e2 := buildEvent(t, "s1", &e1.ChainHash)
	_, err = AppendChainedEvent(ctx, store, "tenant1", "s1", e2, &wrongPrev, "")
	require.Error(t, err)

	coded, ok := err.(*apierr.CodedError)
	require.True(t, ok)
	require.Equal(t, e1.ChainHash, coded.Details["expectedPrevChainHash"])

	// retry with the correct prev succeeds
	res, err := AppendChainedEvent(ctx, store, "tenant1", "s1", e2, &e1.ChainHash, "")
	require.NoError(t, err)
	require.False(t, res.Replayed)
}

func TestAppendChainedEvent_IdempotencyKeyReplaysPriorEvent(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	e1 := buildEvent(t, "s1", nil)
	res1, err := AppendChainedEvent(ctx, store, "tenant1", "s1", e1, nil, "idem-1")
	require.NoError(t, err)
	require.False(t, res1.Replayed)

	res2, err := AppendChainedEvent(ctx, store, "tenant1", "s1", e1, nil, "idem-1")
	require.NoError(t, err)
	require.True(t, res2.Replayed)
	require.Equal(t, res1.Event.ID, res2.Event.ID)
	require.Len(t, store.events[key("tenant1", "s1")], 1)
}

func TestVerifyChain_DetectsBreakAtIndex(t *testing.T) {
	e1 := buildEvent(t, "s1", nil)
	e2 := buildEvent(t, "s1", &e1.ChainHash)
	e2.PayloadHash = "tampered"

	report := VerifyChain([]*Event{e1, e2})
	require.False(t, report.OK)
	require.Contains(t, report.Errors[0].Path, "[1]")
}

func TestVerifyChain_PassesForValidChain(t *testing.T) {
	e1 := buildEvent(t, "s1", nil)
	e2 := buildEvent(t, "s1", &e1.ChainHash)

	report := VerifyChain([]*Event{e1, e2})
	require.True(t, report.OK)
}
