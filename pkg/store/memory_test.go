package store

import (
	"context"
	"testing"
	"time"

	"github.com/settld/substrate/pkg/chain"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_StreamSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	snap, err := s.GetStreamSnapshot(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Nil(t, snap.LastChainHash)

	hash := "abc123"
	event := &chain.Event{ID: "evt_1", StreamID: "s1"}
	require.NoError(t, s.PutEvent(ctx, "t1", event, &chain.StreamSnapshot{TenantID: "t1", StreamID: "s1", LastChainHash: &hash, LastEventID: &event.ID}))

	snap, err = s.GetStreamSnapshot(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, "abc123", *snap.LastChainHash)
}

func TestMemoryStore_IdempotencyKeyLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	event := &chain.Event{ID: "evt_1", StreamID: "s1"}
	require.NoError(t, s.PutEvent(ctx, "t1", event, &chain.StreamSnapshot{TenantID: "t1", StreamID: "s1"}))
	require.NoError(t, s.RecordIdempotencyKey(ctx, "t1", "s1", "idem-key", "evt_1"))

	found, ok, err := s.FindEventByIdempotencyKey(ctx, "t1", "s1", "idem-key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "evt_1", found.ID)

	_, ok, err = s.FindEventByIdempotencyKey(ctx, "t1", "s1", "missing-key")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore_ListEventsPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		e := &chain.Event{ID: eventIDFor(i), StreamID: "s1"}
		require.NoError(t, s.PutEvent(ctx, "t1", e, &chain.StreamSnapshot{TenantID: "t1", StreamID: "s1"}))
	}

	page, err := s.ListEvents(ctx, "t1", "s1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.True(t, page.HasMore)
	require.Equal(t, eventIDFor(0), page.Events[0].ID)

	page, err = s.ListEvents(ctx, "t1", "s1", eventIDFor(1), 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.False(t, page.HasMore)
	require.Equal(t, eventIDFor(2), page.Events[0].ID)
}

func eventIDFor(i int) string {
	return []string{"evt_0", "evt_1", "evt_2", "evt_3", "evt_4"}[i]
}

func TestMemoryStore_ArtifactCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &ArtifactRecord{TenantID: "t1", Type: "runReport", ID: "a1", RawJSON: []byte(`{"ok":true}`), CreatedAt: time.Unix(0, 0).UTC()}
	require.NoError(t, s.PutArtifact(ctx, rec))

	got, err := s.GetArtifact(ctx, "t1", "runReport", "a1")
	require.NoError(t, err)
	require.Equal(t, rec.RawJSON, got.RawJSON)

	_, err = s.GetArtifact(ctx, "t1", "runReport", "missing")
	require.Error(t, err)

	list, err := s.ListArtifacts(ctx, ArtifactFilter{TenantID: "t1", Type: "runReport"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestMemoryStore_AuthKeyLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.PutAuthKey(ctx, &AuthKeyRecord{TenantID: "t1", KeyID: "k1", PublicKeyPEM: "pem", Active: true}))

	rec, err := s.LookupAuthKey(ctx, "t1", "k1")
	require.NoError(t, err)
	require.True(t, rec.Active)

	_, err = s.LookupAuthKey(ctx, "t1", "missing")
	require.Error(t, err)
}

func TestMemoryStore_IdempotencyRecordExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0).UTC()
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.PutIdempotency(ctx, &IdempotencyRecord{TenantID: "t1", Key: "k1", Outcome: []byte(`{}`), ExpiresAt: now.Add(time.Minute)}))

	rec, ok, err := s.GetIdempotency(ctx, "t1", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.GetIdempotency(ctx, "t1", "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore_OutboxLeaseAckDeliveredClearsLease(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(2000, 0).UTC()
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.EnqueueOutbox(ctx, &OutboxEntry{TenantID: "t1", ArtifactType: "runReport", ArtifactID: "a1", DestinationID: "d1", CreatedAt: now, NextAttemptAt: now}))

	leased, err := s.LeaseOutbox(ctx, 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NotNil(t, leased[0].LeaseUntil)

	second, err := s.LeaseOutbox(ctx, 10, now, time.Minute)
	require.NoError(t, err)
	require.Empty(t, second, "leased entry should not be re-leasable before lease expiry")

	require.NoError(t, s.AckOutbox(ctx, leased[0].ID, OutboxAckResult{Delivered: true}, now, fixedBackoff, 5))

	got := s.outbox[leased[0].ID]
	require.Equal(t, OutboxDelivered, got.State)
	require.Nil(t, got.LeaseUntil)
}

func TestMemoryStore_OutboxAckFailureBacksOffThenDLQs(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(3000, 0).UTC()
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	require.NoError(t, s.EnqueueOutbox(ctx, &OutboxEntry{TenantID: "t1", ArtifactType: "runReport", ArtifactID: "a1", DestinationID: "d1", CreatedAt: now, NextAttemptAt: now}))
	var id string
	for k := range s.outbox {
		id = k
	}

	require.NoError(t, s.AckOutbox(ctx, id, OutboxAckResult{Delivered: false}, now, fixedBackoff, 2))
	require.Equal(t, OutboxPending, s.outbox[id].State)
	require.Equal(t, 1, s.outbox[id].Attempts)

	require.NoError(t, s.AckOutbox(ctx, id, OutboxAckResult{Delivered: false}, now, fixedBackoff, 2))
	require.Equal(t, OutboxDLQ, s.outbox[id].State)
	require.Equal(t, 2, s.outbox[id].Attempts)
}

func fixedBackoff(attempts int) time.Duration { return time.Duration(attempts) * time.Second }

func TestMemoryStore_OpsAuditFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.PutOpsAudit(ctx, &OpsAuditEntry{TenantID: "t1", Action: "reload_config"}))
	require.NoError(t, s.PutOpsAudit(ctx, &OpsAuditEntry{TenantID: "t1", Action: "manual_reversal"}))
	require.NoError(t, s.PutOpsAudit(ctx, &OpsAuditEntry{TenantID: "t2", Action: "reload_config"}))

	list, err := s.ListOpsAudit(ctx, OpsAuditFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, list, 2)

	list, err = s.ListOpsAudit(ctx, OpsAuditFilter{TenantID: "t1", Action: "manual_reversal"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}
