package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/settld/substrate/pkg/chain"
)

// MemoryStore is the in-memory driver: process-wide maps guarded by a
// single mutex, matching the teacher's append-only-store mutex pattern.
// Callers receive deep-ish copies (struct/slice copies; nested pointer
// fields inside a chain.Event are not mutated after append) so concurrent
// readers never observe a torn write.
type MemoryStore struct {
	mu sync.RWMutex

	events      map[string][]*chain.Event        // tenant/stream -> events
	snapshots   map[string]*chain.StreamSnapshot  // tenant/stream -> snapshot
	idemByEvent map[string]string                 // tenant/stream/key -> eventID

	artifacts map[string]*ArtifactRecord // tenant/type/id -> record

	authKeys map[string]*AuthKeyRecord // tenant/keyId -> record

	idempotency map[string]*IdempotencyRecord // tenant/key -> record

	outbox    map[string]*OutboxEntry
	outboxSeq int

	opsAudit []*OpsAuditEntry

	clock func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]*chain.Event),
		snapshots:   make(map[string]*chain.StreamSnapshot),
		idemByEvent: make(map[string]string),
		artifacts:   make(map[string]*ArtifactRecord),
		authKeys:    make(map[string]*AuthKeyRecord),
		idempotency: make(map[string]*IdempotencyRecord),
		outbox:      make(map[string]*OutboxEntry),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the store's clock, for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func streamKey(tenantID, streamID string) string { return tenantID + "/" + streamID }
func artifactKey(tenantID, artifactType, id string) string { return tenantID + "/" + artifactType + "/" + id }
func authKeyKey(tenantID, keyID string) string { return tenantID + "/" + keyID }
func idempotencyKey(tenantID, key string) string { return tenantID + "/" + key }

func (s *MemoryStore) NowISO() string {
	return s.clock().Format(time.RFC3339Nano)
}

// --- chain.StreamStore ---

func (s *MemoryStore) GetStreamSnapshot(ctx context.Context, tenantID, streamID string) (*chain.StreamSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snap, ok := s.snapshots[streamKey(tenantID, streamID)]; ok {
		cp := *snap
		return &cp, nil
	}
	return &chain.StreamSnapshot{TenantID: tenantID, StreamID: streamID}, nil
}

func (s *MemoryStore) PutEvent(ctx context.Context, tenantID string, event *chain.Event, snapshot *chain.StreamSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey(tenantID, event.StreamID)
	s.events[k] = append(s.events[k], event)
	cp := *snapshot
	s.snapshots[k] = &cp
	return nil
}

func (s *MemoryStore) FindEventByIdempotencyKey(ctx context.Context, tenantID, streamID, key string) (*chain.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eventID, ok := s.idemByEvent[streamKey(tenantID, streamID)+"/"+key]
	if !ok {
		return nil, false, nil
	}
	for _, e := range s.events[streamKey(tenantID, streamID)] {
		if e.ID == eventID {
			return e, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) RecordIdempotencyKey(ctx context.Context, tenantID, streamID, key, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idemByEvent[streamKey(tenantID, streamID)+"/"+key] = eventID
	return nil
}

// --- events ---

func (s *MemoryStore) ListEvents(ctx context.Context, tenantID, streamID string, sinceEventID string, limit int) (*StreamEventPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[streamKey(tenantID, streamID)]
	startIdx := 0
	if sinceEventID != "" {
		for i, e := range all {
			if e.ID == sinceEventID {
				startIdx = i + 1
				break
			}
		}
	}
	remaining := all[startIdx:]
	if limit <= 0 || limit >= len(remaining) {
		return &StreamEventPage{Events: append([]*chain.Event{}, remaining...)}, nil
	}
	return &StreamEventPage{Events: append([]*chain.Event{}, remaining[:limit]...), HasMore: true}, nil
}

// --- artifacts ---

func (s *MemoryStore) PutArtifact(ctx context.Context, record *ArtifactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.artifacts[artifactKey(record.TenantID, record.Type, record.ID)] = &cp
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, tenantID, artifactType, id string) (*ArtifactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.artifacts[artifactKey(tenantID, artifactType, id)]
	if !ok {
		return nil, fmt.Errorf("store: artifact not found: %s/%s/%s", tenantID, artifactType, id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*ArtifactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*ArtifactRecord
	for _, rec := range s.artifacts {
		if rec.TenantID != filter.TenantID {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		cp := *rec
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// --- auth keys ---

func (s *MemoryStore) PutAuthKey(ctx context.Context, key *AuthKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.authKeys[authKeyKey(key.TenantID, key.KeyID)] = &cp
	return nil
}

func (s *MemoryStore) LookupAuthKey(ctx context.Context, tenantID, keyID string) (*AuthKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.authKeys[authKeyKey(tenantID, keyID)]
	if !ok {
		return nil, fmt.Errorf("store: auth key not found: %s/%s", tenantID, keyID)
	}
	cp := *rec
	return &cp, nil
}

// --- idempotency ---

func (s *MemoryStore) PutIdempotency(ctx context.Context, record *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.idempotency[idempotencyKey(record.TenantID, record.Key)] = &cp
	return nil
}

func (s *MemoryStore) GetIdempotency(ctx context.Context, tenantID, key string) (*IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idempotencyKey(tenantID, key)]
	if !ok {
		return nil, false, nil
	}
	if s.clock().After(rec.ExpiresAt) {
		delete(s.idempotency, idempotencyKey(tenantID, key))
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// --- outbox ---

func (s *MemoryStore) EnqueueOutbox(ctx context.Context, entry *OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = "obx_" + uuid.New().String()
	}
	if entry.State == "" {
		entry.State = OutboxPending
	}
	cp := *entry
	s.outbox[entry.ID] = &cp
	return nil
}

func (s *MemoryStore) LeaseOutbox(ctx context.Context, n int, now time.Time, leaseDuration time.Duration) ([]*OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*OutboxEntry
	for _, e := range s.outbox {
		if e.State != OutboxPending {
			continue
		}
		if e.LeaseUntil != nil && e.LeaseUntil.After(now) {
			continue
		}
		if e.NextAttemptAt.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	leased := make([]*OutboxEntry, 0, len(candidates))
	deadline := now.Add(leaseDuration)
	for _, e := range candidates {
		e.LeaseUntil = &deadline
		cp := *e
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (s *MemoryStore) AckOutbox(ctx context.Context, id string, result OutboxAckResult, now time.Time, backoff func(attempts int) time.Duration, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("store: outbox entry not found: %s", id)
	}

	if result.Delivered {
		e.State = OutboxDelivered
		e.LeaseUntil = nil
		return nil
	}

	e.Attempts++
	e.LeaseUntil = nil
	if e.Attempts >= maxAttempts {
		e.State = OutboxDLQ
		return nil
	}
	e.State = OutboxPending
	e.NextAttemptAt = now.Add(backoff(e.Attempts))
	return nil
}

// --- ops audit ---

func (s *MemoryStore) PutOpsAudit(ctx context.Context, entry *OpsAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = "opsaud_" + uuid.New().String()
	}
	cp := *entry
	s.opsAudit = append(s.opsAudit, &cp)
	return nil
}

func (s *MemoryStore) ListOpsAudit(ctx context.Context, filter OpsAuditFilter) ([]*OpsAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*OpsAuditEntry
	for _, e := range s.opsAudit {
		if e.TenantID != filter.TenantID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		cp := *e
		results = append(results, &cp)
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}
