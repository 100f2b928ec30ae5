package store

import (
	"context"
	"time"

	"github.com/settld/substrate/pkg/chain"
)

// Store is the full tenant-scoped persistence contract (spec §4.4). It
// embeds chain.StreamStore so the chain package can operate against any
// driver without importing this package.
type Store interface {
	chain.StreamStore

	ListEvents(ctx context.Context, tenantID, streamID string, sinceEventID string, limit int) (*StreamEventPage, error)

	PutArtifact(ctx context.Context, record *ArtifactRecord) error
	GetArtifact(ctx context.Context, tenantID, artifactType, id string) (*ArtifactRecord, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*ArtifactRecord, error)

	PutAuthKey(ctx context.Context, key *AuthKeyRecord) error
	LookupAuthKey(ctx context.Context, tenantID, keyID string) (*AuthKeyRecord, error)

	PutIdempotency(ctx context.Context, record *IdempotencyRecord) error
	GetIdempotency(ctx context.Context, tenantID, key string) (*IdempotencyRecord, bool, error)

	EnqueueOutbox(ctx context.Context, entry *OutboxEntry) error
	LeaseOutbox(ctx context.Context, n int, now time.Time, leaseDuration time.Duration) ([]*OutboxEntry, error)
	AckOutbox(ctx context.Context, id string, result OutboxAckResult, now time.Time, backoff func(attempts int) time.Duration, maxAttempts int) error

	PutOpsAudit(ctx context.Context, entry *OpsAuditEntry) error
	ListOpsAudit(ctx context.Context, filter OpsAuditFilter) ([]*OpsAuditEntry, error)

	NowISO() string
}
