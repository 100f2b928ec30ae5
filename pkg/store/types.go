// Package store implements the tenant-scoped persistence contract used by
// every other component: events and stream snapshots (pkg/chain), artifacts,
// auth keys, idempotency records, the outbox, and an ops audit log (spec
// §4.4). Two drivers satisfy the same Store interface: an in-memory driver
// for tests and single-process deployments, and a relational driver for
// Postgres or sqlite.
package store

import (
	"time"

	"github.com/settld/substrate/pkg/chain"
)

// ArtifactRecord is a persisted artifact envelope. Components store their
// own typed artifact as RawJSON and rely on Type+ID for lookup; pkg/store
// never interprets artifact contents.
type ArtifactRecord struct {
	TenantID  string
	Type      string
	ID        string
	RawJSON   []byte
	CreatedAt time.Time
}

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	TenantID string
	Type     string
	SinceID  string
	Limit    int
}

// AuthKeyRecord binds a keyId to a PEM public key and an active flag, for
// the SIGNER_KEY_NOT_ACTIVE check in spec §7.
type AuthKeyRecord struct {
	TenantID     string
	KeyID        string
	PublicKeyPEM string
	Role         string
	Active       bool
	CreatedAt    time.Time
}

// IdempotencyRecord is a TTL-bound `(tenantId, key) -> outcome` mapping
// (spec §4.4, §5 "Idempotency records are keyed by (tenantId, key) and
// TTL'd").
type IdempotencyRecord struct {
	TenantID  string
	Key       string
	Outcome   []byte
	ExpiresAt time.Time
}

// OutboxState is the lifecycle state of one outbox entry (spec §3.5).
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxDelivered OutboxState = "delivered"
	OutboxFailed    OutboxState = "failed"
	OutboxDLQ       OutboxState = "dlq"
)

// OutboxEntry is one queued delivery (spec §3.5 / §4.7).
type OutboxEntry struct {
	ID             string
	TenantID       string
	ArtifactType   string
	ArtifactID     string
	DestinationID  string
	CreatedAt      time.Time
	Attempts       int
	NextAttemptAt  time.Time
	State          OutboxState
	LeaseUntil     *time.Time
	IdempotencyKey string
}

// OutboxAckResult records the outcome of a delivery attempt.
type OutboxAckResult struct {
	Delivered bool
	Err       string
}

// OpsAuditEntry is an operator-visible audit trail entry, independent of
// the domain event chain (administrative actions, config reloads, manual
// reversals).
type OpsAuditEntry struct {
	TenantID string
	ID       string
	At       time.Time
	Actor    string
	Action   string
	Details  map[string]interface{}
}

// OpsAuditFilter narrows ListOpsAudit.
type OpsAuditFilter struct {
	TenantID string
	Action   string
	Limit    int
}

// StreamEventPage is one page of ListEvents results.
type StreamEventPage struct {
	Events  []*chain.Event
	HasMore bool
}
