package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/settld/substrate/pkg/chain"
)

// Dialect distinguishes the two relational backends this driver supports;
// both speak the same SQL shape modulo placeholder syntax and upsert
// clause, matching modernc.org/sqlite vs lib/pq's driver differences.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLStore is the relational driver: every append path runs inside a
// single transaction that reads the stream snapshot and writes the event
// together, under SERIALIZABLE isolation on Postgres (spec §4.4).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLStore wraps an already-opened *sql.DB (lib/pq for Postgres,
// modernc.org/sqlite for the embedded variant) and runs migrations.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, clock: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_events (
			tenant_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			body TEXT NOT NULL,
			idempotency_key TEXT,
			PRIMARY KEY (tenant_id, stream_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_snapshots (
			tenant_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			last_chain_hash TEXT,
			last_event_id TEXT,
			PRIMARY KEY (tenant_id, stream_id)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			tenant_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, artifact_type, artifact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS auth_keys (
			tenant_id TEXT NOT NULL,
			key_id TEXT NOT NULL,
			public_key_pem TEXT NOT NULL,
			role TEXT,
			active BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			tenant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			outcome TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_entries (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			destination_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL,
			state TEXT NOT NULL,
			lease_until TIMESTAMP,
			idempotency_key TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ops_audit (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			actor TEXT,
			action TEXT NOT NULL,
			details TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) NowISO() string { return s.clock().Format(time.RFC3339Nano) }

// --- chain.StreamStore ---

func (s *SQLStore) GetStreamSnapshot(ctx context.Context, tenantID, streamID string) (*chain.StreamSnapshot, error) {
	q := fmt.Sprintf(`SELECT last_chain_hash, last_event_id FROM stream_snapshots WHERE tenant_id = %s AND stream_id = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, tenantID, streamID)
	var lastChainHash, lastEventID sql.NullString
	if err := row.Scan(&lastChainHash, &lastEventID); err != nil {
		if err == sql.ErrNoRows {
			return &chain.StreamSnapshot{TenantID: tenantID, StreamID: streamID}, nil
		}
		return nil, fmt.Errorf("store: get snapshot: %w", err)
	}
	snap := &chain.StreamSnapshot{TenantID: tenantID, StreamID: streamID}
	if lastChainHash.Valid {
		v := lastChainHash.String
		snap.LastChainHash = &v
	}
	if lastEventID.Valid {
		v := lastEventID.String
		snap.LastEventID = &v
	}
	return snap, nil
}

// PutEvent runs the append inside one transaction (spec §4.4: "every
// append path runs inside a single transaction that both reads the
// snapshot and writes the event").
func (s *SQLStore) PutEvent(ctx context.Context, tenantID string, event *chain.Event, snapshot *chain.StreamSnapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}

	var seq int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM stream_events WHERE tenant_id = %s AND stream_id = %s`, s.ph(1), s.ph(2))
	if err := tx.QueryRowContext(ctx, countQ, tenantID, event.StreamID).Scan(&seq); err != nil {
		return fmt.Errorf("store: count events: %w", err)
	}

	insertQ := fmt.Sprintf(`INSERT INTO stream_events (tenant_id, stream_id, event_id, seq, body, idempotency_key) VALUES (%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	if _, err := tx.ExecContext(ctx, insertQ, tenantID, event.StreamID, event.ID, seq+1, string(body), nil); err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}

	upsertQ := s.upsertSnapshotQuery()
	if _, err := tx.ExecContext(ctx, upsertQ, tenantID, event.StreamID, derefOrEmpty(snapshot.LastChainHash), derefOrEmpty(snapshot.LastEventID)); err != nil {
		return fmt.Errorf("store: upsert snapshot: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) upsertSnapshotQuery() string {
	if s.dialect == DialectSQLite {
		return `INSERT INTO stream_snapshots (tenant_id, stream_id, last_chain_hash, last_event_id) VALUES (?,?,?,?)
			ON CONFLICT(tenant_id, stream_id) DO UPDATE SET last_chain_hash=excluded.last_chain_hash, last_event_id=excluded.last_event_id`
	}
	return `INSERT INTO stream_snapshots (tenant_id, stream_id, last_chain_hash, last_event_id) VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, stream_id) DO UPDATE SET last_chain_hash=EXCLUDED.last_chain_hash, last_event_id=EXCLUDED.last_event_id`
}

func (s *SQLStore) FindEventByIdempotencyKey(ctx context.Context, tenantID, streamID, key string) (*chain.Event, bool, error) {
	q := fmt.Sprintf(`SELECT body FROM stream_events WHERE tenant_id = %s AND stream_id = %s AND idempotency_key = %s`, s.ph(1), s.ph(2), s.ph(3))
	row := s.db.QueryRowContext(ctx, q, tenantID, streamID, key)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: find by idempotency key: %w", err)
	}
	var e chain.Event
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, false, fmt.Errorf("store: corrupt event JSON: %w", err)
	}
	return &e, true, nil
}

func (s *SQLStore) RecordIdempotencyKey(ctx context.Context, tenantID, streamID, key, eventID string) error {
	q := fmt.Sprintf(`UPDATE stream_events SET idempotency_key = %s WHERE tenant_id = %s AND stream_id = %s AND event_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.ExecContext(ctx, q, key, tenantID, streamID, eventID)
	return err
}

// --- events ---

func (s *SQLStore) ListEvents(ctx context.Context, tenantID, streamID string, sinceEventID string, limit int) (*StreamEventPage, error) {
	sinceSeq := 0
	if sinceEventID != "" {
		q := fmt.Sprintf(`SELECT seq FROM stream_events WHERE tenant_id = %s AND stream_id = %s AND event_id = %s`, s.ph(1), s.ph(2), s.ph(3))
		if err := s.db.QueryRowContext(ctx, q, tenantID, streamID, sinceEventID).Scan(&sinceSeq); err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("store: resolve sinceEventID: %w", err)
		}
	}

	q := fmt.Sprintf(`SELECT body FROM stream_events WHERE tenant_id = %s AND stream_id = %s AND seq > %s ORDER BY seq ASC`,
		s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, tenantID, streamID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*chain.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e chain.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("store: corrupt event JSON: %w", err)
		}
		events = append(events, &e)
	}

	hasMore := false
	if limit > 0 && len(events) > limit {
		events = events[:limit]
		hasMore = true
	}
	return &StreamEventPage{Events: events, HasMore: hasMore}, nil
}

// --- artifacts ---

func (s *SQLStore) PutArtifact(ctx context.Context, record *ArtifactRecord) error {
	var q string
	if s.dialect == DialectSQLite {
		q = `INSERT INTO artifacts (tenant_id, artifact_type, artifact_id, body, created_at) VALUES (?,?,?,?,?)
			ON CONFLICT(tenant_id, artifact_type, artifact_id) DO UPDATE SET body=excluded.body`
	} else {
		q = `INSERT INTO artifacts (tenant_id, artifact_type, artifact_id, body, created_at) VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (tenant_id, artifact_type, artifact_id) DO UPDATE SET body=EXCLUDED.body`
	}
	_, err := s.db.ExecContext(ctx, q, record.TenantID, record.Type, record.ID, string(record.RawJSON), record.CreatedAt)
	return err
}

func (s *SQLStore) GetArtifact(ctx context.Context, tenantID, artifactType, id string) (*ArtifactRecord, error) {
	q := fmt.Sprintf(`SELECT body, created_at FROM artifacts WHERE tenant_id = %s AND artifact_type = %s AND artifact_id = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	row := s.db.QueryRowContext(ctx, q, tenantID, artifactType, id)
	var body string
	var createdAt time.Time
	if err := row.Scan(&body, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: artifact not found: %s/%s/%s", tenantID, artifactType, id)
		}
		return nil, err
	}
	return &ArtifactRecord{TenantID: tenantID, Type: artifactType, ID: id, RawJSON: []byte(body), CreatedAt: createdAt}, nil
}

func (s *SQLStore) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]*ArtifactRecord, error) {
	q := fmt.Sprintf(`SELECT artifact_type, artifact_id, body, created_at FROM artifacts WHERE tenant_id = %s`, s.ph(1))
	args := []interface{}{filter.TenantID}
	if filter.Type != "" {
		q += fmt.Sprintf(` AND artifact_type = %s`, s.ph(len(args)+1))
		args = append(args, filter.Type)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*ArtifactRecord
	for rows.Next() {
		var artifactType, id, body string
		var createdAt time.Time
		if err := rows.Scan(&artifactType, &id, &body, &createdAt); err != nil {
			return nil, err
		}
		results = append(results, &ArtifactRecord{TenantID: filter.TenantID, Type: artifactType, ID: id, RawJSON: []byte(body), CreatedAt: createdAt})
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// --- auth keys ---

func (s *SQLStore) PutAuthKey(ctx context.Context, key *AuthKeyRecord) error {
	var q string
	if s.dialect == DialectSQLite {
		q = `INSERT INTO auth_keys (tenant_id, key_id, public_key_pem, role, active, created_at) VALUES (?,?,?,?,?,?)
			ON CONFLICT(tenant_id, key_id) DO UPDATE SET public_key_pem=excluded.public_key_pem, role=excluded.role, active=excluded.active`
	} else {
		q = `INSERT INTO auth_keys (tenant_id, key_id, public_key_pem, role, active, created_at) VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, key_id) DO UPDATE SET public_key_pem=EXCLUDED.public_key_pem, role=EXCLUDED.role, active=EXCLUDED.active`
	}
	_, err := s.db.ExecContext(ctx, q, key.TenantID, key.KeyID, key.PublicKeyPEM, key.Role, key.Active, key.CreatedAt)
	return err
}

func (s *SQLStore) LookupAuthKey(ctx context.Context, tenantID, keyID string) (*AuthKeyRecord, error) {
	q := fmt.Sprintf(`SELECT public_key_pem, role, active, created_at FROM auth_keys WHERE tenant_id = %s AND key_id = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, tenantID, keyID)
	var pem, role string
	var active bool
	var createdAt time.Time
	if err := row.Scan(&pem, &role, &active, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: auth key not found: %s/%s", tenantID, keyID)
		}
		return nil, err
	}
	return &AuthKeyRecord{TenantID: tenantID, KeyID: keyID, PublicKeyPEM: pem, Role: role, Active: active, CreatedAt: createdAt}, nil
}

// --- idempotency ---

func (s *SQLStore) PutIdempotency(ctx context.Context, record *IdempotencyRecord) error {
	var q string
	if s.dialect == DialectSQLite {
		q = `INSERT INTO idempotency_records (tenant_id, key, outcome, expires_at) VALUES (?,?,?,?)
			ON CONFLICT(tenant_id, key) DO UPDATE SET outcome=excluded.outcome, expires_at=excluded.expires_at`
	} else {
		q = `INSERT INTO idempotency_records (tenant_id, key, outcome, expires_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (tenant_id, key) DO UPDATE SET outcome=EXCLUDED.outcome, expires_at=EXCLUDED.expires_at`
	}
	_, err := s.db.ExecContext(ctx, q, record.TenantID, record.Key, string(record.Outcome), record.ExpiresAt)
	return err
}

func (s *SQLStore) GetIdempotency(ctx context.Context, tenantID, key string) (*IdempotencyRecord, bool, error) {
	q := fmt.Sprintf(`SELECT outcome, expires_at FROM idempotency_records WHERE tenant_id = %s AND key = %s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, tenantID, key)
	var outcome string
	var expiresAt time.Time
	if err := row.Scan(&outcome, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if s.clock().After(expiresAt) {
		return nil, false, nil
	}
	return &IdempotencyRecord{TenantID: tenantID, Key: key, Outcome: []byte(outcome), ExpiresAt: expiresAt}, true, nil
}

// --- outbox ---

func (s *SQLStore) EnqueueOutbox(ctx context.Context, entry *OutboxEntry) error {
	if entry.ID == "" {
		entry.ID = "obx_" + uuid.New().String()
	}
	if entry.State == "" {
		entry.State = OutboxPending
	}
	q := fmt.Sprintf(`INSERT INTO outbox_entries (id, tenant_id, artifact_type, artifact_id, destination_id, created_at, attempts, next_attempt_at, state, idempotency_key)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	_, err := s.db.ExecContext(ctx, q, entry.ID, entry.TenantID, entry.ArtifactType, entry.ArtifactID, entry.DestinationID,
		entry.CreatedAt, entry.Attempts, entry.NextAttemptAt, string(entry.State), entry.IdempotencyKey)
	return err
}

// LeaseOutbox atomically claims up to n pending entries. Postgres and
// sqlite both lack a portable SELECT...FOR UPDATE SKIP LOCKED across the
// two drivers this store supports, so leasing is a transaction that reads
// candidates and stamps lease_until before committing; concurrent lease
// attempts racing inside the same transaction window are serialized by
// the relational engine's row locks on UPDATE.
func (s *SQLStore) LeaseOutbox(ctx context.Context, n int, now time.Time, leaseDuration time.Duration) ([]*OutboxEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`SELECT id, tenant_id, artifact_type, artifact_id, destination_id, created_at, attempts, next_attempt_at, idempotency_key
		FROM outbox_entries WHERE state = %s AND next_attempt_at <= %s AND (lease_until IS NULL OR lease_until <= %s) ORDER BY created_at ASC`,
		s.ph(1), s.ph(2), s.ph(3))
	rows, err := tx.QueryContext(ctx, q, string(OutboxPending), now, now)
	if err != nil {
		return nil, err
	}

	var entries []*OutboxEntry
	for rows.Next() {
		if len(entries) >= n {
			break
		}
		e := &OutboxEntry{State: OutboxPending}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ArtifactType, &e.ArtifactID, &e.DestinationID, &e.CreatedAt, &e.Attempts, &e.NextAttemptAt, &e.IdempotencyKey); err != nil {
			_ = rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	_ = rows.Close()

	deadline := now.Add(leaseDuration)
	updateQ := fmt.Sprintf(`UPDATE outbox_entries SET lease_until = %s WHERE id = %s AND (lease_until IS NULL OR lease_until <= %s)`,
		s.ph(1), s.ph(2), s.ph(3))
	leased := make([]*OutboxEntry, 0, len(entries))
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, updateQ, deadline, e.ID, now)
		if err != nil {
			return nil, err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if affected == 0 {
			continue // leased by a concurrent transaction in the meantime
		}
		e.LeaseUntil = &deadline
		leased = append(leased, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *SQLStore) AckOutbox(ctx context.Context, id string, result OutboxAckResult, now time.Time, backoff func(attempts int) time.Duration, maxAttempts int) error {
	if result.Delivered {
		q := fmt.Sprintf(`UPDATE outbox_entries SET state = %s, lease_until = NULL WHERE id = %s`, s.ph(1), s.ph(2))
		_, err := s.db.ExecContext(ctx, q, string(OutboxDelivered), id)
		return err
	}

	var attempts int
	q := fmt.Sprintf(`SELECT attempts FROM outbox_entries WHERE id = %s`, s.ph(1))
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&attempts); err != nil {
		return err
	}
	attempts++

	state := OutboxPending
	if attempts >= maxAttempts {
		state = OutboxDLQ
	}
	updateQ := fmt.Sprintf(`UPDATE outbox_entries SET attempts = %s, state = %s, next_attempt_at = %s, lease_until = NULL WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.ExecContext(ctx, updateQ, attempts, string(state), now.Add(backoff(attempts)), id)
	return err
}

// --- ops audit ---

func (s *SQLStore) PutOpsAudit(ctx context.Context, entry *OpsAuditEntry) error {
	if entry.ID == "" {
		entry.ID = "opsaud_" + uuid.New().String()
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO ops_audit (id, tenant_id, at, actor, action, details) VALUES (%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err = s.db.ExecContext(ctx, q, entry.ID, entry.TenantID, entry.At, entry.Actor, entry.Action, string(details))
	return err
}

func (s *SQLStore) ListOpsAudit(ctx context.Context, filter OpsAuditFilter) ([]*OpsAuditEntry, error) {
	q := fmt.Sprintf(`SELECT id, at, actor, action, details FROM ops_audit WHERE tenant_id = %s`, s.ph(1))
	args := []interface{}{filter.TenantID}
	if filter.Action != "" {
		q += fmt.Sprintf(` AND action = %s`, s.ph(len(args)+1))
		args = append(args, filter.Action)
	}
	q += ` ORDER BY at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*OpsAuditEntry
	for rows.Next() {
		var id, actor, action, details string
		var at time.Time
		if err := rows.Scan(&id, &at, &actor, &action, &details); err != nil {
			return nil, err
		}
		e := &OpsAuditEntry{ID: id, TenantID: filter.TenantID, At: at, Actor: actor, Action: action}
		_ = json.Unmarshal([]byte(details), &e.Details)
		results = append(results, e)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

func derefOrEmpty(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
