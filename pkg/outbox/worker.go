// Package outbox implements the delivery worker that drains the store's
// outbox queue: lease entries, POST them as HMAC-signed webhooks, and ack
// success/failure back into the store's retry/backoff/DLQ state machine
// (spec §4.7). Persistence itself lives in pkg/store; this package only
// adds the HTTP delivery loop on top of it, the way the teacher's
// EnhancedClient adds retry/circuit-breaking on top of a plain
// *http.Client.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/settld/substrate/pkg/canonicalize"
	"github.com/settld/substrate/pkg/store"
)

// Destination is a registered webhook target: the URL deliveries are
// POSTed to and the shared secret used to HMAC-sign the body.
type Destination struct {
	ID     string
	URL    string
	Secret string
}

// DestinationResolver looks up a destination's URL and signing secret by
// id. Returns an error if destinationID is unknown.
type DestinationResolver interface {
	Resolve(ctx context.Context, destinationID string) (*Destination, error)
}

// PayloadLoader fetches the canonical JSON body to deliver for one outbox
// entry's artifact reference.
type PayloadLoader interface {
	Load(ctx context.Context, tenantID, artifactType, artifactID string) (interface{}, error)
}

// Worker drains the outbox queue on a fixed tick, delivering up to
// BatchSize entries per lease.
type Worker struct {
	Store         store.Store
	Destinations  DestinationResolver
	Payloads      PayloadLoader
	HTTPClient    *http.Client
	BatchSize     int
	LeaseDuration time.Duration
	MaxAttempts   int
	Limiter       *rate.Limiter
	Logger        *slog.Logger
}

// NewWorker builds a Worker with the teacher-style defaults: a 30s HTTP
// timeout, 10-entry batches, a 30s lease, 10 max attempts before DLQ, and
// an unbounded rate limiter unless the caller supplies one.
func NewWorker(s store.Store, destinations DestinationResolver, payloads PayloadLoader) *Worker {
	return &Worker{
		Store:         s,
		Destinations:  destinations,
		Payloads:      payloads,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		BatchSize:     10,
		LeaseDuration: 30 * time.Second,
		MaxAttempts:   10,
		Limiter:       rate.NewLimiter(rate.Inf, 1),
		Logger:        slog.Default(),
	}
}

// Backoff is exponential with jitter: base * 2^attempts capped at 1h, plus
// up to 20% jitter, matching the doubling curve of the teacher's
// EnhancedClient retry loop but scaled for minutes-to-hours instead of
// milliseconds since outbox retries span process restarts.
func Backoff(attempts int) time.Duration {
	base := time.Second
	capped := 1 * time.Hour
	backoff := time.Duration(math.Pow(2, float64(attempts))) * base
	if backoff > capped {
		backoff = capped
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 5 + 1)) //nolint:gosec // timing jitter, not security sensitive
	return backoff + jitter
}

// RunOnce leases one batch and attempts delivery of each entry, returning
// the number of entries it attempted.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	leased, err := w.Store.LeaseOutbox(ctx, w.BatchSize, now, w.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("outbox: lease: %w", err)
	}
	for _, entry := range leased {
		if err := w.Limiter.Wait(ctx); err != nil {
			return len(leased), err
		}
		w.deliver(ctx, entry)
	}
	return len(leased), nil
}

// Run drains the outbox on tick until ctx is canceled.
func (w *Worker) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.Logger.Error("outbox: run once failed", "error", err)
			}
		}
	}
}

func (w *Worker) deliver(ctx context.Context, entry *store.OutboxEntry) {
	result := store.OutboxAckResult{}

	dest, err := w.Destinations.Resolve(ctx, entry.DestinationID)
	if err != nil {
		result.Err = fmt.Sprintf("resolve destination: %v", err)
		w.ack(ctx, entry.ID, result)
		return
	}

	payload, err := w.Payloads.Load(ctx, entry.TenantID, entry.ArtifactType, entry.ArtifactID)
	if err != nil {
		result.Err = fmt.Sprintf("load payload: %v", err)
		w.ack(ctx, entry.ID, result)
		return
	}

	body, err := canonicalize.Canonical(payload)
	if err != nil {
		result.Err = fmt.Sprintf("canonicalize payload: %v", err)
		w.ack(ctx, entry.ID, result)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		result.Err = fmt.Sprintf("build request: %v", err)
		w.ack(ctx, entry.ID, result)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-tenant-id", entry.TenantID)
	req.Header.Set("x-artifact-type", entry.ArtifactType)
	req.Header.Set("x-artifact-id", entry.ArtifactID)
	req.Header.Set("x-idempotency-key", entry.IdempotencyKey)
	req.Header.Set("x-signature", sign(dest.Secret, body))

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		result.Err = fmt.Sprintf("delivery request failed: %v", err)
		w.ack(ctx, entry.ID, result)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Delivered = true
	} else {
		result.Err = fmt.Sprintf("destination returned status %d", resp.StatusCode)
	}
	w.ack(ctx, entry.ID, result)
}

func (w *Worker) ack(ctx context.Context, id string, result store.OutboxAckResult) {
	if err := w.Store.AckOutbox(ctx, id, result, time.Now().UTC(), Backoff, w.MaxAttempts); err != nil {
		w.Logger.Error("outbox: ack failed", "entryId", id, "error", err)
	}
}

// sign computes x-signature = HMAC-SHA256(destinationSecret, canonical(body)).
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body) //nolint:errcheck // hash.Hash.Write never errors
	return hex.EncodeToString(mac.Sum(nil))
}
