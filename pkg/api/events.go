// Package api assembles the ambient HTTP surface — idempotency, rate
// limiting, and the event-append route — on top of pkg/chain and
// pkg/store. Nothing domain-specific (artifact construction, x402
// settlement) lives here; handlers only orchestrate already-pure package
// calls (spec §1's "out of scope: HTTP routing and authentication
// middleware" — this is the thin middleware, not the core).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/chain"
	"github.com/settld/substrate/pkg/store"
)

// EventsHandler serves `POST /<stream>/events` (spec §6).
type EventsHandler struct {
	Store store.Store
}

// NewEventsHandler builds an EventsHandler backed by s.
func NewEventsHandler(s store.Store) *EventsHandler {
	return &EventsHandler{Store: s}
}

// eventAppendResponse is the 201 body: the persisted event plus the
// stream's new snapshot (spec §6: "201 with {event, streamSnapshot}").
type eventAppendResponse struct {
	Event          *chain.Event         `json:"event"`
	StreamSnapshot *chain.StreamSnapshot `json:"streamSnapshot"`
}

// ServeHTTP implements http.Handler. r.PathValue("stream") requires the
// caller to have routed this handler behind a pattern like
// "POST /{stream}/events".
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream")
	if streamID == "" {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "missing stream id in path"))
		return
	}

	tenantID := r.Header.Get("x-proxy-tenant-id")
	if tenantID == "" {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "missing x-proxy-tenant-id header"))
		return
	}

	var event chain.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode event body: %v", err)))
		return
	}
	event.StreamID = streamID

	var expectedPrevChainHash *string
	if v := r.Header.Get("x-proxy-expected-prev-chain-hash"); v != "" {
		expectedPrevChainHash = &v
	}
	idempotencyKey := r.Header.Get("x-idempotency-key")

	if coded := h.verifySignerTrust(r.Context(), tenantID, &event); coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}

	result, err := chain.AppendChainedEvent(r.Context(), h.Store, tenantID, streamID, &event, expectedPrevChainHash, idempotencyKey)
	if err != nil {
		var coded *apierr.CodedError
		if errors.As(err, &coded) {
			apierr.WriteCodedError(w, r, coded)
			return
		}
		apierr.WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(eventAppendResponse{Event: result.Event, StreamSnapshot: result.Snapshot})
}

// verifySignerTrust performs the signature-verification step chain.go
// explicitly defers to "one layer up": an event claiming a signerKeyId
// must resolve to an active auth key whose public key actually verifies
// the event's signature, or the append is rejected before it ever reaches
// the chain algorithm (spec §7's AUTH_KEY_MISSING / SIGNER_KEY_NOT_ACTIVE).
func (h *EventsHandler) verifySignerTrust(ctx context.Context, tenantID string, event *chain.Event) *apierr.CodedError {
	if event.SignerKeyID == nil {
		return nil
	}
	rec, err := h.Store.LookupAuthKey(ctx, tenantID, *event.SignerKeyID)
	if err != nil || rec == nil {
		return apierr.New(apierr.AuthKeyMissing, fmt.Sprintf("no auth key registered for signerKeyId %q", *event.SignerKeyID))
	}
	if !rec.Active {
		return apierr.New(apierr.SignerKeyNotActive, fmt.Sprintf("signer key %q is not active", *event.SignerKeyID))
	}
	ok, err := chain.VerifySignature(event, rec.PublicKeyPEM)
	if err != nil || !ok {
		return apierr.New(apierr.EventIntegrityInvalid, "event signature does not verify against the registered signer key")
	}
	return nil
}
