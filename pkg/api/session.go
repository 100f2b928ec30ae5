package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/chain"
	"github.com/settld/substrate/pkg/crypto"
	"github.com/settld/substrate/pkg/observability"
	"github.com/settld/substrate/pkg/session"
	"github.com/settld/substrate/pkg/store"
)

// SessionHandler serves the multi-agent session surface (spec §4.9, §6):
// open, append an event, and assemble/verify the replay artifacts. Unlike
// x402.Gate and workorder.WorkOrder, pkg/session already operates directly
// against a store.Store, so this handler holds no in-memory session state
// of its own — every call reconstructs the Session handle from its path
// parameters and the store's event history.
type SessionHandler struct {
	Store  store.Store
	Obs    *observability.Provider
	Signer *crypto.KeyPair
	Trust  *crypto.TrustFile
}

// NewSessionHandler builds a SessionHandler backed by s, signing replay
// packs with signer and verifying them against trust.
func NewSessionHandler(s store.Store, obs *observability.Provider, signer *crypto.KeyPair, trust *crypto.TrustFile) *SessionHandler {
	return &SessionHandler{Store: s, Obs: obs, Signer: signer, Trust: trust}
}

type openSessionRequest struct {
	Participants []session.ParticipantRef `json:"participants"`
	Policy       session.PolicyRef        `json:"policy"`
	Actor        chain.Actor              `json:"actor"`
}

// HandleOpen serves `POST /sessions/{sessionId}/open`.
func (h *SessionHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	sessionID := r.PathValue("sessionId")

	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode open request: %v", err)))
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), "session.open", observability.AttrTenantID.String(tenantID), observability.AttrSessionID.String(sessionID))
	s := session.New(tenantID, sessionID, req.Participants, req.Policy, h.Signer)
	result, err := s.Open(ctx, h.Store, req.Actor)
	if err != nil {
		done(err)
		writeStoreErr(w, r, err)
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

type appendSessionEventRequest struct {
	Actor          chain.Actor `json:"actor"`
	Payload        interface{} `json:"payload"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// HandleAppendEvent serves `POST /sessions/{sessionId}/events`.
func (h *SessionHandler) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	sessionID := r.PathValue("sessionId")

	var req appendSessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode event request: %v", err)))
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), "session.event.append", observability.AttrTenantID.String(tenantID), observability.AttrSessionID.String(sessionID))
	s := session.New(tenantID, sessionID, nil, session.PolicyRef{}, h.Signer)
	result, err := s.AppendEvent(ctx, h.Store, req.Actor, req.Payload, req.IdempotencyKey)
	if err != nil {
		done(err)
		writeStoreErr(w, r, err)
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

// HandleReplayPack serves `GET /sessions/{sessionId}/replay-pack`: folds
// the session's full chained history into a signed SessionReplayPack.v1
// and SessionTranscript.v1, persisting both (spec §4.9).
func (h *SessionHandler) HandleReplayPack(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	sessionID := r.PathValue("sessionId")

	now := time.Now().UTC()
	ctx, done := h.Obs.TrackOperation(r.Context(), "session.replay", observability.AttrTenantID.String(tenantID), observability.AttrSessionID.String(sessionID))

	pack, err := session.BuildReplayPack(ctx, h.Store, tenantID, sessionID, now, h.Signer)
	if err != nil {
		done(err)
		writeStoreErr(w, r, err)
		return
	}
	transcript, err := session.BuildTranscript(pack, now)
	if err != nil {
		done(err)
		apierr.WriteInternal(w, err)
		return
	}

	rawPack, err := json.Marshal(pack)
	if err != nil {
		done(err)
		apierr.WriteInternal(w, err)
		return
	}
	if err := h.Store.PutArtifact(ctx, &store.ArtifactRecord{
		TenantID: tenantID, Type: "SessionReplayPack.v1", ID: sessionID, RawJSON: rawPack, CreatedAt: now,
	}); err != nil {
		done(err)
		apierr.WriteInternal(w, err)
		return
	}
	rawTranscript, err := json.Marshal(transcript)
	if err != nil {
		done(err)
		apierr.WriteInternal(w, err)
		return
	}
	if err := h.Store.PutArtifact(ctx, &store.ArtifactRecord{
		TenantID: tenantID, Type: "SessionTranscript.v1", ID: sessionID, RawJSON: rawTranscript, CreatedAt: now,
	}); err != nil {
		done(err)
		apierr.WriteInternal(w, err)
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Pack       interface{} `json:"replayPack"`
		Transcript interface{} `json:"transcript"`
	}{Pack: pack, Transcript: transcript})
}

// HandleVerify serves `GET /sessions/{sessionId}/verify`: rebuilds the
// replay pack and transcript fresh from stored events and independently
// reverifies them, the same reconstruction settld-verify performs offline.
func (h *SessionHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	sessionID := r.PathValue("sessionId")
	now := time.Now().UTC()

	ctx, done := h.Obs.TrackOperation(r.Context(), "session.verify", observability.AttrTenantID.String(tenantID), observability.AttrSessionID.String(sessionID))

	pack, err := session.BuildReplayPack(ctx, h.Store, tenantID, sessionID, now, h.Signer)
	if err != nil {
		done(err)
		writeStoreErr(w, r, err)
		return
	}
	transcript, err := session.BuildTranscript(pack, now)
	if err != nil {
		done(err)
		apierr.WriteInternal(w, err)
		return
	}

	report := session.VerifySession(pack, transcript, h.Trust)
	if !report.OK {
		done(fmt.Errorf("%d verification findings", len(report.Errors)))
	} else {
		done(nil)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func writeStoreErr(w http.ResponseWriter, r *http.Request, err error) {
	var coded *apierr.CodedError
	if errors.As(err, &coded) {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	apierr.WriteInternal(w, err)
}
