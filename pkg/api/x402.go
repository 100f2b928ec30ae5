package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/artifacts"
	"github.com/settld/substrate/pkg/observability"
	"github.com/settld/substrate/pkg/store"
	"github.com/settld/substrate/pkg/x402"
)

// X402Handler serves the payment-gate lifecycle: create, authorize,
// verify, reverse (spec §4.8, §6). A Gate is a live, mutex-guarded state
// machine with no store integration of its own, so this handler keeps one
// in memory per tenant/gate for the life of the process and persists every
// artifact the gate emits to Store so the gate's resolved history survives
// a restart even though its in-flight state does not.
type X402Handler struct {
	Store store.Store
	Obs   *observability.Provider

	mu    sync.Mutex
	gates map[string]*x402.Gate
}

// NewX402Handler builds an X402Handler backed by s.
func NewX402Handler(s store.Store, obs *observability.Provider) *X402Handler {
	return &X402Handler{Store: s, Obs: obs, gates: map[string]*x402.Gate{}}
}

func gateKey(tenantID, gateID string) string {
	return tenantID + "/" + gateID
}

func (h *X402Handler) putGate(tenantID, gateID string, g *x402.Gate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gates[gateKey(tenantID, gateID)] = g
}

func (h *X402Handler) getGate(tenantID, gateID string) (*x402.Gate, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[gateKey(tenantID, gateID)]
	return g, ok
}

func tenantFromHeader(r *http.Request) (string, *apierr.CodedError) {
	tenantID := r.Header.Get("x-proxy-tenant-id")
	if tenantID == "" {
		return "", apierr.New(apierr.SchemaInvalid, "missing x-proxy-tenant-id header")
	}
	return tenantID, nil
}

func (h *X402Handler) putArtifact(w http.ResponseWriter, r *http.Request, tenantID, artifactType, id string, v interface{}, now time.Time) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		apierr.WriteInternal(w, err)
		return false
	}
	if err := h.Store.PutArtifact(r.Context(), &store.ArtifactRecord{
		TenantID: tenantID, Type: artifactType, ID: id, RawJSON: raw, CreatedAt: now,
	}); err != nil {
		apierr.WriteInternal(w, err)
		return false
	}
	return true
}

// HandleCreate serves `POST /x402/gates`: the body is an X402GateCore,
// the handler stamps the created state, builds the hash-bound X402Gate
// artifact, and keeps the live Gate in memory for subsequent transitions.
func (h *X402Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}

	var core artifacts.X402GateCore
	if err := json.NewDecoder(r.Body).Decode(&core); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode gate core: %v", err)))
		return
	}
	core.TenantID = tenantID
	if core.GateID == "" {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "gateId is required"))
		return
	}

	now := time.Now().UTC()
	ctx, done := h.Obs.TrackOperation(r.Context(), "x402.gate.create", observability.X402GateOperation(tenantID, core.GateID, "created")...)
	r = r.WithContext(ctx)

	gate := x402.NewGate(core)
	h.putGate(tenantID, core.GateID, gate)

	artifact, err := artifacts.BuildX402Gate(gate.Core, now)
	if err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}
	if !h.putArtifact(w, r, tenantID, artifacts.SchemaX402GateV1, core.GateID, artifact, now) {
		done(fmt.Errorf("persist gate artifact"))
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(artifact)
}

// HandleAuthorize serves `POST /x402/gates/{gateId}/authorize`.
func (h *X402Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	gateID := r.PathValue("gateId")

	gate, ok := h.getGate(tenantID, gateID)
	if !ok {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown gateId: "+gateID))
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), "x402.gate.authorize", observability.X402GateOperation(tenantID, gateID, "authorized")...)
	r = r.WithContext(ctx)

	if err := gate.AuthorizePayment(); err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}

	now := time.Now().UTC()
	artifact, err := artifacts.BuildX402Gate(gate.Core, now)
	if err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}
	if !h.putArtifact(w, r, tenantID, artifacts.SchemaX402GateV1, gateID, artifact, now) {
		done(fmt.Errorf("persist gate artifact"))
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(artifact)
}

// verifyRequest is the wire shape of a `POST .../verify` body, mapped onto
// x402.VerifyInput (which carries no json tags of its own since it is an
// in-process argument struct, not a persisted artifact).
type verifyRequest struct {
	ReceiptID          string   `json:"receiptId"`
	DecisionID         string   `json:"decisionId"`
	RunStatus          string   `json:"runStatus"`
	VerificationStatus string   `json:"verificationStatus"`
	VerificationMethod string   `json:"verificationMethod"`
	EvidenceRefs       []string `json:"evidenceRefs"`
	ProviderSignature  string   `json:"providerSignature"`
	ResponseHash       string   `json:"responseHash"`
	Nonce              string   `json:"nonce"`
	SignedAt           string   `json:"signedAt"`
}

func (v verifyRequest) toInput() x402.VerifyInput {
	return x402.VerifyInput{
		ReceiptID:          v.ReceiptID,
		DecisionID:         v.DecisionID,
		RunStatus:          v.RunStatus,
		VerificationStatus: v.VerificationStatus,
		VerificationMethod: v.VerificationMethod,
		EvidenceRefs:       v.EvidenceRefs,
		ProviderSignature:  v.ProviderSignature,
		ResponseHash:       v.ResponseHash,
		Nonce:              v.Nonce,
		SignedAt:           v.SignedAt,
	}
}

type verifyResponse struct {
	Settlement *artifacts.X402Settlement    `json:"settlement,omitempty"`
	Trace      *artifacts.X402DecisionTrace `json:"trace,omitempty"`
	Report     *apierr.Report               `json:"report"`
}

// HandleVerify serves `POST /x402/gates/{gateId}/verify`: the
// authorized -> resolved transition that emits the settlement and
// decision-trace artifacts (spec §4.8).
func (h *X402Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	gateID := r.PathValue("gateId")

	gate, ok := h.getGate(tenantID, gateID)
	if !ok {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown gateId: "+gateID))
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode verify request: %v", err)))
		return
	}

	now := time.Now().UTC()
	ctx, done := h.Obs.TrackOperation(r.Context(), "x402.gate.verify", observability.X402GateOperation(tenantID, gateID, "resolved")...)
	r = r.WithContext(ctx)

	settlement, trace, report := gate.Verify(req.toInput(), now)
	if settlement != nil {
		if !h.putArtifact(w, r, tenantID, artifacts.SchemaX402SettlementV1, req.ReceiptID, settlement, now) {
			done(fmt.Errorf("persist settlement artifact"))
			return
		}
		if !h.putArtifact(w, r, tenantID, artifacts.SchemaX402DecisionV1, req.DecisionID, trace, now) {
			done(fmt.Errorf("persist trace artifact"))
			return
		}
	}
	if !report.OK {
		done(fmt.Errorf("%d verification findings", len(report.Errors)))
	} else {
		done(nil)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verifyResponse{Settlement: settlement, Trace: trace, Report: report})
}

type reversalRequest struct {
	CommandID      string    `json:"commandId"`
	SponsorRef     string    `json:"sponsorRef"`
	AgentKeyID     string    `json:"agentKeyId"`
	GateID         string    `json:"gateId"`
	ReceiptID      string    `json:"receiptId"`
	RequestSHA256  string    `json:"requestSha256"`
	Action         string    `json:"action"`
	Nonce          string    `json:"nonce"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Exp            time.Time `json:"exp"`
}

func (v reversalRequest) toCommand() x402.ReversalCommand {
	return x402.ReversalCommand{
		CommandID:      v.CommandID,
		SponsorRef:     v.SponsorRef,
		AgentKeyID:     v.AgentKeyID,
		GateID:         v.GateID,
		ReceiptID:      v.ReceiptID,
		RequestSHA256:  v.RequestSHA256,
		Action:         v.Action,
		Nonce:          v.Nonce,
		IdempotencyKey: v.IdempotencyKey,
		Exp:            v.Exp,
	}
}

// HandleReverse serves `POST /x402/gates/{gateId}/reverse`: the caller
// supplies the signed reversal command plus the settlement it targets, and
// the handler reloads that settlement from Store rather than trusting the
// caller's copy of it.
func (h *X402Handler) HandleReverse(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	gateID := r.PathValue("gateId")

	gate, ok := h.getGate(tenantID, gateID)
	if !ok {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown gateId: "+gateID))
		return
	}

	var req reversalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode reversal command: %v", err)))
		return
	}

	var settlement *artifacts.X402Settlement
	if req.ReceiptID != "" {
		rec, err := h.Store.GetArtifact(r.Context(), tenantID, artifacts.SchemaX402SettlementV1, req.ReceiptID)
		if err != nil {
			apierr.WriteInternal(w, err)
			return
		}
		if rec != nil {
			settlement = &artifacts.X402Settlement{}
			if err := json.Unmarshal(rec.RawJSON, settlement); err != nil {
				apierr.WriteInternal(w, err)
				return
			}
		}
	}

	now := time.Now().UTC()
	ctx, done := h.Obs.TrackOperation(r.Context(), "x402.gate.reverse", observability.X402GateOperation(tenantID, gateID, "reversed")...)
	r = r.WithContext(ctx)

	report := gate.Reverse(req.toCommand(), settlement, now)
	if !report.OK {
		done(fmt.Errorf("%d reversal findings", len(report.Errors)))
	} else {
		done(nil)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
