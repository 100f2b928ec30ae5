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
	"github.com/settld/substrate/pkg/workorder"
)

// WorkOrderHandler serves the work-order lifecycle (spec §3.6, §4.10, §6):
// accept/start/fail, metering top-ups, completion, and settlement. Like
// x402.Gate, a workorder.WorkOrder is a live in-memory state machine with
// no store integration of its own, so this handler keeps one per tenant/
// work order in memory and persists every emitted artifact to Store.
type WorkOrderHandler struct {
	Store store.Store
	Obs   *observability.Provider

	mu     sync.Mutex
	orders map[string]*workorder.WorkOrder
}

// NewWorkOrderHandler builds a WorkOrderHandler backed by s.
func NewWorkOrderHandler(s store.Store, obs *observability.Provider) *WorkOrderHandler {
	return &WorkOrderHandler{Store: s, Obs: obs, orders: map[string]*workorder.WorkOrder{}}
}

func workOrderKey(tenantID, workOrderID string) string {
	return tenantID + "/" + workOrderID
}

func (h *WorkOrderHandler) put(tenantID, workOrderID string, w *workorder.WorkOrder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orders[workOrderKey(tenantID, workOrderID)] = w
}

func (h *WorkOrderHandler) get(tenantID, workOrderID string) (*workorder.WorkOrder, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.orders[workOrderKey(tenantID, workOrderID)]
	return o, ok
}

func (h *WorkOrderHandler) putArtifact(w http.ResponseWriter, r *http.Request, tenantID, artifactType, id string, v interface{}, now time.Time) bool {
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

type createWorkOrderRequest struct {
	Core         artifacts.WorkOrderCore `json:"orderCore"`
	MaxCostCents int64                   `json:"maxCostCents"`
}

// HandleCreate serves `POST /workorders`.
func (h *WorkOrderHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}

	var req createWorkOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode work order: %v", err)))
		return
	}
	req.Core.TenantID = tenantID
	if req.Core.WorkOrderID == "" {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "workOrderId is required"))
		return
	}

	now := time.Now().UTC()
	ctx, done := h.Obs.TrackOperation(r.Context(), "workorder.create", observability.WorkOrderOperation(tenantID, req.Core.WorkOrderID, "created")...)
	r = r.WithContext(ctx)

	order := workorder.New(req.Core, req.MaxCostCents)
	h.put(tenantID, req.Core.WorkOrderID, order)

	artifact, err := artifacts.BuildWorkOrder(order.Core, now)
	if err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}
	if !h.putArtifact(w, r, tenantID, artifacts.SchemaWorkOrderV1, req.Core.WorkOrderID, artifact, now) {
		done(fmt.Errorf("persist work order artifact"))
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(artifact)
}

// transitionFunc applies one state transition to a live WorkOrder.
type transitionFunc func(*workorder.WorkOrder) error

// handleTransition loads the order named by the path, applies fn, persists
// the refreshed WorkOrder artifact, and writes it back as the response.
func (h *WorkOrderHandler) handleTransition(w http.ResponseWriter, r *http.Request, opName string, fn transitionFunc) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	workOrderID := r.PathValue("workOrderId")

	order, ok := h.get(tenantID, workOrderID)
	if !ok {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown workOrderId: "+workOrderID))
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), opName, observability.WorkOrderOperation(tenantID, workOrderID, string(order.State()))...)
	r = r.WithContext(ctx)

	if err := fn(order); err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}

	now := time.Now().UTC()
	artifact, err := artifacts.BuildWorkOrder(order.Core, now)
	if err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}
	if !h.putArtifact(w, r, tenantID, artifacts.SchemaWorkOrderV1, workOrderID, artifact, now) {
		done(fmt.Errorf("persist work order artifact"))
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(artifact)
}

// HandleAccept serves `POST /workorders/{workOrderId}/accept`.
func (h *WorkOrderHandler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "workorder.accept", (*workorder.WorkOrder).Accept)
}

// HandleStart serves `POST /workorders/{workOrderId}/start`.
func (h *WorkOrderHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "workorder.start", (*workorder.WorkOrder).Start)
}

// HandleFail serves `POST /workorders/{workOrderId}/fail`.
func (h *WorkOrderHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "workorder.fail", (*workorder.WorkOrder).Fail)
}

// HandleTopUp serves `POST /workorders/{workOrderId}/topups`: body is an
// artifacts.MeterTopUp, rejected whole if its topUpId or eventKey repeats
// one already applied (spec §4.10).
func (h *WorkOrderHandler) HandleTopUp(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	workOrderID := r.PathValue("workOrderId")

	order, ok := h.get(tenantID, workOrderID)
	if !ok {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown workOrderId: "+workOrderID))
		return
	}

	var topUp artifacts.MeterTopUp
	if err := json.NewDecoder(r.Body).Decode(&topUp); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode top-up: %v", err)))
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), "workorder.topup", observability.WorkOrderOperation(tenantID, workOrderID, string(order.State()))...)
	r = r.WithContext(ctx)

	if err := order.ApplyTopUp(topUp); err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}

	now := time.Now().UTC()
	snapshot, err := order.MeteringSnapshot(now)
	if err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}
	if !h.putArtifact(w, r, tenantID, artifacts.SchemaWorkOrderMeteringSnapshotV1, workOrderID, snapshot, now) {
		done(fmt.Errorf("persist metering snapshot"))
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

type completeRequest struct {
	EvidenceRefs []string `json:"evidenceRefs"`
	X402GateID   string   `json:"x402GateId"`
	X402RunID    string   `json:"x402RunId"`
}

// HandleComplete serves `POST /workorders/{workOrderId}/complete`.
func (h *WorkOrderHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	workOrderID := r.PathValue("workOrderId")

	order, ok := h.get(tenantID, workOrderID)
	if !ok {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown workOrderId: "+workOrderID))
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode completion: %v", err)))
		return
	}

	now := time.Now().UTC()
	ctx, done := h.Obs.TrackOperation(r.Context(), "workorder.complete", observability.WorkOrderOperation(tenantID, workOrderID, "completed")...)
	r = r.WithContext(ctx)

	receipt, err := order.Complete(req.EvidenceRefs, req.X402GateID, req.X402RunID, now)
	if err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}
	if !h.putArtifact(w, r, tenantID, artifacts.SchemaCompletionReceiptV1, workOrderID, receipt, now) {
		done(fmt.Errorf("persist completion receipt"))
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(receipt)
}

// HandleSettle serves `POST /workorders/{workOrderId}/settle`: the body
// names the receiptId of an already-persisted X402SettlementReceipt.v1,
// reloaded from Store rather than trusted from the caller (spec §4.10's
// "the buyer only ever pays for what the work order itself declares").
func (h *WorkOrderHandler) HandleSettle(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	workOrderID := r.PathValue("workOrderId")

	order, ok := h.get(tenantID, workOrderID)
	if !ok {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown workOrderId: "+workOrderID))
		return
	}

	var body struct {
		ReceiptID string `json:"receiptId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("decode settle request: %v", err)))
		return
	}

	rec, err := h.Store.GetArtifact(r.Context(), tenantID, artifacts.SchemaX402SettlementV1, body.ReceiptID)
	if err != nil {
		apierr.WriteInternal(w, err)
		return
	}
	if rec == nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "unknown settlement receiptId: "+body.ReceiptID))
		return
	}
	var settlement artifacts.X402Settlement
	if err := json.Unmarshal(rec.RawJSON, &settlement); err != nil {
		apierr.WriteInternal(w, err)
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), "workorder.settle", observability.WorkOrderOperation(tenantID, workOrderID, "settled")...)
	r = r.WithContext(ctx)

	report := order.Settle(&settlement)
	if !report.OK {
		done(fmt.Errorf("%d settlement findings", len(report.Errors)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(report)
		return
	}

	now := time.Now().UTC()
	artifact, err := artifacts.BuildWorkOrder(order.Core, now)
	if err != nil {
		done(err)
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, err.Error()))
		return
	}
	if !h.putArtifact(w, r, tenantID, artifacts.SchemaWorkOrderV1, workOrderID, artifact, now) {
		done(fmt.Errorf("persist work order artifact"))
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(artifact)
}
