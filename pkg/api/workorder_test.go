package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/settld/substrate/pkg/artifacts"
	"github.com/settld/substrate/pkg/store"
)

func newWorkOrderRequest(t *testing.T, method, path, tenantID string, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if tenantID != "" {
		r.Header.Set("x-proxy-tenant-id", tenantID)
	}
	return r
}

func TestWorkOrderHandler_FullLifecycle(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewWorkOrderHandler(s, testObservability(t))

	create := createWorkOrderRequest{
		Core: artifacts.WorkOrderCore{
			WorkOrderID: "wo_1", BuyerID: "agt_buyer", SellerID: "agt_seller",
			AmountCents: 500, Currency: "USD",
		},
		MaxCostCents: 1000,
	}
	w := httptest.NewRecorder()
	h.HandleCreate(w, newWorkOrderRequest(t, http.MethodPost, "/workorders", "tenant-a", create))
	require.Equal(t, http.StatusCreated, w.Code)

	for _, step := range []struct {
		path string
		fn   http.HandlerFunc
	}{
		{"accept", h.HandleAccept},
		{"start", h.HandleStart},
	} {
		w = httptest.NewRecorder()
		r := newWorkOrderRequest(t, http.MethodPost, "/workorders/wo_1/"+step.path, "tenant-a", nil)
		r.SetPathValue("workOrderId", "wo_1")
		step.fn(w, r)
		require.Equal(t, http.StatusOK, w.Code, step.path)
	}

	topUp := artifacts.MeterTopUp{TopUpID: "tu_1", AmountCents: 100, Quantity: 1, Currency: "USD", EventKey: "evt_1"}
	w = httptest.NewRecorder()
	r := newWorkOrderRequest(t, http.MethodPost, "/workorders/wo_1/topups", "tenant-a", topUp)
	r.SetPathValue("workOrderId", "wo_1")
	h.HandleTopUp(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	complete := completeRequest{EvidenceRefs: []string{"http:request_sha256:" + sha256HexFixture}, X402GateID: "gate_1", X402RunID: "run_1"}
	w = httptest.NewRecorder()
	r = newWorkOrderRequest(t, http.MethodPost, "/workorders/wo_1/complete", "tenant-a", complete)
	r.SetPathValue("workOrderId", "wo_1")
	h.HandleComplete(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var receipt artifacts.CompletionReceipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	require.Equal(t, "wo_1", receipt.ReceiptCore.WorkOrderID)
}

func TestWorkOrderHandler_SettleRejectsUnknownReceipt(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewWorkOrderHandler(s, testObservability(t))

	create := createWorkOrderRequest{Core: artifacts.WorkOrderCore{
		WorkOrderID: "wo_2", BuyerID: "b", SellerID: "se", AmountCents: 500, Currency: "USD",
	}}
	w := httptest.NewRecorder()
	h.HandleCreate(w, newWorkOrderRequest(t, http.MethodPost, "/workorders", "tenant-a", create))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r := newWorkOrderRequest(t, http.MethodPost, "/workorders/wo_2/settle", "tenant-a", map[string]string{"receiptId": "missing"})
	r.SetPathValue("workOrderId", "wo_2")
	h.HandleSettle(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

const sha256HexFixture = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
