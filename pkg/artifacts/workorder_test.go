package artifacts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndVerifyWorkOrder(t *testing.T) {
	order, err := BuildWorkOrder(WorkOrderCore{
		WorkOrderID: "wo1", TenantID: "t1", BuyerID: "buyer-1", SellerID: "seller-1",
		State: "created", AmountCents: 5000, Currency: "USD",
	}, fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyWorkOrder(order).OK)
}

func TestWorkOrderMeteringSnapshot_ValidTotals(t *testing.T) {
	core := WorkOrderMeteringSnapshotCore{
		WorkOrderID:     "wo1",
		BaseAmountCents: 1000,
		TopUps: []MeterTopUp{
			{TopUpID: "tu-1", EventKey: "tok-1", AmountCents: 200, Quantity: 1, Currency: "USD", OccurredAt: "2026-01-01T00:00:00Z"},
			{TopUpID: "tu-2", EventKey: "tok-2", AmountCents: 300, Quantity: 1, Currency: "USD", OccurredAt: "2026-01-01T00:05:00Z"},
		},
		TopUpTotalCents:    500,
		CoveredAmountCents: 1500,
		MaxCostCents:       2000,
		RemainingCents:     500,
		MeterDigest:        "sha256:digest",
	}
	snapshot, err := BuildWorkOrderMeteringSnapshot(core, fixedNow)
	require.NoError(t, err)

	result := VerifyWorkOrderMeteringSnapshot(snapshot)
	require.True(t, result.OK, result.Errors)
}

func TestWorkOrderMeteringSnapshot_RejectsDuplicateEventKey(t *testing.T) {
	core := WorkOrderMeteringSnapshotCore{
		WorkOrderID:     "wo1",
		BaseAmountCents: 1000,
		TopUps: []MeterTopUp{
			{TopUpID: "tu-1", EventKey: "tok-1", AmountCents: 200},
			{TopUpID: "tu-2", EventKey: "tok-1", AmountCents: 200}, // replayed top-up
		},
		TopUpTotalCents:    400,
		CoveredAmountCents: 1400,
		MaxCostCents:       2000,
		RemainingCents:     600,
	}
	snapshot, err := BuildWorkOrderMeteringSnapshot(core, fixedNow)
	require.NoError(t, err)

	result := VerifyWorkOrderMeteringSnapshot(snapshot)
	require.False(t, result.OK)
}

func TestWorkOrderMeteringSnapshot_RemainingClampsAtZero(t *testing.T) {
	core := WorkOrderMeteringSnapshotCore{
		WorkOrderID:        "wo1",
		BaseAmountCents:    1000,
		TopUpTotalCents:    0,
		CoveredAmountCents: 1000,
		MaxCostCents:       500, // exceeded
		RemainingCents:     0,
	}
	snapshot, err := BuildWorkOrderMeteringSnapshot(core, fixedNow)
	require.NoError(t, err)

	result := VerifyWorkOrderMeteringSnapshot(snapshot)
	require.True(t, result.OK, result.Errors)
}

func TestWorkOrderMeteringSnapshot_DetectsCoveredAmountDrift(t *testing.T) {
	core := WorkOrderMeteringSnapshotCore{
		WorkOrderID:        "wo1",
		BaseAmountCents:    1000,
		TopUpTotalCents:    200,
		CoveredAmountCents: 9999, // should be 1200
		MaxCostCents:       2000,
		RemainingCents:     800,
	}
	snapshot, err := BuildWorkOrderMeteringSnapshot(core, fixedNow)
	require.NoError(t, err)

	result := VerifyWorkOrderMeteringSnapshot(snapshot)
	require.False(t, result.OK)
}

func TestBuildAndVerifyCompletionReceipt(t *testing.T) {
	receipt, err := BuildCompletionReceipt(CompletionReceiptCore{
		WorkOrderID: "wo1", MeterDigest: "sha256:digest",
		EvidenceRefs: []string{"sha256:evidence1"}, X402GateID: "gate-1", X402RunID: "run-1",
	}, fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyCompletionReceipt(receipt).OK)
}
