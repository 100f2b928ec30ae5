package artifacts

import (
	"time"

	"github.com/settld/substrate/pkg/apierr"
)

const (
	SchemaWorkOrderV1                = "WorkOrder.v1"
	SchemaCompletionReceiptV1         = "CompletionReceipt.v1"
	SchemaWorkOrderMeteringSnapshotV1 = "WorkOrderMeteringSnapshot.v1"
)

// MeterTopUp is one increment to a work order's meter (spec §4.10):
// {topUpId, amountCents, quantity, currency, eventKey, occurredAt}.
type MeterTopUp struct {
	TopUpID     string `json:"topUpId"`
	AmountCents int64  `json:"amountCents"`
	Quantity    int64  `json:"quantity"`
	Currency    string `json:"currency"`
	EventKey    string `json:"eventKey"`
	OccurredAt  string `json:"occurredAt"`
}

// WorkOrderMeteringSnapshotCore is the hash-bound metering state of one
// work order at the time it was snapshotted.
type WorkOrderMeteringSnapshotCore struct {
	WorkOrderID        string       `json:"workOrderId"`
	BaseAmountCents    int64        `json:"baseAmountCents"`
	TopUps             []MeterTopUp `json:"topUps"`
	TopUpTotalCents    int64        `json:"topUpTotalCents"`
	CoveredAmountCents int64        `json:"coveredAmountCents"`
	MaxCostCents       int64        `json:"maxCostCents"`
	RemainingCents     int64        `json:"remainingCents"`
	MeterDigest        string       `json:"meterDigest"`
}

type WorkOrderMeteringSnapshot struct {
	Wrapper
	SnapshotCore WorkOrderMeteringSnapshotCore `json:"snapshotCore"`
	SnapshotHash string                        `json:"snapshotHash"`
}

func BuildWorkOrderMeteringSnapshot(core WorkOrderMeteringSnapshotCore, now time.Time) (*WorkOrderMeteringSnapshot, error) {
	if schemaErr := ValidateCoreSchema(SchemaWorkOrderMeteringSnapshotV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &WorkOrderMeteringSnapshot{
		Wrapper:      Wrapper{SchemaVersion: SchemaWorkOrderMeteringSnapshotV1, GeneratedAt: now},
		SnapshotCore: core,
		SnapshotHash: hash,
	}, nil
}

// VerifyWorkOrderMeteringSnapshot recomputes the derived totals from
// BaseAmountCents and TopUps and fails closed on any drift (spec §3.6's
// coveredAmountCents/remainingCents invariants).
func VerifyWorkOrderMeteringSnapshot(snapshot *WorkOrderMeteringSnapshot) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaWorkOrderMeteringSnapshotV1, snapshot.SchemaVersion)
	CheckHashBinding(r, "$.snapshotHash", snapshot.SnapshotCore, snapshot.SnapshotHash)

	core := snapshot.SnapshotCore
	var topUpTotal int64
	seenEventKeys := map[string]bool{}
	seenTopUpIDs := map[string]bool{}
	for _, t := range core.TopUps {
		if seenEventKeys[t.EventKey] {
			r.Fail(apierr.SchemaInvalid, "$.snapshotCore.topUps", "duplicate eventKey: "+t.EventKey)
			continue
		}
		if seenTopUpIDs[t.TopUpID] {
			r.Fail(apierr.SchemaInvalid, "$.snapshotCore.topUps", "duplicate topUpId: "+t.TopUpID)
			continue
		}
		seenEventKeys[t.EventKey] = true
		seenTopUpIDs[t.TopUpID] = true
		topUpTotal += t.AmountCents
	}
	if topUpTotal != core.TopUpTotalCents {
		r.Fail(apierr.SchemaInvalid, "$.snapshotCore.topUpTotalCents", "does not equal sum of topUps.amountCents")
	}
	if core.BaseAmountCents+core.TopUpTotalCents != core.CoveredAmountCents {
		r.Fail(apierr.SchemaInvalid, "$.snapshotCore.coveredAmountCents", "does not equal baseAmountCents+topUpTotalCents")
	}
	remaining := core.MaxCostCents - core.CoveredAmountCents
	if remaining < 0 {
		remaining = 0
	}
	if remaining != core.RemainingCents {
		r.Fail(apierr.SchemaInvalid, "$.snapshotCore.remainingCents", "does not equal max(0, maxCostCents-coveredAmountCents)")
	}
	return r
}

// WorkOrderCore is the hash-bound declaration of one work order.
type WorkOrderCore struct {
	WorkOrderID string `json:"workOrderId"`
	TenantID    string `json:"tenantId"`
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	State       string `json:"state"` // created|accepted|in_progress|completed|settled|failed
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

type WorkOrder struct {
	Wrapper
	OrderCore WorkOrderCore `json:"orderCore"`
	OrderHash string        `json:"orderHash"`
}

func BuildWorkOrder(core WorkOrderCore, now time.Time) (*WorkOrder, error) {
	if schemaErr := ValidateCoreSchema(SchemaWorkOrderV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &WorkOrder{
		Wrapper:   Wrapper{SchemaVersion: SchemaWorkOrderV1, GeneratedAt: now},
		OrderCore: core,
		OrderHash: hash,
	}, nil
}

func VerifyWorkOrder(order *WorkOrder) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaWorkOrderV1, order.SchemaVersion)
	CheckHashBinding(r, "$.orderHash", order.OrderCore, order.OrderHash)
	return r
}

// CompletionReceiptCore binds a completed work order's metering digest and
// evidence refs to its x402 gate/run, produced on the `completed`
// transition (spec §4.10).
type CompletionReceiptCore struct {
	WorkOrderID  string   `json:"workOrderId"`
	MeterDigest  string   `json:"meterDigest"`
	EvidenceRefs []string `json:"evidenceRefs"`
	X402GateID   string   `json:"x402GateId"`
	X402RunID    string   `json:"x402RunId"`
}

type CompletionReceipt struct {
	Wrapper
	ReceiptCore CompletionReceiptCore `json:"receiptCore"`
	ReceiptHash string                `json:"receiptHash"`
}

func BuildCompletionReceipt(core CompletionReceiptCore, now time.Time) (*CompletionReceipt, error) {
	if schemaErr := ValidateCoreSchema(SchemaCompletionReceiptV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &CompletionReceipt{
		Wrapper:     Wrapper{SchemaVersion: SchemaCompletionReceiptV1, GeneratedAt: now},
		ReceiptCore: core,
		ReceiptHash: hash,
	}, nil
}

func VerifyCompletionReceipt(receipt *CompletionReceipt) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaCompletionReceiptV1, receipt.SchemaVersion)
	CheckHashBinding(r, "$.receiptHash", receipt.ReceiptCore, receipt.ReceiptHash)
	return r
}
