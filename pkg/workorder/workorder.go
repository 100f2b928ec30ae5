// Package workorder implements the work-order lifecycle:
// created->accepted->in_progress->completed->settled, with a failed exit
// reachable from any non-terminal state, plus metering top-ups applied
// along the way (spec §3.6, §4.10). The hash-bound WorkOrder/
// CompletionReceipt/WorkOrderMeteringSnapshot records themselves live in
// pkg/artifacts; this package owns the state transitions and the
// duplicate-topUp/eventKey rejection rule that guards them.
package workorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/artifacts"
)

type State string

const (
	StateCreated    State = "created"
	StateAccepted   State = "accepted"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateCreated:    {StateAccepted, StateFailed},
	StateAccepted:   {StateInProgress, StateFailed},
	StateInProgress: {StateCompleted, StateFailed},
	StateCompleted:  {StateSettled, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkOrder is the lifecycle handle around a hash-bound WorkOrderCore: it
// applies top-ups, advances state, and produces CompletionReceipt/
// WorkOrderMeteringSnapshot artifacts at the right transitions.
type WorkOrder struct {
	mu sync.Mutex

	Core artifacts.WorkOrderCore

	maxCostCents  int64
	topUps        []artifacts.MeterTopUp
	seenTopUpIDs  map[string]bool
	seenEventKeys map[string]bool

	completionReceipt *artifacts.CompletionReceipt
}

// New starts a work order in the created state.
func New(core artifacts.WorkOrderCore, maxCostCents int64) *WorkOrder {
	core.State = string(StateCreated)
	return &WorkOrder{
		Core:          core,
		maxCostCents:  maxCostCents,
		seenTopUpIDs:  map[string]bool{},
		seenEventKeys: map[string]bool{},
	}
}

func (w *WorkOrder) transition(to State) error {
	from := State(w.Core.State)
	if !canTransition(from, to) {
		return apierr.New(apierr.SchemaInvalid, fmt.Sprintf("cannot transition work order from %q to %q", from, to))
	}
	w.Core.State = string(to)
	return nil
}

// Accept moves created -> accepted.
func (w *WorkOrder) Accept() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transition(StateAccepted)
}

// Start moves accepted -> in_progress.
func (w *WorkOrder) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transition(StateInProgress)
}

// Fail moves any non-terminal state to failed.
func (w *WorkOrder) Fail() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transition(StateFailed)
}

// ApplyTopUp appends a metering top-up. A duplicate topUpId or eventKey
// is rejected with SCHEMA_INVALID and leaves the work order's metering
// state completely unchanged — no partial mutation (spec §4.10).
func (w *WorkOrder) ApplyTopUp(topUp artifacts.MeterTopUp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seenTopUpIDs[topUp.TopUpID] {
		return apierr.New(apierr.SchemaInvalid, "duplicate top-up topUpId: "+topUp.TopUpID)
	}
	if w.seenEventKeys[topUp.EventKey] {
		return apierr.New(apierr.SchemaInvalid, "duplicate top-up eventKey: "+topUp.EventKey)
	}
	w.seenTopUpIDs[topUp.TopUpID] = true
	w.seenEventKeys[topUp.EventKey] = true
	w.topUps = append(w.topUps, topUp)
	return nil
}

// MeteringSnapshot builds the current WorkOrderMeteringSnapshot.v1,
// computing meterDigest = SHA256(canonical([topUp1Hash,...,topUpNHash]))
// over the per-top-up hashes, per spec §3.6.
func (w *WorkOrder) MeteringSnapshot(now time.Time) (*artifacts.WorkOrderMeteringSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var topUpTotal int64
	hashes := make([]string, 0, len(w.topUps))
	for _, t := range w.topUps {
		topUpTotal += t.AmountCents
		h, err := artifacts.HashCore(t)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	digest, err := artifacts.HashCore(hashes)
	if err != nil {
		return nil, err
	}

	covered := w.Core.AmountCents + topUpTotal
	remaining := w.maxCostCents - covered
	if remaining < 0 {
		remaining = 0
	}

	core := artifacts.WorkOrderMeteringSnapshotCore{
		WorkOrderID:        w.Core.WorkOrderID,
		BaseAmountCents:    w.Core.AmountCents,
		TopUps:             append([]artifacts.MeterTopUp{}, w.topUps...),
		TopUpTotalCents:    topUpTotal,
		CoveredAmountCents: covered,
		MaxCostCents:       w.maxCostCents,
		RemainingCents:     remaining,
		MeterDigest:        digest,
	}
	return artifacts.BuildWorkOrderMeteringSnapshot(core, now)
}

// Complete moves in_progress -> completed and emits the CompletionReceipt
// binding the current metering digest and evidence to the x402 gate/run
// that settled the work (spec §4.10).
func (w *WorkOrder) Complete(evidenceRefs []string, x402GateID, x402RunID string, now time.Time) (*artifacts.CompletionReceipt, error) {
	snapshot, err := w.MeteringSnapshot(now)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transition(StateCompleted); err != nil {
		return nil, err
	}

	core := artifacts.CompletionReceiptCore{
		WorkOrderID:  w.Core.WorkOrderID,
		MeterDigest:  snapshot.SnapshotCore.MeterDigest,
		EvidenceRefs: evidenceRefs,
		X402GateID:   x402GateID,
		X402RunID:    x402RunID,
	}
	receipt, err := artifacts.BuildCompletionReceipt(core, now)
	if err != nil {
		return nil, err
	}
	w.completionReceipt = receipt
	return receipt, nil
}

// Settle moves completed -> settled, requiring that the x402 settlement's
// released amount matches the work order's declared amountCents — the
// buyer only ever pays for what the work order itself declares.
func (w *WorkOrder) Settle(settlement *artifacts.X402Settlement) *apierr.Report {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := apierr.NewReport()
	if settlement.SettlementCore.ReleasedAmountCents != w.Core.AmountCents {
		r.Fail(apierr.SchemaInvalid, "$.settlementCore.releasedAmountCents",
			fmt.Sprintf("released amount %d does not match work order amount %d", settlement.SettlementCore.ReleasedAmountCents, w.Core.AmountCents))
		return r
	}
	if err := w.transition(StateSettled); err != nil {
		r.Fail(apierr.SchemaInvalid, "$.state", err.Error())
	}
	return r
}

// State returns the work order's current lifecycle state.
func (w *WorkOrder) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return State(w.Core.State)
}
