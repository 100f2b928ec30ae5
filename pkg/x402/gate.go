// Package x402 implements the payment-gate state machine: the
// mutex-guarded, fail-closed transition gate that sits in front of every
// settlement, the way the teacher's EnvelopeGate sits in front of every
// effect (spec §4.8). A Gate only ever moves forward along
// created -> authorized -> resolved (or sideways into reversed); any other
// call is denied with a typed CodedError rather than silently ignored.
package x402

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/artifacts"
	"github.com/settld/substrate/pkg/canonicalize"
	"github.com/settld/substrate/pkg/crypto"
)

// State is one step of the gate's lifecycle.
type State string

const (
	StateCreated    State = "created"
	StateAuthorized State = "authorized"
	StateResolved   State = "resolved"
	StateReversed   State = "reversed"
)

// Gate enforces the x402 state machine over one payment's terms.
// Runtime counters and state are guarded by mu; Core is the hash-bound
// snapshot handed to artifacts.BuildX402Gate once the caller wants to
// persist the current state.
type Gate struct {
	mu    sync.Mutex
	Core  artifacts.X402GateCore
	state State
}

// NewGate starts a gate in the created state.
func NewGate(core artifacts.X402GateCore) *Gate {
	core.State = string(StateCreated)
	return &Gate{Core: core, state: StateCreated}
}

// AuthorizePayment moves created -> authorized. Any other starting state
// is a fail-closed no-op: the caller gets an error rather than silently
// staying put.
func (g *Gate) AuthorizePayment() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateCreated {
		return apierr.New(apierr.SchemaInvalid, fmt.Sprintf("cannot authorizePayment from state %q", g.state))
	}
	g.state = StateAuthorized
	g.Core.State = string(StateAuthorized)
	return nil
}

// VerifyInput is the provider's run outcome submitted for a gate already
// in the authorized state (spec §4.8 step 1-2).
type VerifyInput struct {
	ReceiptID          string
	DecisionID         string
	RunStatus          string // completed|failed
	VerificationStatus string // green|amber|red
	VerificationMethod string // e.g. "http_request"
	EvidenceRefs       []string
	ProviderSignature  string // base64, over canonical({responseHash,nonce,signedAt})
	ResponseHash       string
	Nonce              string
	SignedAt           string
}

var validRunStatuses = map[string]bool{"completed": true, "failed": true}
var validVerificationStatuses = map[string]bool{"green": true, "amber": true, "red": true}

// Verify runs the authorized->resolved transition: validates the provider
// attestation if one is pinned, evaluates the release policy for the
// resulting (possibly forced) color, and emits the settlement + decision
// trace artifacts. Always returns a *apierr.Report describing any
// validation failures; settlement/trace are nil when the gate is not in
// the authorized state, when runStatus or verificationStatus is not a
// known value, or when building either artifact fails.
func (g *Gate) Verify(input VerifyInput, now time.Time) (*artifacts.X402Settlement, *artifacts.X402DecisionTrace, *apierr.Report) {
	g.mu.Lock()
	defer g.mu.Unlock()

	report := apierr.NewReport()
	if g.state != StateAuthorized {
		report.Fail(apierr.SchemaInvalid, "$.state", fmt.Sprintf("cannot verify from state %q", g.state))
		return nil, nil, report
	}
	if !validRunStatuses[input.RunStatus] {
		report.Fail(apierr.SchemaInvalid, "$.runStatus", "must be one of completed, failed")
		return nil, nil, report
	}
	if !validVerificationStatuses[input.VerificationStatus] {
		report.Fail(apierr.SchemaInvalid, "$.verificationStatus", "must be one of green, amber, red")
		return nil, nil, report
	}

	color := input.VerificationStatus
	reasonCodes := []string{}
	var providerSigValid *bool

	if g.Core.ProviderPublicKeyPEM != "" {
		valid, err := verifyProviderSignature(input, g.Core.ProviderPublicKeyPEM)
		providerSigValid = &valid
		if err != nil || !valid {
			color = "red"
			reasonCodes = append(reasonCodes, string(apierr.X402ProviderSignatureInvalid))
		}
	}

	if input.VerificationMethod == "http_request" {
		if err := checkEvidenceBinding(input.EvidenceRefs); err != nil {
			report.Merge(err)
		}
	}

	released, refunded, colorReasons := evaluatePolicy(g.Core.Policy, g.Core.AmountCents, color)
	reasonCodes = append(reasonCodes, colorReasons...)

	g.state = StateResolved
	g.Core.State = string(StateResolved)

	settlementCore := artifacts.X402SettlementCore{
		ReceiptID:           input.ReceiptID,
		GateID:              g.Core.GateID,
		ReleasedAmountCents: released,
		RefundedAmountCents: refunded,
		DecisionRef:         artifacts.X402DecisionRef{DecisionID: input.DecisionID, ReasonCodes: reasonCodes},
	}
	settlement, err := artifacts.BuildX402Settlement(settlementCore, now)
	if err != nil {
		report.Fail(apierr.SchemaInvalid, "$.settlementCore", err.Error())
		return nil, nil, report
	}

	traceCore := artifacts.X402DecisionTraceCore{
		DecisionID:         input.DecisionID,
		GateID:             g.Core.GateID,
		RunStatus:          input.RunStatus,
		VerificationStatus: input.VerificationStatus,
		EvidenceRefs:       input.EvidenceRefs,
		ProviderSigValid:   providerSigValid,
		ReasonCodes:        reasonCodes,
	}
	trace, err := artifacts.BuildX402DecisionTrace(traceCore, now)
	if err != nil {
		report.Fail(apierr.SchemaInvalid, "$.traceCore", err.Error())
		return nil, nil, report
	}

	return settlement, trace, report
}

// verifyProviderSignature checks providerSignature against the pinned PEM
// over canonical({responseHash,nonce,signedAt}) (spec §4.8 step 2).
func verifyProviderSignature(input VerifyInput, pinnedPEM string) (bool, error) {
	body, err := canonicalize.Canonical(map[string]interface{}{
		"responseHash": input.ResponseHash,
		"nonce":        input.Nonce,
		"signedAt":     input.SignedAt,
	})
	if err != nil {
		return false, err
	}
	return crypto.Verify(body, input.ProviderSignature, pinnedPEM)
}

// checkEvidenceBinding enforces that an http_request verification method
// carries exactly one http:request_sha256:<64hex> evidence ref.
func checkEvidenceBinding(evidenceRefs []string) *apierr.Report {
	r := apierr.NewReport()
	count := 0
	for _, ref := range evidenceRefs {
		if len(ref) > len("http:request_sha256:") && ref[:len("http:request_sha256:")] == "http:request_sha256:" {
			count++
		}
	}
	switch {
	case count == 0:
		r.Fail(apierr.X402ReversalBindingEvidenceReq, "$.evidenceRefs", "http_request verification requires an http:request_sha256:<64hex> evidence ref")
	case count > 1:
		r.Fail(apierr.X402ReversalBindingEvidenceMismatch, "$.evidenceRefs", "exactly one http:request_sha256 evidence ref is required, found multiple")
	}
	return r
}

// evaluatePolicy computes the released/refunded split for the resolved
// color per the gate's release policy (spec §4.8 step 3), capping at
// MaxAutoReleaseAmountCents if set.
func evaluatePolicy(policy artifacts.X402ReleasePolicy, amountCents int64, color string) (released, refunded int64, reasonCodes []string) {
	var pct int
	var autoRelease bool
	switch color {
	case "green":
		pct, autoRelease = policy.GreenReleaseRatePct, policy.AutoReleaseOnGreen
	case "amber":
		pct, autoRelease = policy.AmberReleaseRatePct, policy.AutoReleaseOnAmber
	case "red":
		pct, autoRelease = policy.RedReleaseRatePct, policy.AutoReleaseOnRed
	}

	if !autoRelease {
		pct = 0
	}

	released = int64(math.Round(float64(amountCents) * float64(pct) / 100))
	if policy.MaxAutoReleaseAmountCents != nil && released > *policy.MaxAutoReleaseAmountCents {
		released = *policy.MaxAutoReleaseAmountCents
	}
	refunded = amountCents - released

	reasonCodes = []string{fmt.Sprintf("%s_%s", color, releaseLabel(autoRelease))}
	if color == "red" {
		reasonCodes = append(reasonCodes, "RED_VERIFICATION_STATUS")
	}
	return released, refunded, reasonCodes
}

func releaseLabel(autoRelease bool) string {
	if autoRelease {
		return "AUTO_RELEASE"
	}
	return "MANUAL_HOLD"
}

// ReversalCommand is the command that reverses a resolved gate (spec
// §4.8's reversal binding). It carries no signature; Reverse checks only
// its expiry and its gate/receipt binding.
type ReversalCommand struct {
	CommandID      string
	SponsorRef     string
	AgentKeyID     string
	GateID         string
	ReceiptID      string
	RequestSHA256  string
	Action         string
	Nonce          string
	IdempotencyKey string
	Exp            time.Time
}

// Reverse moves the gate to reversed, requiring the command's target to
// bind to this gate's id/receipt and the command to not be expired.
func (g *Gate) Reverse(cmd ReversalCommand, settlement *artifacts.X402Settlement, now time.Time) *apierr.Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := apierr.NewReport()
	if now.After(cmd.Exp) {
		r.Fail(apierr.X402ReversalBindingEvidenceMismatch, "$.exp", "reversal command has expired")
		return r
	}
	if cmd.GateID != g.Core.GateID {
		r.Fail(apierr.X402ReversalBindingEvidenceMismatch, "$.target.gateId", "reversal command does not target this gate")
		return r
	}
	if settlement != nil && cmd.ReceiptID != "" && cmd.ReceiptID != settlement.SettlementCore.ReceiptID {
		r.Fail(apierr.X402ReversalBindingEvidenceMismatch, "$.target.receiptId", "reversal command does not target the settlement's receiptId")
		return r
	}
	if g.state != StateResolved {
		r.Fail(apierr.SchemaInvalid, "$.state", fmt.Sprintf("cannot reverse from state %q", g.state))
		return r
	}

	g.state = StateReversed
	g.Core.State = string(StateReversed)
	return r
}

// State returns the gate's current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
