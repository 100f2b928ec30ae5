package artifacts

import (
	"time"

	"github.com/settld/substrate/pkg/apierr"
)

const (
	SchemaX402GateV1       = "X402Gate.v1"
	SchemaX402SettlementV1 = "X402SettlementReceipt.v1"
	SchemaX402DecisionV1   = "X402DecisionTrace.v1"
)

// X402ReleasePolicy configures per-color auto-release (spec §4.8).
type X402ReleasePolicy struct {
	Mode                      string `json:"mode"`
	GreenReleaseRatePct       int    `json:"greenReleaseRatePct"`
	AmberReleaseRatePct       int    `json:"amberReleaseRatePct"`
	RedReleaseRatePct         int    `json:"redReleaseRatePct"`
	AutoReleaseOnGreen        bool   `json:"autoReleaseOnGreen"`
	AutoReleaseOnAmber        bool   `json:"autoReleaseOnAmber"`
	AutoReleaseOnRed          bool   `json:"autoReleaseOnRed"`
	MaxAutoReleaseAmountCents *int64 `json:"maxAutoReleaseAmountCents,omitempty"`
}

// X402GateCore is the hash-bound terms of one payment gate.
type X402GateCore struct {
	GateID               string            `json:"gateId"`
	TenantID             string            `json:"tenantId"`
	PayerAgentID         string            `json:"payerAgentId"`
	PayeeAgentID         string            `json:"payeeAgentId"`
	AmountCents          int64             `json:"amountCents"`
	Currency             string            `json:"currency"`
	Policy               X402ReleasePolicy `json:"policy"`
	ProviderPublicKeyPEM string            `json:"providerPublicKeyPem,omitempty"`
	State                string            `json:"state"` // created|authorized|verified|resolved|reversed
}

type X402Gate struct {
	Wrapper
	GateCore X402GateCore `json:"gateCore"`
	GateHash string       `json:"gateHash"`
}

func BuildX402Gate(core X402GateCore, now time.Time) (*X402Gate, error) {
	if schemaErr := ValidateCoreSchema(SchemaX402GateV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &X402Gate{
		Wrapper:  Wrapper{SchemaVersion: SchemaX402GateV1, GeneratedAt: now},
		GateCore: core,
		GateHash: hash,
	}, nil
}

func VerifyX402Gate(gate *X402Gate) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaX402GateV1, gate.SchemaVersion)
	CheckHashBinding(r, "$.gateHash", gate.GateCore, gate.GateHash)
	return r
}

// X402DecisionRef binds a settlement back to the decision that produced
// it, plus the reason codes explaining it (spec §4.8).
type X402DecisionRef struct {
	DecisionID  string   `json:"decisionId"`
	ReasonCodes []string `json:"reasonCodes"`
}

// X402SettlementCore is the outcome of verifying a gate: the split of
// released vs refunded amounts, bound to the gate and receipt ids.
type X402SettlementCore struct {
	ReceiptID           string          `json:"receiptId"`
	GateID              string          `json:"gateId"`
	ReleasedAmountCents int64           `json:"releasedAmountCents"`
	RefundedAmountCents int64           `json:"refundedAmountCents"`
	DecisionRef         X402DecisionRef `json:"decisionRef"`
}

type X402Settlement struct {
	Wrapper
	SettlementCore X402SettlementCore `json:"settlementCore"`
	SettlementHash string             `json:"settlementHash"`
}

func BuildX402Settlement(core X402SettlementCore, now time.Time) (*X402Settlement, error) {
	if schemaErr := ValidateCoreSchema(SchemaX402SettlementV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &X402Settlement{
		Wrapper:        Wrapper{SchemaVersion: SchemaX402SettlementV1, GeneratedAt: now},
		SettlementCore: core,
		SettlementHash: hash,
	}, nil
}

func VerifyX402Settlement(settlement *X402Settlement, gate *X402Gate) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaX402SettlementV1, settlement.SchemaVersion)
	CheckHashBinding(r, "$.settlementHash", settlement.SettlementCore, settlement.SettlementHash)
	if gate != nil && settlement.SettlementCore.ReleasedAmountCents+settlement.SettlementCore.RefundedAmountCents != gate.GateCore.AmountCents {
		r.Fail(apierr.SchemaInvalid, "$.settlementCore", "released+refunded does not equal the gate's authorized amount")
	}
	return r
}

// X402DecisionTraceCore records the evidence and policy evaluation that
// produced a settlement, for audit/replay independent of the settlement
// record itself.
type X402DecisionTraceCore struct {
	DecisionID         string   `json:"decisionId"`
	GateID             string   `json:"gateId"`
	RunStatus          string   `json:"runStatus"`
	VerificationStatus string   `json:"verificationStatus"`
	EvidenceRefs       []string `json:"evidenceRefs"`
	ProviderSigValid   *bool    `json:"providerSigValid,omitempty"`
	ReasonCodes        []string `json:"reasonCodes"`
}

type X402DecisionTrace struct {
	Wrapper
	TraceCore X402DecisionTraceCore `json:"traceCore"`
	TraceHash string                `json:"traceHash"`
}

func BuildX402DecisionTrace(core X402DecisionTraceCore, now time.Time) (*X402DecisionTrace, error) {
	if schemaErr := ValidateCoreSchema(SchemaX402DecisionV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &X402DecisionTrace{
		Wrapper:   Wrapper{SchemaVersion: SchemaX402DecisionV1, GeneratedAt: now},
		TraceCore: core,
		TraceHash: hash,
	}, nil
}

func VerifyX402DecisionTrace(trace *X402DecisionTrace) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaX402DecisionV1, trace.SchemaVersion)
	CheckHashBinding(r, "$.traceHash", trace.TraceCore, trace.TraceHash)
	return r
}
