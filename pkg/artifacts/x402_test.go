package artifacts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestGate(t *testing.T, amountCents int64) *X402Gate {
	t.Helper()
	gate, err := BuildX402Gate(X402GateCore{
		GateID: "gate-1", TenantID: "t1", PayerAgentID: "buyer-1", PayeeAgentID: "seller-1",
		AmountCents: amountCents, Currency: "USD",
		Policy: X402ReleasePolicy{Mode: "auto", GreenReleaseRatePct: 100, AutoReleaseOnGreen: true},
		State:  "authorized",
	}, fixedNow)
	require.NoError(t, err)
	return gate
}

func TestBuildAndVerifyX402Gate(t *testing.T) {
	gate := buildTestGate(t, 1000)
	result := VerifyX402Gate(gate)
	require.True(t, result.OK, result.Errors)
}

func TestVerifyX402Settlement_ReleasedPlusRefundedMustEqualGateAmount(t *testing.T) {
	gate := buildTestGate(t, 1000)

	settlement, err := BuildX402Settlement(X402SettlementCore{
		ReceiptID: "r1", GateID: gate.GateCore.GateID,
		ReleasedAmountCents: 1000, RefundedAmountCents: 0,
		DecisionRef: X402DecisionRef{DecisionID: "d1", ReasonCodes: []string{"GREEN_AUTO_RELEASE"}},
	}, fixedNow)
	require.NoError(t, err)

	result := VerifyX402Settlement(settlement, gate)
	require.True(t, result.OK, result.Errors)
}

func TestVerifyX402Settlement_DetectsSplitMismatch(t *testing.T) {
	gate := buildTestGate(t, 1000)

	settlement, err := BuildX402Settlement(X402SettlementCore{
		ReceiptID: "r1", GateID: gate.GateCore.GateID,
		ReleasedAmountCents: 400, RefundedAmountCents: 400, // should sum to 1000
	}, fixedNow)
	require.NoError(t, err)

	result := VerifyX402Settlement(settlement, gate)
	require.False(t, result.OK)
}

func TestBuildAndVerifyX402DecisionTrace(t *testing.T) {
	sigValid := true
	trace, err := BuildX402DecisionTrace(X402DecisionTraceCore{
		DecisionID: "d1", GateID: "gate-1", RunStatus: "completed",
		VerificationStatus: "verified", EvidenceRefs: []string{"sha256:abc"},
		ProviderSigValid: &sigValid, ReasonCodes: []string{"GREEN_AUTO_RELEASE"},
	}, fixedNow)
	require.NoError(t, err)

	result := VerifyX402DecisionTrace(trace)
	require.True(t, result.OK, result.Errors)
}

func TestVerifyX402DecisionTrace_DetectsProviderSignatureTamper(t *testing.T) {
	sigValid := true
	trace, err := BuildX402DecisionTrace(X402DecisionTraceCore{
		DecisionID: "d1", GateID: "gate-1", RunStatus: "completed", VerificationStatus: "green", ProviderSigValid: &sigValid,
	}, fixedNow)
	require.NoError(t, err)

	*trace.TraceCore.ProviderSigValid = false // tamper after hashing

	result := VerifyX402DecisionTrace(trace)
	require.False(t, result.OK)
}
