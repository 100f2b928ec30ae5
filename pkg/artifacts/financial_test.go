package artifacts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobProofInvoiceMonthChain(t *testing.T) {
	proof, err := BuildJobProofBundle(JobProofBundleCore{
		TenantID: "t1", WorkOrderID: "wo1", MeterDigest: "sha256:abc", CoveredAmountCents: 1200,
	}, fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyJobProofBundle(proof).OK)

	invoice, err := BuildInvoiceBundle(InvoiceBundleCore{
		TenantID: "t1", PeriodStart: "2026-01-01", PeriodEnd: "2026-01-31",
		TotalCents: 1200, Currency: "USD", JobProofHashes: []string{proof.ProofHash},
	}, fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyInvoiceBundle(invoice).OK)

	month, err := BuildMonthProofBundle(MonthProofBundleCore{
		TenantID: "t1", Month: "2026-01", InvoiceHash: invoice.InvoiceHash,
		JobProofHashes: []string{proof.ProofHash},
	}, fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyMonthProofBundle(month).OK)
}

func TestCloseReportBundlePackChain(t *testing.T) {
	report, err := BuildCloseReport(CloseReportCore{
		TenantID: "t1", Month: "2026-01", WorkOrderCount: 3, TotalCents: 3600, Currency: "USD",
	}, fixedNow)
	require.NoError(t, err)

	bundle, err := BuildCloseBundle(report, "governance-root", fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyCloseBundle(bundle, report).OK)

	pack, err := BuildFinancePack(FinancePackCore{
		TenantID: "t1", Month: "2026-01", MonthHash: "sha256:monthhash", CloseHash: report.CloseHash,
	}, fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyFinancePack(pack).OK)

	closePack, err := BuildClosePack(bundle, pack, fixedNow)
	require.NoError(t, err)
	require.True(t, VerifyClosePack(closePack).OK)
	require.Equal(t, bundle.BundleHash, closePack.PackCore.CloseBundleHash)
	require.Equal(t, pack.PackHash, closePack.PackCore.FinancePackHash)
}

func TestVerifyCloseBundle_DetectsDriftFromStandaloneReport(t *testing.T) {
	report, err := BuildCloseReport(CloseReportCore{TenantID: "t1", Month: "2026-01"}, fixedNow)
	require.NoError(t, err)
	bundle, err := BuildCloseBundle(report, "governance-root", fixedNow)
	require.NoError(t, err)

	drifted, err := BuildCloseReport(CloseReportCore{TenantID: "t1", Month: "2026-02"}, fixedNow)
	require.NoError(t, err)

	result := VerifyCloseBundle(bundle, drifted)
	require.False(t, result.OK)
}
