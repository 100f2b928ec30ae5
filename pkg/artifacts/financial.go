package artifacts

import (
	"time"

	"github.com/settld/substrate/pkg/apierr"
)

const (
	SchemaJobProofBundleV1 = "JobProofBundle.v1"
	SchemaInvoiceBundleV1  = "InvoiceBundle.v1"
	SchemaMonthProofV1     = "MonthProofBundle.v1"
	SchemaFinancePackV1    = "FinancePack.v1"
	SchemaClosePackV1      = "ClosePack.v1"
)

// JobProofBundleCore binds a single completed work order's metering
// snapshot and settlement outcome into one hash-bound record (spec §3.4,
// §3.6).
type JobProofBundleCore struct {
	TenantID             string `json:"tenantId"`
	WorkOrderID          string `json:"workOrderId"`
	MeterDigest          string `json:"meterDigest"`
	CoveredAmountCents   int64  `json:"coveredAmountCents"`
	X402GateID           string `json:"x402GateId,omitempty"`
	CompletionReceiptRef string `json:"completionReceiptRef,omitempty"`
}

type JobProofBundle struct {
	Wrapper
	ProofCore JobProofBundleCore `json:"proofCore"`
	ProofHash string             `json:"proofHash"`
}

func BuildJobProofBundle(core JobProofBundleCore, now time.Time) (*JobProofBundle, error) {
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &JobProofBundle{
		Wrapper:   Wrapper{SchemaVersion: SchemaJobProofBundleV1, GeneratedAt: now},
		ProofCore: core,
		ProofHash: hash,
	}, nil
}

func VerifyJobProofBundle(bundle *JobProofBundle) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaJobProofBundleV1, bundle.SchemaVersion)
	CheckHashBinding(r, "$.proofHash", bundle.ProofCore, bundle.ProofHash)
	return r
}

// InvoiceBundleCore aggregates JobProofBundle hashes for one billing
// period into a single invoice record.
type InvoiceBundleCore struct {
	TenantID       string   `json:"tenantId"`
	PeriodStart    string   `json:"periodStart"`
	PeriodEnd      string   `json:"periodEnd"`
	TotalCents     int64    `json:"totalCents"`
	Currency       string   `json:"currency"`
	JobProofHashes []string `json:"jobProofHashes"`
}

type InvoiceBundle struct {
	Wrapper
	InvoiceCore InvoiceBundleCore `json:"invoiceCore"`
	InvoiceHash string            `json:"invoiceHash"`
}

func BuildInvoiceBundle(core InvoiceBundleCore, now time.Time) (*InvoiceBundle, error) {
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &InvoiceBundle{
		Wrapper:     Wrapper{SchemaVersion: SchemaInvoiceBundleV1, GeneratedAt: now},
		InvoiceCore: core,
		InvoiceHash: hash,
	}, nil
}

func VerifyInvoiceBundle(bundle *InvoiceBundle) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaInvoiceBundleV1, bundle.SchemaVersion)
	CheckHashBinding(r, "$.invoiceHash", bundle.InvoiceCore, bundle.InvoiceHash)
	// job proof amounts are summed by the caller before BuildInvoiceBundle;
	// here we only re-assert the declared total is non-negative.
	if bundle.InvoiceCore.TotalCents < 0 {
		r.Fail(apierr.SchemaInvalid, "$.invoiceCore.totalCents", "totalCents must not be negative")
	}
	return r
}

// MonthProofBundleCore binds one tenant-month's invoice and job proofs
// together for the monthly close.
type MonthProofBundleCore struct {
	TenantID       string   `json:"tenantId"`
	Month          string   `json:"month"` // YYYY-MM
	InvoiceHash    string   `json:"invoiceHash"`
	JobProofHashes []string `json:"jobProofHashes"`
}

type MonthProofBundle struct {
	Wrapper
	MonthCore MonthProofBundleCore `json:"monthCore"`
	MonthHash string               `json:"monthHash"`
}

func BuildMonthProofBundle(core MonthProofBundleCore, now time.Time) (*MonthProofBundle, error) {
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &MonthProofBundle{
		Wrapper:   Wrapper{SchemaVersion: SchemaMonthProofV1, GeneratedAt: now},
		MonthCore: core,
		MonthHash: hash,
	}, nil
}

func VerifyMonthProofBundle(bundle *MonthProofBundle) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaMonthProofV1, bundle.SchemaVersion)
	CheckHashBinding(r, "$.monthHash", bundle.MonthCore, bundle.MonthHash)
	return r
}

// FinancePackCore is the top-level close artifact binding a tenant-month's
// MonthProofBundle and CloseReport by hash.
type FinancePackCore struct {
	TenantID  string `json:"tenantId"`
	Month     string `json:"month"`
	MonthHash string `json:"monthHash"`
	CloseHash string `json:"closeHash"`
}

type FinancePack struct {
	Wrapper
	PackCore FinancePackCore `json:"packCore"`
	PackHash string          `json:"packHash"`
}

func BuildFinancePack(core FinancePackCore, now time.Time) (*FinancePack, error) {
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &FinancePack{
		Wrapper:  Wrapper{SchemaVersion: SchemaFinancePackV1, GeneratedAt: now},
		PackCore: core,
		PackHash: hash,
	}, nil
}

func VerifyFinancePack(pack *FinancePack) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaFinancePackV1, pack.SchemaVersion)
	CheckHashBinding(r, "$.packHash", pack.PackCore, pack.PackHash)
	return r
}

// CloseReportCore / CloseBundle / ClosePack follow the same shape as
// RunReport/CertBundle: a report core plus a certifying wrapper, scoped to
// one tenant-month close instead of a conformance run.
type CloseReportCore struct {
	TenantID       string   `json:"tenantId"`
	Month          string   `json:"month"`
	WorkOrderCount int      `json:"workOrderCount"`
	TotalCents     int64    `json:"totalCents"`
	Currency       string   `json:"currency"`
	Warnings       []string `json:"warnings"`
}

type CloseReport struct {
	Wrapper
	CloseCore CloseReportCore `json:"closeCore"`
	CloseHash string          `json:"closeHash"`
}

const SchemaCloseReportV1 = "CloseReport.v1"

func BuildCloseReport(core CloseReportCore, now time.Time) (*CloseReport, error) {
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &CloseReport{
		Wrapper:   Wrapper{SchemaVersion: SchemaCloseReportV1, GeneratedAt: now},
		CloseCore: core,
		CloseHash: hash,
	}, nil
}

func VerifyCloseReport(report *CloseReport) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaCloseReportV1, report.SchemaVersion)
	CheckHashBinding(r, "$.closeHash", report.CloseCore, report.CloseHash)
	return r
}

type CloseBundleCore struct {
	CloseCore   CloseReportCore `json:"closeCore"`
	CloseHash   string          `json:"closeHash"`
	CertifiedBy string          `json:"certifiedBy"`
}

type CloseBundle struct {
	Wrapper
	BundleCore CloseBundleCore `json:"bundleCore"`
	BundleHash string          `json:"bundleHash"`
}

const SchemaCloseBundleV1 = "CloseBundle.v1"

func BuildCloseBundle(report *CloseReport, certifiedBy string, now time.Time) (*CloseBundle, error) {
	core := CloseBundleCore{CloseCore: report.CloseCore, CloseHash: report.CloseHash, CertifiedBy: certifiedBy}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &CloseBundle{
		Wrapper:    Wrapper{SchemaVersion: SchemaCloseBundleV1, GeneratedAt: now},
		BundleCore: core,
		BundleHash: hash,
	}, nil
}

func VerifyCloseBundle(bundle *CloseBundle, standaloneReport *CloseReport) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaCloseBundleV1, bundle.SchemaVersion)
	CheckHashBinding(r, "$.bundleHash", bundle.BundleCore, bundle.BundleHash)
	if standaloneReport != nil {
		CheckCrossArtifactBinding(r, "$.bundleCore.closeCore", bundle.BundleCore.CloseCore, standaloneReport.CloseCore)
	}
	return r
}

// ClosePackCore is the final per-tenant-month export: the close bundle and
// finance pack bound together by hash, ready to zip (spec §4.6).
type ClosePackCore struct {
	CloseBundleHash string `json:"closeBundleHash"`
	FinancePackHash string `json:"financePackHash"`
}

type ClosePack struct {
	Wrapper
	PackCore ClosePackCore `json:"packCore"`
	PackHash string        `json:"packHash"`
}

func BuildClosePack(closeBundle *CloseBundle, financePack *FinancePack, now time.Time) (*ClosePack, error) {
	core := ClosePackCore{CloseBundleHash: closeBundle.BundleHash, FinancePackHash: financePack.PackHash}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &ClosePack{
		Wrapper:  Wrapper{SchemaVersion: SchemaClosePackV1, GeneratedAt: now},
		PackCore: core,
		PackHash: hash,
	}, nil
}

func VerifyClosePack(pack *ClosePack) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaClosePackV1, pack.SchemaVersion)
	CheckHashBinding(r, "$.packHash", pack.PackCore, pack.PackHash)
	return r
}
