package artifacts

import (
	"time"

	"github.com/settld/substrate/pkg/apierr"
)

const (
	SchemaRunReportV1  = "RunReport.v1"
	SchemaCertBundleV1 = "CertBundle.v1"
)

// CaseResult is one conformance case outcome, folded into RunReportCore.
type CaseResult struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	OK           bool     `json:"ok"`
	ErrorCodes   []string `json:"errorCodes"`
	WarningCodes []string `json:"warningCodes"`
}

// RunReportCore is the hashed inner payload of a RunReport (spec §3.4).
type RunReportCore struct {
	GeneratedBy string       `json:"generatedBy"`
	TotalCases  int          `json:"totalCases"`
	PassCount   int          `json:"passCount"`
	FailCount   int          `json:"failCount"`
	Cases       []CaseResult `json:"cases"`
}

// RunReport is the outer wrapper binding RunReportCore by hash.
type RunReport struct {
	Wrapper
	ReportCore RunReportCore `json:"reportCore"`
	ReportHash string        `json:"reportHash"`
}

// BuildRunReport folds case results into a hash-bound RunReport.
func BuildRunReport(generatedBy string, cases []CaseResult, now time.Time) (*RunReport, error) {
	core := RunReportCore{GeneratedBy: generatedBy, Cases: cases, TotalCases: len(cases)}
	for _, c := range cases {
		if c.OK {
			core.PassCount++
		} else {
			core.FailCount++
		}
	}
	if schemaErr := ValidateCoreSchema(SchemaRunReportV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &RunReport{
		Wrapper:    Wrapper{SchemaVersion: SchemaRunReportV1, GeneratedAt: now},
		ReportCore: core,
		ReportHash: hash,
	}, nil
}

// VerifyRunReport recomputes the report hash and checks schema version.
func VerifyRunReport(report *RunReport) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaRunReportV1, report.SchemaVersion)
	CheckHashBinding(r, "$.reportHash", report.ReportCore, report.ReportHash)
	if report.ReportCore.TotalCases != report.ReportCore.PassCount+report.ReportCore.FailCount {
		r.Fail(apierr.SchemaInvalid, "$.reportCore.totalCases", "totalCases does not equal passCount+failCount")
	}
	return r
}

// CertBundleCore embeds the RunReportCore it certifies, bound by hash
// rather than by runtime reference (spec §4.5's cross-artifact binding).
type CertBundleCore struct {
	ReportCore  RunReportCore `json:"reportCore"`
	ReportHash  string        `json:"reportHash"`
	CertifiedBy string        `json:"certifiedBy"`
	Verdict     string        `json:"verdict"` // "pass" | "fail"
}

// CertBundle is the outer wrapper binding CertBundleCore by hash.
type CertBundle struct {
	Wrapper
	CertCore CertBundleCore `json:"certCore"`
	CertHash string         `json:"certHash"`
}

// BuildCertBundle certifies a previously built RunReport.
func BuildCertBundle(report *RunReport, certifiedBy string, now time.Time) (*CertBundle, error) {
	verdict := "pass"
	if report.ReportCore.FailCount > 0 {
		verdict = "fail"
	}
	core := CertBundleCore{
		ReportCore:  report.ReportCore,
		ReportHash:  report.ReportHash,
		CertifiedBy: certifiedBy,
		Verdict:     verdict,
	}
	if schemaErr := ValidateCoreSchema(SchemaCertBundleV1, core); schemaErr != nil {
		return nil, schemaErr
	}
	hash, err := HashCore(core)
	if err != nil {
		return nil, err
	}
	return &CertBundle{
		Wrapper:  Wrapper{SchemaVersion: SchemaCertBundleV1, GeneratedAt: now},
		CertCore: core,
		CertHash: hash,
	}, nil
}

// VerifyCertBundle recomputes the cert hash and, if standaloneReport is
// provided, cross-checks the embedded report core against it byte-for-byte
// (spec §4.5: "CertBundleCore.reportCore MUST canonicalize identically to
// the standalone RunReportCore").
func VerifyCertBundle(cert *CertBundle, standaloneReport *RunReport) *apierr.Report {
	r := apierr.NewReport()
	CheckSchemaVersion(r, "$.schemaVersion", SchemaCertBundleV1, cert.SchemaVersion)
	CheckHashBinding(r, "$.certHash", cert.CertCore, cert.CertHash)
	if cert.CertCore.ReportHash != "" {
		recomputed, err := HashCore(cert.CertCore.ReportCore)
		if err != nil || recomputed != cert.CertCore.ReportHash {
			r.Fail(apierr.ArtifactHashMismatch, "$.certCore.reportHash", "embedded reportCore does not hash to the recorded reportHash")
		}
	}
	if standaloneReport != nil {
		CheckCrossArtifactBinding(r, "$.certCore.reportCore", cert.CertCore.ReportCore, standaloneReport.ReportCore)
	}
	return r
}
