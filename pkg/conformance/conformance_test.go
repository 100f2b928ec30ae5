package conformance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settld/substrate/pkg/artifacts"
)

var fixedNow = time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

// runReportVerifier is a stand-in settld-verify: it decodes the bundle
// directory's report.json as a RunReport and reports the exit-code
// convention (0 ok, 1 verification failed, 2 unable to parse) the real
// CLI would use.
func runReportVerifier(kind string, bundleDir string) (int, bool, []string, []string) {
	if kind != "RunReport" {
		return 2, false, []string{"unsupported kind"}, nil
	}
	data, err := os.ReadFile(filepath.Join(bundleDir, "report.json"))
	if err != nil {
		return 2, false, []string{"unreadable bundle"}, nil
	}
	var report artifacts.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return 2, false, []string{"unparseable bundle"}, nil
	}
	result := artifacts.VerifyRunReport(&report)
	codes := make([]string, len(result.Errors))
	for i, f := range result.Errors {
		codes[i] = string(f.Code)
	}
	if !result.OK {
		return 1, false, codes, nil
	}
	return 0, true, nil, nil
}

func buildBundleDir(t *testing.T) string {
	t.Helper()
	report, err := artifacts.BuildRunReport("harness", []artifacts.CaseResult{{ID: "c1", Kind: "x", OK: true}}, fixedNow)
	require.NoError(t, err)
	data, err := json.Marshal(report)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.json"), data, 0640))
	return dir
}

func TestRunner_PassingCaseMatchesExpectedOutcome(t *testing.T) {
	runner := NewRunner(runReportVerifier)
	c := Case{
		ID:         "case-1",
		Kind:       "RunReport",
		BundlePath: buildBundleDir(t),
		Expected: ExpectedOutcome{
			ExitCode: 0, OK: true, VerificationOK: true,
		},
	}

	actual, err := runner.RunCase(c)
	require.NoError(t, err)
	require.Equal(t, c.Expected.ExitCode, actual.ExitCode)
	require.Equal(t, c.Expected.OK, actual.OK)
}

func TestRunner_FlipByteMutationBreaksHashBinding(t *testing.T) {
	runner := NewRunner(runReportVerifier)
	c := Case{
		ID:         "case-2",
		Kind:       "RunReport",
		BundlePath: buildBundleDir(t),
		Mutations:  []Mutation{FlipByteMutation{File: "report.json", Offset: 100}},
		Expected:   ExpectedOutcome{ExitCode: 1, OK: false, VerificationOK: false},
	}

	actual, err := runner.RunCase(c)
	require.NoError(t, err)
	require.Equal(t, 1, actual.ExitCode)
	require.False(t, actual.OK)
}

func TestRunner_MutationDoesNotModifySourceBundle(t *testing.T) {
	runner := NewRunner(runReportVerifier)
	bundleDir := buildBundleDir(t)
	original, err := os.ReadFile(filepath.Join(bundleDir, "report.json"))
	require.NoError(t, err)

	c := Case{ID: "case-3", Kind: "RunReport", BundlePath: bundleDir, Mutations: []Mutation{FlipByteMutation{File: "report.json", Offset: 0}}}
	_, err = runner.RunCase(c)
	require.NoError(t, err)

	after, err := os.ReadFile(filepath.Join(bundleDir, "report.json"))
	require.NoError(t, err)
	require.Equal(t, original, after)
}

func TestRunner_DeleteFieldMutationBreaksSchema(t *testing.T) {
	runner := NewRunner(runReportVerifier)
	c := Case{
		ID:         "case-4",
		Kind:       "RunReport",
		BundlePath: buildBundleDir(t),
		Mutations:  []Mutation{DeleteFieldMutation{File: "report.json", Field: "reportCore"}},
		Expected:   ExpectedOutcome{ExitCode: 1, OK: false, VerificationOK: false},
	}

	actual, err := runner.RunCase(c)
	require.NoError(t, err)
	require.Equal(t, 1, actual.ExitCode)
}

func TestRunner_ReplaceHashMutationMissingFieldErrors(t *testing.T) {
	runner := NewRunner(runReportVerifier)
	c := Case{
		ID:         "case-5",
		Kind:       "RunReport",
		BundlePath: buildBundleDir(t),
		Mutations:  []Mutation{ReplaceHashMutation{File: "report.json", Field: "doesNotExist", Replacement: "sha256:tampered"}},
	}

	_, err := runner.RunCase(c)
	require.Error(t, err)
}

func TestRun_BuildsRunReportFromCaseResults(t *testing.T) {
	runner := NewRunner(runReportVerifier)
	cases := []Case{
		{ID: "pass-1", Kind: "RunReport", BundlePath: buildBundleDir(t), Expected: ExpectedOutcome{ExitCode: 0, OK: true, VerificationOK: true}},
		{ID: "fail-1", Kind: "RunReport", BundlePath: buildBundleDir(t), Mutations: []Mutation{FlipByteMutation{File: "report.json", Offset: 5}}, Expected: ExpectedOutcome{ExitCode: 0, OK: true, VerificationOK: true}},
	}

	report, err := runner.Run("harness-run", cases, fixedNow)
	require.NoError(t, err)
	require.Equal(t, 2, report.ReportCore.TotalCases)
	require.Equal(t, 1, report.ReportCore.PassCount) // pass-1 matched expectation; fail-1's actual diverged from its (wrong) expectation
	require.Equal(t, 1, report.ReportCore.FailCount)

	verifyReport := artifacts.VerifyRunReport(report)
	require.True(t, verifyReport.OK, verifyReport.Errors)
}

func TestVerifyStrict_DetectsCertReportDrift(t *testing.T) {
	report, err := artifacts.BuildRunReport("harness", []artifacts.CaseResult{{ID: "c1", Kind: "x", OK: true}}, fixedNow)
	require.NoError(t, err)
	cert, err := Certify(report, "certifier-1", fixedNow)
	require.NoError(t, err)

	strict := VerifyStrict(report, cert)
	require.True(t, strict.OK, strict.Errors)

	// Flip one field inside the cert's embedded reportCore.
	cert.CertCore.ReportCore.GeneratedBy = "tampered"

	strict = VerifyStrict(report, cert)
	require.False(t, strict.OK)
}
