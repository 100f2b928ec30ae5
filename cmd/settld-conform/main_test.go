package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/settld/substrate/pkg/artifacts"
)

func writeManifestFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	bundleDir := filepath.Join(dir, "bundle-pass")
	require.NoError(t, os.MkdirAll(bundleDir, 0750))

	report, err := artifacts.BuildRunReport("fixture", []artifacts.CaseResult{{ID: "x", Kind: "y", OK: true}}, time.Unix(0, 0).UTC())
	require.NoError(t, err)
	raw, err := json.Marshal(report)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "artifact.json"), raw, 0640))

	manifest := `
cases:
  - id: run-report-ok
    kind: RunReport
    bundlePath: bundle-pass
    expected:
      exitCode: 0
      ok: true
      verificationOk: true
`
	path := filepath.Join(dir, "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0640))
	return path
}

func TestRun_HelpExitsZero(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"settld-conform", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "settld-conform")
}

func TestRun_MissingManifestFlagExitsTwo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"settld-conform", "run"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "--manifest")
}

func TestRun_AllCasesMatchExpectedExitsZero(t *testing.T) {
	manifestPath := writeManifestFixture(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"settld-conform", "run", "--manifest", manifestPath, "--json"}, &stdout, &stderr)
	require.Equal(t, 0, code)

	var report artifacts.RunReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Equal(t, 1, report.ReportCore.PassCount)
	require.Equal(t, 0, report.ReportCore.FailCount)
}

func TestRun_SignedFlagWritesCertBundle(t *testing.T) {
	manifestPath := writeManifestFixture(t)
	outDir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := Run([]string{"settld-conform", "run", "--manifest", manifestPath, "--signed", "--output", outDir}, &stdout, &stderr)
	require.Equal(t, 0, code)

	_, err := os.Stat(filepath.Join(outDir, "report.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "cert.json"))
	require.NoError(t, err)
}
