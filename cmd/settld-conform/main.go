// Command settld-conform runs a YAML-authored suite of conformance cases
// against settld-verify's verification logic and emits a hash-bound
// RunReport.v1, optionally wrapped in an unsigned, hash-bound verdict
// CertBundle.v1 (spec §4.11).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/settld/substrate/pkg/artifacts"
	"github.com/settld/substrate/pkg/conformance"
	"github.com/settld/substrate/pkg/verifycli"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint. Exit codes: 0 every case matched its
// expected outcome, 1 at least one case diverged, 2 usage/IO error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "run":
		return runConformCmd(args[2:], stdout, stderr)
	default:
		return runConformCmd(args[1:], stdout, stderr)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "settld-conform — run a conformance case manifest")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: settld-conform --manifest <path> [--signed] [--json]")
}

func runConformCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("conform", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifestPath string
		jsonOutput   bool
		signed       bool
		generatedBy  string
		certifiedBy  string
		outputDir    string
	)
	cmd.StringVar(&manifestPath, "manifest", "", "Path to the conformance case manifest YAML (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the RunReport.v1 as JSON to stdout")
	cmd.BoolVar(&signed, "signed", false, "Wrap the run report in a CertBundle.v1 verdict")
	cmd.StringVar(&generatedBy, "generated-by", "settld-conform", "generatedBy value recorded on the run report")
	cmd.StringVar(&certifiedBy, "certified-by", "settld-conform", "certifiedBy value recorded on the cert bundle (only with --signed)")
	cmd.StringVar(&outputDir, "output", "", "Directory to write report.json (and cert.json if --signed)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if manifestPath == "" {
		fmt.Fprintln(stderr, "Error: --manifest is required")
		return 2
	}

	cases, err := conformance.LoadManifest(manifestPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	runner := conformance.NewRunner(verifyBundle)
	now := time.Now().UTC()
	report, err := runner.Run(generatedBy, cases, now)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var cert *artifacts.CertBundle
	if signed {
		cert, err = conformance.Certify(report, certifiedBy, now)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	if outputDir != "" {
		if err := writeJSONFile(filepath.Join(outputDir, "report.json"), report); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if cert != nil {
			if err := writeJSONFile(filepath.Join(outputDir, "cert.json"), cert); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%d/%d cases passed\n", report.ReportCore.PassCount, report.ReportCore.TotalCases)
		for _, c := range report.ReportCore.Cases {
			status := "PASS"
			if !c.OK {
				status = "FAIL"
			}
			fmt.Fprintf(stdout, "  [%s] %s (%s)\n", status, c.ID, c.Kind)
		}
	}

	if report.ReportCore.FailCount > 0 {
		return 1
	}
	return 0
}

func writeJSONFile(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// verifyBundle adapts settld-verify's dispatch logic into the
// conformance.VerifierFunc shape: load every JSON file the case's kind
// needs from the scratch bundle directory and run the matching verifier.
func verifyBundle(kind string, bundleDir string) (exitCode int, verificationOK bool, errorCodes, warningCodes []string) {
	artifactPath := filepath.Join(bundleDir, "artifact.json")
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return 2, false, []string{fmt.Sprintf("read artifact: %v", err)}, nil
	}

	var companion []byte
	companionPath := filepath.Join(bundleDir, "companion.json")
	if data, err := os.ReadFile(companionPath); err == nil {
		companion = data
	}

	schemaVersion, err := verifycli.PeekSchemaVersion(raw)
	if err != nil {
		return 2, false, []string{err.Error()}, nil
	}

	report, err := verifycli.VerifyBySchemaVersion(schemaVersion, raw, companion)
	if err != nil {
		return 2, false, []string{err.Error()}, nil
	}

	errCodes := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		errCodes = append(errCodes, string(e.Code))
	}
	warnCodes := make([]string, 0, len(report.Warnings))
	for _, w := range report.Warnings {
		warnCodes = append(warnCodes, string(w.Code))
	}

	if !report.OK {
		return 1, false, errCodes, warnCodes
	}
	return 0, true, errCodes, warnCodes
}
