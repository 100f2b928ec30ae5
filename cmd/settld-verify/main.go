// Command settld-verify independently re-hashes and re-validates a single
// artifact file on disk against its schemaVersion's paired verifier, with
// no network access to the server that produced it (spec §1: "a verifier
// that holds only a trust file ... and the artifact on disk must be able
// to rebuild, re-hash, and validate every claim").
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/verifycli"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint. Exit codes: 0 pass, 1 verification
// failed, 2 usage/IO error (spec §6).
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	default:
		return runVerifyCmd(args[1:], stdout, stderr)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "settld-verify — verify a settld artifact file against its schema")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: settld-verify --artifact <path> [--companion <path>] [--format json]")
}

// verifyCliTarget names the artifact file being checked in the output.
type verifyCliTarget struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// verifyCliOutput is VerifyCliOutput.v1 (spec §6).
type verifyCliOutput struct {
	SchemaVersion  string           `json:"schemaVersion"`
	OK             bool             `json:"ok"`
	VerificationOK bool             `json:"verificationOk"`
	Errors         []apierr.Finding `json:"errors"`
	Warnings       []apierr.Finding `json:"warnings"`
	Target         verifyCliTarget  `json:"target"`
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		artifactPath  string
		companionPath string
		format        string
		jsonOutFile   string
	)
	cmd.StringVar(&artifactPath, "artifact", "", "Path to the artifact JSON file to verify (REQUIRED)")
	cmd.StringVar(&companionPath, "companion", "", "Path to a companion artifact, for schemas that cross-validate against another (CertBundle, X402SettlementReceipt, CloseBundle, SessionTranscript)")
	cmd.StringVar(&format, "format", "text", "Output format: text or json")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write the VerifyCliOutput.v1 report to a file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if artifactPath == "" {
		fmt.Fprintln(stderr, "Error: --artifact is required")
		return 2
	}

	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: cannot read %s: %v\n", artifactPath, err)
		return 2
	}

	schemaVersion, err := verifycli.PeekSchemaVersion(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var companion []byte
	if companionPath != "" {
		companion, err = os.ReadFile(companionPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: cannot read companion %s: %v\n", companionPath, err)
			return 2
		}
	}

	report, err := verifycli.VerifyBySchemaVersion(schemaVersion, raw, companion)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	output := verifyCliOutput{
		SchemaVersion:  schemaVersion,
		OK:             report.OK,
		VerificationOK: report.OK,
		Errors:         report.Errors,
		Warnings:       report.Warnings,
		Target:         verifyCliTarget{Kind: schemaVersion, Path: artifactPath},
	}

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(output, "", "  ")
		if err := os.WriteFile(jsonOutFile, data, 0644); err != nil {
			fmt.Fprintf(stderr, "Error: cannot write report: %v\n", err)
			return 2
		}
	}

	if format == "json" {
		data, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if output.OK {
		fmt.Fprintf(stdout, "PASS %s (%s)\n", artifactPath, schemaVersion)
	} else {
		fmt.Fprintf(stdout, "FAIL %s (%s)\n", artifactPath, schemaVersion)
		for _, e := range output.Errors {
			fmt.Fprintf(stdout, "  - %s %s: %s\n", e.Code, e.Path, e.Message)
		}
	}

	if !output.OK {
		return 1
	}
	return 0
}
