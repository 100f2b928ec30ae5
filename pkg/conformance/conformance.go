// Package conformance implements the case-runner harness: it takes a set
// of declared cases, each naming a content-addressed evidence bundle
// directory and an optional list of structural mutations to apply to a
// scratch copy of it, invokes a verifier, and diffs the actual outcome
// against the case's expected outcome (spec §4.11). The harness itself
// carries no opinion about what a bundle means — that's VerifierFunc's
// job — only the copy/mutate/verify/diff control flow and the
// RunReport/CertBundle it produces.
package conformance

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/artifacts"
)

// Mutation is one structural edit applied to a scratch copy of a case's
// bundle directory before verification. Concrete mutators are added
// per-case as needed by implementing this interface; the three provided
// here (FlipByteMutation, DeleteFieldMutation, ReplaceHashMutation) are
// the minimal set needed to drive spec.md §8's conformance scenarios, not
// an exhaustive mutation DSL.
type Mutation interface {
	Apply(bundleDir string) error
}

// FlipByteMutation flips a single byte at Offset within File, breaking
// hash bindings or signatures without changing the file's structure.
type FlipByteMutation struct {
	File   string
	Offset int
}

func (m FlipByteMutation) Apply(bundleDir string) error {
	path := filepath.Join(bundleDir, m.File)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("conformance: flipByte read %s: %w", m.File, err)
	}
	if m.Offset < 0 || m.Offset >= len(data) {
		return fmt.Errorf("conformance: flipByte offset %d out of range (len %d) in %s", m.Offset, len(data), m.File)
	}
	data[m.Offset] ^= 0xFF
	return os.WriteFile(path, data, 0640)
}

// DeleteFieldMutation removes a top-level-or-dotted JSON field from File,
// exercising required-field and schema-shape checks.
type DeleteFieldMutation struct {
	File  string
	Field string // dotted path, e.g. "snapshotCore.meterDigest"
}

func (m DeleteFieldMutation) Apply(bundleDir string) error {
	path := filepath.Join(bundleDir, m.File)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("conformance: deleteField read %s: %w", m.File, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("conformance: deleteField parse %s: %w", m.File, err)
	}
	if !deleteDottedField(doc, m.Field) {
		return fmt.Errorf("conformance: field %q not found in %s", m.Field, m.File)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("conformance: deleteField re-encode %s: %w", m.File, err)
	}
	return os.WriteFile(path, out, 0640)
}

func deleteDottedField(doc map[string]interface{}, dotted string) bool {
	parts := splitDotted(dotted)
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			if _, ok := cur[p]; !ok {
				return false
			}
			delete(cur, p)
			return true
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

func splitDotted(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// ReplaceHashMutation overwrites a dotted field's string value with
// Replacement, exercising hash-binding and cross-artifact-binding checks
// without disturbing the surrounding document shape.
type ReplaceHashMutation struct {
	File        string
	Field       string // dotted path, e.g. "snapshotHash"
	Replacement string
}

func (m ReplaceHashMutation) Apply(bundleDir string) error {
	path := filepath.Join(bundleDir, m.File)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("conformance: replaceHash read %s: %w", m.File, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("conformance: replaceHash parse %s: %w", m.File, err)
	}
	if !setDottedField(doc, m.Field, m.Replacement) {
		return fmt.Errorf("conformance: field %q not found in %s", m.Field, m.File)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("conformance: replaceHash re-encode %s: %w", m.File, err)
	}
	return os.WriteFile(path, out, 0640)
}

func setDottedField(doc map[string]interface{}, dotted string, value interface{}) bool {
	parts := splitDotted(dotted)
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			if _, ok := cur[p]; !ok {
				return false
			}
			cur[p] = value
			return true
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

// ExpectedOutcome is what a case asserts the verifier will produce.
type ExpectedOutcome struct {
	ExitCode       int      `json:"exitCode"`
	OK             bool     `json:"ok"`
	VerificationOK bool     `json:"verificationOk"`
	ErrorCodes     []string `json:"errorCodes"`
	WarningCodes   []string `json:"warningCodes"`
}

// ActualOutcome is what a verifier run actually produced.
type ActualOutcome struct {
	ExitCode       int      `json:"exitCode"`
	OK             bool     `json:"ok"`
	VerificationOK bool     `json:"verificationOk"`
	ErrorCodes     []string `json:"errorCodes"`
	WarningCodes   []string `json:"warningCodes"`
}

// Case is one conformance fixture: a bundle directory, kind, optional
// mutations, and the outcome the case asserts (spec §4.11).
type Case struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	BundlePath string          `json:"bundlePath"`
	Mutations  []Mutation      `json:"-"`
	Expected   ExpectedOutcome `json:"expected"`
}

// VerifierFunc runs the verifier appropriate to kind against a bundle
// directory. exitCode follows the settld-verify convention: 0 ok, 1
// verification failed, 2 unable to run (malformed input).
type VerifierFunc func(kind string, bundleDir string) (exitCode int, verificationOK bool, errorCodes, warningCodes []string)

// Runner executes a set of cases against a verifier.
type Runner struct {
	Verifier VerifierFunc
}

func NewRunner(verifier VerifierFunc) *Runner {
	return &Runner{Verifier: verifier}
}

// RunCase copies c.BundlePath into a scratch temp directory, applies its
// mutations in order against the copy, runs the verifier against the
// copy, and removes the scratch directory — c.BundlePath itself is never
// touched.
func (r *Runner) RunCase(c Case) (ActualOutcome, error) {
	scratch, err := os.MkdirTemp("", "conformance-case-*")
	if err != nil {
		return ActualOutcome{ExitCode: 2, OK: false}, fmt.Errorf("conformance: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := copyDir(c.BundlePath, scratch); err != nil {
		return ActualOutcome{ExitCode: 2, OK: false}, fmt.Errorf("conformance: copy bundle %s: %w", c.BundlePath, err)
	}
	for _, m := range c.Mutations {
		if err := m.Apply(scratch); err != nil {
			return ActualOutcome{ExitCode: 2, OK: false}, err
		}
	}

	exitCode, verificationOK, errorCodes, warningCodes := r.Verifier(c.Kind, scratch)
	return ActualOutcome{
		ExitCode:       exitCode,
		OK:             exitCode == 0,
		VerificationOK: verificationOK,
		ErrorCodes:     errorCodes,
		WarningCodes:   warningCodes,
	}, nil
}

// copyDir recursively copies src's contents into dst, which must already
// exist.
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0750); err != nil {
				return err
			}
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// diffCase reports whether actual matches expected for one case.
func diffCase(c Case, actual ActualOutcome) artifacts.CaseResult {
	ok := actual.ExitCode == c.Expected.ExitCode &&
		actual.OK == c.Expected.OK &&
		actual.VerificationOK == c.Expected.VerificationOK &&
		sameCodes(actual.ErrorCodes, c.Expected.ErrorCodes) &&
		sameCodes(actual.WarningCodes, c.Expected.WarningCodes)

	return artifacts.CaseResult{
		ID:           c.ID,
		Kind:         c.Kind,
		OK:           ok,
		ErrorCodes:   actual.ErrorCodes,
		WarningCodes: actual.WarningCodes,
	}
}

func sameCodes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, c := range a {
		seen[c]++
	}
	for _, c := range b {
		seen[c]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// Run executes every case and folds the results into a hash-bound
// RunReport.v1 (spec §4.11).
func (r *Runner) Run(generatedBy string, cases []Case, now time.Time) (*artifacts.RunReport, error) {
	results := make([]artifacts.CaseResult, 0, len(cases))
	for _, c := range cases {
		actual, err := r.RunCase(c)
		if err != nil {
			results = append(results, artifacts.CaseResult{ID: c.ID, Kind: c.Kind, OK: false, ErrorCodes: []string{err.Error()}})
			continue
		}
		results = append(results, diffCase(c, actual))
	}
	return artifacts.BuildRunReport(generatedBy, results, now)
}

// Certify wraps a RunReport in a hash-bound verdict CertBundle.v1. The
// bundle carries no signature.
func Certify(report *artifacts.RunReport, certifiedBy string, now time.Time) (*artifacts.CertBundle, error) {
	return artifacts.BuildCertBundle(report, certifiedBy, now)
}

// VerifyStrict is the --strict-artifacts check: it reverifies the
// RunReport, the CertBundle, and cross-checks that the cert's embedded
// reportCore canonicalizes identically to the standalone report (spec
// §4.5, §8 scenario 6). Any drift surfaces as
// CONFORMANCE_STRICT_ARTIFACT_VALIDATION_FAILED.
func VerifyStrict(report *artifacts.RunReport, cert *artifacts.CertBundle) *apierr.Report {
	r := apierr.NewReport()
	r.Merge(artifacts.VerifyRunReport(report))
	r.Merge(artifacts.VerifyCertBundle(cert, report))

	reportBytes, err1 := artifacts.HashCore(report.ReportCore)
	certReportBytes, err2 := artifacts.HashCore(cert.CertCore.ReportCore)
	if err1 != nil || err2 != nil || reportBytes != certReportBytes {
		r.Fail(apierr.ConformanceStrictArtifactValidationFailed, "$.certCore.reportCore",
			"cert bundle's embedded reportCore does not canonicalize identically to the standalone RunReport")
	}
	return r
}
