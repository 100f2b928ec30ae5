package conformance

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// manifestCase is the YAML-authored shape of a Case (spec §4.11's
// conformance cases); mutations are declared by kind + args rather than as
// Go values so a manifest file never needs a matching code change.
type manifestCase struct {
	ID         string                 `yaml:"id"`
	Kind       string                 `yaml:"kind"`
	BundlePath string                 `yaml:"bundlePath"`
	Mutations  []manifestMutation     `yaml:"mutations,omitempty"`
	Expected   manifestExpectedResult `yaml:"expected"`
}

type manifestMutation struct {
	Type        string `yaml:"type"` // "flipByte" | "deleteField" | "replaceHash"
	File        string `yaml:"file"`
	Offset      int    `yaml:"offset,omitempty"`
	Field       string `yaml:"field,omitempty"`
	Replacement string `yaml:"replacement,omitempty"`
}

type manifestExpectedResult struct {
	ExitCode       int      `yaml:"exitCode"`
	OK             bool     `yaml:"ok"`
	VerificationOK bool     `yaml:"verificationOk"`
	ErrorCodes     []string `yaml:"errorCodes,omitempty"`
	WarningCodes   []string `yaml:"warningCodes,omitempty"`
}

// Manifest is the top-level YAML document naming a suite of cases.
type Manifest struct {
	Cases []manifestCase `yaml:"cases"`
}

// LoadManifest reads a YAML case manifest from path. BundlePath entries are
// resolved relative to the manifest's own directory, so a manifest and its
// fixture bundles can be moved together.
func LoadManifest(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("conformance: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("conformance: parse manifest %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	cases := make([]Case, 0, len(m.Cases))
	for _, mc := range m.Cases {
		mutations, err := buildMutations(mc.Mutations)
		if err != nil {
			return nil, fmt.Errorf("conformance: case %s: %w", mc.ID, err)
		}
		bundlePath := mc.BundlePath
		if !filepath.IsAbs(bundlePath) {
			bundlePath = filepath.Join(baseDir, bundlePath)
		}
		cases = append(cases, Case{
			ID:         mc.ID,
			Kind:       mc.Kind,
			BundlePath: bundlePath,
			Mutations:  mutations,
			Expected: ExpectedOutcome{
				ExitCode:       mc.Expected.ExitCode,
				OK:             mc.Expected.OK,
				VerificationOK: mc.Expected.VerificationOK,
				ErrorCodes:     mc.Expected.ErrorCodes,
				WarningCodes:   mc.Expected.WarningCodes,
			},
		})
	}
	return cases, nil
}

func buildMutations(decls []manifestMutation) ([]Mutation, error) {
	mutations := make([]Mutation, 0, len(decls))
	for _, d := range decls {
		switch d.Type {
		case "flipByte":
			mutations = append(mutations, FlipByteMutation{File: d.File, Offset: d.Offset})
		case "deleteField":
			mutations = append(mutations, DeleteFieldMutation{File: d.File, Field: d.Field})
		case "replaceHash":
			mutations = append(mutations, ReplaceHashMutation{File: d.File, Field: d.Field, Replacement: d.Replacement})
		default:
			return nil, fmt.Errorf("unknown mutation type %q", d.Type)
		}
	}
	return mutations, nil
}
