package conformance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0640))
	return path
}

func TestLoadManifest_ParsesCasesAndResolvesRelativeBundlePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "bundle-1"), 0750))

	path := writeManifest(t, dir, `
cases:
  - id: case-1
    kind: WorkOrder
    bundlePath: bundle-1
    mutations:
      - type: flipByte
        file: core.json
        offset: 4
    expected:
      exitCode: 1
      ok: false
      verificationOk: false
      errorCodes: ["ARTIFACT_HASH_MISMATCH"]
`)

	cases, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, cases, 1)

	c := cases[0]
	require.Equal(t, "case-1", c.ID)
	require.Equal(t, "WorkOrder", c.Kind)
	require.Equal(t, filepath.Join(dir, "bundle-1"), c.BundlePath)
	require.Len(t, c.Mutations, 1)
	require.Equal(t, FlipByteMutation{File: "core.json", Offset: 4}, c.Mutations[0])
	require.Equal(t, 1, c.Expected.ExitCode)
	require.False(t, c.Expected.OK)
	require.Equal(t, []string{"ARTIFACT_HASH_MISMATCH"}, c.Expected.ErrorCodes)
}

func TestLoadManifest_AllMutationTypes(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
cases:
  - id: case-all
    kind: Session
    bundlePath: /abs/bundle
    mutations:
      - type: deleteField
        file: core.json
        field: snapshotCore.meterDigest
      - type: replaceHash
        file: core.json
        field: snapshotHash
        replacement: "sha256:deadbeef"
    expected:
      exitCode: 0
      ok: true
      verificationOk: true
`)

	cases, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	require.Equal(t, "/abs/bundle", cases[0].BundlePath)
	require.Equal(t, DeleteFieldMutation{File: "core.json", Field: "snapshotCore.meterDigest"}, cases[0].Mutations[0])
	require.Equal(t, ReplaceHashMutation{File: "core.json", Field: "snapshotHash", Replacement: "sha256:deadbeef"}, cases[0].Mutations[1])
}

func TestLoadManifest_UnknownMutationType(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
cases:
  - id: case-bad
    kind: Session
    bundlePath: bundle
    mutations:
      - type: setOnFire
        file: core.json
    expected:
      exitCode: 0
      ok: true
      verificationOk: true
`)

	_, err := LoadManifest(path)
	require.Error(t, err)
}

func TestLoadManifest_MissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
