package zipbundle

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuild_IsByteDeterministicAcrossInputOrder(t *testing.T) {
	a, err := Build([]Entry{
		{Path: "manifest.json", Data: []byte(`{"a":1}`)},
		{Path: "evidence/1.json", Data: []byte(`{}`)},
	})
	require.NoError(t, err)

	b, err := Build([]Entry{
		{Path: "evidence/1.json", Data: []byte(`{}`)},
		{Path: "manifest.json", Data: []byte(`{"a":1}`)},
	})
	require.NoError(t, err)

	require.Equal(t, a, b)
}

func TestBuild_UsesStoreMethodAndFixedModTime(t *testing.T) {
	data, err := Build([]Entry{{Path: "manifest.json", Data: []byte(`{"a":1}`)}})
	require.NoError(t, err)

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, r.File, 1)
	require.Equal(t, zip.Store, r.File[0].Method)
	require.Equal(t, fixedModTime, r.File[0].Modified.UTC())
}

func TestBuild_RejectsDuplicatePaths(t *testing.T) {
	_, err := Build([]Entry{
		{Path: "a.json", Data: []byte("1")},
		{Path: "a.json", Data: []byte("2")},
	})
	require.Error(t, err)
}

func TestBuild_RejectsTraversalPath(t *testing.T) {
	_, err := Build([]Entry{{Path: "../etc/passwd", Data: []byte("x")}})
	require.Error(t, err)
}

func TestExtract_RoundTrip(t *testing.T) {
	original := []Entry{
		{Path: "manifest.json", Data: []byte(`{"a":1}`)},
		{Path: "evidence/1.json", Data: []byte(`{"b":2}`)},
	}
	data, err := Build(original)
	require.NoError(t, err)

	extracted, report := Extract(data, DefaultBudgets())
	require.True(t, report.OK, report.Errors)
	require.Len(t, extracted, 2)
	require.Equal(t, "evidence/1.json", extracted[0].Path) // sorted
	require.Equal(t, "manifest.json", extracted[1].Path)
}

func TestExtract_RejectsEntryCountOverBudget(t *testing.T) {
	data, err := Build([]Entry{
		{Path: "a.json", Data: []byte("1")},
		{Path: "b.json", Data: []byte("2")},
	})
	require.NoError(t, err)

	_, report := Extract(data, Budgets{MaxEntries: 1})
	require.False(t, report.OK)
	require.Equal(t, "ZIP_BUDGET_EXCEEDED", string(report.Errors[0].Code))
}

func TestExtract_RejectsFileOverMaxFileBytes(t *testing.T) {
	data, err := Build([]Entry{{Path: "big.bin", Data: bytes.Repeat([]byte{0}, 1024)}})
	require.NoError(t, err)

	_, report := Extract(data, Budgets{MaxEntries: 10, MaxFileBytes: 10})
	require.False(t, report.OK)
}

func TestExtract_RejectsPathTraversalCraftedDirectly(t *testing.T) {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	fw, err := w.Create("../escape.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("pwned"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, report := Extract(buf.Bytes(), DefaultBudgets())
	require.False(t, report.OK)
	require.Equal(t, "ZIP_UNSAFE_ENTRY", string(report.Errors[0].Code))
}

func TestExtract_RejectsAbsolutePathCraftedDirectly(t *testing.T) {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	fw, err := w.Create("/etc/passwd")
	require.NoError(t, err)
	_, err = fw.Write([]byte("pwned"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, report := Extract(buf.Bytes(), DefaultBudgets())
	require.False(t, report.OK)
}
