// Package zipbundle builds and reads the deterministic, store-only ZIP
// bundles used to persist artifact packs to a BlobStore (spec §4.6): same
// input bytes always produce the same ZIP bytes, and the reader enforces
// explicit size/count budgets before trusting anything it unpacks.
package zipbundle

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/settld/substrate/pkg/apierr"
)

// fixedModTime is the fixed timestamp every entry is stamped with so
// that rebuilding a bundle from the same inputs reproduces the same bytes.
var fixedModTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Entry is one file to add to a bundle.
type Entry struct {
	Path string
	Data []byte
}

// Build writes entries into a store-only (uncompressed), byte-deterministic
// ZIP: entries are sorted lexicographically by path, stamped with a fixed
// mtime and external attrs, and never DEFLATEd so that archive bytes don't
// depend on the zlib implementation's compression decisions.
func Build(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	seen := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if seen[e.Path] {
			return nil, fmt.Errorf("zipbundle: duplicate entry path %q", e.Path)
		}
		seen[e.Path] = true
		if err := validatePath(e.Path); err != nil {
			return nil, err
		}
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, e := range sorted {
		hdr := &zip.FileHeader{
			Name:               e.Path,
			Method:             zip.Store,
			Modified:           fixedModTime,
			ExternalAttrs:      0,
			CreatorVersion:     0,
			ReaderVersion:      0,
			UncompressedSize64: uint64(len(e.Data)),
		}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zipbundle: create entry %s: %w", e.Path, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("zipbundle: write entry %s: %w", e.Path, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zipbundle: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Budgets bounds a safe-unzip operation; exceeding any of them fails
// closed with ZIP_BUDGET_EXCEEDED rather than partially extracting.
type Budgets struct {
	MaxEntries          int
	MaxPathBytes        int
	MaxFileBytes        int64
	MaxTotalBytes       int64
	MaxCompressionRatio float64 // uncompressed/compressed, 0 disables the check
}

// DefaultBudgets are conservative limits suitable for verifying
// third-party-produced artifact bundles before trusting their contents.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxEntries:          1000,
		MaxPathBytes:        4096,
		MaxFileBytes:        64 << 20,
		MaxTotalBytes:       256 << 20,
		MaxCompressionRatio: 100,
	}
}

// Extract safely unpacks data under budgets, returning the extracted
// entries in archive order. It never writes to disk; callers decide what
// to do with the returned bytes.
func Extract(data []byte, budgets Budgets) ([]Entry, *apierr.Report) {
	report := apierr.NewReport()

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		report.Fail(apierr.ZipUnsafeEntry, "$", "not a valid zip archive: "+err.Error())
		return nil, report
	}

	if budgets.MaxEntries > 0 && len(r.File) > budgets.MaxEntries {
		report.Fail(apierr.ZipBudgetExceeded, "$", fmt.Sprintf("entry count %d exceeds budget %d", len(r.File), budgets.MaxEntries))
		return nil, report
	}

	seen := make(map[string]bool, len(r.File))
	var totalBytes int64
	entries := make([]Entry, 0, len(r.File))

	for _, f := range r.File {
		path := "$[" + f.Name + "]"

		if budgets.MaxPathBytes > 0 && len(f.Name) > budgets.MaxPathBytes {
			report.Fail(apierr.ZipBudgetExceeded, path, "path exceeds maxPathBytes")
			continue
		}
		if err := validatePath(f.Name); err != nil {
			report.Fail(apierr.ZipUnsafeEntry, path, err.Error())
			continue
		}
		if seen[f.Name] {
			report.Fail(apierr.ZipUnsafeEntry, path, "duplicate entry path")
			continue
		}
		seen[f.Name] = true

		if f.Mode()&0o170000 == 0o120000 { // symlink bit
			report.Fail(apierr.ZipUnsafeEntry, path, "symlink entries are not allowed")
			continue
		}

		uncompressedSize := int64(f.UncompressedSize64)
		if budgets.MaxFileBytes > 0 && uncompressedSize > budgets.MaxFileBytes {
			report.Fail(apierr.ZipBudgetExceeded, path, "uncompressed size exceeds maxFileBytes")
			continue
		}
		if budgets.MaxCompressionRatio > 0 && f.CompressedSize64 > 0 {
			ratio := float64(uncompressedSize) / float64(f.CompressedSize64)
			if ratio > budgets.MaxCompressionRatio {
				report.Fail(apierr.ZipBudgetExceeded, path, fmt.Sprintf("compression ratio %.1f exceeds maxCompressionRatio", ratio))
				continue
			}
		}

		totalBytes += uncompressedSize
		if budgets.MaxTotalBytes > 0 && totalBytes > budgets.MaxTotalBytes {
			report.Fail(apierr.ZipBudgetExceeded, path, "cumulative extracted size exceeds maxTotalBytes")
			continue
		}

		rc, err := f.Open()
		if err != nil {
			report.Fail(apierr.ZipUnsafeEntry, path, "failed to open entry: "+err.Error())
			continue
		}
		limited := io.LimitReader(rc, uncompressedSize+1)
		contents, err := io.ReadAll(limited)
		_ = rc.Close()
		if err != nil {
			report.Fail(apierr.ZipUnsafeEntry, path, "failed to read entry: "+err.Error())
			continue
		}
		if int64(len(contents)) != uncompressedSize {
			report.Fail(apierr.ZipUnsafeEntry, path, "declared size does not match actual decompressed size")
			continue
		}

		entries = append(entries, Entry{Path: f.Name, Data: contents})
	}

	if !report.OK {
		return nil, report
	}
	return entries, report
}

// validatePath rejects absolute paths, `..` traversal, and paths that are
// not already in NFC normal form (spec §4.6).
func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("zipbundle: empty entry path")
	}
	if path.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("zipbundle: absolute path %q is not allowed", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("zipbundle: path %q contains a traversal segment", p)
		}
	}
	if !utf8.ValidString(p) {
		return fmt.Errorf("zipbundle: path %q is not valid UTF-8", p)
	}
	if !norm.NFC.IsNormalString(p) {
		return fmt.Errorf("zipbundle: path %q is not NFC-normalized", p)
	}
	return nil
}
