package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/settld/substrate/pkg/apierr"
	"github.com/settld/substrate/pkg/observability"
	"github.com/settld/substrate/pkg/store"
	"github.com/settld/substrate/pkg/zipbundle"
)

// BundleHandler serves store-only ZIP bundle ingest/export (spec §4.6,
// §6): a bundle is a deterministic ZIP of `<artifactType>/<id>.json`
// entries, verified against zipbundle's budgets before any entry is
// trusted, then persisted as individual artifacts the same way a single
// POST would.
type BundleHandler struct {
	Store   store.Store
	Obs     *observability.Provider
	Budgets zipbundle.Budgets
}

// NewBundleHandler builds a BundleHandler backed by s, using
// zipbundle.DefaultBudgets for safe-unzip limits.
func NewBundleHandler(s store.Store, obs *observability.Provider) *BundleHandler {
	return &BundleHandler{Store: s, Obs: obs, Budgets: zipbundle.DefaultBudgets()}
}

type bundleIngestResult struct {
	Stored []string `json:"stored"`
}

// HandleIngest serves `POST /bundles/ingest`: the request body is a ZIP
// archive; each entry's path must be `<artifactType>/<id>.json` and its
// contents the artifact's JSON body.
func (h *BundleHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, h.Budgets.MaxTotalBytes+1))
	if err != nil {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("read bundle body: %v", err)))
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), "bundle.ingest", observability.AttrTenantID.String(tenantID))

	entries, report := zipbundle.Extract(data, h.Budgets)
	if report != nil && !report.OK {
		done(fmt.Errorf("%d zip findings", len(report.Errors)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(report)
		return
	}

	now := time.Now().UTC()
	stored := make([]string, 0, len(entries))
	for _, e := range entries {
		artifactType, id, perr := parseBundleEntryPath(e.Path)
		if perr != nil {
			apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, perr.Error()))
			done(perr)
			return
		}
		if err := h.Store.PutArtifact(ctx, &store.ArtifactRecord{
			TenantID: tenantID, Type: artifactType, ID: id, RawJSON: e.Data, CreatedAt: now,
		}); err != nil {
			done(err)
			apierr.WriteInternal(w, err)
			return
		}
		stored = append(stored, e.Path)
	}
	done(nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(bundleIngestResult{Stored: stored})
}

// HandleExport serves `GET /bundles/export?type=<type>&id=<id>&id=<id>...`:
// it rebuilds a store-only ZIP of the requested artifacts in the same
// deterministic layout HandleIngest consumes.
func (h *BundleHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	tenantID, coded := tenantFromHeader(r)
	if coded != nil {
		apierr.WriteCodedError(w, r, coded)
		return
	}
	artifactType := r.URL.Query().Get("type")
	ids := r.URL.Query()["id"]
	if artifactType == "" || len(ids) == 0 {
		apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, "type and at least one id query parameter are required"))
		return
	}

	ctx, done := h.Obs.TrackOperation(r.Context(), "bundle.export", observability.AttrTenantID.String(tenantID))

	entries := make([]zipbundle.Entry, 0, len(ids))
	for _, id := range ids {
		rec, err := h.Store.GetArtifact(ctx, tenantID, artifactType, id)
		if err != nil {
			done(err)
			apierr.WriteInternal(w, err)
			return
		}
		if rec == nil {
			done(fmt.Errorf("missing artifact %s/%s", artifactType, id))
			apierr.WriteCodedError(w, r, apierr.New(apierr.SchemaInvalid, fmt.Sprintf("unknown artifact %s/%s", artifactType, id)))
			return
		}
		entries = append(entries, zipbundle.Entry{Path: path.Join(artifactType, id+".json"), Data: rec.RawJSON})
	}

	data, err := zipbundle.Build(entries)
	if err != nil {
		done(err)
		apierr.WriteInternal(w, err)
		return
	}
	done(nil)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-bundle.zip"`, artifactType))
	_, _ = w.Write(data)
}

// parseBundleEntryPath splits `<artifactType>/<id>.json` into its parts.
func parseBundleEntryPath(p string) (artifactType, id string, err error) {
	dir, file := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || !strings.HasSuffix(file, ".json") {
		return "", "", fmt.Errorf("bundle entry %q is not of the form <artifactType>/<id>.json", p)
	}
	return dir, strings.TrimSuffix(file, ".json"), nil
}
