package scanapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

func (a *API) handleIngestScan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Ingest(r.Context(), body)
	if err != nil {
		a.fail(w, r, err, "failed to ingest scan")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("solarwatch.scan.id", res.ScanID),
		attribute.String("solarwatch.scan.status", string(res.Status)),
		attribute.Bool("solarwatch.scan.merged", res.Merged),
	)

	writeJSON(w, http.StatusCreated, struct {
		Success bool `json:"success"`
		*solar.IngestResult
	}{true, res})
}

func (a *API) handleListScans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := solar.ScanFilter{Status: solar.ScanStatus(strings.ToLower(q.Get("status")))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	scans, err := a.svc.ListScans(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list scans")
		return
	}
	if scans == nil {
		scans = []*solar.Scan{}
	}
	writeJSON(w, http.StatusOK, scans)
}

func (a *API) handleLatestScan(w http.ResponseWriter, r *http.Request) {
	scan, ok, err := a.svc.LatestScan(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to get latest scan")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no scans found")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (a *API) handleScanStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to compute scan stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("solarwatch.scan.id", id))

	scan, ok, err := a.svc.GetScan(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get scan", "scan_id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (a *API) handlePatchScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}

	scan, err := a.svc.SetScanStatus(r.Context(), id, req.Status)
	if err != nil {
		a.fail(w, r, err, "failed to update scan", "scan_id", id)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (a *API) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.DeleteScan(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to delete scan", "scan_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Scan deleted"})
}
