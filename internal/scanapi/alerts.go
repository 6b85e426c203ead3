package scanapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.alerts.ListActive(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*solar.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *API) handleUpsertAlert(w http.ResponseWriter, r *http.Request) {
	var in solar.AlertInput
	if !decode(w, r, &in) {
		return
	}

	res, err := a.alerts.Upsert(r.Context(), in)
	if err != nil {
		a.fail(w, r, err, "failed to upsert alert", "zone", in.Zone)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (a *API) handleSyncAlerts(w http.ResponseWriter, r *http.Request) {
	res, err := a.alerts.Sync(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to sync alerts")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDismissAlerts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Zone   string `json:"zone"`
		Row    *int   `json:"row"`
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}

	n, err := a.alerts.Dismiss(r.Context(), req.Zone, req.Row, req.Status)
	if err != nil {
		a.fail(w, r, err, "failed to dismiss alerts", "zone", req.Zone)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (a *API) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alert, err := a.alerts.DismissByID(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to dismiss alert", "alert_id", id)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.alerts.Delete(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to delete alert", "alert_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Alert deleted permanently"})
}
