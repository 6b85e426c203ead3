// Package scanapi exposes scan ingestion, alerts and tickets over HTTP.
package scanapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

// maxBodyBytes bounds request bodies. Scan payloads carry inline images.
const maxBodyBytes = 32 << 20

// ScanService defines the business operations scanapi needs.
type ScanService interface {
	Ingest(ctx context.Context, body []byte) (*solar.IngestResult, error)
	ListScans(ctx context.Context, f solar.ScanFilter) ([]*solar.Scan, error)
	LatestScan(ctx context.Context) (*solar.Scan, bool, error)
	GetScan(ctx context.Context, id string) (*solar.Scan, bool, error)
	SetScanStatus(ctx context.Context, id, status string) (*solar.Scan, error)
	DeleteScan(ctx context.Context, id string) error
	Stats(ctx context.Context) (*solar.ScanStats, error)

	CreateTicket(ctx context.Context, in solar.TicketInput) (*solar.Ticket, error)
	ListTickets(ctx context.Context, f solar.TicketFilter) ([]*solar.Ticket, error)
	GetTicket(ctx context.Context, id string) (*solar.Ticket, bool, error)
	PatchTicket(ctx context.Context, id string, p solar.TicketPatch) (*solar.PatchResult, error)
}

// AlertService defines the alert lifecycle operations scanapi needs.
type AlertService interface {
	ListActive(ctx context.Context) ([]*solar.Alert, error)
	Upsert(ctx context.Context, in solar.AlertInput) (*solar.UpsertResult, error)
	Sync(ctx context.Context) (*solar.SyncResult, error)
	Dismiss(ctx context.Context, zone string, row *int, status string) (int, error)
	DismissByID(ctx context.Context, id string) (*solar.Alert, error)
	Delete(ctx context.Context, id string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    ScanService
	alerts AlertService
}

// New creates a new API handler.
func New(logger log.Logger, svc ScanService, alerts AlertService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("scan service is required"))
	}
	if alerts == nil {
		panic(xerrors.New("alert service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		alerts: alerts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", a.handleIngestScan)
			r.Get("/", a.handleListScans)
			r.Get("/latest", a.handleLatestScan)
			r.Get("/stats/summary", a.handleScanStats)
			r.Get("/{id}", a.handleGetScan)
			r.Patch("/{id}", a.handlePatchScan)
			r.Delete("/{id}", a.handleDeleteScan)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", a.handleListAlerts)
			r.Post("/", a.handleUpsertAlert)
			r.Post("/sync", a.handleSyncAlerts)
			r.Post("/dismiss", a.handleDismissAlerts)
			r.Post("/{id}/dismiss", a.handleDismissAlert)
			r.Delete("/{id}", a.handleDeleteAlert)
		})
		r.Route("/tickets", func(r chi.Router) {
			r.Post("/", a.handleCreateTicket)
			r.Get("/", a.handleListTickets)
			r.Get("/{id}", a.handleGetTicket)
			r.Patch("/{id}", a.handlePatchTicket)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a service error onto a status code. Unexpected errors are
// logged and hidden behind a generic message.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case solar.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, solar.ErrInvalidPayload), errors.Is(err, solar.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, solar.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, solar.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}
