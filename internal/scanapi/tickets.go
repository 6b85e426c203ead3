package scanapi

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

func (a *API) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var in solar.TicketInput
	if !decode(w, r, &in) {
		return
	}

	t, err := a.svc.CreateTicket(r.Context(), in)
	if err != nil {
		a.fail(w, r, err, "failed to create ticket", "ticket_number", in.TicketNumber)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := solar.TicketFilter{
		Status:   solar.TicketStatus(strings.ToLower(q.Get("status"))),
		Priority: strings.ToLower(q.Get("priority")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	tickets, err := a.svc.ListTickets(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list tickets")
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (a *API) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok, err := a.svc.GetTicket(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get ticket", "ticket_id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handlePatchTicket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var p solar.TicketPatch
	if !decode(w, r, &p) {
		return
	}

	res, err := a.svc.PatchTicket(r.Context(), id, p)
	if err != nil {
		a.fail(w, r, err, "failed to update ticket", "ticket_id", id)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("solarwatch.ticket.number", res.Ticket.TicketNumber),
		attribute.String("solarwatch.ticket.status", string(res.Ticket.Status)),
	)

	if res.Deleted {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"message":      "Ticket resolved and deleted",
			"ticketNumber": res.Ticket.TicketNumber,
		})
		return
	}
	writeJSON(w, http.StatusOK, res.Ticket)
}
