package solar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// TicketInput is an external request to create a ticket.
type TicketInput struct {
	TicketNumber         string `json:"ticketNumber"`
	Status               string `json:"status,omitempty"`
	Priority             string `json:"priority,omitempty"`
	Description          string `json:"description"`
	FaultType            string `json:"faultType,omitempty"`
	AssignedTechnicianID string `json:"assignedTechnicianId,omitempty"`
	PanelID              string `json:"panelId,omitempty"`
	FaultID              string `json:"faultId,omitempty"`
	DroneImageURL        string `json:"droneImageUrl,omitempty"`
	ThermalImageURL      string `json:"thermalImageUrl,omitempty"`
	AIAnalysis           string `json:"aiAnalysis,omitempty"`
	RecommendedAction    string `json:"recommendedAction,omitempty"`
}

// TicketPatch changes a ticket. Nil fields are left alone; an empty
// AssignedTechnicianID unassigns.
type TicketPatch struct {
	Status               *string `json:"status,omitempty"`
	ResolutionNotes      *string `json:"resolutionNotes,omitempty"`
	ResolutionCause      *string `json:"resolutionCause,omitempty"`
	ResolutionImageURL   *string `json:"resolutionImageUrl,omitempty"`
	AssignedTechnicianID *string `json:"assignedTechnicianId,omitempty"`
}

// PatchResult is the outcome of patching a ticket. Deleted is set when a
// resolved or closed ticket was removed after bookkeeping.
type PatchResult struct {
	Ticket  *Ticket `json:"ticket"`
	Deleted bool    `json:"deleted"`
}

// CreateTicket stores a ticket supplied by an external caller. An open
// ticket with an assignee counts toward that technician's active tickets.
func (s *Service) CreateTicket(ctx context.Context, in TicketInput) (*Ticket, error) {
	if err := validate(
		required{"ticketNumber", strings.TrimSpace(in.TicketNumber) != ""},
		required{"description", strings.TrimSpace(in.Description) != ""},
	); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	t := &Ticket{
		ID:                   ulid.Make().String(),
		TicketNumber:         strings.TrimSpace(in.TicketNumber),
		Status:               TicketStatus(strings.ToLower(defaultString(strings.TrimSpace(in.Status), string(TicketOpen)))),
		Priority:             defaultString(in.Priority, PriorityMedium),
		Description:          in.Description,
		FaultType:            defaultString(in.FaultType, "unknown"),
		AssignedTechnicianID: in.AssignedTechnicianID,
		PanelID:              in.PanelID,
		FaultID:              in.FaultID,
		DroneImageURL:        in.DroneImageURL,
		ThermalImageURL:      in.ThermalImageURL,
		AIAnalysis:           in.AIAnalysis,
		RecommendedAction:    in.RecommendedAction,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("ticket status %q: %w", in.Status, ErrInvalidStatus)
	}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.CreateTicket(ctx, t); err != nil {
			return fmt.Errorf("create ticket %s: %w", t.TicketNumber, err)
		}
		if t.AssignedTechnicianID == "" || t.Status.Terminal() {
			return nil
		}
		if err := tx.AdjustTechnicianCounters(ctx, t.AssignedTechnicianID, 1, 0); err != nil {
			return fmt.Errorf("assign %s: %w", t.AssignedTechnicianID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hooks.ticket("created")
	return t, nil
}

// ListTickets returns tickets that automation created from scans, newest
// first, each carrying the originating scan id and flagged panel. Terminal
// tickets are only listed when f.Status asks for them.
func (s *Service) ListTickets(ctx context.Context, f TicketFilter) ([]*Ticket, error) {
	events, err := s.store.ListEventsByStage(ctx, StageTicketCreated)
	if err != nil {
		return nil, fmt.Errorf("list ticket events: %w", err)
	}
	type origin struct{ scanID, panel string }
	origins := make(map[string]origin)
	for _, ev := range events {
		if ev.TicketID == "" || ev.ScanID == "" {
			continue
		}
		if _, ok := origins[ev.TicketID]; ok {
			continue
		}
		origins[ev.TicketID] = origin{scanID: ev.ScanID, panel: eventScanPanel(ev.Payload)}
	}
	if len(origins) == 0 {
		return []*Ticket{}, nil
	}

	f.RestrictIDs = true
	f.IDs = make([]string, 0, len(origins))
	for id := range origins {
		f.IDs = append(f.IDs, id)
	}
	tickets, err := s.store.ListTickets(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}

	panels := make(map[string]string)
	out := make([]*Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t.Status.Terminal() && f.Status == "" {
			continue
		}
		o := origins[t.ID]
		t.ScanID = o.scanID
		t.ScanPanelID = o.panel
		if p, ok := panels[o.scanID]; ok {
			if p != "" {
				t.ScanPanelID = p
			}
		} else if scan, ok, err := s.store.GetScan(ctx, o.scanID); err == nil && ok {
			p := flaggedDetection(scan.Detections)
			panels[o.scanID] = p
			if p != "" {
				t.ScanPanelID = p
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTicket returns one ticket.
func (s *Service) GetTicket(ctx context.Context, id string) (*Ticket, bool, error) {
	return s.store.GetTicket(ctx, id)
}

// PatchTicket applies p. Moving a ticket into resolved or closed decrements
// the assignee's active count and increments its resolved count, then
// deletes the ticket unless resolved tickets are retained. Reassigning an
// open ticket moves one active ticket between technicians.
func (s *Service) PatchTicket(ctx context.Context, id string, p TicketPatch) (*PatchResult, error) {
	res := &PatchResult{}
	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		t, ok, err := tx.GetTicket(ctx, id)
		if err != nil {
			return fmt.Errorf("get ticket %s: %w", id, err)
		}
		if !ok {
			return ErrNotFound
		}
		now := s.clock.Now()
		wasTerminal := t.Status.Terminal()
		prevTech := t.AssignedTechnicianID

		if p.Status != nil && *p.Status != "" {
			st := TicketStatus(strings.ToLower(strings.TrimSpace(*p.Status)))
			if !st.Valid() {
				return fmt.Errorf("ticket status %q: %w", *p.Status, ErrInvalidStatus)
			}
			t.Status = st
		}
		resolving := t.Status.Terminal() && !wasTerminal

		if p.AssignedTechnicianID != nil && *p.AssignedTechnicianID != prevTech {
			t.AssignedTechnicianID = *p.AssignedTechnicianID
			if !wasTerminal {
				if err := moveAssignment(ctx, tx, prevTech, t.AssignedTechnicianID); err != nil {
					return err
				}
				s.hooks.ticket("reassigned")
			}
		}
		if p.ResolutionNotes != nil && *p.ResolutionNotes != "" {
			t.ResolutionNotes = *p.ResolutionNotes
		}
		if p.ResolutionCause != nil && *p.ResolutionCause != "" {
			t.ResolutionCause = *p.ResolutionCause
		}
		if p.ResolutionImageURL != nil && *p.ResolutionImageURL != "" {
			t.ResolutionImageURL = *p.ResolutionImageURL
		}
		t.UpdatedAt = now

		if resolving {
			t.ResolvedAt = &now
			if t.AssignedTechnicianID != "" {
				if err := tx.AdjustTechnicianCounters(ctx, t.AssignedTechnicianID, -1, 1); err != nil {
					return fmt.Errorf("resolve bookkeeping for %s: %w", t.AssignedTechnicianID, err)
				}
			}
			s.hooks.ticket(string(t.Status))
			if !s.retainResolved {
				if err := tx.DeleteTicket(ctx, t.ID); err != nil {
					return fmt.Errorf("delete resolved ticket %s: %w", t.TicketNumber, err)
				}
				res.Ticket, res.Deleted = t, true
				return nil
			}
		}

		if err := tx.UpdateTicket(ctx, t); err != nil {
			return fmt.Errorf("update ticket %s: %w", t.TicketNumber, err)
		}
		res.Ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "ticket updated",
		"ticket_number", res.Ticket.TicketNumber,
		"status", res.Ticket.Status,
		"deleted", res.Deleted,
	)
	return res, nil
}

// moveAssignment shifts one active ticket from one technician to another.
func moveAssignment(ctx context.Context, tx Store, from, to string) error {
	if from != "" {
		if err := tx.AdjustTechnicianCounters(ctx, from, -1, 0); err != nil {
			return fmt.Errorf("unassign %s: %w", from, err)
		}
	}
	if to != "" {
		if err := tx.AdjustTechnicianCounters(ctx, to, 1, 0); err != nil {
			return fmt.Errorf("assign %s: %w", to, err)
		}
	}
	return nil
}

func eventScanPanel(payload json.RawMessage) string {
	var p struct {
		ScanPanelID string `json:"scanPanelId"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil {
		return ""
	}
	return p.ScanPanelID
}

func flaggedDetection(dets []PanelDetection) string {
	for _, d := range dets {
		if (d.Status == DetectionDusty || d.Status == DetectionFaulty) && d.PanelNumber != unknownPanel {
			return d.PanelNumber
		}
	}
	return ""
}

func defaultString(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
