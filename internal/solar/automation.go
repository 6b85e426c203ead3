package solar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

var tracer = otel.Tracer("github.com/linnemanlabs/solarwatch/internal/solar")

// DefaultAutoTicketThreshold is the dusty-panel count at which dust alone
// raises a ticket's priority to medium.
const DefaultAutoTicketThreshold = 3

const defaultConfidence = 50

// AutomationRequest is the input to one automation run.
type AutomationRequest struct {
	Scan     *Scan
	Findings Findings

	// Panel is the resolved target; when nil the engine creates one from
	// PanelCode if it is a canonical panel code.
	Panel     *Panel
	PanelCode string

	// ScanPanelID is the first flagged detection's panel number.
	ScanPanelID string
}

// AutomationResult is the chain created by one successful run.
type AutomationResult struct {
	Fault      *Fault
	Ticket     *Ticket
	Technician *Technician
	Events     []*AutomationEvent
}

// Engine turns an actionable scan into a fault, a ticket and a technician
// assignment inside one store transaction.
type Engine struct {
	store     Store
	incidents *Allocator
	tickets   *Allocator
	clock     Clock
	logger    log.Logger
	threshold int
}

// NewEngine creates an Engine. incidents and tickets allocate INC and TKT codes.
func NewEngine(store Store, incidents, tickets *Allocator, clock Clock, logger log.Logger, threshold int) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	if threshold <= 0 {
		threshold = DefaultAutoTicketThreshold
	}
	return &Engine{
		store:     store,
		incidents: incidents,
		tickets:   tickets,
		clock:     clock,
		logger:    logger,
		threshold: threshold,
	}
}

// Run executes the automation chain. Either every record is written or,
// on error, none is.
func (e *Engine) Run(ctx context.Context, req AutomationRequest) (*AutomationResult, error) {
	ctx, span := tracer.Start(ctx, "solar.Automation", trace.WithAttributes(
		attribute.String("scan.id", req.Scan.ID),
		attribute.String("fault.severity", string(req.Findings.Severity)),
	))
	defer span.End()

	var res *AutomationResult
	err := e.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		res, err = e.run(ctx, tx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ticket.number", res.Ticket.TicketNumber),
		attribute.String("technician.id", res.Technician.ID),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, tx Store, req AutomationRequest) (*AutomationResult, error) {
	f := req.Findings
	scan := req.Scan
	now := e.clock.Now()

	panel, err := e.ensurePanel(ctx, tx, req.Panel, req.PanelCode, now)
	if err != nil {
		return nil, err
	}

	techs, err := tx.ListTechnicians(ctx)
	if err != nil {
		return nil, fmt.Errorf("list technicians: %w", err)
	}
	tech, ok := PickTechnician(techs)
	if !ok {
		return nil, ErrNoTechnician
	}

	fault := &Fault{
		ID:                ulid.Make().String(),
		PanelID:           panel.ID,
		FaultType:         f.FaultType(),
		Severity:          string(f.Severity),
		Description:       f.Description(),
		AIConfidence:      Confidence(scan.Thermal.RiskScore),
		AIAnalysis:        analysis(scan, f),
		RecommendedAction: f.RecommendedAction(),
		DetectedAt:        scan.Timestamp,
	}
	if _, err := e.incidents.Insert(ctx, tx, func(ctx context.Context, code string) error {
		fault.IncidentID = code
		return tx.CreateFault(ctx, fault)
	}); err != nil {
		return nil, fmt.Errorf("create fault: %w", err)
	}

	zone := panel.Zone
	if zone == "" {
		zone = unknownZone
	}
	row := scan.RowNumber
	if row == nil {
		pr := panel.Row
		row = &pr
	}
	ticket := &Ticket{
		ID:                   ulid.Make().String(),
		PanelID:              panel.ID,
		FaultID:              fault.ID,
		Status:               TicketOpen,
		Priority:             f.Priority(e.threshold),
		Description:          f.Description(),
		FaultType:            fault.FaultType,
		AssignedTechnicianID: tech.ID,
		AlertCode:            scan.AlertCode,
		Zone:                 zone,
		Row:                  row,
		DroneImageURL:        scan.RGBImageURL,
		ThermalImageURL:      scan.ThermalImageURL,
		AIAnalysis:           fault.AIAnalysis,
		RecommendedAction:    fault.RecommendedAction,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if _, err := e.tickets.Insert(ctx, tx, func(ctx context.Context, code string) error {
		ticket.TicketNumber = code
		return tx.CreateTicket(ctx, ticket)
	}); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	if err := tx.AdjustTechnicianCounters(ctx, tech.ID, 1, 0); err != nil {
		return nil, fmt.Errorf("assign technician %s: %w", tech.ID, err)
	}
	tech.ActiveTickets++

	res := &AutomationResult{Fault: fault, Ticket: ticket, Technician: tech}
	ev := eventWriter{tx: tx, now: now, incident: fault.IncidentID, scan: scan.ID, alert: scan.AlertCode}

	if err := ev.append(ctx, res, StageFaultCreated, "", "", map[string]any{
		"faultId":   fault.ID,
		"faultType": fault.FaultType,
		"severity":  fault.Severity,
		"panelId":   panel.ID,
	}); err != nil {
		return nil, err
	}
	if err := ev.append(ctx, res, StageTicketCreated, ticket.ID, "", map[string]any{
		"ticketNumber": ticket.TicketNumber,
		"priority":     ticket.Priority,
		"scanPanelId":  req.ScanPanelID,
		"zone":         ticket.Zone,
		"row":          *ticket.Row,
	}); err != nil {
		return nil, err
	}
	if err := ev.append(ctx, res, StageTechnicianAssigned, ticket.ID, tech.ID, map[string]any{
		"technicianName": tech.Name,
		"activeTickets":  tech.ActiveTickets,
	}); err != nil {
		return nil, err
	}

	if scan.AlertCode != "" {
		linked, err := linkTicket(ctx, tx, scan.AlertCode, ticket.ID, now)
		if err != nil {
			return nil, err
		}
		if linked {
			if err := ev.append(ctx, res, StageAlertLinked, ticket.ID, "", map[string]any{
				"ticketNumber": ticket.TicketNumber,
			}); err != nil {
				return nil, err
			}
		}
	}

	e.logger.Info(ctx, "ticket automation complete",
		"scan_id", scan.ID,
		"incident_id", fault.IncidentID,
		"ticket_number", ticket.TicketNumber,
		"technician_id", tech.ID,
		"priority", ticket.Priority,
		"fault_type", fault.FaultType,
	)
	return res, nil
}

// ensurePanel returns panel, or creates one from a canonical panel code.
func (e *Engine) ensurePanel(ctx context.Context, tx Store, panel *Panel, code string, now time.Time) (*Panel, error) {
	if panel != nil {
		return panel, nil
	}
	zone, row, col, ok := PanelPosition(code)
	if !ok {
		return nil, ErrNoPanel
	}
	p := &Panel{
		ID:          ulid.Make().String(),
		Code:        canonicalPanelCode(code),
		Zone:        zone,
		Row:         row,
		Column:      col,
		Status:      PanelWarning,
		LastChecked: now,
	}
	if err := tx.CreatePanel(ctx, p); err != nil {
		return nil, fmt.Errorf("create panel %s: %w", p.Code, err)
	}
	e.logger.Info(ctx, "panel created for automation", "panel_code", p.Code)
	return p, nil
}

// PickTechnician chooses the available technician with the fewest active
// tickets, ties broken by name and then id.
func PickTechnician(techs []*Technician) (*Technician, bool) {
	var pool []*Technician
	for _, t := range techs {
		if t.Status == TechnicianAvailable {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		return nil, false
	}
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.ActiveTickets != b.ActiveTickets {
			return a.ActiveTickets < b.ActiveTickets
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return pool[0], true
}

// Confidence clamps a risk score to [0,100], defaulting to 50.
func Confidence(risk *float64) float64 {
	if risk == nil {
		return defaultConfidence
	}
	return max(0, min(100, *risk))
}

func analysis(s *Scan, f Findings) string {
	sev := s.Thermal.Severity
	if sev == "" {
		sev = "NORMAL"
	}
	faulty := "no"
	if f.HasFaulty {
		faulty = "yes"
	}
	return fmt.Sprintf("Scan severity: %s; dusty panels: %d; faulty detections: %s", sev, f.DustyCount, faulty)
}

// linkTicket points the active alert with code at ticketID.
func linkTicket(ctx context.Context, tx Store, code, ticketID string, now time.Time) (bool, error) {
	a, ok, err := tx.ActiveAlertByCode(ctx, code)
	if err != nil {
		return false, fmt.Errorf("alert by code %s: %w", code, err)
	}
	if !ok {
		return false, nil
	}
	a.TicketID = ticketID
	a.UpdatedAt = now
	if err := tx.UpdateAlert(ctx, a); err != nil {
		return false, fmt.Errorf("link alert %s: %w", code, err)
	}
	return true, nil
}

type eventWriter struct {
	tx       Store
	now      time.Time
	incident string
	scan     string
	alert    string
}

func (w eventWriter) append(ctx context.Context, res *AutomationResult, stage, ticketID, techID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", stage, err)
	}
	ev := &AutomationEvent{
		ID:           ulid.Make().String(),
		EventType:    "scan_automation",
		Stage:        stage,
		IncidentID:   w.incident,
		ScanID:       w.scan,
		AlertCode:    w.alert,
		TicketID:     ticketID,
		TechnicianID: techID,
		Payload:      raw,
		CreatedAt:    w.now,
	}
	if err := w.tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", stage, err)
	}
	res.Events = append(res.Events, ev)
	return nil
}
