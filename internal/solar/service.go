package solar

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// DefaultScanLimit caps scan listings when no limit is given.
const DefaultScanLimit = 50

// Dispatch describes a ticket freshly created and assigned by automation.
type Dispatch struct {
	Scan       *Scan
	Fault      *Fault
	Ticket     *Ticket
	Technician *Technician
}

// Notifier announces dispatched tickets to people.
type Notifier interface {
	NotifyDispatch(ctx context.Context, d *Dispatch) error
}

// EventPublisher fans automation events out to other systems.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *AutomationEvent) error
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Clock               Clock
	Logger              log.Logger
	Hooks               Hooks
	Notifier            Notifier
	Publisher           EventPublisher
	AutoTicketThreshold int

	// RetainResolved keeps resolved and closed tickets instead of deleting
	// them once their technician bookkeeping is applied.
	RetainResolved bool
}

// AutomationSummary reports the automation outcome of one ingestion.
type AutomationSummary struct {
	TicketCreated bool   `json:"ticketCreated"`
	TicketNumber  string `json:"ticketNumber,omitempty"`
	Message       string `json:"message"`
}

// IngestResult is the outcome of ingesting one scan payload.
type IngestResult struct {
	ScanID       string             `json:"scanId"`
	Merged       bool               `json:"merged"`
	Status       ScanStatus         `json:"status"`
	AlertCode    string             `json:"alertId,omitempty"`
	LinkTier     string             `json:"linkTier"`
	AlertRetired bool               `json:"alertRetired,omitempty"`
	Message      string             `json:"message"`
	Automation   *AutomationSummary `json:"automation"`
}

// Service is the business boundary for scan ingestion, alerts and tickets.
type Service struct {
	store     Store
	clock     Clock
	logger    log.Logger
	hooks     Hooks
	notifier  Notifier
	publisher EventPublisher

	alerts    *Allocator
	incidents *Allocator
	tickets   *Allocator

	dups      duplicateDetector
	linker    *Linker
	lifecycle *Lifecycle
	engine    *Engine

	retainResolved bool
}

// NewService wires the ingestion pipeline over store.
func NewService(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	s := &Service{
		store:          store,
		clock:          opts.Clock,
		logger:         opts.Logger,
		hooks:          opts.Hooks,
		notifier:       opts.Notifier,
		publisher:      opts.Publisher,
		dups:           duplicateDetector{store: store},
		retainResolved: opts.RetainResolved,
	}
	s.alerts = NewAllocator(AlertPrefix, Store.ListAlertCodes).OnRetry(opts.Hooks.OnAllocRetry)
	s.incidents = NewAllocator(IncidentPrefix, Store.ListIncidentIDs).OnRetry(opts.Hooks.OnAllocRetry)
	s.tickets = NewAllocator(TicketPrefix, Store.ListTicketNumbers).OnRetry(opts.Hooks.OnAllocRetry)
	s.linker = NewLinker(s.alerts, s.clock, s.logger, s.hooks)
	s.lifecycle = NewLifecycle(store, s.alerts, s.clock, s.logger, s.hooks)
	s.engine = NewEngine(store, s.incidents, s.tickets, s.clock, s.logger, opts.AutoTicketThreshold)
	return s
}

// Alerts returns the alert lifecycle manager.
func (s *Service) Alerts() *Lifecycle { return s.lifecycle }

// Ingest records a scan payload, links it to an alert and, when the scan is
// actionable, runs ticket automation. Automation failures are logged and
// reported in the summary; the scan stays recorded as pending.
func (s *Service) Ingest(ctx context.Context, body []byte) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "solar.Ingest")
	defer span.End()

	now := s.clock.Now()
	r, err := ParseReport(body, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	findings := r.Findings()
	scanPanelID := r.FlaggedPanel()
	panelCode := r.PanelCode
	if panelCode == "" {
		panelCode = scanPanelID
	}
	match := s.resolvePanel(ctx, panelCode, scanPanelID)

	L := s.logger.With("device_id", r.DeviceID)

	scan, merged, prevStatus, err := s.record(ctx, r, panelCode, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	L = L.With("scan_id", scan.ID)
	span.SetAttributes(attribute.String("scan.id", scan.ID), attribute.Bool("scan.merged", merged))
	if merged {
		s.hooks.scan("merged")
		L.Info(ctx, "scan merged into recent duplicate")
	} else {
		s.hooks.scan("created")
	}

	res := &IngestResult{
		ScanID:   scan.ID,
		Merged:   merged,
		Status:   scan.Status,
		LinkTier: LinkNone.String(),
		Message:  "Solar scan recorded successfully",
	}

	var link *Link
	err = s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		link, err = s.linker.Link(ctx, tx, scan, r, match)
		return err
	})
	if err != nil {
		L.Error(ctx, err, "alert linking failed")
		cur, ok, gerr := s.store.GetScan(ctx, scan.ID)
		if gerr == nil && ok {
			scan = cur
		}
	} else {
		res.LinkTier = link.Tier.String()
		res.AlertRetired = link.Retired
	}
	res.AlertCode = scan.AlertCode

	if !r.AutoProcess || !findings.Actionable() {
		return res, nil
	}
	if merged && (prevStatus == ScanProcessing || prevStatus == ScanProcessed) {
		L.Info(ctx, "duplicate of an automated scan, automation not repeated", "status", prevStatus)
		res.Automation = &AutomationSummary{Message: "Ticket automation already ran for this scan"}
		return res, nil
	}

	res.Message = "Solar scan recorded and ticket automation triggered"
	res.Automation = s.automate(ctx, L, scan, findings, match, panelCode, scanPanelID)
	res.Status = scan.Status
	return res, nil
}

// record merges r into a recent duplicate or stores it as a new pending scan.
func (s *Service) record(ctx context.Context, r *Report, panelCode string, now time.Time) (*Scan, bool, ScanStatus, error) {
	prev, dup, err := s.dups.find(ctx, r)
	if err != nil {
		return nil, false, "", fmt.Errorf("duplicate lookup: %w", err)
	}
	if dup {
		prevStatus := prev.Status
		mergeReport(prev, r, now)
		if err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
			if err := tx.UpdateScan(ctx, prev); err != nil {
				return err
			}
			if len(r.Detections) == 0 {
				return nil
			}
			dets := stampDetections(r.Detections, prev.ID, now)
			if err := tx.ReplaceDetections(ctx, prev.ID, dets); err != nil {
				return err
			}
			prev.Detections = dets
			return nil
		}); err != nil {
			return nil, false, "", fmt.Errorf("merge scan %s: %w", prev.ID, err)
		}
		return prev, true, prevStatus, nil
	}

	scan := newScan(r, panelCode, now)
	if err := s.store.CreateScan(ctx, scan); err != nil {
		return nil, false, "", fmt.Errorf("create scan: %w", err)
	}
	return scan, false, "", nil
}

// automate moves scan to processing, runs the engine and settles the scan
// as processed or, on failure, back to pending.
func (s *Service) automate(ctx context.Context, L log.Logger, scan *Scan, f Findings, m PanelMatch, panelCode, scanPanelID string) *AutomationSummary {
	start := time.Now()
	sum := &AutomationSummary{Message: "Ticket automation triggered"}

	if err := s.transition(ctx, scan, ScanProcessing); err != nil {
		L.Error(ctx, err, "failed to mark scan processing")
		s.hooks.automation("failed", time.Since(start).Seconds())
		return sum
	}

	res, err := s.engine.Run(ctx, AutomationRequest{
		Scan:        scan,
		Findings:    f,
		Panel:       m.Panel,
		PanelCode:   panelCode,
		ScanPanelID: scanPanelID,
	})
	if err != nil {
		L.Warn(ctx, "ticket automation failed, scan returned to pending", "error", err.Error())
		if terr := s.transition(ctx, scan, ScanPending); terr != nil {
			L.Error(ctx, terr, "failed to return scan to pending")
		}
		s.hooks.automation("failed", time.Since(start).Seconds())
		return sum
	}

	if err := s.transition(ctx, scan, ScanProcessed); err != nil {
		L.Error(ctx, err, "failed to mark scan processed", "ticket_number", res.Ticket.TicketNumber)
	}
	s.hooks.automation("processed", time.Since(start).Seconds())
	s.hooks.ticket("created")

	s.announce(ctx, L, &Dispatch{Scan: scan, Fault: res.Fault, Ticket: res.Ticket, Technician: res.Technician}, res.Events)

	sum.TicketCreated = true
	sum.TicketNumber = res.Ticket.TicketNumber
	sum.Message = "Ticket automatically created and assigned"
	return sum
}

// transition sets the scan's status in a transaction.
func (s *Service) transition(ctx context.Context, scan *Scan, to ScanStatus) error {
	now := s.clock.Now()
	err := s.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.SetScanStatus(ctx, scan.ID, to, now)
	})
	if err != nil {
		return fmt.Errorf("scan %s -> %s: %w", scan.ID, to, err)
	}
	scan.Status = to
	scan.UpdatedAt = now
	return nil
}

// announce publishes committed events and notifies about the dispatch.
// Failures are logged only.
func (s *Service) announce(ctx context.Context, L log.Logger, d *Dispatch, events []*AutomationEvent) {
	if s.publisher != nil {
		for _, ev := range events {
			if err := s.publisher.PublishEvent(ctx, ev); err != nil {
				s.hooks.notifyError("events")
				L.Warn(ctx, "failed to publish automation event", "stage", ev.Stage, "error", err.Error())
			}
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyDispatch(ctx, d); err != nil {
			s.hooks.notifyError("dispatch")
			L.Warn(ctx, "failed to send dispatch notification",
				"ticket_number", d.Ticket.TicketNumber,
				"error", err.Error(),
			)
		}
	}
}

// resolvePanel finds the panel a scan is about: a panel named by the
// payload first, else the most recently checked panel that is not offline,
// else any panel. Lookup errors degrade to the next tier.
func (s *Service) resolvePanel(ctx context.Context, codes ...string) PanelMatch {
	seen := map[string]bool{}
	for _, c := range codes {
		if c == "" {
			continue
		}
		for _, candidate := range []string{c, canonicalPanelCode(c)} {
			if seen[candidate] {
				continue
			}
			seen[candidate] = true
			p, ok, err := s.store.GetPanelByCode(ctx, candidate)
			if err != nil {
				s.logger.Warn(ctx, "panel lookup failed", "panel_code", candidate, "error", err.Error())
				continue
			}
			if ok {
				return PanelMatch{Panel: p, Explicit: true}
			}
		}
	}
	for _, excludeOffline := range []bool{true, false} {
		p, ok, err := s.store.LatestPanel(ctx, excludeOffline)
		if err != nil {
			s.logger.Warn(ctx, "panel fallback lookup failed", "error", err.Error())
			continue
		}
		if ok {
			return PanelMatch{Panel: p}
		}
	}
	return PanelMatch{}
}

func newScan(r *Report, panelCode string, now time.Time) *Scan {
	dusty, clean, total := r.Counts()
	s := &Scan{
		ID:              ulid.Make().String(),
		Timestamp:       r.Timestamp,
		Priority:        r.Priority,
		Status:          ScanPending,
		Thermal:         r.Thermal,
		DustyPanelCount: dusty,
		CleanPanelCount: clean,
		TotalPanels:     total,
		DeviceID:        r.DeviceID,
		DeviceName:      r.DeviceName,
		AlertCode:       r.AlertCode,
		PanelCode:       panelCode,
		RowNumber:       r.RowNumber,
		ThermalImageURL: r.ThermalImage,
		RGBImageURL:     r.RGBImage,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.Detections = stampDetections(r.Detections, s.ID, now)
	return s
}

// mergeReport refreshes a duplicate scan in place. Readings missing from r
// keep their stored values.
func mergeReport(s *Scan, r *Report, now time.Time) {
	dusty, clean, total := r.Counts()
	s.Timestamp = r.Timestamp
	if r.Priority != "" {
		s.Priority = r.Priority
	}
	s.Thermal.MinTemp = orFloat(r.Thermal.MinTemp, s.Thermal.MinTemp)
	s.Thermal.MaxTemp = orFloat(r.Thermal.MaxTemp, s.Thermal.MaxTemp)
	s.Thermal.MeanTemp = orFloat(r.Thermal.MeanTemp, s.Thermal.MeanTemp)
	s.Thermal.Delta = orFloat(r.Thermal.Delta, s.Thermal.Delta)
	s.Thermal.RiskScore = orFloat(r.Thermal.RiskScore, s.Thermal.RiskScore)
	if r.Thermal.Severity != "" {
		s.Thermal.Severity = r.Thermal.Severity
	}
	if r.ThermalImage != "" {
		s.ThermalImageURL = r.ThermalImage
	}
	if r.RGBImage != "" {
		s.RGBImageURL = r.RGBImage
	}
	if r.DeviceName != "" {
		s.DeviceName = r.DeviceName
	}
	s.DustyPanelCount, s.CleanPanelCount, s.TotalPanels = dusty, clean, total
	s.UpdatedAt = now
}

func stampDetections(in []PanelDetection, scanID string, now time.Time) []PanelDetection {
	if len(in) == 0 {
		return nil
	}
	out := make([]PanelDetection, len(in))
	for i, d := range in {
		d.ID = ulid.Make().String()
		d.ScanID = scanID
		d.CreatedAt = now
		out[i] = d
	}
	return out
}

func orFloat(v, fallback *float64) *float64 {
	if v != nil {
		return v
	}
	return fallback
}
