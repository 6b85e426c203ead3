package solar

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// CorroborationThreshold is how many scans, timestamped at or after an
// alert's creation and referencing its code, retire the alert.
const CorroborationThreshold = 3

// unknownZone is used when a created alert's panel carries no zone.
const unknownZone = "Unknown"

// Link is the outcome of linking one scan to an alert.
type Link struct {
	Tier    LinkTier
	Alert   *Alert
	Row     *int
	Retired bool
}

// Code returns the linked alert code, or "".
func (l *Link) Code() string {
	if l == nil || l.Alert == nil {
		return ""
	}
	return l.Alert.Code
}

// Linker associates scans with zone/row alerts, raising new alerts for
// actionable scans and retiring alerts once enough scans corroborate them.
type Linker struct {
	alloc  *Allocator
	clock  Clock
	logger log.Logger
	hooks  Hooks
}

// NewLinker creates a Linker. alloc must hand out alert codes.
func NewLinker(alloc *Allocator, clock Clock, logger log.Logger, hooks Hooks) *Linker {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Linker{alloc: alloc, clock: clock, logger: logger, hooks: hooks}
}

// PanelMatch is the panel a scan resolved to. Explicit is set when the
// panel was named by the payload rather than picked as a fallback.
type PanelMatch struct {
	Panel    *Panel
	Explicit bool
}

// ResolveRow returns the row a report targets: the payload row, else the
// explicitly named panel's row, else the row encoded in the panel code.
func ResolveRow(r *Report, m PanelMatch, panelCode string) (int, bool) {
	if r.RowNumber != nil {
		return *r.RowNumber, true
	}
	if m.Explicit && m.Panel != nil && m.Panel.Row > 0 {
		return m.Panel.Row, true
	}
	return RowFromPanelCode(panelCode)
}

// Link resolves the alert for scan, which must already be stored, and
// persists the scan's alert code and row. An explicit code in the report
// takes precedence; otherwise the most recent active alert for the row is
// used, and failing that an actionable scan raises a new alert.
func (l *Linker) Link(ctx context.Context, st Store, scan *Scan, r *Report, m PanelMatch) (*Link, error) {
	link := &Link{}
	if row, ok := ResolveRow(r, m, scan.PanelCode); ok {
		link.Row = &row
	}

	switch {
	case r.ExplicitAlert:
		a, ok, err := st.ActiveAlertByCode(ctx, r.AlertCode)
		if err != nil {
			return nil, fmt.Errorf("alert by code %s: %w", r.AlertCode, err)
		}
		if ok {
			link.Tier, link.Alert = LinkExplicit, a
			row := a.Row
			link.Row = &row
		}
	case link.Row != nil:
		a, ok, err := st.ActiveAlertByRow(ctx, *link.Row)
		if err != nil {
			return nil, fmt.Errorf("alert by row %d: %w", *link.Row, err)
		}
		if ok {
			link.Tier, link.Alert = LinkRow, a
		}
	case m.Panel != nil && m.Panel.Row > 0:
		// A fallback panel only matches alerts on its own zone and row.
		row := m.Panel.Row
		existing, err := activeFor(ctx, st, alertZone(m.Panel), row)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			link.Tier, link.Alert = LinkRow, existing[0]
			link.Row = &row
		}
	}

	findings := r.Findings()
	if link.Alert != nil {
		if err := l.refresh(ctx, st, link.Alert, findings); err != nil {
			return nil, err
		}
	} else if !r.ExplicitAlert && findings.Actionable() {
		a, err := l.raise(ctx, st, scan, r, m.Panel, link.Row)
		if err != nil {
			return nil, err
		}
		if a != nil {
			link.Tier, link.Alert = LinkCreated, a
			row := a.Row
			link.Row = &row
		}
	}

	code := scan.AlertCode
	if link.Alert != nil {
		code = link.Alert.Code
	}
	if code != scan.AlertCode || (link.Row != nil && !sameRow(scan.RowNumber, link.Row)) {
		scan.AlertCode = code
		if link.Row != nil {
			scan.RowNumber = link.Row
		}
		if err := st.UpdateScan(ctx, scan); err != nil {
			return nil, fmt.Errorf("link scan %s: %w", scan.ID, err)
		}
	}

	if link.Alert != nil {
		retired, err := l.retire(ctx, st, link.Alert)
		if err != nil {
			return nil, err
		}
		link.Retired = retired
	}
	return link, nil
}

// refresh normalizes a legacy code on a matched alert and escalates a
// warning to fault when the new findings call for it.
func (l *Linker) refresh(ctx context.Context, st Store, a *Alert, f Findings) error {
	norm := normalizer{store: st, alloc: l.alloc}
	old := a.Code
	if err := norm.normalizeAlert(ctx, a); err != nil {
		return err
	}
	if old != a.Code {
		l.logger.Info(ctx, "normalized legacy alert code", "old_code", old, "alert_code", a.Code)
	}
	if a.Status == AlertWarning && f.AlertStatus() == AlertFault {
		a.Status = AlertFault
		a.UpdatedAt = l.clock.Now()
		if err := st.UpdateAlert(ctx, a); err != nil {
			return fmt.Errorf("escalate alert %s: %w", a.Code, err)
		}
	}
	return nil
}

// raise creates an alert for an actionable scan, taking the zone and, when
// row is nil, the row from panel. It returns nil when no row is known.
func (l *Linker) raise(ctx context.Context, st Store, scan *Scan, r *Report, panel *Panel, row *int) (*Alert, error) {
	zone := alertZone(panel)
	if panel != nil {
		if row == nil && panel.Row > 0 {
			pr := panel.Row
			row = &pr
		}
	}
	if row == nil {
		l.logger.Warn(ctx, "actionable scan has no row, alert not raised", "scan_id", scan.ID)
		return nil, nil
	}

	f := r.Findings()
	now := l.clock.Now()
	a := &Alert{
		ID:        ulid.Make().String(),
		Zone:      zone,
		Row:       *row,
		Status:    f.AlertStatus(),
		Message:   f.AlertMessage(r.Thermal.Severity),
		ScanID:    scan.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := l.alloc.Insert(ctx, st, func(ctx context.Context, code string) error {
		a.Code = code
		return st.CreateAlert(ctx, a)
	}); err != nil {
		return nil, fmt.Errorf("raise alert for scan %s: %w", scan.ID, err)
	}
	l.hooks.alert("created")
	l.logger.Info(ctx, "alert raised",
		"scan_id", scan.ID,
		"alert_code", a.Code,
		"zone", a.Zone,
		"row", a.Row,
		"status", a.Status,
	)
	return a, nil
}

// retire hard-deletes a once enough scans reference its code.
func (l *Linker) retire(ctx context.Context, st Store, a *Alert) (bool, error) {
	n, err := st.CountScansForAlert(ctx, a.Code, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("count scans for %s: %w", a.Code, err)
	}
	if n < CorroborationThreshold {
		return false, nil
	}
	if err := st.DeleteAlert(ctx, a.ID); err != nil {
		return false, fmt.Errorf("retire alert %s: %w", a.Code, err)
	}
	l.hooks.alert("retired")
	l.logger.Info(ctx, "alert retired after corroborating scans", "alert_code", a.Code, "scans", n)
	return true, nil
}

func alertZone(p *Panel) string {
	if p == nil || p.Zone == "" {
		return unknownZone
	}
	return p.Zone
}

func sameRow(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
