package solar

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// AlertInput is an operator request to create or update the alert for a
// zone/row. Row is a pointer so an explicit row 0 is distinguishable from a
// missing one.
type AlertInput struct {
	Zone     string `json:"zone"`
	Row      *int   `json:"row"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	ScanID   string `json:"scanId,omitempty"`
	TicketID string `json:"ticketId,omitempty"`
}

// UpsertResult reports what an upsert did. Alert is nil when the request
// dismissed or matched nothing.
type UpsertResult struct {
	Alert     *Alert `json:"alert,omitempty"`
	Created   bool   `json:"created"`
	Dismissed int    `json:"dismissed"`
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Dismissed int      `json:"dismissed"`
	Alerts    []*Alert `json:"alerts"`
}

// ParseAlertStatus maps operator vocabulary onto AlertStatus. ok is false
// for anything that does not describe a bad row.
func ParseAlertStatus(v string) (AlertStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "warning", "warn":
		return AlertWarning, true
	case "fault", "faulty", "critical", "error":
		return AlertFault, true
	}
	return "", false
}

type rowKey struct {
	zone string
	row  int
}

// Lifecycle keeps at most one active alert per zone/row as panel statuses
// change, and owns the manual dismiss and delete operations.
type Lifecycle struct {
	store  Store
	alloc  *Allocator
	clock  Clock
	logger log.Logger
	hooks  Hooks
}

// NewLifecycle creates a Lifecycle. alloc must hand out alert codes.
func NewLifecycle(store Store, alloc *Allocator, clock Clock, logger log.Logger, hooks Hooks) *Lifecycle {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Lifecycle{store: store, alloc: alloc, clock: clock, logger: logger, hooks: hooks}
}

// ListActive returns non-dismissed alerts, newest first.
func (m *Lifecycle) ListActive(ctx context.Context) ([]*Alert, error) {
	return m.store.ListActiveAlerts(ctx)
}

// Sync recomputes bad rows from panel statuses. Rows with a fault panel are
// fault, rows with only warning panels are warning. Missing alerts are
// created, stale statuses updated, and alerts for rows that are no longer
// bad, or beyond the first for a row, are dismissed. A second run with
// unchanged panels writes nothing.
func (m *Lifecycle) Sync(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	err := m.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		panels, err := tx.ListPanels(ctx)
		if err != nil {
			return fmt.Errorf("list panels: %w", err)
		}
		want := make(map[rowKey]AlertStatus)
		for _, p := range panels {
			st, ok := ParseAlertStatus(p.Status)
			if !ok {
				continue
			}
			k := rowKey{p.Zone, p.Row}
			if want[k] != AlertFault {
				want[k] = st
			}
		}

		active, err := tx.ListActiveAlerts(ctx)
		if err != nil {
			return fmt.Errorf("list active alerts: %w", err)
		}
		now := m.clock.Now()
		have := make(map[rowKey]*Alert)
		for _, a := range newestFirst(active) {
			k := rowKey{a.Zone, a.Row}
			_, bad := want[k]
			if _, seen := have[k]; seen || !bad {
				if err := m.dismiss(ctx, tx, a); err != nil {
					return err
				}
				res.Dismissed++
				continue
			}
			have[k] = a
		}

		for _, k := range sortedKeys(want) {
			st := want[k]
			if a, ok := have[k]; ok {
				if a.Status != st {
					a.Status = st
					a.UpdatedAt = now
					if err := tx.UpdateAlert(ctx, a); err != nil {
						return fmt.Errorf("update alert %s: %w", a.Code, err)
					}
					res.Updated++
				}
				res.Alerts = append(res.Alerts, a)
				continue
			}
			a, err := m.create(ctx, tx, &Alert{
				Zone:    k.zone,
				Row:     k.row,
				Status:  st,
				Message: fmt.Sprintf("Panel status %s in %s row %d", st, k.zone, k.row),
			})
			if err != nil {
				return err
			}
			res.Created++
			res.Alerts = append(res.Alerts, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "alert sync complete",
		"created", res.Created,
		"updated", res.Updated,
		"dismissed", res.Dismissed,
	)
	return res, nil
}

// Upsert creates or updates the active alert for in's zone/row. A status
// that does not describe a bad row dismisses the active alert instead.
func (m *Lifecycle) Upsert(ctx context.Context, in AlertInput) (*UpsertResult, error) {
	if err := validate(
		required{"zone", strings.TrimSpace(in.Zone) != ""},
		required{"row", in.Row != nil},
		required{"status", strings.TrimSpace(in.Status) != ""},
	); err != nil {
		return nil, err
	}
	zone, row := strings.TrimSpace(in.Zone), *in.Row
	res := &UpsertResult{}
	err := m.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		existing, err := activeFor(ctx, tx, zone, row)
		if err != nil {
			return err
		}
		st, bad := ParseAlertStatus(in.Status)
		if !bad {
			for _, a := range existing {
				if err := m.dismiss(ctx, tx, a); err != nil {
					return err
				}
				res.Dismissed++
			}
			return nil
		}
		if len(existing) > 0 {
			a := existing[0]
			a.Status = st
			if in.Message != "" {
				a.Message = in.Message
			}
			if in.ScanID != "" {
				a.ScanID = in.ScanID
			}
			if in.TicketID != "" {
				a.TicketID = in.TicketID
			}
			a.UpdatedAt = m.clock.Now()
			if err := tx.UpdateAlert(ctx, a); err != nil {
				return fmt.Errorf("update alert %s: %w", a.Code, err)
			}
			res.Alert = a
			return nil
		}
		a, err := m.create(ctx, tx, &Alert{
			Zone:     zone,
			Row:      row,
			Status:   st,
			Message:  in.Message,
			ScanID:   in.ScanID,
			TicketID: in.TicketID,
		})
		if err != nil {
			return err
		}
		res.Alert, res.Created = a, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Dismiss soft-dismisses every active alert for zone/row, restricted to
// status when it is non-empty. It returns how many were dismissed.
func (m *Lifecycle) Dismiss(ctx context.Context, zone string, row *int, status string) (int, error) {
	if err := validate(
		required{"zone", strings.TrimSpace(zone) != ""},
		required{"row", row != nil},
	); err != nil {
		return 0, err
	}
	var filter AlertStatus
	if status != "" {
		st, ok := ParseAlertStatus(status)
		if !ok {
			return 0, nil
		}
		filter = st
	}
	n, err := m.store.DismissAlerts(ctx, strings.TrimSpace(zone), *row, filter, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("dismiss alerts: %w", err)
	}
	for range n {
		m.hooks.alert("dismissed")
	}
	return n, nil
}

// DismissByID soft-dismisses one alert. Dismissing an already dismissed
// alert is a no-op.
func (m *Lifecycle) DismissByID(ctx context.Context, id string) (*Alert, error) {
	var out *Alert
	err := m.store.InTx(ctx, func(ctx context.Context, tx Store) error {
		a, ok, err := tx.GetAlert(ctx, id)
		if err != nil {
			return fmt.Errorf("get alert %s: %w", id, err)
		}
		if !ok {
			return ErrNotFound
		}
		if !a.Dismissed {
			if err := m.dismiss(ctx, tx, a); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete hard-removes an alert.
func (m *Lifecycle) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteAlert(ctx, id); err != nil {
		return err
	}
	m.hooks.alert("deleted")
	m.logger.Info(ctx, "alert deleted", "alert_id", id)
	return nil
}

func (m *Lifecycle) dismiss(ctx context.Context, tx Store, a *Alert) error {
	now := m.clock.Now()
	a.Dismissed = true
	a.DismissedAt = &now
	a.UpdatedAt = now
	if err := tx.UpdateAlert(ctx, a); err != nil {
		return fmt.Errorf("dismiss alert %s: %w", a.Code, err)
	}
	m.hooks.alert("dismissed")
	return nil
}

func (m *Lifecycle) create(ctx context.Context, tx Store, a *Alert) (*Alert, error) {
	now := m.clock.Now()
	a.ID = ulid.Make().String()
	a.CreatedAt, a.UpdatedAt = now, now
	if _, err := m.alloc.Insert(ctx, tx, func(ctx context.Context, code string) error {
		a.Code = code
		return tx.CreateAlert(ctx, a)
	}); err != nil {
		return nil, fmt.Errorf("create alert %s row %d: %w", a.Zone, a.Row, err)
	}
	m.hooks.alert("created")
	return a, nil
}

// activeFor returns the active alerts for zone/row, newest first.
func activeFor(ctx context.Context, st Store, zone string, row int) ([]*Alert, error) {
	all, err := st.ListActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	var out []*Alert
	for _, a := range newestFirst(all) {
		if a.Zone == zone && a.Row == row {
			out = append(out, a)
		}
	}
	return out, nil
}

func newestFirst(alerts []*Alert) []*Alert {
	out := append([]*Alert(nil), alerts...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code > out[j].Code
	})
	return out
}

func sortedKeys(m map[rowKey]AlertStatus) []rowKey {
	keys := make([]rowKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].zone != keys[j].zone {
			return keys[i].zone < keys[j].zone
		}
		return keys[i].row < keys[j].row
	})
	return keys
}
