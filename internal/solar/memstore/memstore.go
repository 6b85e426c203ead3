// Package memstore provides an in-memory implementation of solar.Store.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

type data struct {
	scans       map[string]*solar.Scan // scan ID -> scan with detections
	alerts      map[string]*solar.Alert
	panels      map[string]*solar.Panel // panel ID -> panel
	technicians map[string]*solar.Technician
	faults      map[string]*solar.Fault
	tickets     map[string]*solar.Ticket
	events      []*solar.AutomationEvent
}

func (d *data) clone() *data {
	return &data{
		scans:       maps.Clone(d.scans),
		alerts:      maps.Clone(d.alerts),
		panels:      maps.Clone(d.panels),
		technicians: maps.Clone(d.technicians),
		faults:      maps.Clone(d.faults),
		tickets:     maps.Clone(d.tickets),
		events:      slices.Clone(d.events),
	}
}

// Store holds all records in memory. Suitable for dev/testing. Stored
// records are never mutated in place, so a transaction snapshot only needs
// to copy the maps.
type Store struct {
	mu   *sync.RWMutex
	inTx bool
	d    *data
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		mu: &sync.RWMutex{},
		d: &data{
			scans:       make(map[string]*solar.Scan),
			alerts:      make(map[string]*solar.Alert),
			panels:      make(map[string]*solar.Panel),
			technicians: make(map[string]*solar.Technician),
			faults:      make(map[string]*solar.Fault),
			tickets:     make(map[string]*solar.Ticket),
		},
	}
}

func (s *Store) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx runs fn holding the store's write lock. On error every map is
// restored to its state before fn ran. Nested calls join the outer
// transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx solar.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.d.clone()
	tx := &Store{mu: s.mu, inTx: true, d: s.d}
	if err := fn(ctx, tx); err != nil {
		*s.d = *snap
		return err
	}
	return nil
}

// --- scans ---

// CreateScan stores a copy of sc and its detections.
func (s *Store) CreateScan(_ context.Context, sc *solar.Scan) error {
	defer s.lock()()
	if _, ok := s.d.scans[sc.ID]; ok {
		return solar.ErrConflict
	}
	s.d.scans[sc.ID] = copyScan(sc)
	return nil
}

// UpdateScan replaces a scan's fields, keeping its stored detections.
func (s *Store) UpdateScan(_ context.Context, sc *solar.Scan) error {
	defer s.lock()()
	old, ok := s.d.scans[sc.ID]
	if !ok {
		return solar.ErrNotFound
	}
	cp := copyScan(sc)
	cp.Detections = old.Detections
	s.d.scans[sc.ID] = cp
	return nil
}

// SetScanStatus changes a scan's status.
func (s *Store) SetScanStatus(_ context.Context, id string, status solar.ScanStatus, at time.Time) error {
	defer s.lock()()
	old, ok := s.d.scans[id]
	if !ok {
		return solar.ErrNotFound
	}
	cp := *old
	cp.Status = status
	cp.UpdatedAt = at
	s.d.scans[id] = &cp
	return nil
}

// ReplaceDetections swaps a scan's detections wholesale.
func (s *Store) ReplaceDetections(_ context.Context, scanID string, dets []solar.PanelDetection) error {
	defer s.lock()()
	old, ok := s.d.scans[scanID]
	if !ok {
		return solar.ErrNotFound
	}
	cp := *old
	cp.Detections = slices.Clone(dets)
	s.d.scans[scanID] = &cp
	return nil
}

// GetScan retrieves a scan by ID. Returns a copy.
func (s *Store) GetScan(_ context.Context, id string) (*solar.Scan, bool, error) {
	defer s.rlock()()
	sc, ok := s.d.scans[id]
	if !ok {
		return nil, false, nil
	}
	return copyScan(sc), true, nil
}

// LatestScan returns the scan with the newest timestamp.
func (s *Store) LatestScan(_ context.Context) (*solar.Scan, bool, error) {
	defer s.rlock()()
	all := s.sortedScans(func(*solar.Scan) bool { return true })
	if len(all) == 0 {
		return nil, false, nil
	}
	return copyScan(all[0]), true, nil
}

// LatestScanForDevice returns the device's newest scan timestamped at or after since.
func (s *Store) LatestScanForDevice(_ context.Context, deviceID string, since time.Time) (*solar.Scan, bool, error) {
	defer s.rlock()()
	all := s.sortedScans(func(sc *solar.Scan) bool {
		return sc.DeviceID == deviceID && !sc.Timestamp.Before(since)
	})
	if len(all) == 0 {
		return nil, false, nil
	}
	return copyScan(all[0]), true, nil
}

// ListScans returns scans newest first. Limit <= 0 means no limit.
func (s *Store) ListScans(_ context.Context, f solar.ScanFilter) ([]*solar.Scan, error) {
	defer s.rlock()()
	all := s.sortedScans(func(sc *solar.Scan) bool {
		return f.Status == "" || sc.Status == f.Status
	})
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	out := make([]*solar.Scan, len(all))
	for i, sc := range all {
		out[i] = copyScan(sc)
	}
	return out, nil
}

// CountScansForAlert counts scans referencing code timestamped at or after since.
func (s *Store) CountScansForAlert(_ context.Context, code string, since time.Time) (int, error) {
	defer s.rlock()()
	n := 0
	for _, sc := range s.d.scans {
		if sc.AlertCode == code && !sc.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// RelinkScans rewrites the alert code on every scan referencing oldCode.
func (s *Store) RelinkScans(_ context.Context, oldCode, newCode string) error {
	defer s.lock()()
	for id, sc := range s.d.scans {
		if sc.AlertCode == oldCode {
			cp := *sc
			cp.AlertCode = newCode
			s.d.scans[id] = &cp
		}
	}
	return nil
}

// DeleteScan removes a scan and its detections.
func (s *Store) DeleteScan(_ context.Context, id string) error {
	defer s.lock()()
	if _, ok := s.d.scans[id]; !ok {
		return solar.ErrNotFound
	}
	delete(s.d.scans, id)
	return nil
}

func (s *Store) sortedScans(keep func(*solar.Scan) bool) []*solar.Scan {
	var out []*solar.Scan
	for _, sc := range s.d.scans {
		if keep(sc) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// --- alerts ---

// CreateAlert stores a copy of a. Codes are unique across all alerts.
func (s *Store) CreateAlert(_ context.Context, a *solar.Alert) error {
	defer s.lock()()
	if _, ok := s.d.alerts[a.ID]; ok || s.codeTaken(a.Code, "") {
		return solar.ErrConflict
	}
	cp := *a
	s.d.alerts[a.ID] = &cp
	return nil
}

// UpdateAlert replaces a stored alert.
func (s *Store) UpdateAlert(_ context.Context, a *solar.Alert) error {
	defer s.lock()()
	if _, ok := s.d.alerts[a.ID]; !ok {
		return solar.ErrNotFound
	}
	if s.codeTaken(a.Code, a.ID) {
		return solar.ErrConflict
	}
	cp := *a
	s.d.alerts[a.ID] = &cp
	return nil
}

func (s *Store) codeTaken(code, exceptID string) bool {
	if code == "" {
		return false
	}
	for id, a := range s.d.alerts {
		if id != exceptID && a.Code == code {
			return true
		}
	}
	return false
}

// GetAlert retrieves an alert by ID, dismissed or not.
func (s *Store) GetAlert(_ context.Context, id string) (*solar.Alert, bool, error) {
	defer s.rlock()()
	a, ok := s.d.alerts[id]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// ActiveAlertByCode returns the newest active alert with code.
func (s *Store) ActiveAlertByCode(_ context.Context, code string) (*solar.Alert, bool, error) {
	defer s.rlock()()
	return s.firstActive(func(a *solar.Alert) bool { return a.Code == code })
}

// ActiveAlertByRow returns the newest active alert for row.
func (s *Store) ActiveAlertByRow(_ context.Context, row int) (*solar.Alert, bool, error) {
	defer s.rlock()()
	return s.firstActive(func(a *solar.Alert) bool { return a.Row == row && a.Code != "" })
}

// ActiveAlertByScan returns the newest active alert raised by scanID.
func (s *Store) ActiveAlertByScan(_ context.Context, scanID string) (*solar.Alert, bool, error) {
	defer s.rlock()()
	return s.firstActive(func(a *solar.Alert) bool { return a.ScanID == scanID })
}

// ListActiveAlerts returns non-dismissed alerts, newest first.
func (s *Store) ListActiveAlerts(_ context.Context) ([]*solar.Alert, error) {
	defer s.rlock()()
	active := s.activeAlerts(func(*solar.Alert) bool { return true })
	out := make([]*solar.Alert, len(active))
	for i, a := range active {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// ListAlertCodes returns every alert code starting with prefix.
func (s *Store) ListAlertCodes(_ context.Context, prefix string) ([]string, error) {
	defer s.rlock()()
	var out []string
	for _, a := range s.d.alerts {
		if strings.HasPrefix(a.Code, prefix) {
			out = append(out, a.Code)
		}
	}
	return out, nil
}

// DismissAlerts dismisses active alerts for zone/row, optionally only those with status.
func (s *Store) DismissAlerts(_ context.Context, zone string, row int, status solar.AlertStatus, at time.Time) (int, error) {
	defer s.lock()()
	n := 0
	for id, a := range s.d.alerts {
		if a.Dismissed || a.Zone != zone || a.Row != row {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		cp.Dismissed = true
		cp.DismissedAt = &at
		cp.UpdatedAt = at
		s.d.alerts[id] = &cp
		n++
	}
	return n, nil
}

// DeleteAlert hard-deletes an alert.
func (s *Store) DeleteAlert(_ context.Context, id string) error {
	defer s.lock()()
	if _, ok := s.d.alerts[id]; !ok {
		return solar.ErrNotFound
	}
	delete(s.d.alerts, id)
	return nil
}

func (s *Store) firstActive(keep func(*solar.Alert) bool) (*solar.Alert, bool, error) {
	active := s.activeAlerts(keep)
	if len(active) == 0 {
		return nil, false, nil
	}
	cp := *active[0]
	return &cp, true, nil
}

func (s *Store) activeAlerts(keep func(*solar.Alert) bool) []*solar.Alert {
	var out []*solar.Alert
	for _, a := range s.d.alerts {
		if !a.Dismissed && keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code > out[j].Code
	})
	return out
}

// --- panels ---

// CreatePanel stores a panel. Panel codes are unique.
func (s *Store) CreatePanel(_ context.Context, p *solar.Panel) error {
	defer s.lock()()
	if _, ok := s.d.panels[p.ID]; ok {
		return solar.ErrConflict
	}
	for _, existing := range s.d.panels {
		if existing.Code == p.Code {
			return solar.ErrConflict
		}
	}
	cp := *p
	s.d.panels[p.ID] = &cp
	return nil
}

// GetPanelByCode retrieves a panel by its code.
func (s *Store) GetPanelByCode(_ context.Context, code string) (*solar.Panel, bool, error) {
	defer s.rlock()()
	for _, p := range s.d.panels {
		if p.Code == code {
			cp := *p
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// LatestPanel returns the most recently checked panel, skipping offline
// panels when excludeOffline is set.
func (s *Store) LatestPanel(_ context.Context, excludeOffline bool) (*solar.Panel, bool, error) {
	defer s.rlock()()
	var best *solar.Panel
	for _, p := range s.d.panels {
		if excludeOffline && p.Status == solar.PanelOffline {
			continue
		}
		if best == nil || p.LastChecked.After(best.LastChecked) ||
			(p.LastChecked.Equal(best.LastChecked) && p.Code < best.Code) {
			best = p
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := *best
	return &cp, true, nil
}

// ListPanels returns every panel ordered by code.
func (s *Store) ListPanels(_ context.Context) ([]*solar.Panel, error) {
	defer s.rlock()()
	out := make([]*solar.Panel, 0, len(s.d.panels))
	for _, p := range s.d.panels {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// --- technicians ---

// CreateTechnician stores a technician.
func (s *Store) CreateTechnician(_ context.Context, t *solar.Technician) error {
	defer s.lock()()
	if _, ok := s.d.technicians[t.ID]; ok {
		return solar.ErrConflict
	}
	s.d.technicians[t.ID] = copyTechnician(t)
	return nil
}

// GetTechnician retrieves a technician by ID.
func (s *Store) GetTechnician(_ context.Context, id string) (*solar.Technician, bool, error) {
	defer s.rlock()()
	t, ok := s.d.technicians[id]
	if !ok {
		return nil, false, nil
	}
	return copyTechnician(t), true, nil
}

// ListTechnicians returns technicians ordered by name.
func (s *Store) ListTechnicians(_ context.Context) ([]*solar.Technician, error) {
	defer s.rlock()()
	out := make([]*solar.Technician, 0, len(s.d.technicians))
	for _, t := range s.d.technicians {
		out = append(out, copyTechnician(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AdjustTechnicianCounters adds the deltas to a technician's counters.
// Counters never go below zero.
func (s *Store) AdjustTechnicianCounters(_ context.Context, id string, activeDelta, resolvedDelta int) error {
	defer s.lock()()
	t, ok := s.d.technicians[id]
	if !ok {
		return solar.ErrNotFound
	}
	cp := copyTechnician(t)
	cp.ActiveTickets = max(0, cp.ActiveTickets+activeDelta)
	cp.ResolvedTickets = max(0, cp.ResolvedTickets+resolvedDelta)
	s.d.technicians[id] = cp
	return nil
}

// --- faults ---

// CreateFault stores a fault. Incident IDs are unique.
func (s *Store) CreateFault(_ context.Context, f *solar.Fault) error {
	defer s.lock()()
	if _, ok := s.d.faults[f.ID]; ok {
		return solar.ErrConflict
	}
	for _, existing := range s.d.faults {
		if existing.IncidentID == f.IncidentID {
			return solar.ErrConflict
		}
	}
	cp := *f
	s.d.faults[f.ID] = &cp
	return nil
}

// ListIncidentIDs returns every incident ID starting with prefix.
func (s *Store) ListIncidentIDs(_ context.Context, prefix string) ([]string, error) {
	defer s.rlock()()
	var out []string
	for _, f := range s.d.faults {
		if strings.HasPrefix(f.IncidentID, prefix) {
			out = append(out, f.IncidentID)
		}
	}
	return out, nil
}

// --- tickets ---

// CreateTicket stores a ticket. Ticket numbers are unique.
func (s *Store) CreateTicket(_ context.Context, t *solar.Ticket) error {
	defer s.lock()()
	if _, ok := s.d.tickets[t.ID]; ok {
		return solar.ErrConflict
	}
	for _, existing := range s.d.tickets {
		if existing.TicketNumber == t.TicketNumber {
			return solar.ErrConflict
		}
	}
	s.d.tickets[t.ID] = copyTicket(t)
	return nil
}

// UpdateTicket replaces a stored ticket.
func (s *Store) UpdateTicket(_ context.Context, t *solar.Ticket) error {
	defer s.lock()()
	if _, ok := s.d.tickets[t.ID]; !ok {
		return solar.ErrNotFound
	}
	s.d.tickets[t.ID] = copyTicket(t)
	return nil
}

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(_ context.Context, id string) (*solar.Ticket, bool, error) {
	defer s.rlock()()
	t, ok := s.d.tickets[id]
	if !ok {
		return nil, false, nil
	}
	return copyTicket(t), true, nil
}

// ListTickets returns tickets matching f, newest first.
func (s *Store) ListTickets(_ context.Context, f solar.TicketFilter) ([]*solar.Ticket, error) {
	defer s.rlock()()
	var ids map[string]bool
	if f.RestrictIDs {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}
	var out []*solar.Ticket
	for _, t := range s.d.tickets {
		if ids != nil && !ids[t.ID] {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		out = append(out, copyTicket(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TicketNumber > out[j].TicketNumber
	})
	return out, nil
}

// ListTicketNumbers returns every ticket number starting with prefix.
func (s *Store) ListTicketNumbers(_ context.Context, prefix string) ([]string, error) {
	defer s.rlock()()
	var out []string
	for _, t := range s.d.tickets {
		if strings.HasPrefix(t.TicketNumber, prefix) {
			out = append(out, t.TicketNumber)
		}
	}
	return out, nil
}

// DeleteTicket hard-deletes a ticket.
func (s *Store) DeleteTicket(_ context.Context, id string) error {
	defer s.lock()()
	if _, ok := s.d.tickets[id]; !ok {
		return solar.ErrNotFound
	}
	delete(s.d.tickets, id)
	return nil
}

// --- events ---

// AppendEvent records an automation event.
func (s *Store) AppendEvent(_ context.Context, e *solar.AutomationEvent) error {
	defer s.lock()()
	cp := *e
	cp.Payload = slices.Clone(e.Payload)
	s.d.events = append(s.d.events, &cp)
	return nil
}

// ListEventsByStage returns events for stage in append order.
func (s *Store) ListEventsByStage(_ context.Context, stage string) ([]*solar.AutomationEvent, error) {
	defer s.rlock()()
	var out []*solar.AutomationEvent
	for _, e := range s.d.events {
		if e.Stage == stage {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func copyScan(sc *solar.Scan) *solar.Scan {
	cp := *sc
	cp.Detections = slices.Clone(sc.Detections)
	return &cp
}

func copyTechnician(t *solar.Technician) *solar.Technician {
	cp := *t
	cp.Skills = slices.Clone(t.Skills)
	return &cp
}

func copyTicket(t *solar.Ticket) *solar.Ticket {
	cp := *t
	cp.ScanID, cp.ScanPanelID = "", ""
	return &cp
}
