package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestStore_ScanRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	sc := &solar.Scan{
		ID:         "s-1",
		Timestamp:  t0,
		Status:     solar.ScanPending,
		DeviceID:   "pi-1",
		Detections: []solar.PanelDetection{{ID: "d-1", ScanID: "s-1", PanelNumber: "P1", Status: solar.DetectionDusty}},
	}
	if err := s.CreateScan(ctx, sc); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	if err := s.CreateScan(ctx, sc); !errors.Is(err, solar.ErrConflict) {
		t.Errorf("duplicate CreateScan err = %v, want ErrConflict", err)
	}

	got, ok, err := s.GetScan(ctx, "s-1")
	if err != nil || !ok {
		t.Fatalf("GetScan: %v, %v", ok, err)
	}
	if len(got.Detections) != 1 || got.Detections[0].PanelNumber != "P1" {
		t.Errorf("detections = %+v", got.Detections)
	}

	// Returned values are copies.
	got.Detections[0].PanelNumber = "mutated"
	got.DeviceID = "mutated"
	again, _, _ := s.GetScan(ctx, "s-1")
	if again.DeviceID != "pi-1" || again.Detections[0].PanelNumber != "P1" {
		t.Error("mutating a returned scan changed the store")
	}
}

func TestStore_UpdateScanKeepsDetections(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	sc := &solar.Scan{ID: "s-1", Timestamp: t0, Detections: []solar.PanelDetection{{ID: "d-1"}}}
	if err := s.CreateScan(ctx, sc); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	upd := &solar.Scan{ID: "s-1", Timestamp: t0, AlertCode: "ALT-001"}
	if err := s.UpdateScan(ctx, upd); err != nil {
		t.Fatalf("UpdateScan: %v", err)
	}
	got, _, _ := s.GetScan(ctx, "s-1")
	if got.AlertCode != "ALT-001" || len(got.Detections) != 1 {
		t.Errorf("scan = %+v", got)
	}

	if err := s.ReplaceDetections(ctx, "s-1", []solar.PanelDetection{{ID: "d-2"}, {ID: "d-3"}}); err != nil {
		t.Fatalf("ReplaceDetections: %v", err)
	}
	got, _, _ = s.GetScan(ctx, "s-1")
	if len(got.Detections) != 2 || got.Detections[0].ID != "d-2" {
		t.Errorf("detections = %+v", got.Detections)
	}

	for name, err := range map[string]error{
		"UpdateScan":        s.UpdateScan(ctx, &solar.Scan{ID: "missing"}),
		"SetScanStatus":     s.SetScanStatus(ctx, "missing", solar.ScanProcessed, t0),
		"ReplaceDetections": s.ReplaceDetections(ctx, "missing", nil),
		"DeleteScan":        s.DeleteScan(ctx, "missing"),
	} {
		if !errors.Is(err, solar.ErrNotFound) {
			t.Errorf("%s on missing scan err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestStore_ScanQueries(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	scans := []*solar.Scan{
		{ID: "a", DeviceID: "pi-1", Timestamp: t0, Status: solar.ScanProcessed, AlertCode: "ALT-001"},
		{ID: "b", DeviceID: "pi-1", Timestamp: t0.Add(time.Minute), Status: solar.ScanPending, AlertCode: "ALT-001"},
		{ID: "c", DeviceID: "pi-2", Timestamp: t0.Add(2 * time.Minute), Status: solar.ScanPending},
		{ID: "d", DeviceID: "pi-1", Timestamp: t0.Add(-time.Hour), Status: solar.ScanPending, AlertCode: "ALT-001"},
	}
	for _, sc := range scans {
		if err := s.CreateScan(ctx, sc); err != nil {
			t.Fatalf("CreateScan(%s): %v", sc.ID, err)
		}
	}

	latest, ok, _ := s.LatestScan(ctx)
	if !ok || latest.ID != "c" {
		t.Errorf("LatestScan = %+v", latest)
	}
	dev, ok, _ := s.LatestScanForDevice(ctx, "pi-1", t0.Add(-2*time.Minute))
	if !ok || dev.ID != "b" {
		t.Errorf("LatestScanForDevice = %+v", dev)
	}
	if _, ok, _ := s.LatestScanForDevice(ctx, "pi-1", t0.Add(5*time.Minute)); ok {
		t.Error("LatestScanForDevice should respect since")
	}

	pending, _ := s.ListScans(ctx, solar.ScanFilter{Status: solar.ScanPending})
	if len(pending) != 3 || pending[0].ID != "c" || pending[2].ID != "d" {
		t.Errorf("pending = %d scans", len(pending))
	}
	limited, _ := s.ListScans(ctx, solar.ScanFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited = %d", len(limited))
	}

	n, _ := s.CountScansForAlert(ctx, "ALT-001", t0)
	if n != 2 {
		t.Errorf("CountScansForAlert = %d, want 2", n)
	}

	if err := s.RelinkScans(ctx, "ALT-001", "ALT-009"); err != nil {
		t.Fatalf("RelinkScans: %v", err)
	}
	if n, _ := s.CountScansForAlert(ctx, "ALT-009", time.Time{}); n != 3 {
		t.Errorf("relinked = %d, want 3", n)
	}
}

func TestStore_AlertCodesAreUnique(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := &solar.Alert{ID: "1", Code: "ALT-001", Zone: "Zone A", Row: 1, CreatedAt: t0}
	if err := s.CreateAlert(ctx, a); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	err := s.CreateAlert(ctx, &solar.Alert{ID: "2", Code: "ALT-001", CreatedAt: t0})
	if !errors.Is(err, solar.ErrConflict) {
		t.Errorf("duplicate code err = %v, want ErrConflict", err)
	}

	b := &solar.Alert{ID: "2", Code: "ALT-002", CreatedAt: t0}
	if err := s.CreateAlert(ctx, b); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	b.Code = "ALT-001"
	if err := s.UpdateAlert(ctx, b); !errors.Is(err, solar.ErrConflict) {
		t.Errorf("UpdateAlert onto taken code err = %v, want ErrConflict", err)
	}
	if err := s.UpdateAlert(ctx, &solar.Alert{ID: "nope"}); !errors.Is(err, solar.ErrNotFound) {
		t.Errorf("UpdateAlert missing err = %v, want ErrNotFound", err)
	}
}

func TestStore_ActiveAlertLookups(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	alerts := []*solar.Alert{
		{ID: "old", Code: "ALT-001", Zone: "Zone A", Row: 2, ScanID: "s-1", CreatedAt: t0},
		{ID: "new", Code: "ALT-002", Zone: "Zone B", Row: 2, CreatedAt: t0.Add(time.Minute)},
		{ID: "gone", Code: "ALT-003", Zone: "Zone C", Row: 2, Dismissed: true, CreatedAt: t0.Add(time.Hour)},
	}
	for _, a := range alerts {
		if err := s.CreateAlert(ctx, a); err != nil {
			t.Fatalf("CreateAlert(%s): %v", a.ID, err)
		}
	}

	if a, ok, _ := s.ActiveAlertByRow(ctx, 2); !ok || a.ID != "new" {
		t.Errorf("ActiveAlertByRow = %+v, want newest active", a)
	}
	if _, ok, _ := s.ActiveAlertByCode(ctx, "ALT-003"); ok {
		t.Error("dismissed alert returned by code")
	}
	if a, ok, _ := s.ActiveAlertByScan(ctx, "s-1"); !ok || a.ID != "old" {
		t.Errorf("ActiveAlertByScan = %+v", a)
	}
	active, _ := s.ListActiveAlerts(ctx)
	if len(active) != 2 || active[0].ID != "new" {
		t.Errorf("active = %+v", active)
	}
	codes, _ := s.ListAlertCodes(ctx, solar.AlertPrefix)
	if len(codes) != 3 {
		t.Errorf("codes = %v, want dismissed included", codes)
	}

	n, _ := s.DismissAlerts(ctx, "Zone A", 2, solar.AlertFault, t0)
	if n != 0 {
		t.Errorf("status-filtered dismiss = %d, want 0", n)
	}
	n, _ = s.DismissAlerts(ctx, "Zone A", 2, "", t0)
	if n != 1 {
		t.Errorf("dismiss = %d, want 1", n)
	}
	if err := s.DeleteAlert(ctx, "old"); err != nil {
		t.Fatalf("DeleteAlert: %v", err)
	}
	if err := s.DeleteAlert(ctx, "old"); !errors.Is(err, solar.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestStore_PanelsAndTechnicians(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	panels := []*solar.Panel{
		{ID: "1", Code: "PNL-A0102", Status: solar.PanelHealthy, LastChecked: t0},
		{ID: "2", Code: "PNL-A0101", Status: solar.PanelHealthy, LastChecked: t0},
		{ID: "3", Code: "PNL-A0103", Status: solar.PanelOffline, LastChecked: t0.Add(time.Hour)},
	}
	for _, p := range panels {
		if err := s.CreatePanel(ctx, p); err != nil {
			t.Fatalf("CreatePanel: %v", err)
		}
	}
	if err := s.CreatePanel(ctx, &solar.Panel{ID: "4", Code: "PNL-A0101"}); !errors.Is(err, solar.ErrConflict) {
		t.Errorf("duplicate panel code err = %v", err)
	}
	if p, ok, _ := s.LatestPanel(ctx, true); !ok || p.ID != "2" {
		t.Errorf("LatestPanel(online) = %+v, want tie broken by code", p)
	}
	if p, ok, _ := s.LatestPanel(ctx, false); !ok || p.ID != "3" {
		t.Errorf("LatestPanel(any) = %+v", p)
	}
	all, _ := s.ListPanels(ctx)
	if len(all) != 3 || all[0].Code != "PNL-A0101" {
		t.Errorf("ListPanels = %+v", all)
	}

	if err := s.CreateTechnician(ctx, &solar.Technician{ID: "t1", Name: "Alice", ActiveTickets: 1}); err != nil {
		t.Fatalf("CreateTechnician: %v", err)
	}
	if err := s.AdjustTechnicianCounters(ctx, "t1", -3, 2); err != nil {
		t.Fatalf("AdjustTechnicianCounters: %v", err)
	}
	tech, _, _ := s.GetTechnician(ctx, "t1")
	if tech.ActiveTickets != 0 || tech.ResolvedTickets != 2 {
		t.Errorf("counters = %d/%d, want clamped 0/2", tech.ActiveTickets, tech.ResolvedTickets)
	}
	if err := s.AdjustTechnicianCounters(ctx, "ghost", 1, 0); !errors.Is(err, solar.ErrNotFound) {
		t.Errorf("missing technician err = %v", err)
	}
}

func TestStore_TicketsAndEvents(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tickets := []*solar.Ticket{
		{ID: "1", TicketNumber: "TKT-001", Status: solar.TicketOpen, Priority: "high", CreatedAt: t0},
		{ID: "2", TicketNumber: "TKT-002", Status: solar.TicketResolved, Priority: "low", CreatedAt: t0.Add(time.Minute)},
		{ID: "3", TicketNumber: "TKT-003", Status: solar.TicketOpen, Priority: "low", CreatedAt: t0.Add(2 * time.Minute)},
	}
	for _, tk := range tickets {
		if err := s.CreateTicket(ctx, tk); err != nil {
			t.Fatalf("CreateTicket: %v", err)
		}
	}
	if err := s.CreateTicket(ctx, &solar.Ticket{ID: "4", TicketNumber: "TKT-001"}); !errors.Is(err, solar.ErrConflict) {
		t.Errorf("duplicate number err = %v", err)
	}

	open, _ := s.ListTickets(ctx, solar.TicketFilter{Status: solar.TicketOpen})
	if len(open) != 2 || open[0].ID != "3" {
		t.Errorf("open = %+v", open)
	}
	low, _ := s.ListTickets(ctx, solar.TicketFilter{Priority: "low", IDs: []string{"2"}, RestrictIDs: true})
	if len(low) != 1 || low[0].ID != "2" {
		t.Errorf("restricted = %+v", low)
	}
	none, _ := s.ListTickets(ctx, solar.TicketFilter{RestrictIDs: true})
	if len(none) != 0 {
		t.Errorf("empty restriction = %d, want 0", len(none))
	}

	for i, stage := range []string{solar.StageFaultCreated, solar.StageTicketCreated, solar.StageTicketCreated} {
		ev := &solar.AutomationEvent{ID: fmt.Sprintf("e-%d", i), Stage: stage, TicketID: fmt.Sprint(i)}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	evs, _ := s.ListEventsByStage(ctx, solar.StageTicketCreated)
	if len(evs) != 2 || evs[0].ID != "e-1" || evs[1].ID != "e-2" {
		t.Errorf("events = %+v", evs)
	}
}

func TestStore_InTxRollsBack(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.CreateTechnician(ctx, &solar.Technician{ID: "t1", Name: "Alice"}); err != nil {
		t.Fatalf("CreateTechnician: %v", err)
	}

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx solar.Store) error {
		if err := tx.CreatePanel(ctx, &solar.Panel{ID: "p", Code: "PNL-A0101"}); err != nil {
			return err
		}
		if err := tx.AdjustTechnicianCounters(ctx, "t1", 1, 0); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		if err := tx.InTx(ctx, func(ctx context.Context, inner solar.Store) error {
			return inner.AppendEvent(ctx, &solar.AutomationEvent{ID: "e", Stage: solar.StageFaultCreated})
		}); err != nil {
			return err
		}
		if _, ok, _ := tx.GetPanelByCode(ctx, "PNL-A0101"); !ok {
			t.Error("write not visible inside the transaction")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}

	if _, ok, _ := s.GetPanelByCode(ctx, "PNL-A0101"); ok {
		t.Error("panel survived rollback")
	}
	if tech, _, _ := s.GetTechnician(ctx, "t1"); tech.ActiveTickets != 0 {
		t.Errorf("active = %d after rollback", tech.ActiveTickets)
	}
	if evs, _ := s.ListEventsByStage(ctx, solar.StageFaultCreated); len(evs) != 0 {
		t.Errorf("events = %d after rollback", len(evs))
	}

	if err := s.InTx(ctx, func(ctx context.Context, tx solar.Store) error {
		return tx.CreatePanel(ctx, &solar.Panel{ID: "p", Code: "PNL-A0101"})
	}); err != nil {
		t.Fatalf("InTx commit: %v", err)
	}
	if _, ok, _ := s.GetPanelByCode(ctx, "PNL-A0101"); !ok {
		t.Error("committed panel missing")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.CreateTechnician(ctx, &solar.Technician{ID: "t1", Name: "Alice"}); err != nil {
		t.Fatalf("CreateTechnician: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(ctx context.Context, tx solar.Store) error {
				if err := tx.AdjustTechnicianCounters(ctx, "t1", 1, 0); err != nil {
					return err
				}
				return tx.CreateScan(ctx, &solar.Scan{ID: fmt.Sprintf("s-%d", i), Timestamp: t0})
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.ListScans(ctx, solar.ScanFilter{})
			_, _, _ = s.GetTechnician(ctx, "t1")
		}()
	}
	wg.Wait()

	tech, _, _ := s.GetTechnician(ctx, "t1")
	if tech.ActiveTickets != 50 {
		t.Errorf("active = %d, want 50", tech.ActiveTickets)
	}
	all, _ := s.ListScans(ctx, solar.ScanFilter{})
	if len(all) != 50 {
		t.Errorf("scans = %d, want 50", len(all))
	}
}
