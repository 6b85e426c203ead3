package solar_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

func seedAlert(t *testing.T, f *fixture, a *solar.Alert) {
	t.Helper()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if err := f.store.CreateAlert(context.Background(), a); err != nil {
		t.Fatalf("CreateAlert(%s): %v", a.Code, err)
	}
}

func TestParseAlertStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want solar.AlertStatus
		ok   bool
	}{
		{"warning", solar.AlertWarning, true},
		{"WARN", solar.AlertWarning, true},
		{"fault", solar.AlertFault, true},
		{"Faulty", solar.AlertFault, true},
		{"critical", solar.AlertFault, true},
		{"error", solar.AlertFault, true},
		{"healthy", "", false},
		{"offline", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := solar.ParseAlertStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseAlertStatus(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSync_ReconcilesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	f.panel(t, "PNL-A0101", "Zone A", 1, solar.PanelFault)
	f.panel(t, "PNL-A0102", "Zone A", 1, solar.PanelWarning)
	f.panel(t, "PNL-A0201", "Zone A", 2, solar.PanelWarning)
	f.panel(t, "PNL-B0101", "Zone B", 1, solar.PanelHealthy)
	f.panel(t, "PNL-B0301", "Zone B", 3, solar.PanelOffline)

	seedAlert(t, f, &solar.Alert{ID: "b1", Code: "ALT-001", Zone: "Zone B", Row: 1, Status: solar.AlertWarning, CreatedAt: t0.Add(-2 * time.Hour)})
	seedAlert(t, f, &solar.Alert{ID: "a2-old", Code: "ALT-002", Zone: "Zone A", Row: 2, Status: solar.AlertFault, CreatedAt: t0.Add(-2 * time.Hour)})
	seedAlert(t, f, &solar.Alert{ID: "a2-new", Code: "ALT-003", Zone: "Zone A", Row: 2, Status: solar.AlertFault, CreatedAt: t0.Add(-time.Hour)})

	lc := f.svc.Alerts()
	ctx := context.Background()
	res, err := lc.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Created != 1 || res.Updated != 1 || res.Dismissed != 2 {
		t.Errorf("sync = created %d updated %d dismissed %d, want 1/1/2", res.Created, res.Updated, res.Dismissed)
	}

	active := f.activeAlerts(t)
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	byRow := map[string]*solar.Alert{}
	for _, a := range active {
		byRow[fmt.Sprintf("%s/%d", a.Zone, a.Row)] = a
	}
	row1, row2 := byRow["Zone A/1"], byRow["Zone A/2"]
	if row1 == nil || row1.Status != solar.AlertFault || row1.Code != "ALT-004" {
		t.Errorf("row 1 alert = %+v, want new fault ALT-004", row1)
	}
	if row1 != nil && row1.Message != "Panel status fault in Zone A row 1" {
		t.Errorf("row 1 message = %q", row1.Message)
	}
	if row2 == nil || row2.ID != "a2-new" || row2.Status != solar.AlertWarning {
		t.Errorf("row 2 alert = %+v, want newest downgraded to warning", row2)
	}

	again, err := lc.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if again.Created != 0 || again.Updated != 0 || again.Dismissed != 0 {
		t.Errorf("second sync = %+v, want no changes", again)
	}
	if len(again.Alerts) != 2 {
		t.Errorf("second sync alerts = %d, want 2", len(again.Alerts))
	}
}

func TestSync_OneActiveAlertPerRow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	for _, code := range []string{"PNL-C0401", "PNL-C0402", "PNL-C0403"} {
		f.panel(t, code, "Zone C", 4, solar.PanelFault)
	}
	if _, err := f.svc.Alerts().Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	active := f.activeAlerts(t)
	if len(active) != 1 || active[0].Zone != "Zone C" || active[0].Row != 4 {
		t.Errorf("active = %+v, want exactly one for Zone C row 4", active)
	}
}

func TestUpsert_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	_, err := f.svc.Alerts().Upsert(context.Background(), solar.AlertInput{Zone: " "})
	var ve *solar.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !slices.Equal(ve.Fields, []string{"zone", "row", "status"}) {
		t.Errorf("fields = %v", ve.Fields)
	}
}

func TestUpsert_CreateUpdateDismiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	lc := f.svc.Alerts()
	ctx := context.Background()

	created, err := lc.Upsert(ctx, solar.AlertInput{Zone: "Zone A", Row: intp(0), Status: "FAULTY", Message: "hot spot"})
	if err != nil {
		t.Fatalf("Upsert create: %v", err)
	}
	if !created.Created || created.Alert.Code != "ALT-001" || created.Alert.Status != solar.AlertFault || created.Alert.Row != 0 {
		t.Errorf("created = %+v / %+v", created, created.Alert)
	}

	f.clock.Advance(time.Minute)
	updated, err := lc.Upsert(ctx, solar.AlertInput{Zone: "Zone A", Row: intp(0), Status: "warn", Message: "cooling down"})
	if err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	if updated.Created || updated.Alert.ID != created.Alert.ID {
		t.Errorf("update created a new alert: %+v", updated.Alert)
	}
	if updated.Alert.Status != solar.AlertWarning || updated.Alert.Message != "cooling down" {
		t.Errorf("updated = %+v", updated.Alert)
	}
	if !updated.Alert.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v", updated.Alert.UpdatedAt)
	}

	cleared, err := lc.Upsert(ctx, solar.AlertInput{Zone: "Zone A", Row: intp(0), Status: "healthy"})
	if err != nil {
		t.Fatalf("Upsert clear: %v", err)
	}
	if cleared.Alert != nil || cleared.Dismissed != 1 {
		t.Errorf("cleared = %+v, want 1 dismissed", cleared)
	}
	if n := len(f.activeAlerts(t)); n != 0 {
		t.Errorf("active = %d, want 0", n)
	}
}

func TestDismiss_StatusFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	seedAlert(t, f, &solar.Alert{ID: "w", Code: "ALT-001", Zone: "Zone A", Row: 3, Status: solar.AlertWarning, CreatedAt: t0})
	seedAlert(t, f, &solar.Alert{ID: "f", Code: "ALT-002", Zone: "Zone A", Row: 3, Status: solar.AlertFault, CreatedAt: t0})
	seedAlert(t, f, &solar.Alert{ID: "other", Code: "ALT-003", Zone: "Zone B", Row: 3, Status: solar.AlertFault, CreatedAt: t0})

	lc := f.svc.Alerts()
	ctx := context.Background()

	if _, err := lc.Dismiss(ctx, "Zone A", nil, ""); !solar.IsValidation(err) {
		t.Fatalf("missing row err = %v, want validation", err)
	}

	n, err := lc.Dismiss(ctx, "Zone A", intp(3), "faulty")
	if err != nil || n != 1 {
		t.Fatalf("Dismiss fault = %d, %v; want 1", n, err)
	}
	n, err = lc.Dismiss(ctx, "Zone A", intp(3), "nonsense")
	if err != nil || n != 0 {
		t.Fatalf("Dismiss unknown status = %d, %v; want 0", n, err)
	}
	n, err = lc.Dismiss(ctx, "Zone A", intp(3), "")
	if err != nil || n != 1 {
		t.Fatalf("Dismiss all = %d, %v; want 1", n, err)
	}

	active := f.activeAlerts(t)
	if len(active) != 1 || active[0].ID != "other" {
		t.Errorf("active = %+v, want only Zone B alert", active)
	}
	dismissed, _, _ := f.store.GetAlert(ctx, "f")
	if !dismissed.Dismissed || dismissed.DismissedAt == nil || !dismissed.DismissedAt.Equal(t0) {
		t.Errorf("dismissed alert = %+v", dismissed)
	}
}

func TestDismissByID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	seedAlert(t, f, &solar.Alert{ID: "a1", Code: "ALT-001", Zone: "Zone A", Row: 1, Status: solar.AlertFault, CreatedAt: t0})
	lc := f.svc.Alerts()
	ctx := context.Background()

	_, err := lc.DismissByID(ctx, "missing")
	wantErr(t, err, solar.ErrNotFound)

	a, err := lc.DismissByID(ctx, "a1")
	if err != nil {
		t.Fatalf("DismissByID: %v", err)
	}
	if !a.Dismissed || a.DismissedAt == nil {
		t.Errorf("alert = %+v, want dismissed", a)
	}

	f.clock.Advance(time.Hour)
	again, err := lc.DismissByID(ctx, "a1")
	if err != nil {
		t.Fatalf("second DismissByID: %v", err)
	}
	if !again.DismissedAt.Equal(t0) {
		t.Errorf("DismissedAt moved to %v on repeat dismiss", again.DismissedAt)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	seedAlert(t, f, &solar.Alert{ID: "a1", Code: "ALT-001", Zone: "Zone A", Row: 1, Status: solar.AlertFault, CreatedAt: t0})
	lc := f.svc.Alerts()
	ctx := context.Background()

	wantErr(t, lc.Delete(ctx, "missing"), solar.ErrNotFound)
	if err := lc.Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := f.store.GetAlert(ctx, "a1"); ok {
		t.Error("alert still present after delete")
	}
}
