package solar_test

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

func TestScanQueries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	ctx := context.Background()

	for i, sev := range []string{"CRITICAL", "HIGH", "LOW", "NORMAL"} {
		ts := t0.Add(time.Duration(i) * 10 * time.Minute)
		f.ingest(t, scanBody("pi-"+sev, ts, sev, 0, 0, `"autoProcess":false`))
	}

	latest, ok, err := f.svc.LatestScan(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestScan: %v, %v", ok, err)
	}
	if latest.DeviceID != "pi-NORMAL" {
		t.Errorf("latest device = %q", latest.DeviceID)
	}

	limited, err := f.svc.ListScans(ctx, solar.ScanFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(limited) != 2 || limited[0].DeviceID != "pi-NORMAL" || limited[1].DeviceID != "pi-LOW" {
		t.Errorf("limited = %d scans", len(limited))
	}

	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := solar.ScanStats{Total: 4, Pending: 4, Critical: 1, HighRisk: 2, AvgThermalDelta: 4}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}
}

func TestScanQueries_AlertContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	ctx := context.Background()

	// Drop the stored row; reads fill it from the alert the scan raised.
	res := f.ingest(t, scanBody("pi-1", t0, "HIGH", 0, 0, `"row":6,"autoProcess":false`))
	stored := f.scan(t, res.ScanID)
	stored.RowNumber = nil
	if err := f.store.UpdateScan(ctx, stored); err != nil {
		t.Fatalf("UpdateScan: %v", err)
	}

	got, ok, err := f.svc.GetScan(ctx, res.ScanID)
	if err != nil || !ok {
		t.Fatalf("GetScan: %v, %v", ok, err)
	}
	if got.AlertCode != res.AlertCode || got.RowNumber == nil || *got.RowNumber != 6 {
		t.Errorf("scan alert=%q row=%v, want %s row 6", got.AlertCode, got.RowNumber, res.AlertCode)
	}
}

func TestSetScanStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, solar.Options{})
	ctx := context.Background()
	res := f.ingest(t, scanBody("pi-1", t0, "NORMAL", 0, 0, ""))

	if _, err := f.svc.SetScanStatus(ctx, res.ScanID, ""); !solar.IsValidation(err) {
		t.Errorf("empty status err = %v, want validation", err)
	}
	_, err := f.svc.SetScanStatus(ctx, res.ScanID, "finished")
	wantErr(t, err, solar.ErrInvalidStatus)
	_, err = f.svc.SetScanStatus(ctx, "missing", "archived")
	wantErr(t, err, solar.ErrNotFound)

	f.clock.Advance(time.Minute)
	scan, err := f.svc.SetScanStatus(ctx, res.ScanID, "Archived")
	if err != nil {
		t.Fatalf("SetScanStatus: %v", err)
	}
	if scan.Status != solar.ScanArchived || !scan.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("scan = %+v", scan)
	}

	if err := f.svc.DeleteScan(ctx, res.ScanID); err != nil {
		t.Fatalf("DeleteScan: %v", err)
	}
	wantErr(t, f.svc.DeleteScan(ctx, res.ScanID), solar.ErrNotFound)
}
