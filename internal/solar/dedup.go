package solar

import (
	"context"
	"math"
	"time"
)

const (
	// DuplicateWindow is how far back a device's previous scan is considered
	// for merging.
	DuplicateWindow = 120 * time.Second

	// DuplicateTolerance is the allowed jitter on mean temperature and delta.
	DuplicateTolerance = 0.35
)

// Fingerprint is the part of a scan that decides duplicate equality.
type Fingerprint struct {
	DeviceID string
	Total    int
	Dusty    int
	Clean    int
	MeanTemp *float64
	Delta    *float64
}

// FingerprintOf returns the fingerprint of a stored scan.
func FingerprintOf(s *Scan) Fingerprint {
	return Fingerprint{
		DeviceID: s.DeviceID,
		Total:    s.TotalPanels,
		Dusty:    s.DustyPanelCount,
		Clean:    s.CleanPanelCount,
		MeanTemp: s.Thermal.MeanTemp,
		Delta:    s.Thermal.Delta,
	}
}

// Fingerprint returns the fingerprint of an incoming report.
func (r *Report) Fingerprint() Fingerprint {
	dusty, clean, total := r.Counts()
	return Fingerprint{
		DeviceID: r.DeviceID,
		Total:    total,
		Dusty:    dusty,
		Clean:    clean,
		MeanTemp: r.Thermal.MeanTemp,
		Delta:    r.Thermal.Delta,
	}
}

// Same reports whether two fingerprints describe the same event. Device and
// counts must match exactly; thermal readings may differ by the tolerance.
// A missing reading on either side does not break equality.
func (f Fingerprint) Same(o Fingerprint) bool {
	if f.DeviceID == "" || f.DeviceID != o.DeviceID {
		return false
	}
	if f.Total != o.Total || f.Dusty != o.Dusty || f.Clean != o.Clean {
		return false
	}
	return near(f.MeanTemp, o.MeanTemp) && near(f.Delta, o.Delta)
}

func near(a, b *float64) bool {
	if a == nil || b == nil {
		return true
	}
	return math.Abs(*a-*b) <= DuplicateTolerance
}

// duplicateDetector finds the stored scan an incoming report duplicates.
type duplicateDetector struct {
	store Store
}

// find returns the scan r should be merged into, if any. Reports carrying an
// explicit alert code or no device identity never merge, and archived scans
// are not merge targets.
func (d *duplicateDetector) find(ctx context.Context, r *Report) (*Scan, bool, error) {
	if r.ExplicitAlert || r.DeviceID == "" {
		return nil, false, nil
	}
	prev, ok, err := d.store.LatestScanForDevice(ctx, r.DeviceID, r.Timestamp.Add(-DuplicateWindow))
	if err != nil || !ok {
		return nil, false, err
	}
	if prev.Status == ScanArchived {
		return nil, false, nil
	}
	if r.Timestamp.Sub(prev.Timestamp).Abs() >= DuplicateWindow {
		return nil, false, nil
	}
	if !r.Fingerprint().Same(FingerprintOf(prev)) {
		return nil, false, nil
	}
	return prev, true, nil
}
