package solar

import (
	"context"
	"fmt"
	"strings"
)

// ScanStats summarizes stored scans.
type ScanStats struct {
	Total           int     `json:"totalScans"`
	Pending         int     `json:"pendingScans"`
	Processed       int     `json:"processedScans"`
	Critical        int     `json:"criticalScans"`
	HighRisk        int     `json:"highRiskScans"`
	AvgThermalDelta float64 `json:"avgThermalDelta"`
}

// ListScans returns scans newest first. A zero limit selects DefaultScanLimit.
func (s *Service) ListScans(ctx context.Context, f ScanFilter) ([]*Scan, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultScanLimit
	}
	scans, err := s.store.ListScans(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	s.withAlertContext(ctx, scans...)
	return scans, nil
}

// LatestScan returns the most recent scan.
func (s *Service) LatestScan(ctx context.Context) (*Scan, bool, error) {
	scan, ok, err := s.store.LatestScan(ctx)
	if err != nil || !ok {
		return nil, ok, err
	}
	s.withAlertContext(ctx, scan)
	return scan, true, nil
}

// GetScan returns one scan.
func (s *Service) GetScan(ctx context.Context, id string) (*Scan, bool, error) {
	scan, ok, err := s.store.GetScan(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	s.withAlertContext(ctx, scan)
	return scan, true, nil
}

// SetScanStatus is the operator override of a scan's status, and the only
// way to archive one.
func (s *Service) SetScanStatus(ctx context.Context, id, status string) (*Scan, error) {
	st := ScanStatus(strings.ToLower(strings.TrimSpace(status)))
	if st == "" {
		return nil, &ValidationError{Fields: []string{"status"}}
	}
	if !st.Valid() {
		return nil, fmt.Errorf("scan status %q: %w", status, ErrInvalidStatus)
	}
	if err := s.store.SetScanStatus(ctx, id, st, s.clock.Now()); err != nil {
		return nil, err
	}
	scan, ok, err := s.store.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return scan, nil
}

// DeleteScan removes a scan and its detections.
func (s *Service) DeleteScan(ctx context.Context, id string) error {
	if err := s.store.DeleteScan(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "scan deleted", "scan_id", id)
	return nil
}

// Stats aggregates every stored scan.
func (s *Service) Stats(ctx context.Context) (*ScanStats, error) {
	scans, err := s.store.ListScans(ctx, ScanFilter{})
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	st := &ScanStats{Total: len(scans)}
	var deltaSum float64
	var deltas int
	for _, sc := range scans {
		switch sc.Status {
		case ScanPending:
			st.Pending++
		case ScanProcessed:
			st.Processed++
		}
		switch NormalizeSeverity(sc.Thermal.Severity) {
		case SeverityCritical:
			st.Critical++
			st.HighRisk++
		case SeverityHigh:
			st.HighRisk++
		}
		if sc.Thermal.Delta != nil {
			deltaSum += *sc.Thermal.Delta
			deltas++
		}
	}
	if deltas > 0 {
		st.AvgThermalDelta = deltaSum / float64(deltas)
	}
	return st, nil
}

// withAlertContext fills a missing alert code or row from the active alert
// raised by the scan, or the active alert its code names.
func (s *Service) withAlertContext(ctx context.Context, scans ...*Scan) {
	for _, sc := range scans {
		if sc.AlertCode != "" && sc.RowNumber != nil {
			continue
		}
		a, ok, err := s.store.ActiveAlertByScan(ctx, sc.ID)
		if (err != nil || !ok) && sc.AlertCode != "" {
			a, ok, err = s.store.ActiveAlertByCode(ctx, sc.AlertCode)
		}
		if err != nil {
			s.logger.Warn(ctx, "alert context lookup failed", "scan_id", sc.ID, "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		if sc.AlertCode == "" {
			sc.AlertCode = a.Code
		}
		if sc.RowNumber == nil {
			row := a.Row
			sc.RowNumber = &row
		}
	}
}
