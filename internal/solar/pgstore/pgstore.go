// Package pgstore provides a PostgreSQL implementation of solar.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/solarwatch/internal/solar"
)

var tracer = otel.Tracer("github.com/linnemanlabs/solarwatch/internal/solar/pgstore")

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// dbtx is the query surface shared by the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists solar records in PostgreSQL. A Store handed to an InTx
// callback is bound to that transaction.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
	tx   pgx.Tx
}

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span and returns it.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// mapErr turns unique violations into solar.ErrConflict.
func mapErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", what, solar.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// InTx runs fn inside one database transaction. Nested calls join the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx solar.Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	ctx, span := startSpan(ctx, "InTx", "TRANSACTION")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(ctx, &Store{pool: s.pool, db: tx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// insert runs a statement that may violate a unique index. Inside a
// transaction it runs under a savepoint so a conflict leaves the outer
// transaction usable for a retry.
func (s *Store) insert(ctx context.Context, what, query string, args ...any) error {
	if s.tx == nil {
		if _, err := s.db.Exec(ctx, query, args...); err != nil {
			return mapErr(err, what)
		}
		return nil
	}

	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, query, args...); err != nil {
		_ = sp.Rollback(ctx)
		return mapErr(err, what)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// write runs fn in the bound transaction, or in a fresh one.
func (s *Store) write(ctx context.Context, fn func(st *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(&Store{pool: s.pool, db: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func expectOne(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return solar.ErrNotFound
	}
	return nil
}

func listStrings(ctx context.Context, db dbtx, query string, args ...any) ([]string, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// --- scans ---

const scanColumns = `id, ts, priority, status, thermal_min, thermal_max, thermal_mean,
	thermal_delta, thermal_risk_score, thermal_severity, dusty_panel_count, clean_panel_count,
	total_panels, device_id, device_name, alert_code, panel_code, row_number,
	thermal_image_url, rgb_image_url, created_at, updated_at`

const detectionColumns = `id, scan_id, panel_number, status, x1, y1, x2, y2,
	confidence, fault_type, crop_image_url, created_at`

// CreateScan inserts a scan and its detections.
func (s *Store) CreateScan(ctx context.Context, sc *solar.Scan) error {
	ctx, span := startSpan(ctx, "CreateScan", "INSERT")
	defer span.End()

	err := s.write(ctx, func(st *Store) error {
		th := sc.Thermal
		if err := st.insert(ctx, "insert scan",
			`INSERT INTO scans (`+scanColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
			sc.ID, sc.Timestamp, sc.Priority, string(sc.Status), th.MinTemp, th.MaxTemp, th.MeanTemp,
			th.Delta, th.RiskScore, th.Severity, sc.DustyPanelCount, sc.CleanPanelCount,
			sc.TotalPanels, sc.DeviceID, sc.DeviceName, sc.AlertCode, sc.PanelCode, sc.RowNumber,
			sc.ThermalImageURL, sc.RGBImageURL, sc.CreatedAt, sc.UpdatedAt,
		); err != nil {
			return err
		}
		return st.insertDetections(ctx, sc.ID, sc.Detections)
	})
	if err != nil {
		return fail(span, err)
	}
	return nil
}

func (s *Store) insertDetections(ctx context.Context, scanID string, dets []solar.PanelDetection) error {
	for i := range dets {
		d := &dets[i]
		_, err := s.db.Exec(ctx,
			`INSERT INTO panel_detections (id, scan_id, seq, panel_number, status, x1, y1, x2, y2,
				confidence, fault_type, crop_image_url, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			d.ID, scanID, i, d.PanelNumber, string(d.Status), d.X1, d.Y1, d.X2, d.Y2,
			d.Confidence, d.FaultType, d.CropImageURL, d.CreatedAt,
		)
		if err != nil {
			return mapErr(err, "insert detection "+strconv.Itoa(i))
		}
	}
	return nil
}

// UpdateScan replaces a scan's fields, keeping its stored detections.
func (s *Store) UpdateScan(ctx context.Context, sc *solar.Scan) error {
	ctx, span := startSpan(ctx, "UpdateScan", "UPDATE")
	defer span.End()

	th := sc.Thermal
	tag, err := s.db.Exec(ctx,
		`UPDATE scans SET ts=$2, priority=$3, status=$4, thermal_min=$5, thermal_max=$6,
			thermal_mean=$7, thermal_delta=$8, thermal_risk_score=$9, thermal_severity=$10,
			dusty_panel_count=$11, clean_panel_count=$12, total_panels=$13, device_id=$14,
			device_name=$15, alert_code=$16, panel_code=$17, row_number=$18,
			thermal_image_url=$19, rgb_image_url=$20, updated_at=$21
		 WHERE id=$1`,
		sc.ID, sc.Timestamp, sc.Priority, string(sc.Status), th.MinTemp, th.MaxTemp,
		th.MeanTemp, th.Delta, th.RiskScore, th.Severity,
		sc.DustyPanelCount, sc.CleanPanelCount, sc.TotalPanels, sc.DeviceID,
		sc.DeviceName, sc.AlertCode, sc.PanelCode, sc.RowNumber,
		sc.ThermalImageURL, sc.RGBImageURL, sc.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update scan: %w", err))
	}
	if err := expectOne(tag); err != nil {
		return err
	}
	return nil
}

// SetScanStatus changes a scan's status.
func (s *Store) SetScanStatus(ctx context.Context, id string, status solar.ScanStatus, at time.Time) error {
	ctx, span := startSpan(ctx, "SetScanStatus", "UPDATE")
	defer span.End()

	tag, err := s.db.Exec(ctx, `UPDATE scans SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), at)
	if err != nil {
		return fail(span, fmt.Errorf("set scan status: %w", err))
	}
	return expectOne(tag)
}

// ReplaceDetections swaps a scan's detections wholesale.
func (s *Store) ReplaceDetections(ctx context.Context, scanID string, dets []solar.PanelDetection) error {
	ctx, span := startSpan(ctx, "ReplaceDetections", "UPDATE")
	defer span.End()

	err := s.write(ctx, func(st *Store) error {
		var exists bool
		if err := st.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scans WHERE id=$1)`, scanID).Scan(&exists); err != nil {
			return fmt.Errorf("check scan: %w", err)
		}
		if !exists {
			return solar.ErrNotFound
		}
		if _, err := st.db.Exec(ctx, `DELETE FROM panel_detections WHERE scan_id=$1`, scanID); err != nil {
			return fmt.Errorf("delete detections: %w", err)
		}
		return st.insertDetections(ctx, scanID, dets)
	})
	if err != nil && !errors.Is(err, solar.ErrNotFound) {
		return fail(span, err)
	}
	return err
}

// GetScan retrieves a scan with its detections.
func (s *Store) GetScan(ctx context.Context, id string) (*solar.Scan, bool, error) {
	ctx, span := startSpan(ctx, "GetScan", "SELECT")
	defer span.End()

	return s.oneScan(ctx, span, `SELECT `+scanColumns+` FROM scans WHERE id=$1`, id)
}

// LatestScan returns the scan with the newest timestamp.
func (s *Store) LatestScan(ctx context.Context) (*solar.Scan, bool, error) {
	ctx, span := startSpan(ctx, "LatestScan", "SELECT")
	defer span.End()

	return s.oneScan(ctx, span, `SELECT `+scanColumns+` FROM scans ORDER BY ts DESC, id DESC LIMIT 1`)
}

// LatestScanForDevice returns the device's newest scan timestamped at or after since.
func (s *Store) LatestScanForDevice(ctx context.Context, deviceID string, since time.Time) (*solar.Scan, bool, error) {
	ctx, span := startSpan(ctx, "LatestScanForDevice", "SELECT")
	defer span.End()

	return s.oneScan(ctx, span,
		`SELECT `+scanColumns+` FROM scans WHERE device_id=$1 AND ts >= $2 ORDER BY ts DESC, id DESC LIMIT 1`,
		deviceID, since)
}

// ListScans returns scans newest first. Limit <= 0 means no limit.
func (s *Store) ListScans(ctx context.Context, f solar.ScanFilter) ([]*solar.Scan, error) {
	ctx, span := startSpan(ctx, "ListScans", "SELECT")
	defer span.End()

	query := `SELECT ` + scanColumns + ` FROM scans`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` WHERE status=$1`
	}
	query += ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	scans, err := s.queryScans(ctx, query, args...)
	if err != nil {
		return nil, fail(span, err)
	}
	return scans, nil
}

// CountScansForAlert counts scans referencing code timestamped at or after since.
func (s *Store) CountScansForAlert(ctx context.Context, code string, since time.Time) (int, error) {
	ctx, span := startSpan(ctx, "CountScansForAlert", "SELECT")
	defer span.End()

	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM scans WHERE alert_code=$1 AND ts >= $2`, code, since,
	).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count scans: %w", err))
	}
	return n, nil
}

// RelinkScans rewrites the alert code on every scan referencing oldCode.
func (s *Store) RelinkScans(ctx context.Context, oldCode, newCode string) error {
	ctx, span := startSpan(ctx, "RelinkScans", "UPDATE")
	defer span.End()

	if _, err := s.db.Exec(ctx, `UPDATE scans SET alert_code=$2 WHERE alert_code=$1`, oldCode, newCode); err != nil {
		return fail(span, fmt.Errorf("relink scans: %w", err))
	}
	return nil
}

// DeleteScan removes a scan. Detections go with it.
func (s *Store) DeleteScan(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "DeleteScan", "DELETE")
	defer span.End()

	tag, err := s.db.Exec(ctx, `DELETE FROM scans WHERE id=$1`, id)
	if err != nil {
		return fail(span, fmt.Errorf("delete scan: %w", err))
	}
	return expectOne(tag)
}

func (s *Store) oneScan(ctx context.Context, span trace.Span, query string, args ...any) (*solar.Scan, bool, error) {
	scans, err := s.queryScans(ctx, query, args...)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if len(scans) == 0 {
		return nil, false, nil
	}
	return scans[0], true, nil
}

// queryScans runs a scan query and attaches each scan's detections.
func (s *Store) queryScans(ctx context.Context, query string, args ...any) ([]*solar.Scan, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	scans, err := pgx.CollectRows(rows, scanScanRow)
	if err != nil {
		return nil, fmt.Errorf("scan scans: %w", err)
	}
	if len(scans) == 0 {
		return nil, nil
	}

	ids := make([]string, len(scans))
	byID := make(map[string]*solar.Scan, len(scans))
	for i, sc := range scans {
		ids[i] = sc.ID
		byID[sc.ID] = sc
	}

	rows, err = s.db.Query(ctx,
		`SELECT `+detectionColumns+` FROM panel_detections WHERE scan_id = ANY($1) ORDER BY scan_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	dets, err := pgx.CollectRows(rows, scanDetectionRow)
	if err != nil {
		return nil, fmt.Errorf("scan detections: %w", err)
	}
	for _, d := range dets {
		if sc, ok := byID[d.ScanID]; ok {
			sc.Detections = append(sc.Detections, d)
		}
	}
	return scans, nil
}

func scanScanRow(row pgx.CollectableRow) (*solar.Scan, error) {
	var (
		sc     solar.Scan
		status string
	)
	th := &sc.Thermal
	err := row.Scan(
		&sc.ID, &sc.Timestamp, &sc.Priority, &status, &th.MinTemp, &th.MaxTemp, &th.MeanTemp,
		&th.Delta, &th.RiskScore, &th.Severity, &sc.DustyPanelCount, &sc.CleanPanelCount,
		&sc.TotalPanels, &sc.DeviceID, &sc.DeviceName, &sc.AlertCode, &sc.PanelCode, &sc.RowNumber,
		&sc.ThermalImageURL, &sc.RGBImageURL, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sc.Status = solar.ScanStatus(status)
	sc.Timestamp = sc.Timestamp.UTC()
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return &sc, nil
}

func scanDetectionRow(row pgx.CollectableRow) (solar.PanelDetection, error) {
	var (
		d      solar.PanelDetection
		status string
	)
	err := row.Scan(
		&d.ID, &d.ScanID, &d.PanelNumber, &status, &d.X1, &d.Y1, &d.X2, &d.Y2,
		&d.Confidence, &d.FaultType, &d.CropImageURL, &d.CreatedAt,
	)
	d.Status = solar.DetectionStatus(status)
	d.CreatedAt = d.CreatedAt.UTC()
	return d, err
}

// --- alerts ---

const alertColumns = `id, code, zone, row_number, status, message, dismissed, dismissed_at,
	scan_id, ticket_id, created_at, updated_at`

const activeAlertOrder = ` ORDER BY created_at DESC, code DESC`

// CreateAlert inserts an alert. Codes are unique across all alerts.
func (s *Store) CreateAlert(ctx context.Context, a *solar.Alert) error {
	ctx, span := startSpan(ctx, "CreateAlert", "INSERT")
	defer span.End()

	err := s.insert(ctx, "insert alert",
		`INSERT INTO alerts (`+alertColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.Code, a.Zone, a.Row, string(a.Status), a.Message, a.Dismissed, a.DismissedAt,
		a.ScanID, a.TicketID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// UpdateAlert replaces a stored alert.
func (s *Store) UpdateAlert(ctx context.Context, a *solar.Alert) error {
	ctx, span := startSpan(ctx, "UpdateAlert", "UPDATE")
	defer span.End()

	var tag pgconn.CommandTag
	err := s.write(ctx, func(st *Store) error {
		sp, err := st.tx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("savepoint: %w", err)
		}
		tag, err = sp.Exec(ctx,
			`UPDATE alerts SET code=$2, zone=$3, row_number=$4, status=$5, message=$6, dismissed=$7,
				dismissed_at=$8, scan_id=$9, ticket_id=$10, updated_at=$11
			 WHERE id=$1`,
			a.ID, a.Code, a.Zone, a.Row, string(a.Status), a.Message, a.Dismissed,
			a.DismissedAt, a.ScanID, a.TicketID, a.UpdatedAt,
		)
		if err != nil {
			_ = sp.Rollback(ctx)
			return mapErr(err, "update alert")
		}
		return sp.Commit(ctx)
	})
	if err != nil {
		return fail(span, err)
	}
	return expectOne(tag)
}

// GetAlert retrieves an alert by ID, dismissed or not.
func (s *Store) GetAlert(ctx context.Context, id string) (*solar.Alert, bool, error) {
	ctx, span := startSpan(ctx, "GetAlert", "SELECT")
	defer span.End()

	return s.oneAlert(ctx, span, `SELECT `+alertColumns+` FROM alerts WHERE id=$1`, id)
}

// ActiveAlertByCode returns the newest active alert with code.
func (s *Store) ActiveAlertByCode(ctx context.Context, code string) (*solar.Alert, bool, error) {
	ctx, span := startSpan(ctx, "ActiveAlertByCode", "SELECT")
	defer span.End()

	return s.oneAlert(ctx, span,
		`SELECT `+alertColumns+` FROM alerts WHERE NOT dismissed AND code=$1`+activeAlertOrder+` LIMIT 1`, code)
}

// ActiveAlertByRow returns the newest active alert for row.
func (s *Store) ActiveAlertByRow(ctx context.Context, row int) (*solar.Alert, bool, error) {
	ctx, span := startSpan(ctx, "ActiveAlertByRow", "SELECT")
	defer span.End()

	return s.oneAlert(ctx, span,
		`SELECT `+alertColumns+` FROM alerts WHERE NOT dismissed AND row_number=$1 AND code <> ''`+activeAlertOrder+` LIMIT 1`, row)
}

// ActiveAlertByScan returns the newest active alert raised by scanID.
func (s *Store) ActiveAlertByScan(ctx context.Context, scanID string) (*solar.Alert, bool, error) {
	ctx, span := startSpan(ctx, "ActiveAlertByScan", "SELECT")
	defer span.End()

	return s.oneAlert(ctx, span,
		`SELECT `+alertColumns+` FROM alerts WHERE NOT dismissed AND scan_id=$1`+activeAlertOrder+` LIMIT 1`, scanID)
}

// ListActiveAlerts returns non-dismissed alerts, newest first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]*solar.Alert, error) {
	ctx, span := startSpan(ctx, "ListActiveAlerts", "SELECT")
	defer span.End()

	alerts, err := s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts WHERE NOT dismissed`+activeAlertOrder)
	if err != nil {
		return nil, fail(span, err)
	}
	return alerts, nil
}

// ListAlertCodes returns every alert code starting with prefix.
func (s *Store) ListAlertCodes(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := startSpan(ctx, "ListAlertCodes", "SELECT")
	defer span.End()

	out, err := listStrings(ctx, s.db, `SELECT code FROM alerts WHERE code LIKE $1`, likePrefix(prefix))
	if err != nil {
		return nil, fail(span, fmt.Errorf("list alert codes: %w", err))
	}
	return out, nil
}

// DismissAlerts dismisses active alerts for zone/row, optionally only those with status.
func (s *Store) DismissAlerts(ctx context.Context, zone string, row int, status solar.AlertStatus, at time.Time) (int, error) {
	ctx, span := startSpan(ctx, "DismissAlerts", "UPDATE")
	defer span.End()

	tag, err := s.db.Exec(ctx,
		`UPDATE alerts SET dismissed=TRUE, dismissed_at=$4, updated_at=$4
		 WHERE NOT dismissed AND zone=$1 AND row_number=$2 AND ($3 = '' OR status=$3)`,
		zone, row, string(status), at,
	)
	if err != nil {
		return 0, fail(span, fmt.Errorf("dismiss alerts: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAlert hard-deletes an alert.
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "DeleteAlert", "DELETE")
	defer span.End()

	tag, err := s.db.Exec(ctx, `DELETE FROM alerts WHERE id=$1`, id)
	if err != nil {
		return fail(span, fmt.Errorf("delete alert: %w", err))
	}
	return expectOne(tag)
}

func (s *Store) oneAlert(ctx context.Context, span trace.Span, query string, args ...any) (*solar.Alert, bool, error) {
	alerts, err := s.queryAlerts(ctx, query, args...)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if len(alerts) == 0 {
		return nil, false, nil
	}
	return alerts[0], true, nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]*solar.Alert, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	alerts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*solar.Alert, error) {
		var (
			a      solar.Alert
			status string
		)
		err := row.Scan(&a.ID, &a.Code, &a.Zone, &a.Row, &status, &a.Message, &a.Dismissed,
			&a.DismissedAt, &a.ScanID, &a.TicketID, &a.CreatedAt, &a.UpdatedAt)
		a.Status = solar.AlertStatus(status)
		a.DismissedAt = utcPtr(a.DismissedAt)
		a.CreatedAt = a.CreatedAt.UTC()
		a.UpdatedAt = a.UpdatedAt.UTC()
		return &a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan alerts: %w", err)
	}
	return alerts, nil
}

// --- panels ---

const panelColumns = `id, code, zone, row_number, column_number, status, last_checked`

// CreatePanel inserts a panel. Panel codes are unique.
func (s *Store) CreatePanel(ctx context.Context, p *solar.Panel) error {
	ctx, span := startSpan(ctx, "CreatePanel", "INSERT")
	defer span.End()

	err := s.insert(ctx, "insert panel",
		`INSERT INTO panels (`+panelColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.Code, p.Zone, p.Row, p.Column, p.Status, p.LastChecked,
	)
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// GetPanelByCode retrieves a panel by its code.
func (s *Store) GetPanelByCode(ctx context.Context, code string) (*solar.Panel, bool, error) {
	ctx, span := startSpan(ctx, "GetPanelByCode", "SELECT")
	defer span.End()

	return s.onePanel(ctx, span, `SELECT `+panelColumns+` FROM panels WHERE code=$1`, code)
}

// LatestPanel returns the most recently checked panel, skipping offline
// panels when excludeOffline is set.
func (s *Store) LatestPanel(ctx context.Context, excludeOffline bool) (*solar.Panel, bool, error) {
	ctx, span := startSpan(ctx, "LatestPanel", "SELECT")
	defer span.End()

	return s.onePanel(ctx, span,
		`SELECT `+panelColumns+` FROM panels WHERE NOT ($1 AND status=$2)
		 ORDER BY last_checked DESC, code ASC LIMIT 1`,
		excludeOffline, solar.PanelOffline)
}

// ListPanels returns every panel ordered by code.
func (s *Store) ListPanels(ctx context.Context) ([]*solar.Panel, error) {
	ctx, span := startSpan(ctx, "ListPanels", "SELECT")
	defer span.End()

	panels, err := s.queryPanels(ctx, `SELECT `+panelColumns+` FROM panels ORDER BY code`)
	if err != nil {
		return nil, fail(span, err)
	}
	return panels, nil
}

func (s *Store) onePanel(ctx context.Context, span trace.Span, query string, args ...any) (*solar.Panel, bool, error) {
	panels, err := s.queryPanels(ctx, query, args...)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if len(panels) == 0 {
		return nil, false, nil
	}
	return panels[0], true, nil
}

func (s *Store) queryPanels(ctx context.Context, query string, args ...any) ([]*solar.Panel, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query panels: %w", err)
	}
	panels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*solar.Panel, error) {
		var p solar.Panel
		err := row.Scan(&p.ID, &p.Code, &p.Zone, &p.Row, &p.Column, &p.Status, &p.LastChecked)
		p.LastChecked = p.LastChecked.UTC()
		return &p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan panels: %w", err)
	}
	return panels, nil
}

// --- technicians ---

const technicianColumns = `id, name, email, status, skills, active_tickets, resolved_tickets`

// CreateTechnician inserts a technician.
func (s *Store) CreateTechnician(ctx context.Context, t *solar.Technician) error {
	ctx, span := startSpan(ctx, "CreateTechnician", "INSERT")
	defer span.End()

	skills := t.Skills
	if skills == nil {
		skills = []string{}
	}
	err := s.insert(ctx, "insert technician",
		`INSERT INTO technicians (`+technicianColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.Name, t.Email, t.Status, skills, t.ActiveTickets, t.ResolvedTickets,
	)
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// GetTechnician retrieves a technician by ID.
func (s *Store) GetTechnician(ctx context.Context, id string) (*solar.Technician, bool, error) {
	ctx, span := startSpan(ctx, "GetTechnician", "SELECT")
	defer span.End()

	techs, err := s.queryTechnicians(ctx, `SELECT `+technicianColumns+` FROM technicians WHERE id=$1`, id)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if len(techs) == 0 {
		return nil, false, nil
	}
	return techs[0], true, nil
}

// ListTechnicians returns technicians ordered by name.
func (s *Store) ListTechnicians(ctx context.Context) ([]*solar.Technician, error) {
	ctx, span := startSpan(ctx, "ListTechnicians", "SELECT")
	defer span.End()

	techs, err := s.queryTechnicians(ctx, `SELECT `+technicianColumns+` FROM technicians ORDER BY name, id`)
	if err != nil {
		return nil, fail(span, err)
	}
	return techs, nil
}

// AdjustTechnicianCounters adds the deltas to a technician's counters.
// Counters never go below zero.
func (s *Store) AdjustTechnicianCounters(ctx context.Context, id string, activeDelta, resolvedDelta int) error {
	ctx, span := startSpan(ctx, "AdjustTechnicianCounters", "UPDATE")
	defer span.End()

	tag, err := s.db.Exec(ctx,
		`UPDATE technicians SET
			active_tickets = GREATEST(0, active_tickets + $2),
			resolved_tickets = GREATEST(0, resolved_tickets + $3)
		 WHERE id=$1`,
		id, activeDelta, resolvedDelta,
	)
	if err != nil {
		return fail(span, fmt.Errorf("adjust technician: %w", err))
	}
	return expectOne(tag)
}

func (s *Store) queryTechnicians(ctx context.Context, query string, args ...any) ([]*solar.Technician, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query technicians: %w", err)
	}
	techs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*solar.Technician, error) {
		var t solar.Technician
		err := row.Scan(&t.ID, &t.Name, &t.Email, &t.Status, &t.Skills, &t.ActiveTickets, &t.ResolvedTickets)
		if len(t.Skills) == 0 {
			t.Skills = nil
		}
		return &t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan technicians: %w", err)
	}
	return techs, nil
}

// --- faults ---

// CreateFault inserts a fault. Incident IDs are unique.
func (s *Store) CreateFault(ctx context.Context, f *solar.Fault) error {
	ctx, span := startSpan(ctx, "CreateFault", "INSERT")
	defer span.End()

	err := s.insert(ctx, "insert fault",
		`INSERT INTO faults (id, incident_id, panel_id, fault_type, severity, description,
			ai_confidence, ai_analysis, recommended_action, detected_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.ID, f.IncidentID, f.PanelID, f.FaultType, f.Severity, f.Description,
		f.AIConfidence, f.AIAnalysis, f.RecommendedAction, f.DetectedAt,
	)
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// ListIncidentIDs returns every incident ID starting with prefix.
func (s *Store) ListIncidentIDs(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := startSpan(ctx, "ListIncidentIDs", "SELECT")
	defer span.End()

	ids, err := listStrings(ctx, s.db, `SELECT incident_id FROM faults WHERE incident_id LIKE $1`, likePrefix(prefix))
	if err != nil {
		return nil, fail(span, fmt.Errorf("list incident ids: %w", err))
	}
	return ids, nil
}

// --- tickets ---

const ticketColumns = `id, ticket_number, panel_id, fault_id, status, priority, description,
	fault_type, assigned_technician_id, alert_code, zone, row_number, drone_image_url,
	thermal_image_url, ai_analysis, recommended_action, resolution_notes, resolution_cause,
	resolution_image_url, created_at, updated_at, resolved_at`

// CreateTicket inserts a ticket. Ticket numbers are unique.
func (s *Store) CreateTicket(ctx context.Context, t *solar.Ticket) error {
	ctx, span := startSpan(ctx, "CreateTicket", "INSERT")
	defer span.End()

	err := s.insert(ctx, "insert ticket",
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		t.ID, t.TicketNumber, t.PanelID, t.FaultID, string(t.Status), t.Priority, t.Description,
		t.FaultType, t.AssignedTechnicianID, t.AlertCode, t.Zone, t.Row, t.DroneImageURL,
		t.ThermalImageURL, t.AIAnalysis, t.RecommendedAction, t.ResolutionNotes, t.ResolutionCause,
		t.ResolutionImageURL, t.CreatedAt, t.UpdatedAt, t.ResolvedAt,
	)
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// UpdateTicket replaces a stored ticket. The ticket number is immutable.
func (s *Store) UpdateTicket(ctx context.Context, t *solar.Ticket) error {
	ctx, span := startSpan(ctx, "UpdateTicket", "UPDATE")
	defer span.End()

	tag, err := s.db.Exec(ctx,
		`UPDATE tickets SET panel_id=$2, fault_id=$3, status=$4, priority=$5, description=$6,
			fault_type=$7, assigned_technician_id=$8, alert_code=$9, zone=$10, row_number=$11,
			drone_image_url=$12, thermal_image_url=$13, ai_analysis=$14, recommended_action=$15,
			resolution_notes=$16, resolution_cause=$17, resolution_image_url=$18,
			updated_at=$19, resolved_at=$20
		 WHERE id=$1`,
		t.ID, t.PanelID, t.FaultID, string(t.Status), t.Priority, t.Description,
		t.FaultType, t.AssignedTechnicianID, t.AlertCode, t.Zone, t.Row,
		t.DroneImageURL, t.ThermalImageURL, t.AIAnalysis, t.RecommendedAction,
		t.ResolutionNotes, t.ResolutionCause, t.ResolutionImageURL,
		t.UpdatedAt, t.ResolvedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update ticket: %w", err))
	}
	return expectOne(tag)
}

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(ctx context.Context, id string) (*solar.Ticket, bool, error) {
	ctx, span := startSpan(ctx, "GetTicket", "SELECT")
	defer span.End()

	tickets, err := s.queryTickets(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1`, id)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if len(tickets) == 0 {
		return nil, false, nil
	}
	return tickets[0], true, nil
}

// ListTickets returns tickets matching f, newest first.
func (s *Store) ListTickets(ctx context.Context, f solar.TicketFilter) ([]*solar.Ticket, error) {
	ctx, span := startSpan(ctx, "ListTickets", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.RestrictIDs {
		ids := f.IDs
		if ids == nil {
			ids = []string{}
		}
		add("id = ANY($%d)", ids)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Priority != "" {
		add("priority = $%d", f.Priority)
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, ticket_number DESC`

	tickets, err := s.queryTickets(ctx, query, args...)
	if err != nil {
		return nil, fail(span, err)
	}
	return tickets, nil
}

// ListTicketNumbers returns every ticket number starting with prefix.
func (s *Store) ListTicketNumbers(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := startSpan(ctx, "ListTicketNumbers", "SELECT")
	defer span.End()

	nums, err := listStrings(ctx, s.db, `SELECT ticket_number FROM tickets WHERE ticket_number LIKE $1`, likePrefix(prefix))
	if err != nil {
		return nil, fail(span, fmt.Errorf("list ticket numbers: %w", err))
	}
	return nums, nil
}

// DeleteTicket hard-deletes a ticket.
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "DeleteTicket", "DELETE")
	defer span.End()

	tag, err := s.db.Exec(ctx, `DELETE FROM tickets WHERE id=$1`, id)
	if err != nil {
		return fail(span, fmt.Errorf("delete ticket: %w", err))
	}
	return expectOne(tag)
}

func (s *Store) queryTickets(ctx context.Context, query string, args ...any) ([]*solar.Ticket, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	tickets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*solar.Ticket, error) {
		var (
			t      solar.Ticket
			status string
		)
		err := row.Scan(
			&t.ID, &t.TicketNumber, &t.PanelID, &t.FaultID, &status, &t.Priority, &t.Description,
			&t.FaultType, &t.AssignedTechnicianID, &t.AlertCode, &t.Zone, &t.Row, &t.DroneImageURL,
			&t.ThermalImageURL, &t.AIAnalysis, &t.RecommendedAction, &t.ResolutionNotes, &t.ResolutionCause,
			&t.ResolutionImageURL, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt,
		)
		t.Status = solar.TicketStatus(status)
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		t.ResolvedAt = utcPtr(t.ResolvedAt)
		return &t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tickets: %w", err)
	}
	return tickets, nil
}

// --- events ---

// AppendEvent records an automation event.
func (s *Store) AppendEvent(ctx context.Context, e *solar.AutomationEvent) error {
	ctx, span := startSpan(ctx, "AppendEvent", "INSERT")
	defer span.End()

	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	err := s.insert(ctx, "insert event",
		`INSERT INTO automation_events (id, event_type, stage, incident_id, scan_id, alert_code,
			ticket_id, technician_id, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.EventType, e.Stage, e.IncidentID, e.ScanID, e.AlertCode,
		e.TicketID, e.TechnicianID, payload, e.CreatedAt,
	)
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// ListEventsByStage returns events for stage in append order.
func (s *Store) ListEventsByStage(ctx context.Context, stage string) ([]*solar.AutomationEvent, error) {
	ctx, span := startSpan(ctx, "ListEventsByStage", "SELECT")
	defer span.End()

	rows, err := s.db.Query(ctx,
		`SELECT id, event_type, stage, incident_id, scan_id, alert_code, ticket_id, technician_id,
			payload, created_at
		 FROM automation_events WHERE stage=$1 ORDER BY seq`, stage)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query events: %w", err))
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*solar.AutomationEvent, error) {
		var (
			e       solar.AutomationEvent
			payload []byte
		)
		err := row.Scan(&e.ID, &e.EventType, &e.Stage, &e.IncidentID, &e.ScanID, &e.AlertCode,
			&e.TicketID, &e.TechnicianID, &payload, &e.CreatedAt)
		if len(payload) > 0 {
			e.Payload = payload
		}
		e.CreatedAt = e.CreatedAt.UTC()
		return &e, err
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan events: %w", err))
	}
	return events, nil
}
