package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/go-core/log"
)

type logEntry struct {
	level string
	msg   string
	err   error
	kv    map[string]any
}

// recordLogger keeps every entry so tests can assert on level and fields.
type recordLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordLogger) add(level string, err error, msg string, kv []any) {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, err: err, kv: fields})
}

func (l *recordLogger) With(...any) log.Logger { return l }
func (l *recordLogger) Sync() error            { return nil }
func (l *recordLogger) Debug(_ context.Context, msg string, kv ...any) {
	l.add("debug", nil, msg, kv)
}
func (l *recordLogger) Info(_ context.Context, msg string, kv ...any) {
	l.add("info", nil, msg, kv)
}
func (l *recordLogger) Warn(_ context.Context, msg string, kv ...any) {
	l.add("warn", nil, msg, kv)
}
func (l *recordLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", err, msg, kv)
}

func (l *recordLogger) all() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), l.entries...)
}

// manualClock only moves when a test advances it.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracer(slow time.Duration) (queryTracer, *manualClock) {
	clk := &manualClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	return queryTracer{slow: slow, now: clk.Now}, clk
}

// runQuery drives one traced query that takes dur on the manual clock.
func runQuery(ctx context.Context, tr queryTracer, clk *manualClock, sql string, dur time.Duration, end pgx.TraceQueryEndData) {
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: sql, Args: []any{"PNL-A0201"}})
	clk.Advance(dur)
	tr.TraceQueryEnd(ctx, nil, end)
}

func TestQueryTracer_Level(t *testing.T) {
	t.Parallel()

	failed := errors.New("conn reset")
	tests := []struct {
		name string
		slow time.Duration
		err  error
		dur  time.Duration
		want queryLevel
	}{
		{"no threshold logs everything", 0, nil, time.Microsecond, levelInfo},
		{"under threshold skipped", 100 * time.Millisecond, nil, 99 * time.Millisecond, levelSkip},
		{"at threshold warns", 100 * time.Millisecond, nil, 100 * time.Millisecond, levelWarn},
		{"over threshold warns", 100 * time.Millisecond, nil, 2 * time.Second, levelWarn},
		{"fast failure still logged", time.Hour, failed, time.Microsecond, levelError},
		{"failure without threshold", 0, failed, 0, levelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := queryTracer{slow: tt.slow}
			if got := tr.level(tt.err, tt.dur); got != tt.want {
				t.Errorf("level(%v, %v) = %d, want %d", tt.err, tt.dur, got, tt.want)
			}
		})
	}
}

func TestQueryTracer_SlowQueryWarns(t *testing.T) {
	t.Parallel()

	rec := &recordLogger{}
	ctx := log.WithContext(context.Background(), rec)
	tr, clk := newTestTracer(100 * time.Millisecond)

	runQuery(ctx, tr, clk, "UPDATE panels SET status = $1 WHERE code = $2", 250*time.Millisecond,
		pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 2")})

	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1: %+v", len(entries), entries)
	}
	e := entries[0]
	if e.level != "warn" || e.msg != "slow db query" {
		t.Fatalf("entry = %s %q, want warn %q", e.level, e.msg, "slow db query")
	}
	want := map[string]any{
		"db.statement":      "UPDATE panels SET status = $1 WHERE code = $2",
		"db.duration":       0.25,
		"db.slow_threshold": 0.1,
		"db.operation.name": "UPDATE",
		"pg.command_tag":    "UPDATE 2",
		"db.rows":           int64(2),
	}
	for k, v := range want {
		if e.kv[k] != v {
			t.Errorf("%s = %v (%T), want %v", k, e.kv[k], e.kv[k], v)
		}
	}
}

func TestQueryTracer_FastQueryNotLogged(t *testing.T) {
	t.Parallel()

	rec := &recordLogger{}
	ctx := NewReqDBStatsContext(log.WithContext(context.Background(), rec))
	tr, clk := newTestTracer(100 * time.Millisecond)

	runQuery(ctx, tr, clk, "SELECT * FROM alerts WHERE zone = $1", 10*time.Millisecond, pgx.TraceQueryEndData{})

	if entries := rec.all(); len(entries) != 0 {
		t.Errorf("fast query logged: %+v", entries)
	}
	// request stats still see queries below the log threshold
	stats, _ := ReqDBStatsFromContext(ctx)
	count, total, errs := stats.Snapshot()
	if count != 1 || total != 10*time.Millisecond || errs != 0 {
		t.Errorf("stats = %d queries, %v, %d errors", count, total, errs)
	}
}

func TestQueryTracer_EveryQueryWithoutThreshold(t *testing.T) {
	t.Parallel()

	rec := &recordLogger{}
	ctx := log.WithContext(context.Background(), rec)
	tr, clk := newTestTracer(0)

	runQuery(ctx, tr, clk, "SELECT 1", time.Millisecond, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	entries := rec.all()
	if len(entries) != 1 || entries[0].level != "info" || entries[0].msg != "db query" {
		t.Fatalf("entries = %+v", entries)
	}
	if _, ok := entries[0].kv["db.slow_threshold"]; ok {
		t.Error("info entry should not carry db.slow_threshold")
	}
}

func TestQueryTracer_FailureAlwaysLogged(t *testing.T) {
	t.Parallel()

	rec := &recordLogger{}
	ctx := NewReqDBStatsContext(log.WithContext(context.Background(), rec))
	tr, clk := newTestTracer(time.Hour)

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "tickets_ticket_number_key"}
	runQuery(ctx, tr, clk, "INSERT INTO tickets (ticket_number) VALUES ($1)", time.Millisecond,
		pgx.TraceQueryEndData{Err: pgErr})

	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.level != "error" || e.msg != "db query failed" || !errors.Is(e.err, pgErr) {
		t.Errorf("entry = %+v", e)
	}
	if e.kv["db.error_code"] != "23505" || e.kv["db.error_constraint"] != "tickets_ticket_number_key" {
		t.Errorf("pg error fields = %v / %v", e.kv["db.error_code"], e.kv["db.error_constraint"])
	}
	stats, _ := ReqDBStatsFromContext(ctx)
	if _, _, errs := stats.Snapshot(); errs != 1 {
		t.Errorf("ErrorCount = %d, want 1", errs)
	}
}

func TestQueryTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	var gotMethod, gotRoute, gotOutcome string
	var gotDur time.Duration
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, dur time.Duration) {
		gotMethod, gotRoute, gotOutcome, gotDur = method, route, outcome, dur
	}))

	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{"/api/v1/tickets/{id}"}
	ctx := context.WithValue(WithHTTPMethod(context.Background(), http.MethodPatch), chi.RouteCtxKey, rc)

	// slow filtering applies to logs only, metrics see every query
	tr, clk := newTestTracer(time.Hour)
	runQuery(ctx, tr, clk, "UPDATE tickets SET status = $1", 40*time.Millisecond, pgx.TraceQueryEndData{})

	if gotMethod != http.MethodPatch || gotRoute != "/api/v1/tickets/{id}" || gotOutcome != "ok" {
		t.Errorf("observed %q %q %q", gotMethod, gotRoute, gotOutcome)
	}
	if gotDur != 40*time.Millisecond {
		t.Errorf("observed duration %v, want 40ms", gotDur)
	}
}

func TestQueryLabels(t *testing.T) {
	t.Parallel()

	routed := chi.NewRouteContext()
	routed.RoutePatterns = []string{"/api/v1/scans/"}

	tests := []struct {
		name                   string
		ctx                    context.Context
		err                    error
		method, route, outcome string
	}{
		{"background seeding", context.Background(), nil, "UNKNOWN", "unknown", "ok"},
		{"ingest request", context.WithValue(WithHTTPMethod(context.Background(), "POST"), chi.RouteCtxKey, routed), nil, "POST", "/api/v1/scans/", "ok"},
		{"failed query", WithHTTPMethod(context.Background(), "GET"), errors.New("boom"), "GET", "unknown", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			method, route, outcome := queryLabels(tt.ctx, tt.err)
			if method != tt.method || route != tt.route || outcome != tt.outcome {
				t.Errorf("queryLabels = %q %q %q, want %q %q %q", method, route, outcome, tt.method, tt.route, tt.outcome)
			}
		})
	}
}

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"github.com/linnemanlabs/solarwatch/internal/solar/pgstore.(*Store).GetScan", "(*Store).GetScan"},
		{"github.com/linnemanlabs/solarwatch/internal/solar.(*Service).IngestScan", "(*Service).IngestScan"},
		{"pgstore.(*Store).ActiveAlerts", "(*Store).ActiveAlerts"},
		{"solar.alertZone", "alertZone"},
		{"main", "main"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := shortenFuncName(tt.in); got != tt.want {
			t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRequestQueries(t *testing.T) {
	t.Parallel()

	tr, clk := newTestTracer(time.Hour)
	var method string
	h := RequestQueries(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = httpMethodFromContext(r.Context())
		if r.URL.Path == "/api/v1/scans" {
			runQuery(r.Context(), tr, clk, "SELECT * FROM scans", 3*time.Millisecond, pgx.TraceQueryEndData{})
			runQuery(r.Context(), tr, clk, "SELECT * FROM panels", 2*time.Millisecond, pgx.TraceQueryEndData{Err: errors.New("timeout")})
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := &recordLogger{}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans", nil)
	req = req.WithContext(log.WithContext(req.Context(), rec))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if method != http.MethodGet {
		t.Errorf("method in context = %q", method)
	}
	var summary *logEntry
	for _, e := range rec.all() {
		if e.msg == "request db queries" {
			summary = &e
		}
	}
	if summary == nil {
		t.Fatalf("no request summary in %+v", rec.all())
	}
	if summary.level != "debug" || summary.kv["db.query_count"] != 2 || summary.kv["db.query_errors"] != 1 {
		t.Errorf("summary = %+v", *summary)
	}

	// health checks and other handlers that never query stay quiet
	quiet := &recordLogger{}
	req = httptest.NewRequest(http.MethodGet, "/-/ready", nil)
	req = req.WithContext(log.WithContext(req.Context(), quiet))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if entries := quiet.all(); len(entries) != 0 {
		t.Errorf("query-free request logged %+v", entries)
	}
}

func TestReqDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}
	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "")); got != "" {
		t.Errorf("empty method stored as %q", got)
	}
}
