package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

type queryStateKey struct{}

// queryState is captured at query start and read back at query end.
type queryState struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type queryLevel int

const (
	levelSkip queryLevel = iota
	levelInfo
	levelWarn
	levelError
)

// queryTracer wraps otelpgx and logs store queries. With slow == 0 every
// query is logged at info. Otherwise only queries at or above slow are
// logged, as warnings. Failed queries are always logged as errors.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
	now   func() time.Time
}

func wrapQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return queryTracer{inner: inner, slow: slow, now: time.Now}
}

func (t queryTracer) level(err error, dur time.Duration) queryLevel {
	switch {
	case err != nil:
		return levelError
	case t.slow == 0:
		return levelInfo
	case dur >= t.slow:
		return levelWarn
	default:
		return levelSkip
	}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, args: data.Args, start: t.now()}
	st.caller, st.handler = storeCallSite()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	// otelpgx has opened the query span by now
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}

	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(queryStateKey{}).(*queryState)
	if st == nil {
		st = &queryState{}
	}
	var dur time.Duration
	if !st.start.IsZero() {
		dur = t.now().Sub(st.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := getQueryObserver(); obs != nil && dur > 0 {
		method, route, outcome := queryLabels(ctx, data.Err)
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	lvl := t.level(data.Err, dur)
	if lvl == levelSkip {
		return
	}

	L := log.FromContext(ctx)
	fields := queryFields(st, data, dur)
	switch lvl {
	case levelError:
		L.Error(ctx, data.Err, "db query failed", fields...)
	case levelWarn:
		L.Warn(ctx, "slow db query", append(fields, "db.slow_threshold", t.slow.Seconds())...)
	default:
		L.Info(ctx, "db query", fields...)
	}
}

// queryLabels returns the metric labels for one query.
func queryLabels(ctx context.Context, err error) (method, route, outcome string) {
	method, route, outcome = httpMethodFromContext(ctx), "", "ok"
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		// startup seeding and background automation run outside a request
		route = "unknown"
	}
	if err != nil {
		outcome = "error"
	}
	return method, route, outcome
}

func queryFields(st *queryState, data pgx.TraceQueryEndData, dur time.Duration) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.args", st.args,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		op, _, _ := strings.Cut(tag, " ")
		fields = append(fields,
			"db.operation.name", strings.ToUpper(op),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}

	// unique violations surface here when two scans race on the same row
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

// Frames that never name the code issuing a query.
var tracerFrames = []string{
	"runtime.",
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"postgres.queryTracer.",
}

// Store packages; the handler is the first frame outside them.
var storeFrames = []string{
	"github.com/linnemanlabs/solarwatch/internal/postgres.",
	"github.com/linnemanlabs/solarwatch/internal/solar/pgstore.",
}

// storeCallSite walks the stack for the store method issuing the query
// (caller) and the first solar service frame above it (handler).
func storeCallSite() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "" || matchesAny(fn, tracerFrames):
		case caller == "":
			caller = shortenFuncName(fn)
		case matchesAny(fn, storeFrames):
		default:
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func matchesAny(fn string, parts []string) bool {
	for _, p := range parts {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method: ".../pgstore.(*Store).GetScan" becomes "(*Store).GetScan".
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
