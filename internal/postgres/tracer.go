package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/worker"
)

var queryObserver atomic.Pointer[queryObserverHolder]

// slowQuery is the duration above which successful queries are logged.
// The outbox dispatcher polls continuously, so logging every query would
// drown everything else.
var slowQuery atomic.Int64

const (
	ctxKeySQL    ctxKey = "pgx.sql"
	ctxKeyStart  ctxKey = "pgx.start"
	ctxKeyCaller ctxKey = "db.caller"
)

type ctxKey string

type queryObserverHolder struct{ QueryObserver }

// loggingTracer wraps another pgx.QueryTracer (otelpgx in production) and
// adds caller attribution, metrics and slow/failed query logging.
type loggingTracer struct {
	inner pgx.QueryTracer
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, worker, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, worker, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, worker, operation, outcome string, dur time.Duration) {
	f(ctx, worker, operation, outcome, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

// SetSlowQueryThreshold sets the duration above which successful queries
// are logged. Zero logs every query; failed queries are always logged.
func SetSlowQueryThreshold(d time.Duration) {
	slowQuery.Store(int64(d))
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	if inner == nil {
		return loggingTracer{}
	}
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	start := time.Now()
	caller := findDBCaller()

	// Let inner tracer (otelpgx) create its span first.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	ctx = context.WithValue(ctx, ctxKeySQL, data.SQL)
	ctx = context.WithValue(ctx, ctxKeyStart, start)
	if caller != "" {
		ctx = context.WithValue(ctx, ctxKeyCaller, caller)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if caller != "" {
			span.SetAttributes(attribute.String("db.caller", caller))
		}
		if w := worker.From(ctx); w != "" {
			span.SetAttributes(attribute.String("klaxon.worker", w))
		}
	}

	return ctx
}

func (t loggingTracer) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	// Always call inner tracer first so spans are finished correctly.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	sql, _ := ctx.Value(ctxKeySQL).(string)
	start, _ := ctx.Value(ctxKeyStart).(time.Time)
	caller, _ := ctx.Value(ctxKeyCaller).(string)

	var dur time.Duration
	if !start.IsZero() {
		dur = time.Since(start)
	}

	op := operationName(data.CommandTag, sql)

	if obs := getQueryObserver(); obs != nil && dur > 0 {
		w := worker.From(ctx)
		if w == "" {
			w = "unknown"
		}
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, w, op, outcome, dur)
	}

	if data.Err == nil && dur < time.Duration(slowQuery.Load()) {
		return
	}

	fields := []any{
		"db.statement", sql,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
	}
	if data.Err == nil {
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if caller != "" {
		fields = append(fields, "db.caller", caller)
	}
	if w := worker.From(ctx); w != "" {
		fields = append(fields, "worker", w)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "slow db query", fields...)
}

// operationName returns the SQL verb, from the command tag when the query
// completed and from the statement text otherwise.
func operationName(tag pgconn.CommandTag, sql string) string {
	if s := strings.Fields(strings.TrimSpace(tag.String())); len(s) > 0 {
		return strings.ToUpper(s[0])
	}
	if s := strings.Fields(sql); len(s) > 0 {
		return strings.ToUpper(s[0])
	}
	return "UNKNOWN"
}

// findDBCaller walks the stack to the store method that issued the query.
func findDBCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		// Skip noise: runtime, pgx internals, otelpgx, tracer itself.
		skip := strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.Contains(fn, "github.com/linnemanlabs/klaxon/internal/postgres.")
		if !skip && fn != "" {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
