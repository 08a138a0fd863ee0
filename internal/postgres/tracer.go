package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const modulePrefix = "github.com/linnemanlabs/ermct/"

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, caller, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, caller, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, caller, outcome string, dur time.Duration) {
	f(ctx, operation, caller, outcome, dur)
}

type queryKey struct{}

// queryRecord is carried from TraceQueryStart to TraceQueryEnd.
type queryRecord struct {
	sql    string
	start  time.Time
	caller string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line and an observer callback for every query.
type queryTracer struct {
	inner    pgx.QueryTracer
	observer QueryObserver
	slow     time.Duration
	now      func() time.Time
}

func newQueryTracer(inner pgx.QueryTracer, observer QueryObserver, slow time.Duration) *queryTracer {
	return &queryTracer{inner: inner, observer: observer, slow: slow, now: time.Now}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	rec := &queryRecord{sql: data.SQL, start: t.now(), caller: findCaller()}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && rec.caller != "" {
		span.SetAttributes(attribute.String("db.caller", rec.caller))
	}
	return context.WithValue(ctx, queryKey{}, rec)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	rec, _ := ctx.Value(queryKey{}).(*queryRecord)
	if rec == nil {
		return
	}
	dur := t.now().Sub(rec.start)
	op := operationName(data.CommandTag.String(), rec.sql)

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if t.observer != nil {
		caller := rec.caller
		if caller == "" {
			caller = "unknown"
		}
		t.observer.ObserveQuery(ctx, op, caller, outcome, dur)
	}

	if data.Err == nil && dur < t.slow {
		return
	}

	fields := []any{
		"db.operation.name", op,
		"db.duration", dur.Seconds(),
		"db.statement", compactSQL(rec.sql),
	}
	if rows := data.CommandTag.RowsAffected(); rows > 0 {
		fields = append(fields, "db.rows", rows)
	}
	if rec.caller != "" {
		fields = append(fields, "db.caller", rec.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "slow db query", fields...)
}

// operationName prefers the command tag verb, falling back to the first SQL
// keyword.
func operationName(tag, sql string) string {
	if f := strings.Fields(tag); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	if f := strings.Fields(sql); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return "UNKNOWN"
}

func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findCaller returns the first application frame outside this package.
func findCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if strings.HasPrefix(fn, modulePrefix) && !strings.HasPrefix(fn, modulePrefix+"internal/postgres.") {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
