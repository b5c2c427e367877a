package postgres

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// frames under these prefixes are store plumbing, not the code that asked for the query
var storePackages = []string{
	"github.com/linnemanlabs/steward/internal/postgres.",
	"github.com/linnemanlabs/steward/internal/triage/pgstore.",
	"github.com/linnemanlabs/steward/internal/knowledge/pgvector.",
}

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

type (
	queryKey   struct{}
	methodKey  struct{}
	dbStatsKey struct{}
)

// queryInfo is stashed on the context between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the global query observer.
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

// ReqDBStats accumulates database statistics for one HTTP request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

func (s *ReqDBStats) snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod stores the HTTP method in the context for query labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(methodKey{}).(string); ok {
		return v
	}
	return ""
}

// Annotate labels queries issued while serving r with its method and logs the
// request's query totals once it completes.
func Annotate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, _ := ReqDBStatsFromContext(ctx)
		if n, total, errs := stats.snapshot(); n > 0 {
			log.FromContext(ctx).Info(ctx, "request db stats",
				"db.queries", n,
				"db.duration", total.Seconds(),
				"db.errors", errs,
			)
		}
	})
}

func labels(ctx context.Context) (method, route string) {
	method = httpMethodFromContext(ctx)
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	// queries from the polling loop carry no request
	if method == "" {
		method = "NONE"
	}
	if route == "" {
		route = "background"
	}
	return method, route
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with structured query
// logging and the global query observer. Successful queries faster than slow
// are not logged.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) *queryTracer {
	return &queryTracer{inner: inner, slow: slow}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &queryInfo{sql: data.SQL, args: data.Args, start: time.Now()}
	q.caller, q.handler = findDBCallerAndHandler()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, queryKey{}, q)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.handler != "" {
			span.SetAttributes(attribute.String("db.handler", q.handler))
		}
	}
	return ctx
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(queryKey{}).(*queryInfo)
	if q == nil {
		return
	}
	dur := time.Since(q.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := getQueryObserver(); obs != nil {
		method, route := labels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if data.Err == nil && dur < t.slow {
		return
	}
	L := log.FromContext(ctx)
	fields := queryFields(q, dur, data)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(q *queryInfo, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", q.sql,
		"db.args", len(q.args),
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.handler != "" {
		fields = append(fields, "db.handler", q.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

// findDBCallerAndHandler walks the stack for the function issuing the query
// and the first meaningful frame above the store layer.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryTracer).TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case !isStoreFrame(fn):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func isStoreFrame(fn string) bool {
	for _, p := range storePackages {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
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
