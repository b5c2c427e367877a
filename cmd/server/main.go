// Steward triages inbound support mail and call transcripts: it classifies
// each message, matches it against the knowledge base, then replies, opens a
// ticket or escalates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/steward/internal/authmw"
	"github.com/linnemanlabs/steward/internal/calendar"
	sc "github.com/linnemanlabs/steward/internal/cfg"
	"github.com/linnemanlabs/steward/internal/classify/keyword"
	"github.com/linnemanlabs/steward/internal/events/kafka"
	"github.com/linnemanlabs/steward/internal/gmail"
	"github.com/linnemanlabs/steward/internal/googleauth"
	"github.com/linnemanlabs/steward/internal/knowledge"
	"github.com/linnemanlabs/steward/internal/knowledge/local"
	"github.com/linnemanlabs/steward/internal/knowledge/pgvector"
	"github.com/linnemanlabs/steward/internal/llm/claude"
	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/notify/slack"
	"github.com/linnemanlabs/steward/internal/postgres"
	"github.com/linnemanlabs/steward/internal/ticketing/superops"
	"github.com/linnemanlabs/steward/internal/triage"
	"github.com/linnemanlabs/steward/internal/triage/memstore"
	"github.com/linnemanlabs/steward/internal/triage/pgstore"
	"github.com/linnemanlabs/steward/internal/triage/sqlitestore"
	"github.com/linnemanlabs/steward/internal/triageapi"
)

const appName = "steward"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    sc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix STEWARD_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "STEWARD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"check_interval_seconds", appCfg.CheckIntervalSeconds,
		"auto_resolve_threshold", appCfg.AutoResolveThreshold,
		"escalation_threshold", appCfg.EscalationThreshold,
		"max_retries", appCfg.MaxRetries,
		"workers", appCfg.Workers,
		"autostart", appCfg.Autostart,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Link spans to pyroscope profiles so slow ticks can be opened as flame graphs.
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize triage metrics on the shared Prometheus registry.
	triageMetrics := triage.NewMetrics(m.Registry())

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the triage store: postgres, then sqlite, then memory.
	var (
		triageStore triage.Store
		pool        *pgxpool.Pool
	)
	switch {
	case appCfg.DatabaseURL != "":
		pool, err = postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		triageStore = pgStore
		L.Info(ctx, "using postgres store")
	case appCfg.SQLitePath != "":
		sqlStore, err := sqlitestore.Open(ctx, appCfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlitestore init: %w", err)
		}
		defer func() { _ = sqlStore.Close() }()
		triageStore = sqlStore
		L.Info(ctx, "using sqlite store", "path", sqlStore.Path())
	default:
		triageStore = memstore.New()
		L.Warn(ctx, "using in-memory store, processed messages are forgotten on restart")
	}

	// Classifier: Claude when a key is configured, otherwise the offline keyword rules.
	var classifier triage.Classifier
	if appCfg.ClaudeAPIKey != "" {
		classifier = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, L)
		L.Info(ctx, "initialized classifier", "provider", "claude", "model", appCfg.ClaudeModel)
	} else {
		classifier = keyword.New()
		L.Warn(ctx, "no claude-api-key configured, using keyword classifier")
	}

	// Knowledge base: pgvector when embeddings are available, otherwise the local matcher.
	var articles []knowledge.Article
	if appCfg.KnowledgeFile != "" {
		articles, err = knowledge.LoadFile(appCfg.KnowledgeFile)
		if err != nil {
			return fmt.Errorf("knowledge base: %w", err)
		}
		L.Info(ctx, "loaded knowledge base", "path", appCfg.KnowledgeFile, "articles", len(articles))
	}
	var matcher triage.Matcher
	if pool != nil && appCfg.OpenAIAPIKey != "" {
		vm, err := pgvector.New(ctx, pool, pgvector.NewOpenAI(appCfg.OpenAIAPIKey), pgvector.Config{Model: appCfg.EmbeddingModel}, L)
		if err != nil {
			return fmt.Errorf("pgvector init: %w", err)
		}
		if len(articles) > 0 {
			if err := vm.Sync(ctx, articles); err != nil {
				return fmt.Errorf("pgvector sync: %w", err)
			}
		}
		matcher = vm
		L.Info(ctx, "initialized knowledge matcher", "type", "pgvector", "model", appCfg.EmbeddingModel)
	} else {
		lm := local.New(articles)
		if lm.Len() == 0 {
			L.Warn(ctx, "knowledge base is empty, every message will get a ticket or escalation")
		}
		matcher = lm
		L.Info(ctx, "initialized knowledge matcher", "type", "local", "articles", lm.Len())
	}

	// Google mailbox, reply channel and calendar share one OAuth client.
	googleHTTP, err := googleauth.HTTPClient(ctx, appCfg.GmailCredentials, L)
	if err != nil {
		return fmt.Errorf("google auth: %w", err)
	}
	mailbox, err := gmail.New(ctx, googleHTTP, gmail.Config{Query: appCfg.GmailQuery, From: appCfg.GmailFrom}, L)
	if err != nil {
		return fmt.Errorf("gmail init: %w", err)
	}
	var meetings triage.MeetingScheduler
	if appCfg.CallbackOnHighPriorityEscalation {
		sched, err := calendar.New(ctx, googleHTTP, appCfg.CalendarID, L)
		if err != nil {
			return fmt.Errorf("calendar init: %w", err)
		}
		meetings = sched
		L.Info(ctx, "callback meetings enabled", "calendar_id", appCfg.CalendarID)
	}

	// Call transcripts posted to the API are queued here for the next tick.
	calls := message.NewInbox(appCfg.CallQueueCapacity)
	source := message.NewMulti(mailbox, calls)

	tickets := superops.New(appCfg.SuperOpsEndpoint, appCfg.SuperOpsAPIKey, L)

	var escalator triage.Escalator
	if appCfg.SlackWebhookURL != "" {
		escalator = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "escalator enabled", "type", "slack")
	}

	var (
		sinks    []triage.RecordSink
		kafkaOut *kafka.Sink
	)
	if brokers := appCfg.KafkaBrokerList(); len(brokers) > 0 {
		kafkaOut = kafka.New(brokers, appCfg.KafkaTopic, L)
		sinks = append(sinks, kafkaOut)
		L.Info(ctx, "record stream enabled", "type", "kafka", "topic", appCfg.KafkaTopic)
	}

	// Counters survive restarts through the store.
	retry := appCfg.RetryPolicy()
	recorder := triage.NewRecorder(triageStore, triage.NewStatistics(time.Now().UTC()), retry, L, sinks...)
	if err := recorder.Restore(ctx); err != nil {
		return fmt.Errorf("restore statistics: %w", err)
	}

	controller := triage.NewController(triage.Config{
		Thresholds:    appCfg.Thresholds(),
		CheckInterval: appCfg.CheckInterval(),
		MaxResults:    appCfg.FetchMaxResults,
		SearchLimit:   appCfg.KnowledgeSearchLimit,
		Workers:       appCfg.Workers,
		Retry:         retry,
	}, triage.Deps{
		Source:     source,
		Classifier: classifier,
		Matcher:    matcher,
		Replies:    mailbox,
		Tickets:    tickets,
		Meetings:   meetings,
		Escalator:  escalator,
		Store:      triageStore,
		Recorder:   recorder,
		Logger:     L,
		Hooks:      triageMetrics.Hooks(),
	})

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries with the HTTP method and log per-request query totals.
	r.Use(postgres.Annotate)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1 << 20)) // call transcripts can be long

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes behind bearer auth
	triageapiHTTP := triageapi.New(L, controller, triageapi.WithCallQueue(calls))
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(L, appCfg.APITokens()...))
		triageapiHTTP.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if appCfg.Autostart {
		if err := controller.Start(ctx); err != nil {
			return fmt.Errorf("start automation: %w", err)
		}
	} else {
		L.Info(ctx, "automation not started, use POST /api/v1/automation/start")
	}

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(sdReady); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")
	_ = notifySystemd(sdStopping)

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	// automation stops first so claimed messages finish while the store is still open
	stopFns := []stopFn{
		{"automation", func(ctx context.Context) error {
			if err := controller.Stop(ctx); err != nil && !errors.Is(err, triage.ErrNotRunning) {
				return err
			}
			return nil
		}},
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if kafkaOut != nil {
		stopFns = append(stopFns, stopFn{"kafka sink", func(context.Context) error { return kafkaOut.Close() }})
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// sd_notify states
const (
	sdReady    = "READY=1"
	sdStopping = "STOPPING=1"
)

// notifySystemd sends state to the unix socket systemd sets in NOTIFY_SOCKET
// for Type=notify units.
func notifySystemd(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
