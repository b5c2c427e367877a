package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/message"
)

var (
	// ErrAlreadyRunning is returned by Start when automation is on.
	ErrAlreadyRunning = errors.New("automation already running")
	// ErrNotRunning is returned by Stop when automation is off.
	ErrNotRunning = errors.New("automation not running")
	// ErrInFlight is returned by ProcessMessage when another pipeline holds the message.
	ErrInFlight = errors.New("message already in flight")
)

const (
	tracerName = "github.com/linnemanlabs/steward/internal/triage"

	// terminal ids cached in memory before the cache is dropped and the
	// store becomes the only dedup source again
	maxTerminalCache = 50_000
)

// Config tunes the controller. Zero values take defaults.
type Config struct {
	Thresholds    Thresholds
	CheckInterval time.Duration
	MaxResults    int
	SearchLimit   int
	Workers       int
	Retry         RetryPolicy
	Filter        message.Filter
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Deps are the collaborators a Controller drives. Meetings and Escalator are
// optional; everything else is required.
type Deps struct {
	Source     message.Source
	Classifier Classifier
	Matcher    Matcher
	Replies    ReplySender
	Tickets    TicketCreator
	Meetings   MeetingScheduler
	Escalator  Escalator
	Store      Store
	Recorder   *Recorder
	Logger     log.Logger
	Hooks      Hooks
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Status is the controller read model.
type Status struct {
	IsRunning            bool       `json:"is_running"`
	ProcessedCount       int64      `json:"processed_count"`
	LastCheck            *time.Time `json:"last_check,omitempty"`
	CheckIntervalSeconds int        `json:"check_interval_seconds"`
	ErrorCount           int64      `json:"error_count"`
	AuthFailures         int64      `json:"auth_failures"`
	LastError            string     `json:"last_error,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	InFlight             int        `json:"in_flight"`
}

// TickResult summarizes one polling pass.
type TickResult struct {
	StartedAt  time.Time `json:"started_at"`
	Duration   float64   `json:"duration_seconds"`
	Fetched    int       `json:"fetched"`
	Logged     int       `json:"logged"`
	Failed     int       `json:"failed"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"`
	Deferred   int       `json:"deferred"`
	Aborted    bool      `json:"aborted"`
}

type outcome int

const (
	outcomeLogged outcome = iota
	outcomeFailed
	outcomeDuplicate
	outcomeSkipped
	outcomeAuth
)

func (r *TickResult) count(o outcome) {
	switch o {
	case outcomeLogged:
		r.Logged++
	case outcomeFailed:
		r.Failed++
	case outcomeDuplicate:
		r.Duplicates++
	case outcomeSkipped, outcomeAuth:
		r.Skipped++
	}
}

// Controller polls the source and runs each new message through
// analyze, match, decide, execute and record.
type Controller struct {
	cfg        Config
	source     message.Source
	classifier Classifier
	matcher    Matcher
	replies    ReplySender
	tickets    TicketCreator
	meetings   MeetingScheduler
	escalator  Escalator
	store      Store
	recorder   *Recorder
	logger     log.Logger
	hooks      Hooks
	tracer     trace.Tracer
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	terminal map[string]struct{}
	lastErr  string

	lifeMu    sync.Mutex
	cron      *cron.Cron
	firstTick chan struct{}
	running   atomic.Bool
	stopping  atomic.Bool
	startedAt atomic.Int64

	sf singleflight.Group

	processed    atomic.Int64
	errorCount   atomic.Int64
	authFailures atomic.Int64
	lastCheck    atomic.Int64
}

// NewController wires a controller. It panics when a required dependency is nil.
func NewController(cfg Config, d Deps) *Controller {
	switch {
	case d.Source == nil:
		panic(xerrors.New("message source is required"))
	case d.Classifier == nil:
		panic(xerrors.New("classifier is required"))
	case d.Matcher == nil:
		panic(xerrors.New("knowledge matcher is required"))
	case d.Replies == nil:
		panic(xerrors.New("reply sender is required"))
	case d.Tickets == nil:
		panic(xerrors.New("ticket creator is required"))
	case d.Store == nil:
		panic(xerrors.New("triage store is required"))
	}
	cfg = cfg.withDefaults()
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	if d.Recorder == nil {
		d.Recorder = NewRecorder(d.Store, NewStatistics(d.Now()), cfg.Retry, d.Logger)
	}
	return &Controller{
		cfg:        cfg,
		source:     d.Source,
		classifier: d.Classifier,
		matcher:    d.Matcher,
		replies:    d.Replies,
		tickets:    d.Tickets,
		meetings:   d.Meetings,
		escalator:  d.Escalator,
		store:      d.Store,
		recorder:   d.Recorder,
		logger:     d.Logger,
		hooks:      d.Hooks,
		tracer:     d.Tracer,
		now:        d.Now,
		inflight:   make(map[string]struct{}),
		terminal:   make(map[string]struct{}),
	}
}

// Start begins periodic polling with an immediate first tick.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cron != nil {
		return ErrAlreadyRunning
	}

	base := context.WithoutCancel(ctx)
	cl := cronLogger{ctx: base, logger: c.logger}
	cr := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := cr.AddFunc("@every "+c.cfg.CheckInterval.String(), func() { c.scheduledTick(base) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}

	c.stopping.Store(false)
	c.cron = cr
	c.running.Store(true)
	c.startedAt.Store(c.now().UnixNano())
	cr.Start()

	first := make(chan struct{})
	c.firstTick = first
	go func() {
		defer close(first)
		c.scheduledTick(base)
	}()

	c.logger.Info(ctx, "automation started", "check_interval", c.cfg.CheckInterval.String())
	return nil
}

// Stop ends periodic polling. Undispatched messages of a running tick are
// left for later; claimed pipelines run to completion. Stop waits for that
// drain until ctx is done.
func (c *Controller) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cron == nil {
		return ErrNotRunning
	}

	c.stopping.Store(true)
	cronDone := c.cron.Stop().Done()
	first := c.firstTick
	c.cron = nil
	c.firstTick = nil
	c.running.Store(false)

	drained := make(chan struct{})
	go func() {
		<-cronDone
		<-first
		c.stopping.Store(false)
		close(drained)
	}()

	select {
	case <-drained:
		c.logger.Info(ctx, "automation stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn(ctx, "automation stop timed out waiting for in-flight tick")
		return ctx.Err()
	}
}

// ProcessNow runs a tick immediately, or joins the one already running.
// Returning early on ctx does not cancel the tick.
func (c *Controller) ProcessNow(ctx context.Context) (*TickResult, error) {
	ch := c.sf.DoChan("tick", func() (any, error) {
		return c.tick(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(*TickResult)
		return res, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessMessage runs one message through the pipeline outside the polling
// loop. It reports false when the message was already processed, returning
// the stored record.
func (c *Controller) ProcessMessage(ctx context.Context, msg message.Message) (*ProcessingRecord, bool, error) {
	if msg.ID == "" {
		return nil, false, errors.New("message id is required")
	}
	if !c.claim(msg.ID) {
		return nil, false, ErrInFlight
	}
	defer c.release(msg.ID)

	ctx = context.WithoutCancel(ctx)
	L := c.logger.With("message_id", msg.ID, "source", string(msg.SourceType))

	done, err := c.isTerminal(ctx, msg.ID)
	if err != nil {
		return nil, false, fmt.Errorf("dedup check: %w", err)
	}
	if done {
		rec, _, err := c.store.GetRecord(ctx, msg.ID)
		return rec, false, err
	}

	rec, o, err := c.process(ctx, msg, L, false)
	if o == outcomeAuth {
		return nil, false, err
	}
	return rec, true, nil
}

// Status returns the controller read model.
func (c *Controller) Status() Status {
	s := Status{
		IsRunning:            c.running.Load(),
		ProcessedCount:       c.processed.Load(),
		CheckIntervalSeconds: int(c.cfg.CheckInterval / time.Second),
		ErrorCount:           c.errorCount.Load(),
		AuthFailures:         c.authFailures.Load(),
	}
	if ns := c.lastCheck.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastCheck = &t
	}
	if s.IsRunning {
		if ns := c.startedAt.Load(); ns != 0 {
			t := time.Unix(0, ns).UTC()
			s.StartedAt = &t
		}
	}
	c.mu.Lock()
	s.LastError = c.lastErr
	s.InFlight = len(c.inflight)
	c.mu.Unlock()
	return s
}

// Stats returns the statistics read model.
func (c *Controller) Stats() StatsSnapshot {
	return c.recorder.Stats().Snapshot()
}

// ResetStats zeroes the counters and starts a new retention window.
func (c *Controller) ResetStats(ctx context.Context) (StatsSnapshot, error) {
	if err := c.recorder.Reset(ctx, c.now()); err != nil {
		return StatsSnapshot{}, err
	}
	c.logger.Info(ctx, "statistics reset")
	return c.Stats(), nil
}

// Record returns the terminal record for a message.
func (c *Controller) Record(ctx context.Context, messageID string) (*ProcessingRecord, bool, error) {
	return c.store.GetRecord(ctx, messageID)
}

// RecentRecords lists the newest terminal records.
func (c *Controller) RecentRecords(ctx context.Context, limit int) ([]*ProcessingRecord, error) {
	return c.store.RecentRecords(ctx, limit)
}

// SearchRecords lists the newest terminal records matching q.
func (c *Controller) SearchRecords(ctx context.Context, q RecordQuery, limit int) ([]*ProcessingRecord, error) {
	if q.IsZero() {
		return c.store.RecentRecords(ctx, limit)
	}
	return c.store.SearchRecords(ctx, q, limit)
}

// SearchKnowledge runs query against the knowledge base the pipeline
// matches with. A non-positive limit uses the configured search limit.
func (c *Controller) SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgeMatch, error) {
	if limit <= 0 {
		limit = c.cfg.SearchLimit
	}
	return c.matcher.Search(ctx, truncateRunes(query, maxQueryRunes), limit)
}

func (c *Controller) scheduledTick(ctx context.Context) {
	if c.stopping.Load() {
		return
	}
	if _, err := c.ProcessNow(ctx); err != nil {
		c.logger.Warn(ctx, "scheduled tick failed", "error", err)
	}
}

func (c *Controller) tick(ctx context.Context) (*TickResult, error) {
	start := c.now()
	c.lastCheck.Store(start.UnixNano())

	ctx, span := c.tracer.Start(ctx, "triage.tick")
	defer span.End()

	res := &TickResult{StartedAt: start}
	defer func() {
		res.Duration = c.now().Sub(start).Seconds()
		c.hooks.tick(res.Duration, res.Fetched)
	}()

	var msgs []message.Message
	_, err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		msgs, err = c.source.FetchNew(ctx, c.cfg.Filter, c.cfg.MaxResults)
		var partial *message.PartialError
		if errors.As(err, &partial) && !IsAuth(err) {
			// the sources that answered still get processed this tick
			c.recordError(err)
			c.logger.Warn(ctx, "message source failed", "error", err, "fetched", len(msgs))
			return nil
		}
		return err
	}, c.onRetry(ctx, c.logger, "fetch"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if IsAuth(err) {
			c.authAbort(ctx, err)
			res.Aborted = true
			return res, err
		}
		c.recordError(err)
		c.logger.Error(ctx, err, "fetch new messages failed")
		return res, fmt.Errorf("fetch: %w", err)
	}
	res.Fetched = len(msgs)

	var (
		mu      sync.Mutex
		aborted atomic.Bool
		g       errgroup.Group
	)
	g.SetLimit(c.cfg.Workers)
	for _, msg := range msgs {
		if c.stopping.Load() || aborted.Load() {
			mu.Lock()
			res.Deferred++
			mu.Unlock()
			continue
		}
		if !c.claim(msg.ID) {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			// stop or abort may land while waiting for a worker slot
			if c.stopping.Load() || aborted.Load() {
				c.release(msg.ID)
				mu.Lock()
				res.Deferred++
				mu.Unlock()
				return nil
			}
			o := c.runClaimed(ctx, msg)
			if o == outcomeAuth {
				aborted.Store(true)
			}
			mu.Lock()
			res.count(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	res.Aborted = aborted.Load()

	span.SetAttributes(
		attribute.Int("steward.tick.fetched", res.Fetched),
		attribute.Int("steward.tick.logged", res.Logged),
		attribute.Int("steward.tick.failed", res.Failed),
		attribute.Bool("steward.tick.aborted", res.Aborted),
	)
	if res.Fetched > 0 {
		c.logger.Info(ctx, "tick complete",
			"fetched", res.Fetched,
			"logged", res.Logged,
			"failed", res.Failed,
			"duplicates", res.Duplicates,
			"skipped", res.Skipped,
			"deferred", res.Deferred,
			"aborted", res.Aborted,
		)
	}
	return res, nil
}

// runClaimed owns msg's claim for its whole duration.
func (c *Controller) runClaimed(ctx context.Context, msg message.Message) outcome {
	defer c.release(msg.ID)
	L := c.logger.With("message_id", msg.ID, "source", string(msg.SourceType))

	done, err := c.isTerminal(ctx, msg.ID)
	if err != nil {
		c.recordError(err)
		L.Error(ctx, err, "dedup check failed, leaving message for a later tick")
		c.hooks.message("skipped")
		return outcomeSkipped
	}
	if done {
		L.Info(ctx, "message already processed")
		c.markConsumed(ctx, L, msg.ID)
		c.hooks.message("duplicate")
		return outcomeDuplicate
	}

	_, o, _ := c.process(ctx, msg, L, true)
	return o
}

func (c *Controller) process(ctx context.Context, msg message.Message, L log.Logger, consume bool) (*ProcessingRecord, outcome, error) {
	ctx, span := c.tracer.Start(ctx, "triage.message", trace.WithAttributes(
		attribute.String("steward.message.id", msg.ID),
		attribute.String("steward.message.source", string(msg.SourceType)),
	))
	defer span.End()

	rec := &ProcessingRecord{
		ID:         ulid.Make().String(),
		MessageID:  msg.ID,
		ThreadID:   msg.ThreadID,
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		SourceType: msg.SourceType,
		State:      StateReceived,
		Attempts:   1,
		CreatedAt:  c.now(),
	}
	L = L.With("record_id", rec.ID)
	ctx = log.WithContext(ctx, L)

	p := &pipeline{c: c, msg: msg, rec: rec, L: L}
	if err := p.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.authAbort(ctx, err)
		c.hooks.message("auth_abort")
		return nil, outcomeAuth, err
	}

	rec.CompletedAt = c.now()
	rec.Duration = rec.CompletedAt.Sub(rec.CreatedAt).Seconds()
	span.SetAttributes(
		attribute.String("steward.record.id", rec.ID),
		attribute.String("steward.record.state", string(rec.State)),
		attribute.String("steward.record.action", string(rec.Action)),
		attribute.Int("steward.record.attempts", rec.Attempts),
	)

	if err := c.recorder.Record(ctx, rec); err != nil {
		c.recordError(err)
	}
	c.markTerminal(msg.ID)
	c.processed.Add(1)
	if consume {
		c.markConsumed(ctx, L, msg.ID)
	}
	c.hooks.message(string(rec.State))

	L.Info(ctx, "message triaged",
		"state", rec.State,
		"action", rec.Action,
		"action_ref", rec.ActionRef,
		"category", rec.Category,
		"priority", rec.Priority,
		"confidence", rec.Confidence,
		"attempts", rec.Attempts,
		"duration", rec.Duration,
	)

	if rec.State == StateFailed {
		span.SetStatus(codes.Error, rec.LastError)
		return rec, outcomeFailed, nil
	}
	return rec, outcomeLogged, nil
}

func (c *Controller) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	c.hooks.inFlight(1)
	return true
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		delete(c.inflight, id)
		c.hooks.inFlight(-1)
	}
}

func (c *Controller) markTerminal(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.terminal) >= maxTerminalCache {
		c.terminal = make(map[string]struct{})
	}
	c.terminal[id] = struct{}{}
}

func (c *Controller) isTerminal(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	_, ok := c.terminal[id]
	c.mu.Unlock()
	if ok {
		return true, nil
	}
	var processed bool
	_, err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		processed, err = c.store.IsProcessed(ctx, id)
		if err != nil {
			return TransientError(KindStore, "is processed", err)
		}
		return nil
	}, nil)
	return processed, err
}

func (c *Controller) markConsumed(ctx context.Context, L log.Logger, id string) {
	cctx, cancel := c.cfg.Retry.callContext(ctx)
	defer cancel()
	if err := c.source.MarkConsumed(cctx, id); err != nil {
		L.Warn(ctx, "mark consumed failed", "error", err)
	}
}

func (c *Controller) authAbort(ctx context.Context, err error) {
	c.authFailures.Add(1)
	c.recordError(err)
	c.hooks.authFailure()
	c.logger.Error(ctx, err, "credential failure, aborting tick")
	c.alert(ctx, Alert{
		Title:  "Steward credential failure",
		Detail: err.Error(),
		Kind:   KindAuth,
		At:     c.now(),
	})
}

func (c *Controller) alert(ctx context.Context, a Alert) {
	if c.escalator == nil {
		return
	}
	cctx, cancel := c.cfg.Retry.callContext(ctx)
	defer cancel()
	if err := c.escalator.Alert(cctx, a); err != nil {
		c.logger.Warn(ctx, "operator alert failed", "error", err, "title", a.Title)
	}
}

func (c *Controller) recordError(err error) {
	c.errorCount.Add(1)
	c.setLastError(err)
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Controller) onRetry(ctx context.Context, L log.Logger, step string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		c.hooks.retry(step)
		L.Warn(ctx, "retrying "+step, "error", err, "wait", wait.String())
	}
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	ctx    context.Context
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(l.ctx, err, "cron: "+msg, keysAndValues...)
}
