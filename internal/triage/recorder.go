package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Recorder appends terminal records and keeps the counters in step with them.
// A record that is already stored is not counted twice.
type Recorder struct {
	store  Store
	stats  *Statistics
	retry  RetryPolicy
	logger log.Logger
	sinks  []RecordSink
}

// NewRecorder creates a Recorder over store. Sinks receive each newly stored
// record on a best-effort basis.
func NewRecorder(store Store, stats *Statistics, retry RetryPolicy, logger log.Logger, sinks ...RecordSink) *Recorder {
	if store == nil {
		panic(xerrors.New("triage store is required"))
	}
	if stats == nil {
		stats = NewStatistics(time.Now().UTC())
	}
	if logger == nil {
		logger = log.Nop()
	}
	var live []RecordSink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Recorder{store: store, stats: stats, retry: retry, logger: logger, sinks: live}
}

// Stats returns the statistics this recorder maintains.
func (r *Recorder) Stats() *Statistics { return r.stats }

// Restore loads persisted counters into memory. Called once at startup.
func (r *Recorder) Restore(ctx context.Context) error {
	counters, since, err := r.store.LoadCounters(ctx)
	if err != nil {
		return fmt.Errorf("load counters: %w", err)
	}
	r.stats.Load(counters, since)
	return nil
}

// Reset zeroes the counters in memory and in the store.
func (r *Recorder) Reset(ctx context.Context, at time.Time) error {
	if err := r.store.ResetCounters(ctx, at); err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	r.stats.Reset(at)
	return nil
}

// Record stores a terminal record and applies its counter deltas. Store
// failures are retried with the recorder's policy and returned to the caller,
// who must not undo the action the record describes.
func (r *Recorder) Record(ctx context.Context, rec *ProcessingRecord) error {
	if !rec.State.Terminal() {
		return fmt.Errorf("record %s: state %q is not terminal", rec.ID, rec.State)
	}
	L := r.logger.With("record_id", rec.ID, "message_id", rec.MessageID)

	// an attempt can commit and still fail on the way back; a duplicate
	// after that is this call's own row and must be counted
	var ambiguous bool
	_, err := r.retry.Do(ctx, func(ctx context.Context) error {
		err := r.storeErr(r.store.AppendRecord(ctx, rec))
		if errors.Is(err, ErrDuplicateRecord) && ambiguous && r.stored(ctx, L, rec) {
			return nil
		}
		if err != nil {
			ambiguous = true
		}
		return err
	}, func(err error, wait time.Duration) {
		L.Warn(ctx, "append record failed, retrying", "error", err, "wait", wait)
	})
	if errors.Is(err, ErrDuplicateRecord) {
		L.Info(ctx, "record already stored, skipping counters")
		return nil
	}

	deltas := CounterDeltas(rec)
	r.stats.Add(deltas)

	if err != nil {
		L.Error(ctx, err, "failed to append record")
		return err
	}

	if _, cerr := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.storeErr(r.store.AddCounters(ctx, deltas))
	}, nil); cerr != nil {
		L.Error(ctx, cerr, "failed to persist counters")
	}

	for _, s := range r.sinks {
		if perr := r.publish(ctx, s, rec); perr != nil {
			L.Warn(ctx, "record sink publish failed", "error", perr)
		}
	}
	return nil
}

// stored reports whether the record held for rec's message is rec itself.
// When the lookup fails the earlier write is assumed to have landed.
func (r *Recorder) stored(ctx context.Context, L log.Logger, rec *ProcessingRecord) bool {
	got, ok, err := r.store.GetRecord(ctx, rec.MessageID)
	if err != nil {
		L.Warn(ctx, "could not confirm stored record", "error", err)
		return true
	}
	return ok && got.ID == rec.ID
}

func (r *Recorder) publish(ctx context.Context, s RecordSink, rec *ProcessingRecord) error {
	cctx, cancel := r.retry.callContext(ctx)
	defer cancel()
	return s.Publish(cctx, rec.Clone())
}

// storeErr marks store failures as transient so they are retried, except
// duplicates which are final.
func (r *Recorder) storeErr(err error) error {
	if err == nil || errors.Is(err, ErrDuplicateRecord) {
		return err
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return TransientError(KindStore, "store", err)
}
