package triage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds every external call made by the pipeline.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Initial and Max bound the exponential backoff between attempts.
	Initial time.Duration
	Max     time.Duration
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns the stock policy: 3 retries, 500ms..10s backoff,
// 30s per call.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		Initial:     500 * time.Millisecond,
		Max:         10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. Each attempt gets its own CallTimeout. onRetry, if
// set, is called before each wait. It returns how many attempts were made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(err error, wait time.Duration)) (int, error) {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		cctx, cancel := p.callContext(ctx)
		defer cancel()
		err := fn(cctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(p.MaxRetries, 0)) + 1), //nolint:gosec // clamped non-negative
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	return attempts, err
}

func (p RetryPolicy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}
