// Package postgres holds the shared pgx connection pool and its query tracer.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSlowQuery = 250 * time.Millisecond

type poolOptions struct {
	maxConns  int32
	slowQuery time.Duration
}

// Option configures NewPool.
type Option func(*poolOptions)

// WithMaxConns caps the pool size. Zero keeps the pgx default.
func WithMaxConns(n int32) Option {
	return func(o *poolOptions) { o.maxConns = n }
}

// WithSlowQuery sets the duration above which successful queries are logged.
// Zero logs every query.
func WithSlowQuery(d time.Duration) Option {
	return func(o *poolOptions) { o.slowQuery = d }
}

// NewPool opens a traced pgx pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, opts ...Option) (*pgxpool.Pool, error) {
	o := poolOptions{slowQuery: defaultSlowQuery}
	for _, fn := range opts {
		fn(&o)
	}

	pc, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.maxConns > 0 {
		pc.MaxConns = o.maxConns
	}
	pc.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), o.slowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
