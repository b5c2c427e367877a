// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/steward/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists processing records and counters in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool is
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const recordColumns = `id, message_id, thread_id, sender, subject, source_type, state, attempts,
	last_error, error_kind, action, action_ref, match_id, similarity, category, priority,
	sentiment, confidence, tags, created_at, completed_at, duration_s`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// IsProcessed reports whether a record exists for messageID.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.IsProcessed", "SELECT")
	defer span.End()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processing_records WHERE message_id = $1)`, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fail(span, fmt.Errorf("is processed: %w", err))
	}
	return exists, nil
}

// AppendRecord inserts rec. A second record for the same message returns
// triage.ErrDuplicateRecord and leaves the first untouched.
func (s *Store) AppendRecord(ctx context.Context, rec *triage.ProcessingRecord) error {
	ctx, span := startSpan(ctx, "pgstore.AppendRecord", "INSERT")
	defer span.End()

	var completedAt *time.Time
	if !rec.CompletedAt.IsZero() {
		completedAt = &rec.CompletedAt
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processing_records (`+recordColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		 ON CONFLICT (message_id) DO NOTHING`,
		rec.ID, rec.MessageID, rec.ThreadID, rec.Sender, rec.Subject, string(rec.SourceType),
		string(rec.State), rec.Attempts, rec.LastError, string(rec.ErrorKind), string(rec.Action),
		rec.ActionRef, rec.MatchID, rec.Similarity, string(rec.Category), string(rec.Priority),
		string(rec.Sentiment), rec.Confidence, tags, rec.CreatedAt, completedAt, rec.Duration,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert record: %w", err))
	}
	if tag.RowsAffected() == 0 {
		span.SetAttributes(attribute.Bool("steward.duplicate", true))
		return triage.ErrDuplicateRecord
	}
	return nil
}

// GetRecord retrieves the record for messageID.
func (s *Store) GetRecord(ctx context.Context, messageID string) (*triage.ProcessingRecord, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRecord", "SELECT")
	defer span.End()

	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM processing_records WHERE message_id = $1`, messageID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// RecentRecords returns up to limit records, newest first. A non-positive
// limit returns 100.
func (s *Store) RecentRecords(ctx context.Context, limit int) ([]*triage.ProcessingRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentRecords", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, span,
		`SELECT `+recordColumns+` FROM processing_records ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
}

// SearchRecords returns up to limit records matching q, newest first.
func (s *Store) SearchRecords(ctx context.Context, q triage.RecordQuery, limit int) ([]*triage.ProcessingRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.SearchRecords", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, span, `SELECT `+recordColumns+` FROM processing_records
		WHERE ($1 = '' OR lower(sender) = lower($1))
		  AND ($2 = '' OR subject ILIKE $2 OR action_ref ILIKE $2 OR match_id ILIKE $2)
		ORDER BY created_at DESC, id DESC LIMIT $3`,
		q.Sender, containsPattern(q.Text), limit)
}

func (s *Store) queryRecords(ctx context.Context, span trace.Span, sql string, args ...any) ([]*triage.ProcessingRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	var out []*triage.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate records: %w", err))
	}
	return out, nil
}

// containsPattern turns text into a LIKE pattern matching it anywhere.
// Empty text stays empty.
func containsPattern(text string) string {
	if text == "" {
		return ""
	}
	return "%" + likeEscaper.Replace(text) + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// AddCounters applies deltas in one transaction. Rows are touched in key
// order so concurrent writers cannot deadlock.
func (s *Store) AddCounters(ctx context.Context, deltas map[string]int64) error {
	ctx, span := startSpan(ctx, "pgstore.AddCounters", "UPSERT")
	defer span.End()

	if len(deltas) == 0 {
		return nil
	}
	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(`INSERT INTO triage_counters (name, value) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET value = triage_counters.value + EXCLUDED.value`, k, deltas[k])
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fail(span, fmt.Errorf("upsert counters: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// LoadCounters returns every counter and the start of the window.
func (s *Store) LoadCounters(ctx context.Context) (map[string]int64, time.Time, error) {
	ctx, span := startSpan(ctx, "pgstore.LoadCounters", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT name, value FROM triage_counters`)
	if err != nil {
		return nil, time.Time{}, fail(span, fmt.Errorf("query counters: %w", err))
	}
	counters := make(map[string]int64)
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return nil, time.Time{}, fail(span, fmt.Errorf("scan counter: %w", err))
		}
		counters[name] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fail(span, fmt.Errorf("iterate counters: %w", err))
	}

	var since time.Time
	if err := s.pool.QueryRow(ctx, `SELECT since FROM triage_counter_window WHERE id`).Scan(&since); err != nil {
		return nil, time.Time{}, fail(span, fmt.Errorf("load window: %w", err))
	}
	return counters, since.UTC(), nil
}

// ResetCounters zeroes every counter and moves the window start to at.
func (s *Store) ResetCounters(ctx context.Context, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.ResetCounters", "DELETE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `DELETE FROM triage_counters`); err != nil {
		return fail(span, fmt.Errorf("delete counters: %w", err))
	}
	if _, err := tx.Exec(ctx, `UPDATE triage_counter_window SET since = $1 WHERE id`, at); err != nil {
		return fail(span, fmt.Errorf("update window: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// scanRecord scans one row. Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*triage.ProcessingRecord, error) {
	var (
		r           triage.ProcessingRecord
		sourceType  string
		state       string
		errorKind   string
		action      string
		category    string
		priority    string
		sentiment   string
		completedAt *time.Time
	)
	err := row.Scan(
		&r.ID, &r.MessageID, &r.ThreadID, &r.Sender, &r.Subject, &sourceType, &state, &r.Attempts,
		&r.LastError, &errorKind, &action, &r.ActionRef, &r.MatchID, &r.Similarity, &category, &priority,
		&sentiment, &r.Confidence, &r.Tags, &r.CreatedAt, &completedAt, &r.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	r.SourceType = message.SourceType(sourceType)
	r.State = triage.State(state)
	r.ErrorKind = triage.Kind(errorKind)
	r.Action = triage.ActionKind(action)
	r.Category = triage.Category(category)
	r.Priority = triage.Priority(priority)
	r.Sentiment = triage.Sentiment(sentiment)
	r.CreatedAt = r.CreatedAt.UTC()
	if completedAt != nil {
		r.CompletedAt = completedAt.UTC()
	}
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	return &r, nil
}
