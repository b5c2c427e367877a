// Package sqlitestore provides a single-file SQLite implementation of
// triage.Store for deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/triage"
)

// timestamps are stored as fixed-width text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists processing records and counters in SQLite.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY out of the hot path
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, Schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if _, err := conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO counter_window (id, since) VALUES (1, ?)`, formatTime(time.Now())); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize counter window: %w", err)
	}
	return &Store{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

const recordColumns = `id, message_id, thread_id, sender, subject, source_type, state, attempts,
	last_error, error_kind, action, action_ref, match_id, similarity, category, priority,
	sentiment, confidence, tags, created_at, completed_at, duration_s`

// IsProcessed reports whether a record exists for messageID.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM processing_records WHERE message_id = ?`, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return n > 0, nil
}

// AppendRecord inserts rec, returning triage.ErrDuplicateRecord when the
// message already has one.
func (s *Store) AppendRecord(ctx context.Context, rec *triage.ProcessingRecord) error {
	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	completed := ""
	if !rec.CompletedAt.IsZero() {
		completed = formatTime(rec.CompletedAt)
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO processing_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, rec.ThreadID, rec.Sender, rec.Subject, string(rec.SourceType),
		string(rec.State), rec.Attempts, rec.LastError, string(rec.ErrorKind), string(rec.Action),
		rec.ActionRef, rec.MatchID, rec.Similarity, string(rec.Category), string(rec.Priority),
		string(rec.Sentiment), rec.Confidence, string(tags), formatTime(rec.CreatedAt), completed, rec.Duration,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return triage.ErrDuplicateRecord
	}
	return nil
}

// GetRecord retrieves the record for messageID.
func (s *Store) GetRecord(ctx context.Context, messageID string) (*triage.ProcessingRecord, bool, error) {
	rec, err := scanRecord(s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM processing_records WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// RecentRecords returns up to limit records, newest first. A non-positive
// limit returns 100.
func (s *Store) RecentRecords(ctx context.Context, limit int) ([]*triage.ProcessingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM processing_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// SearchRecords returns up to limit records matching q, newest first.
// Text matching ignores ASCII case only.
func (s *Store) SearchRecords(ctx context.Context, q triage.RecordQuery, limit int) ([]*triage.ProcessingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := ""
	if q.Text != "" {
		pattern = "%" + likeEscaper.Replace(q.Text) + "%"
	}
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM processing_records
		WHERE (?1 = '' OR sender = ?1 COLLATE NOCASE)
		  AND (?2 = '' OR subject LIKE ?2 ESCAPE '\' OR action_ref LIKE ?2 ESCAPE '\' OR match_id LIKE ?2 ESCAPE '\')
		ORDER BY created_at DESC, id DESC LIMIT ?3`,
		q.Sender, pattern, limit)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*triage.ProcessingRecord, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*triage.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// AddCounters applies deltas in one transaction.
func (s *Store) AddCounters(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, k, deltas[k]); err != nil {
			return fmt.Errorf("upsert counter %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LoadCounters returns every counter and the start of the window.
func (s *Store) LoadCounters(ctx context.Context) (map[string]int64, time.Time, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query counters: %w", err)
	}
	counters := make(map[string]int64)
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			_ = rows.Close()
			return nil, time.Time{}, fmt.Errorf("scan counter: %w", err)
		}
		counters[name] = value
	}
	if err := rows.Close(); err != nil {
		return nil, time.Time{}, err
	}

	var since string
	if err := s.conn.QueryRowContext(ctx, `SELECT since FROM counter_window WHERE id = 1`).Scan(&since); err != nil {
		return nil, time.Time{}, fmt.Errorf("load window: %w", err)
	}
	t, err := parseTime(since)
	if err != nil {
		return nil, time.Time{}, err
	}
	return counters, t, nil
}

// ResetCounters zeroes every counter and moves the window start to at.
func (s *Store) ResetCounters(ctx context.Context, at time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.ExecContext(ctx, `DELETE FROM counters`); err != nil {
		return fmt.Errorf("delete counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counter_window SET since = ? WHERE id = 1`, formatTime(at)); err != nil {
		return fmt.Errorf("update window: %w", err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*triage.ProcessingRecord, error) {
	var (
		r           triage.ProcessingRecord
		sourceType  string
		state       string
		errorKind   string
		action      string
		category    string
		priority    string
		sentiment   string
		tags        string
		createdAt   string
		completedAt string
	)
	err := row.Scan(
		&r.ID, &r.MessageID, &r.ThreadID, &r.Sender, &r.Subject, &sourceType, &state, &r.Attempts,
		&r.LastError, &errorKind, &action, &r.ActionRef, &r.MatchID, &r.Similarity, &category, &priority,
		&sentiment, &r.Confidence, &tags, &createdAt, &completedAt, &r.Duration,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
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

	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if completedAt != "" {
		if r.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
