package triage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrDuplicateRecord is returned by AppendRecord when a terminal record for
// the message already exists.
var ErrDuplicateRecord = errors.New("record already exists for message")

// Store is the persistence interface for interaction records and counters.
// Records are append-only: one terminal record per message id.
type Store interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	AppendRecord(ctx context.Context, rec *ProcessingRecord) error
	GetRecord(ctx context.Context, messageID string) (*ProcessingRecord, bool, error)
	RecentRecords(ctx context.Context, limit int) ([]*ProcessingRecord, error)
	// SearchRecords returns up to limit records matching q, newest first.
	SearchRecords(ctx context.Context, q RecordQuery, limit int) ([]*ProcessingRecord, error)

	// AddCounters applies increments without read-modify-write races.
	AddCounters(ctx context.Context, deltas map[string]int64) error
	// LoadCounters returns the counters and the start of their window.
	LoadCounters(ctx context.Context) (map[string]int64, time.Time, error)
	// ResetCounters zeroes every counter and starts a new window at at.
	ResetCounters(ctx context.Context, at time.Time) error
}

// RecordQuery filters processing records. Empty fields match everything.
type RecordQuery struct {
	// Sender matches the sender address exactly, ignoring case.
	Sender string
	// Text matches a substring of the subject, action reference or
	// knowledge article id, ignoring case.
	Text string
}

// IsZero reports whether q matches every record.
func (q RecordQuery) IsZero() bool {
	return q.Sender == "" && q.Text == ""
}

// Matches reports whether rec satisfies q.
func (q RecordQuery) Matches(rec *ProcessingRecord) bool {
	if q.Sender != "" && !strings.EqualFold(rec.Sender, q.Sender) {
		return false
	}
	if q.Text == "" {
		return true
	}
	t := strings.ToLower(q.Text)
	for _, f := range []string{rec.Subject, rec.ActionRef, rec.MatchID} {
		if strings.Contains(strings.ToLower(f), t) {
			return true
		}
	}
	return false
}
