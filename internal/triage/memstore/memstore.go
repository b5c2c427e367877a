// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/steward/internal/triage"
)

// Store holds processing records and counters in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*triage.ProcessingRecord // message ID -> record
	order    []string                            // message IDs in append order
	counters map[string]int64
	since    time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records:  make(map[string]*triage.ProcessingRecord),
		counters: make(map[string]int64),
		since:    time.Now().UTC(),
	}
}

// IsProcessed reports whether a terminal record exists for messageID.
func (s *Store) IsProcessed(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[messageID]
	return ok, nil
}

// AppendRecord stores a copy of rec. A second record for the same message is
// rejected with triage.ErrDuplicateRecord.
func (s *Store) AppendRecord(_ context.Context, rec *triage.ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.MessageID]; ok {
		return triage.ErrDuplicateRecord
	}
	s.records[rec.MessageID] = rec.Clone()
	s.order = append(s.order, rec.MessageID)
	return nil
}

// GetRecord retrieves the record for messageID. Returns a copy.
func (s *Store) GetRecord(_ context.Context, messageID string) (*triage.ProcessingRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[messageID]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// RecentRecords returns up to limit records, newest first.
func (s *Store) RecentRecords(_ context.Context, limit int) ([]*triage.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]*triage.ProcessingRecord, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]].Clone())
	}
	return out, nil
}

// SearchRecords returns up to limit records matching q, newest first.
func (s *Store) SearchRecords(_ context.Context, q triage.RecordQuery, limit int) ([]*triage.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*triage.ProcessingRecord
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if rec := s.records[s.order[i]]; q.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// AddCounters applies deltas.
func (s *Store) AddCounters(_ context.Context, deltas map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range deltas {
		s.counters[k] += v
	}
	return nil
}

// LoadCounters returns a copy of the counters and the window start.
func (s *Store) LoadCounters(_ context.Context) (map[string]int64, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out, s.since, nil
}

// ResetCounters zeroes the counters. Records are kept.
func (s *Store) ResetCounters(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
	s.since = at
	return nil
}
