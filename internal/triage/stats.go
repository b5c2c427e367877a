package triage

import (
	"strings"
	"sync"
	"time"
)

// Counter keys shared by Statistics and the Store.
const (
	CounterTotalProcessed     = "total_processed"
	CounterAutomatedResponses = "automated_responses"
	CounterTicketsCreated     = "tickets_created"
	CounterEscalations        = "escalations"
	CounterFailures           = "failures"

	prefixCategory  = "category:"
	prefixPriority  = "priority:"
	prefixSentiment = "sentiment:"
)

// StatsSnapshot is the read model of the running counters.
type StatsSnapshot struct {
	TotalProcessed     int64            `json:"total_processed"`
	AutomatedResponses int64            `json:"automated_responses"`
	TicketsCreated     int64            `json:"tickets_created"`
	Escalations        int64            `json:"escalations"`
	Failures           int64            `json:"failures"`
	ResponseRate       float64          `json:"response_rate"`
	Categories         map[string]int64 `json:"categories"`
	Priorities         map[string]int64 `json:"priorities"`
	Sentiments         map[string]int64 `json:"sentiments"`
	Since              time.Time        `json:"since"`
}

// Statistics holds process-wide monotonic counters. They change only through
// Add, and are zeroed only by an explicit Reset.
type Statistics struct {
	mu       sync.Mutex
	counters map[string]int64
	since    time.Time
}

// NewStatistics returns empty counters with the window starting at since.
func NewStatistics(since time.Time) *Statistics {
	return &Statistics{counters: make(map[string]int64), since: since}
}

// CounterDeltas returns the counter increments a terminal record contributes.
func CounterDeltas(rec *ProcessingRecord) map[string]int64 {
	d := map[string]int64{CounterTotalProcessed: 1}
	if rec.Category != "" {
		d[prefixCategory+string(rec.Category)] = 1
	}
	if rec.Priority != "" {
		d[prefixPriority+string(rec.Priority)] = 1
	}
	if rec.Sentiment != "" {
		d[prefixSentiment+string(rec.Sentiment)] = 1
	}
	switch {
	case rec.State == StateFailed:
		d[CounterFailures] = 1
		// a fallback ticket that was opened still counts as a ticket
		if rec.ActionRef != "" {
			d[CounterTicketsCreated] = 1
		}
	case rec.Action == ActionAutoRespond:
		d[CounterAutomatedResponses] = 1
	case rec.Action == ActionCreateTicket:
		d[CounterTicketsCreated] = 1
	case rec.Action == ActionEscalate:
		d[CounterEscalations] = 1
	}
	return d
}

// Add applies deltas atomically.
func (s *Statistics) Add(deltas map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range deltas {
		s.counters[k] += v
	}
}

// Load replaces the counters, typically with values read back from the store.
func (s *Statistics) Load(counters map[string]int64, since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64, len(counters))
	for k, v := range counters {
		s.counters[k] = v
	}
	if !since.IsZero() {
		s.since = since
	}
}

// Reset zeroes every counter and starts a new window at at.
func (s *Statistics) Reset(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
	s.since = at
}

// Snapshot returns a consistent copy of the counters.
func (s *Statistics) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		TotalProcessed:     s.counters[CounterTotalProcessed],
		AutomatedResponses: s.counters[CounterAutomatedResponses],
		TicketsCreated:     s.counters[CounterTicketsCreated],
		Escalations:        s.counters[CounterEscalations],
		Failures:           s.counters[CounterFailures],
		Categories:         map[string]int64{},
		Priorities:         map[string]int64{},
		Sentiments:         map[string]int64{},
		Since:              s.since,
	}
	for k, v := range s.counters {
		switch {
		case strings.HasPrefix(k, prefixCategory):
			snap.Categories[strings.TrimPrefix(k, prefixCategory)] = v
		case strings.HasPrefix(k, prefixPriority):
			snap.Priorities[strings.TrimPrefix(k, prefixPriority)] = v
		case strings.HasPrefix(k, prefixSentiment):
			snap.Sentiments[strings.TrimPrefix(k, prefixSentiment)] = v
		}
	}
	if snap.TotalProcessed > 0 {
		snap.ResponseRate = float64(snap.AutomatedResponses) / float64(snap.TotalProcessed)
	}
	return snap
}
