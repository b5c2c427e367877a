package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/steward/internal/message"
)

// fakeStore is a Store with hooks for injecting failures.
type fakeStore struct {
	mu           sync.Mutex
	records      map[string]*ProcessingRecord
	order        []string
	counters     map[string]int64
	since        time.Time
	appendErr    error
	appendFails  int // fail this many appends before succeeding
	lostAcks     int // commit this many appends, then report a timeout
	appendCalls  int
	processedErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*ProcessingRecord{}, counters: map[string]int64{}}
}

func (s *fakeStore) IsProcessed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processedErr != nil {
		return false, s.processedErr
	}
	_, ok := s.records[id]
	return ok, nil
}

func (s *fakeStore) AppendRecord(_ context.Context, rec *ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return s.appendErr
	}
	if s.appendFails > 0 {
		s.appendFails--
		return errors.New("connection reset")
	}
	if _, ok := s.records[rec.MessageID]; ok {
		return ErrDuplicateRecord
	}
	s.records[rec.MessageID] = rec.Clone()
	s.order = append(s.order, rec.MessageID)
	if s.lostAcks > 0 {
		s.lostAcks--
		return errors.New("i/o timeout")
	}
	return nil
}

func (s *fakeStore) GetRecord(_ context.Context, id string) (*ProcessingRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (s *fakeStore) RecentRecords(_ context.Context, limit int) ([]*ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ProcessingRecord
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.records[s.order[i]].Clone())
	}
	return out, nil
}

func (s *fakeStore) SearchRecords(_ context.Context, q RecordQuery, limit int) ([]*ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ProcessingRecord
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r := s.records[s.order[i]]; q.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) AddCounters(_ context.Context, d map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range d {
		s.counters[k] += v
	}
	return nil
}

func (s *fakeStore) LoadCounters(context.Context) (map[string]int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out, s.since, nil
}

func (s *fakeStore) ResetCounters(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = map[string]int64{}
	s.since = at
	return nil
}

func (s *fakeStore) record(id string) *ProcessingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeSource serves a fixed set of messages until they are consumed.
// With sticky set, MarkConsumed is recorded but messages keep being served.
type fakeSource struct {
	mu         sync.Mutex
	msgs       []message.Message
	consumed   map[string]int
	sticky     bool
	fetchErr   error
	fetchCalls int
}

func newFakeSource(msgs ...message.Message) *fakeSource {
	return &fakeSource{msgs: msgs, consumed: map[string]int{}}
}

func (s *fakeSource) FetchNew(_ context.Context, _ message.Filter, max int) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []message.Message
	for _, m := range s.msgs {
		if len(out) >= max {
			break
		}
		if s.consumed[m.ID] > 0 && !s.sticky {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeSource) MarkConsumed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed[id]++
	return nil
}

func (s *fakeSource) consumedCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed[id]
}

func (s *fakeSource) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

type fakeClassifier struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, msg message.Message) (*IssueAnalysis, error)
	calls int
}

func (c *fakeClassifier) Analyze(ctx context.Context, msg message.Message) (*IssueAnalysis, error) {
	c.mu.Lock()
	c.calls++
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return &IssueAnalysis{Category: CategoryTechnical, Priority: PriorityMedium, Sentiment: SentimentNeutral, Confidence: 0.9, Summary: "summary"}, nil
	}
	return fn(ctx, msg)
}

func (c *fakeClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeMatcher struct {
	mu      sync.Mutex
	matches []KnowledgeMatch
	err     error
	queries []string
	limits  []int
}

func (m *fakeMatcher) Search(_ context.Context, q string, limit int) ([]KnowledgeMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	m.limits = append(m.limits, limit)
	return m.matches, m.err
}

type fakeReplies struct {
	mu    sync.Mutex
	sent  []Reply
	calls int
	err   error
	// entered is signaled and release awaited on every call when set
	entered chan struct{}
	release chan struct{}
}

func (r *fakeReplies) Send(ctx context.Context, rep Reply) (string, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, rep)
	return fmt.Sprintf("sent-%d", len(r.sent)), nil
}

func (r *fakeReplies) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakeTickets struct {
	mu      sync.Mutex
	created []TicketFields
	calls   int
	err     error
	// failures calls return failErr before Create starts succeeding
	failures int
	failErr  error
}

func (f *fakeTickets) Create(_ context.Context, t TicketFields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.failures > 0 {
		f.failures--
		return "", f.failErr
	}
	f.created = append(f.created, t)
	return fmt.Sprintf("T-%d", len(f.created)), nil
}

type fakeEscalator struct {
	mu          sync.Mutex
	escalations []Escalation
	alerts      []Alert
}

func (e *fakeEscalator) Escalate(_ context.Context, esc Escalation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalations = append(e.escalations, esc)
	return nil
}

func (e *fakeEscalator) Alert(_ context.Context, a Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, a)
	return nil
}

func (e *fakeEscalator) alertCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.alerts)
}

type fakeMeetings struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeMeetings) Schedule(_ context.Context, _ []string, proposed []Slot, _, _ string) (Slot, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Slot{}, "", f.err
	}
	return proposed[0], "evt-1", nil
}

type fakeSink struct {
	mu   sync.Mutex
	recs []*ProcessingRecord
	err  error
}

func (s *fakeSink) Publish(_ context.Context, rec *ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func msg(id string) message.Message {
	return message.Message{
		ID:         id,
		ThreadID:   "th-" + id,
		Sender:     "customer@example.com",
		Subject:    "Help with " + id,
		Body:       "My login stopped working.",
		ReceivedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		SourceType: message.SourceEmail,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s did not happen within deadline", what)
}
