package pgstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/postgres"
	"github.com/linnemanlabs/steward/internal/triage"
	"github.com/linnemanlabs/steward/internal/triage/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("STEWARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STEWARD_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func newRecord(messageID string) *triage.ProcessingRecord {
	now := time.Now().Truncate(time.Microsecond).UTC()
	return &triage.ProcessingRecord{
		ID:          ulid.Make().String(),
		MessageID:   messageID,
		ThreadID:    "thread-" + messageID,
		Sender:      "customer@example.com",
		Subject:     "Invoice question",
		SourceType:  message.SourceEmail,
		State:       triage.StateLogged,
		Attempts:    2,
		Action:      triage.ActionCreateTicket,
		ActionRef:   "T-100",
		MatchID:     "kb-3",
		Similarity:  0.42,
		Category:    triage.CategoryBilling,
		Priority:    triage.PriorityHigh,
		Sentiment:   triage.SentimentNegative,
		Confidence:  0.77,
		Tags:        []string{"fallback-ticket"},
		CreatedAt:   now,
		CompletedAt: now.Add(1500 * time.Millisecond),
		Duration:    1.5,
	}
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, ulid.Make().String())
}

func TestAppendAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := newRecord(uniqueID("append-get"))
	if err := s.AppendRecord(ctx, r); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	got, ok, err := s.GetRecord(ctx, r.MessageID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !ok {
		t.Fatal("GetRecord returned ok=false, want true")
	}

	assertEqual(t, "ID", r.ID, got.ID)
	assertEqual(t, "ThreadID", r.ThreadID, got.ThreadID)
	assertEqual(t, "SourceType", r.SourceType, got.SourceType)
	assertEqual(t, "State", r.State, got.State)
	assertEqual(t, "Attempts", r.Attempts, got.Attempts)
	assertEqual(t, "Action", r.Action, got.Action)
	assertEqual(t, "ActionRef", r.ActionRef, got.ActionRef)
	assertEqual(t, "Similarity", r.Similarity, got.Similarity)
	assertEqual(t, "Category", r.Category, got.Category)
	assertEqual(t, "Confidence", r.Confidence, got.Confidence)
	assertEqual(t, "CreatedAt", r.CreatedAt, got.CreatedAt)
	assertEqual(t, "CompletedAt", r.CompletedAt, got.CompletedAt)
	if len(got.Tags) != 1 || got.Tags[0] != "fallback-ticket" {
		t.Errorf("Tags = %v, want [fallback-ticket]", got.Tags)
	}

	processed, err := s.IsProcessed(ctx, r.MessageID)
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !processed {
		t.Error("IsProcessed = false, want true")
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.GetRecord(ctx, "nonexistent-message")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if ok {
		t.Error("GetRecord returned ok=true for nonexistent message")
	}
	processed, err := s.IsProcessed(ctx, "nonexistent-message")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if processed {
		t.Error("IsProcessed = true for nonexistent message")
	}
}

func TestAppendDuplicate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id := uniqueID("dup")
	first := newRecord(id)
	if err := s.AppendRecord(ctx, first); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	second := newRecord(id)
	second.State = triage.StateFailed
	if err := s.AppendRecord(ctx, second); !errors.Is(err, triage.ErrDuplicateRecord) {
		t.Fatalf("duplicate AppendRecord err = %v, want ErrDuplicateRecord", err)
	}

	got, _, err := s.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	assertEqual(t, "ID", first.ID, got.ID)
	assertEqual(t, "State", triage.StateLogged, got.State)
}

func TestRecentRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Now().Add(time.Hour).Truncate(time.Microsecond).UTC()
	var ids []string
	for i := range 3 {
		r := newRecord(uniqueID(fmt.Sprintf("recent-%d", i)))
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.AppendRecord(ctx, r); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
		ids = append(ids, r.MessageID)
	}

	got, err := s.RecentRecords(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	assertEqual(t, "got[0]", ids[2], got[0].MessageID)
	assertEqual(t, "got[1]", ids[1], got[1].MessageID)
}

func TestSearchRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sender := uniqueID("search") + "@Example.com"
	base := time.Now().Add(2 * time.Hour).Truncate(time.Microsecond).UTC()
	var ids []string
	for i, subject := range []string{"Refund 50% off", "Refund_request", "Login broken"} {
		r := newRecord(uniqueID(fmt.Sprintf("search-%d", i)))
		r.Sender = sender
		r.Subject = subject
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.AppendRecord(ctx, r); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
		ids = append(ids, r.MessageID)
	}

	got, err := s.SearchRecords(ctx, triage.RecordQuery{Sender: strings.ToLower(sender)}, 10)
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	assertEqual(t, "got[0]", ids[2], got[0].MessageID)

	got, err = s.SearchRecords(ctx, triage.RecordQuery{Sender: sender, Text: "refund_"}, 10)
	if err != nil {
		t.Fatalf("SearchRecords: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	assertEqual(t, "got[0]", ids[1], got[0].MessageID)
}

func TestCounters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	at := time.Now().Truncate(time.Microsecond).UTC()
	if err := s.ResetCounters(ctx, at); err != nil {
		t.Fatalf("ResetCounters: %v", err)
	}
	if err := s.AddCounters(ctx, map[string]int64{triage.CounterTotalProcessed: 1, "category:billing": 1}); err != nil {
		t.Fatalf("AddCounters: %v", err)
	}
	if err := s.AddCounters(ctx, map[string]int64{triage.CounterTotalProcessed: 2}); err != nil {
		t.Fatalf("AddCounters: %v", err)
	}

	counters, since, err := s.LoadCounters(ctx)
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	assertEqual(t, "total", int64(3), counters[triage.CounterTotalProcessed])
	assertEqual(t, "category:billing", int64(1), counters["category:billing"])
	assertEqual(t, "since", at, since)
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
