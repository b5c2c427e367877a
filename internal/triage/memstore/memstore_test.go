package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/steward/internal/triage"
)

func record(id, messageID string) *triage.ProcessingRecord {
	return &triage.ProcessingRecord{
		ID:        id,
		MessageID: messageID,
		State:     triage.StateLogged,
		Action:    triage.ActionCreateTicket,
		Tags:      []string{"triage"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestStore_AppendAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.AppendRecord(ctx, record("r-1", "m-1")); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	got, ok, err := s.GetRecord(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.ID != "r-1" {
		t.Errorf("ID = %q, want %q", got.ID, "r-1")
	}

	processed, err := s.IsProcessed(ctx, "m-1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !processed {
		t.Error("IsProcessed = false, want true")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.GetRecord(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing message")
	}
	processed, _ := s.IsProcessed(context.Background(), "nonexistent")
	if processed {
		t.Error("IsProcessed = true, want false")
	}
}

func TestStore_AppendDuplicate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.AppendRecord(ctx, record("r-1", "m-1")); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	err := s.AppendRecord(ctx, record("r-2", "m-1"))
	if !errors.Is(err, triage.ErrDuplicateRecord) {
		t.Fatalf("second AppendRecord err = %v, want ErrDuplicateRecord", err)
	}

	got, _, _ := s.GetRecord(ctx, "m-1")
	if got.ID != "r-1" {
		t.Errorf("ID = %q, want first record %q", got.ID, "r-1")
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := record("r-1", "m-1")
	if err := s.AppendRecord(ctx, r); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	r.Tags[0] = "mutated"

	got, _, _ := s.GetRecord(ctx, "m-1")
	got.State = triage.StateFailed
	got.Tags[0] = "also-mutated"

	again, _, _ := s.GetRecord(ctx, "m-1")
	if again.State != triage.StateLogged {
		t.Errorf("State = %q, want %q", again.State, triage.StateLogged)
	}
	if again.Tags[0] != "triage" {
		t.Errorf("Tags[0] = %q, want %q", again.Tags[0], "triage")
	}
}

func TestStore_RecentRecords(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 5 {
		if err := s.AppendRecord(ctx, record(fmt.Sprintf("r-%d", i), fmt.Sprintf("m-%d", i))); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}

	got, err := s.RecentRecords(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"m-4", "m-3", "m-2"} {
		if got[i].MessageID != want {
			t.Errorf("got[%d].MessageID = %q, want %q", i, got[i].MessageID, want)
		}
	}

	all, _ := s.RecentRecords(ctx, 0)
	if len(all) != 5 {
		t.Errorf("len(all) = %d, want 5", len(all))
	}
}

func TestStore_SearchRecords(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i, sender := range []string{"ana@example.com", "bo@example.com", "Ana@Example.com"} {
		r := record(fmt.Sprintf("r-%d", i), fmt.Sprintf("m-%d", i))
		r.Sender = sender
		r.Subject = fmt.Sprintf("Invoice %d overdue", i)
		if err := s.AppendRecord(ctx, r); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}

	tests := []struct {
		name  string
		q     triage.RecordQuery
		limit int
		want  []string
	}{
		{"sender ignores case", triage.RecordQuery{Sender: "ANA@example.com"}, 0, []string{"m-2", "m-0"}},
		{"text", triage.RecordQuery{Text: "invoice 1"}, 0, []string{"m-1"}},
		{"sender and text", triage.RecordQuery{Sender: "ana@example.com", Text: "overdue"}, 1, []string{"m-2"}},
		{"no match", triage.RecordQuery{Sender: "nobody@example.com"}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.SearchRecords(ctx, tt.q, tt.limit)
			if err != nil {
				t.Fatalf("SearchRecords: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, want := range tt.want {
				if got[i].MessageID != want {
					t.Errorf("got[%d].MessageID = %q, want %q", i, got[i].MessageID, want)
				}
			}
		})
	}
}

func TestStore_Counters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.AddCounters(ctx, map[string]int64{triage.CounterTotalProcessed: 1, "category:billing": 1})
	_ = s.AddCounters(ctx, map[string]int64{triage.CounterTotalProcessed: 1})

	counters, _, err := s.LoadCounters(ctx)
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if counters[triage.CounterTotalProcessed] != 2 {
		t.Errorf("total = %d, want 2", counters[triage.CounterTotalProcessed])
	}
	if counters["category:billing"] != 1 {
		t.Errorf("category:billing = %d, want 1", counters["category:billing"])
	}

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := s.ResetCounters(ctx, at); err != nil {
		t.Fatalf("ResetCounters: %v", err)
	}
	counters, since, _ := s.LoadCounters(ctx)
	if len(counters) != 0 {
		t.Errorf("counters after reset = %v, want empty", counters)
	}
	if !since.Equal(at) {
		t.Errorf("since = %v, want %v", since, at)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.AppendRecord(ctx, record(fmt.Sprintf("r-%d", i), fmt.Sprintf("m-%d", i%10)))
		}()
		go func() {
			defer wg.Done()
			_ = s.AddCounters(ctx, map[string]int64{triage.CounterTotalProcessed: 1})
			_, _, _ = s.GetRecord(ctx, fmt.Sprintf("m-%d", i%10))
		}()
	}
	wg.Wait()

	recs, _ := s.RecentRecords(ctx, 0)
	if len(recs) != 10 {
		t.Errorf("records = %d, want 10 (one per message)", len(recs))
	}
	counters, _, _ := s.LoadCounters(ctx)
	if counters[triage.CounterTotalProcessed] != 50 {
		t.Errorf("total = %d, want 50", counters[triage.CounterTotalProcessed])
	}
}
