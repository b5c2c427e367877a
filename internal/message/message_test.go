package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	msgs     []Message
	fetchErr error
	consumed []string
}

func (f *fakeSource) FetchNew(_ context.Context, _ Filter, maxResults int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if maxResults > 0 && len(f.msgs) > maxResults {
		return append([]Message(nil), f.msgs[:maxResults]...), nil
	}
	return append([]Message(nil), f.msgs...), nil
}

func (f *fakeSource) MarkConsumed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, id)
	return nil
}

func TestMessage_Text(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"subject and body", Message{Subject: "Login", Body: "cannot sign in"}, "Login cannot sign in"},
		{"body only", Message{Body: "transcript text"}, "transcript text"},
		{"empty", Message{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMulti_RoutesMarkConsumed(t *testing.T) {
	t.Parallel()

	a := &fakeSource{msgs: []Message{{ID: "a1"}, {ID: "a2"}}}
	b := &fakeSource{msgs: []Message{{ID: "b1"}}}
	m := NewMulti(a, nil, b)
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	ctx := context.Background()
	msgs, err := m.FetchNew(ctx, Filter{}, 10)
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}

	if err := m.MarkConsumed(ctx, "b1"); err != nil {
		t.Fatalf("MarkConsumed(b1): %v", err)
	}
	if err := m.MarkConsumed(ctx, "a2"); err != nil {
		t.Fatalf("MarkConsumed(a2): %v", err)
	}
	if len(a.consumed) != 1 || a.consumed[0] != "a2" {
		t.Errorf("source a consumed = %v, want [a2]", a.consumed)
	}
	if len(b.consumed) != 1 || b.consumed[0] != "b1" {
		t.Errorf("source b consumed = %v, want [b1]", b.consumed)
	}

	if err := m.MarkConsumed(ctx, "zzz"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("MarkConsumed(unknown) error = %v, want ErrUnknownMessage", err)
	}
}

func TestMulti_RespectsMaxResults(t *testing.T) {
	t.Parallel()

	a := &fakeSource{msgs: []Message{{ID: "a1"}, {ID: "a2"}}}
	b := &fakeSource{msgs: []Message{{ID: "b1"}}}
	m := NewMulti(a, b)

	msgs, err := m.FetchNew(context.Background(), Filter{}, 2)
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("len(msgs) = %d, want 2", len(msgs))
	}
}

func TestMulti_PartialFailure(t *testing.T) {
	t.Parallel()

	bad := &fakeSource{fetchErr: errors.New("gmail down")}
	good := &fakeSource{msgs: []Message{{ID: "ok"}}}

	msgs, err := NewMulti(bad, good).FetchNew(context.Background(), Filter{}, 10)
	var pe *PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PartialError", err)
	}
	if !strings.Contains(err.Error(), "gmail down") {
		t.Errorf("error = %q, want source error", err.Error())
	}
	if len(msgs) != 1 {
		t.Errorf("len(msgs) = %d, want 1", len(msgs))
	}

	_, err = NewMulti(bad).FetchNew(context.Background(), Filter{}, 10)
	if err == nil {
		t.Fatal("expected error when every source fails")
	}
	if errors.As(err, &pe) {
		t.Errorf("err = %v, want plain error when nothing was fetched", err)
	}
}

func TestMulti_PartialFailureKeepsCause(t *testing.T) {
	t.Parallel()

	authErr := errors.New("token revoked")
	bad := &fakeSource{fetchErr: fmt.Errorf("gmail: %w", authErr)}
	good := &fakeSource{msgs: []Message{{ID: "call-1"}}}

	msgs, err := NewMulti(bad, good).FetchNew(context.Background(), Filter{}, 10)
	if len(msgs) != 1 {
		t.Errorf("len(msgs) = %d, want 1", len(msgs))
	}
	if !errors.Is(err, authErr) {
		t.Errorf("err = %v, want wrapped source error", err)
	}
}

func TestInbox_SubmitFetchConsume(t *testing.T) {
	t.Parallel()

	q := NewInbox(2)
	ctx := context.Background()

	if err := q.Submit(Message{ID: "c1", SourceType: SourceCall}); err != nil {
		t.Fatalf("Submit c1: %v", err)
	}
	if err := q.Submit(Message{ID: "c2", SourceType: SourceCall}); err != nil {
		t.Fatalf("Submit c2: %v", err)
	}
	if err := q.Submit(Message{ID: "c3"}); !errors.Is(err, ErrInboxFull) {
		t.Errorf("Submit over capacity = %v, want ErrInboxFull", err)
	}
	// resubmitting a pending id replaces it in place
	if err := q.Submit(Message{ID: "c1", Body: "updated"}); err != nil {
		t.Fatalf("resubmit c1: %v", err)
	}

	msgs, _ := q.FetchNew(ctx, Filter{}, 10)
	if len(msgs) != 2 || msgs[0].ID != "c1" || msgs[0].Body != "updated" {
		t.Fatalf("FetchNew = %+v, want c1(updated), c2", msgs)
	}
	if msgs[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be defaulted on submit")
	}

	// unconsumed messages are returned again
	again, _ := q.FetchNew(ctx, Filter{}, 1)
	if len(again) != 1 || again[0].ID != "c1" {
		t.Errorf("second FetchNew = %+v, want [c1]", again)
	}

	if err := q.MarkConsumed(ctx, "c1"); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	if err := q.MarkConsumed(ctx, "missing"); err != nil {
		t.Errorf("MarkConsumed(missing) = %v, want nil", err)
	}
}

func TestInbox_FilterSince(t *testing.T) {
	t.Parallel()

	q := NewInbox(10)
	now := time.Now()
	_ = q.Submit(Message{ID: "old", ReceivedAt: now.Add(-2 * time.Hour)})
	_ = q.Submit(Message{ID: "new", ReceivedAt: now})

	msgs, _ := q.FetchNew(context.Background(), Filter{Since: now.Add(-time.Hour)}, 10)
	if len(msgs) != 1 || msgs[0].ID != "new" {
		t.Errorf("FetchNew = %+v, want [new]", msgs)
	}
}

func TestInbox_RejectsEmptyID(t *testing.T) {
	t.Parallel()

	if err := NewInbox(1).Submit(Message{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}
