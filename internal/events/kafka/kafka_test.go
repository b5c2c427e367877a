package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/steward/internal/triage"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	s := newSink(w, DefaultTopic, nil)
	done := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rec := &triage.ProcessingRecord{
		ID:          "01JN0000000000000000000000",
		MessageID:   "msg-1",
		State:       triage.StateLogged,
		Action:      triage.ActionAutoRespond,
		CompletedAt: done,
	}
	if err := s.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := w.written()
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if string(got[0].Key) != "msg-1" {
		t.Errorf("key = %q, want %q", got[0].Key, "msg-1")
	}
	if !got[0].Time.Equal(done) {
		t.Errorf("time = %v, want %v", got[0].Time, done)
	}
	var decoded triage.ProcessingRecord
	if err := json.Unmarshal(got[0].Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.ID != rec.ID || decoded.Action != rec.Action {
		t.Errorf("decoded = %+v, want id %q action %q", decoded, rec.ID, rec.Action)
	}
	headers := map[string]string{}
	for _, h := range got[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["state"] != string(triage.StateLogged) {
		t.Errorf("state header = %q, want %q", headers["state"], triage.StateLogged)
	}
}

func TestPublish_Nil(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	if err := newSink(w, "t", nil).Publish(context.Background(), nil); err != nil {
		t.Fatalf("Publish(nil): %v", err)
	}
	if n := len(w.written()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestPublish_WriteError(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{err: errors.New("leader not available")}
	err := newSink(w, "t", nil).Publish(context.Background(), &triage.ProcessingRecord{MessageID: "m"})
	if !triage.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}

	w = &fakeWriter{err: context.Canceled}
	err = newSink(w, "t", nil).Publish(context.Background(), &triage.ProcessingRecord{MessageID: "m"})
	if !errors.Is(err, context.Canceled) || triage.IsTransient(err) {
		t.Errorf("err = %v, want bare context.Canceled", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	if err := newSink(w, "t", nil).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	s := New([]string{"localhost:9092"}, "", nil)
	if s.topic != DefaultTopic {
		t.Errorf("topic = %q, want %q", s.topic, DefaultTopic)
	}
	kw, ok := s.w.(*kafka.Writer)
	if !ok {
		t.Fatalf("writer = %T, want *kafka.Writer", s.w)
	}
	if kw.Topic != DefaultTopic {
		t.Errorf("writer topic = %q, want %q", kw.Topic, DefaultTopic)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic without brokers")
		}
	}()
	New(nil, "t", nil)
}
