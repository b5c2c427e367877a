package message

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInboxFull is returned by Inbox.Submit when the queue is at capacity.
var ErrInboxFull = errors.New("inbox full")

// Inbox is an in-memory Source for messages pushed to the service, such as
// call transcripts posted over HTTP. Messages stay queued until consumed.
type Inbox struct {
	mu       sync.Mutex
	capacity int
	order    []string
	pending  map[string]Message
}

// NewInbox creates an Inbox holding at most capacity unconsumed messages.
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Inbox{
		capacity: capacity,
		pending:  make(map[string]Message),
	}
}

// Submit queues msg. Resubmitting an id that is still pending replaces it.
func (q *Inbox) Submit(msg Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[msg.ID]; ok {
		q.pending[msg.ID] = msg
		return nil
	}
	if len(q.order) >= q.capacity {
		return ErrInboxFull
	}
	q.order = append(q.order, msg.ID)
	q.pending[msg.ID] = msg
	return nil
}

// Len returns the number of unconsumed messages.
func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// FetchNew returns up to maxResults pending messages in submission order.
// The same messages are returned again until they are marked consumed.
func (q *Inbox) FetchNew(_ context.Context, f Filter, maxResults int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, min(len(q.order), max(maxResults, 0)))
	for _, id := range q.order {
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
		msg := q.pending[id]
		if !f.Since.IsZero() && msg.ReceivedAt.Before(f.Since) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkConsumed drops id from the queue. Unknown ids are ignored.
func (q *Inbox) MarkConsumed(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; !ok {
		return nil
	}
	delete(q.pending, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}
