package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownMessage is returned by Multi.MarkConsumed for ids it never produced.
var ErrUnknownMessage = errors.New("message not produced by any source")

// PartialError reports sources that failed while others still returned
// messages. Err joins every source error.
type PartialError struct {
	Err error
}

func (e *PartialError) Error() string { return "partial fetch: " + e.Err.Error() }

func (e *PartialError) Unwrap() error { return e.Err }

// Multi fans in several sources. MarkConsumed is routed back to the source
// that produced the id.
type Multi struct {
	sources []Source

	mu    sync.Mutex
	owner map[string]Source
}

// NewMulti returns a Multi over the given sources. Nil sources are skipped.
func NewMulti(sources ...Source) *Multi {
	m := &Multi{owner: make(map[string]Source)}
	for _, s := range sources {
		if s != nil {
			m.sources = append(m.sources, s)
		}
	}
	return m
}

// Len returns the number of underlying sources.
func (m *Multi) Len() int { return len(m.sources) }

// FetchNew polls each source in order until maxResults messages are
// collected. A failing source does not hide results from the others: the
// messages that were fetched come back together with a *PartialError, and
// when nothing was fetched the joined source errors are returned alone.
func (m *Multi) FetchNew(ctx context.Context, f Filter, maxResults int) ([]Message, error) {
	var (
		out  []Message
		errs []error
	)
	for _, s := range m.sources {
		remaining := maxResults - len(out)
		if maxResults > 0 && remaining <= 0 {
			break
		}
		msgs, err := s.FetchNew(ctx, f, remaining)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.mu.Lock()
		for _, msg := range msgs {
			m.owner[msg.ID] = s
		}
		m.mu.Unlock()
		out = append(out, msgs...)
	}
	switch {
	case len(errs) == 0:
		return out, nil
	case len(out) == 0:
		return nil, errors.Join(errs...)
	default:
		return out, &PartialError{Err: errors.Join(errs...)}
	}
}

// MarkConsumed forwards to the owning source.
func (m *Multi) MarkConsumed(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.owner[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mark consumed %s: %w", id, ErrUnknownMessage)
	}
	if err := s.MarkConsumed(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.owner, id)
	m.mu.Unlock()
	return nil
}
