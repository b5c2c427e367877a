// Package message defines inbound support communications and the sources
// that produce them.
package message

import (
	"context"
	"time"
)

// SourceType identifies the channel a message arrived on.
type SourceType string

const (
	SourceEmail SourceType = "email"
	SourceCall  SourceType = "call"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	return s == SourceEmail || s == SourceCall
}

// Message is one inbound communication. It is immutable once fetched.
type Message struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"thread_id,omitempty"`
	Sender     string     `json:"sender"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	ReceivedAt time.Time  `json:"received_at"`
	SourceType SourceType `json:"source_type"`
	Labels     []string   `json:"labels,omitempty"`
}

// Text returns the subject and body joined for analysis and search.
func (m Message) Text() string {
	if m.Subject == "" {
		return m.Body
	}
	return m.Subject + " " + m.Body
}

// Filter narrows what a source returns from FetchNew.
type Filter struct {
	// Query is passed through to sources that support one (e.g. a Gmail search).
	Query string
	// Since drops messages received before this time when non-zero.
	Since time.Time
}

// Source fetches new messages and accepts consumption acknowledgements.
// FetchNew may return overlapping results across calls.
type Source interface {
	FetchNew(ctx context.Context, f Filter, maxResults int) ([]Message, error)
	MarkConsumed(ctx context.Context, id string) error
}
