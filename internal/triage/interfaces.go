package triage

import (
	"context"
	"time"

	"github.com/linnemanlabs/steward/internal/message"
)

// Classifier turns a message into an IssueAnalysis. Malformed upstream output
// or upstream faults are reported as KindClassification errors.
type Classifier interface {
	Analyze(ctx context.Context, msg message.Message) (*IssueAnalysis, error)
}

// Matcher searches the knowledge base. Results are ordered by descending
// similarity; an empty result is valid.
type Matcher interface {
	Search(ctx context.Context, query string, limit int) ([]KnowledgeMatch, error)
}

// ReplySender delivers an answer to the customer and returns the sent message id.
type ReplySender interface {
	Send(ctx context.Context, r Reply) (string, error)
}

// TicketCreator opens a ticket and returns its id. Implementations should
// make repeated creates for the same fields idempotent.
type TicketCreator interface {
	Create(ctx context.Context, t TicketFields) (string, error)
}

// MeetingScheduler books the first workable slot for the participants.
type MeetingScheduler interface {
	Schedule(ctx context.Context, participants []string, proposed []Slot, title, description string) (Slot, string, error)
}

// Alert is an operator-facing notice about the service itself.
type Alert struct {
	Title  string
	Detail string
	Kind   Kind
	At     time.Time
}

// Escalator hands escalated messages to humans and raises operator alerts.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
	Alert(ctx context.Context, a Alert) error
}

// RecordSink receives terminal records after they are stored. Sinks are
// best-effort; their failures are logged.
type RecordSink interface {
	Publish(ctx context.Context, rec *ProcessingRecord) error
}
