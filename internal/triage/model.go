package triage

import (
	"time"

	"github.com/linnemanlabs/steward/internal/message"
)

// State tracks where a message is in the pipeline.
type State string

const (
	StateReceived  State = "received"
	StateAnalyzing State = "analyzing"
	StateMatching  State = "matching"
	StateDeciding  State = "deciding"
	StateExecuting State = "executing"

	// StateLogged means the action ran and the record was handed to the recorder.
	StateLogged State = "logged"

	// StateFailed means the pipeline gave up on the message.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateLogged || s == StateFailed
}

// Category is the issue category assigned by the classifier.
type Category string

const (
	CategoryTechnical      Category = "technical"
	CategoryBilling        Category = "billing"
	CategoryAccount        Category = "account"
	CategoryGeneral        Category = "general"
	CategoryComplaint      Category = "complaint"
	CategoryFeatureRequest Category = "feature_request"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryTechnical, CategoryBilling, CategoryAccount,
	CategoryGeneral, CategoryComplaint, CategoryFeatureRequest,
}

// Priority is the urgency assigned by the classifier.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Sentiment is the customer tone assigned by the classifier.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseCategory validates s as a Category.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// ParsePriority validates s as a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(s); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, true
	}
	return "", false
}

// ParseSentiment validates s as a Sentiment.
func ParseSentiment(s string) (Sentiment, bool) {
	switch v := Sentiment(s); v {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return v, true
	}
	return "", false
}

// IssueAnalysis is the classifier's read of one message. It is produced once
// and never mutated.
type IssueAnalysis struct {
	Category      Category          `json:"category"`
	Priority      Priority          `json:"priority"`
	Sentiment     Sentiment         `json:"sentiment"`
	Confidence    float64           `json:"confidence"`
	ExtractedData map[string]string `json:"extracted_data,omitempty"`
	Summary       string            `json:"summary"`
	Intent        string            `json:"intent,omitempty"`
	Keywords      []string          `json:"keywords,omitempty"`
}

// KnowledgeMatch is one knowledge base article scored against a message.
type KnowledgeMatch struct {
	ArticleID  string  `json:"article_id"`
	Similarity float64 `json:"similarity"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
}

// ActionKind tags the variant carried by an ActionPlan.
type ActionKind string

const (
	ActionAutoRespond  ActionKind = "auto_respond"
	ActionCreateTicket ActionKind = "create_ticket"
	ActionEscalate     ActionKind = "escalate"
	ActionFail         ActionKind = "fail"
)

// Reply is an outbound answer to the sender.
type Reply struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	ThreadID string `json:"thread_id,omitempty"`
	MatchID  string `json:"match_id"`
}

// TicketFields is everything a ticketing system needs to open a ticket.
type TicketFields struct {
	MessageID     string            `json:"message_id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Priority      Priority          `json:"priority"`
	Category      Category          `json:"category"`
	CustomerEmail string            `json:"customer_email"`
	Source        string            `json:"source"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// Fallback marks a ticket opened because the pipeline failed.
	Fallback bool `json:"fallback,omitempty"`
}

// Escalation hands a message to a human.
type Escalation struct {
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Reason     string    `json:"reason"`
	Category   Category  `json:"category"`
	Priority   Priority  `json:"priority"`
	Sentiment  Sentiment `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
}

// Slot is a proposed or booked meeting window.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MeetingRequest asks the scheduler to book a callback.
type MeetingRequest struct {
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Participants []string      `json:"participants"`
	Duration     time.Duration `json:"duration"`
	Slots        []Slot        `json:"slots,omitempty"`
}

// ActionPlan is the single decision made for a message. Exactly one of the
// variant payloads is set, matching Kind. Meeting is an optional add-on.
type ActionPlan struct {
	Kind       ActionKind      `json:"kind"`
	Reply      *Reply          `json:"reply,omitempty"`
	Ticket     *TicketFields   `json:"ticket,omitempty"`
	Escalation *Escalation     `json:"escalation,omitempty"`
	ErrorKind  Kind            `json:"error_kind,omitempty"`
	Meeting    *MeetingRequest `json:"meeting,omitempty"`
}

// ProcessingRecord is the audit entry for one message. The controller owns it
// while in flight; once terminal it is appended to the store and never changed.
type ProcessingRecord struct {
	ID          string             `json:"id"`
	MessageID   string             `json:"message_id"`
	ThreadID    string             `json:"thread_id,omitempty"`
	Sender      string             `json:"sender"`
	Subject     string             `json:"subject"`
	SourceType  message.SourceType `json:"source_type"`
	State       State              `json:"state"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"`
	ErrorKind   Kind               `json:"error_kind,omitempty"`
	Action      ActionKind         `json:"action,omitempty"`
	ActionRef   string             `json:"action_ref,omitempty"`
	MatchID     string             `json:"match_id,omitempty"`
	Similarity  float64            `json:"similarity,omitempty"`
	Category    Category           `json:"category,omitempty"`
	Priority    Priority           `json:"priority,omitempty"`
	Sentiment   Sentiment          `json:"sentiment,omitempty"`
	Confidence  float64            `json:"confidence,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
	Duration    float64            `json:"duration_seconds,omitempty"`
}

// Clone returns a deep copy of r.
func (r *ProcessingRecord) Clone() *ProcessingRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	return &cp
}

func (r *ProcessingRecord) addTag(tag string) {
	for _, t := range r.Tags {
		if t == tag {
			return
		}
	}
	r.Tags = append(r.Tags, tag)
}
