package triage

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/steward/internal/message"
)

const (
	// ReasonLowConfidence is the escalation reason when the classifier is unsure.
	ReasonLowConfidence = "low classifier confidence"

	ticketSource         = "email_automation"
	maxDescriptionRunes  = 1000
	defaultMeetingLength = 30 * time.Minute
	maxProposedSlots     = 10
)

// Thresholds parameterizes Decide.
type Thresholds struct {
	// AutoResolve is the minimum best-match similarity for an automatic reply.
	AutoResolve float64
	// Escalation is the confidence below which a message goes to a human.
	Escalation float64
	// CallbackOnHighPriority attaches a meeting request to high priority escalations.
	CallbackOnHighPriority bool
}

// DefaultThresholds returns the stock routing thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoResolve: 0.8, Escalation: 0.3}
}

// Decide maps an analysis and the top knowledge match to exactly one action.
// Rules apply in order and comparisons are inclusive:
//
//  1. confidence < Escalation: escalate, whatever the matches say
//  2. best.Similarity >= AutoResolve: reply with the matched content
//  3. otherwise: open a ticket
//
// best may be nil when the search returned nothing.
func Decide(a *IssueAnalysis, best *KnowledgeMatch, th Thresholds) ActionPlan {
	if a == nil {
		return ActionPlan{Kind: ActionFail, ErrorKind: KindClassification}
	}
	confidence, _ := Clamp01(a.Confidence)

	if confidence < th.Escalation {
		plan := ActionPlan{
			Kind: ActionEscalate,
			Escalation: &Escalation{
				Reason:     ReasonLowConfidence,
				Category:   a.Category,
				Priority:   a.Priority,
				Sentiment:  a.Sentiment,
				Confidence: confidence,
				Summary:    a.Summary,
			},
		}
		if th.CallbackOnHighPriority && a.Priority == PriorityHigh {
			plan.Meeting = &MeetingRequest{Duration: defaultMeetingLength}
		}
		return plan
	}

	if best != nil {
		if sim, _ := Clamp01(best.Similarity); sim >= th.AutoResolve {
			return ActionPlan{
				Kind: ActionAutoRespond,
				Reply: &Reply{
					Body:    solutionResponse(a.Category, best.Content),
					MatchID: best.ArticleID,
				},
			}
		}
	}

	return ActionPlan{
		Kind:   ActionCreateTicket,
		Ticket: ticketFields(a),
	}
}

// BestMatch returns the first match in matcher order, or nil.
func BestMatch(matches []KnowledgeMatch) *KnowledgeMatch {
	if len(matches) == 0 {
		return nil
	}
	m := matches[0]
	return &m
}

// Clamp01 forces v into [0,1]. NaN becomes 0. The bool reports whether v
// was out of range.
func Clamp01(v float64) (float64, bool) {
	switch {
	case math.IsNaN(v):
		return 0, true
	case v < 0:
		return 0, true
	case v > 1:
		return 1, true
	}
	return v, false
}

// Address fills the message-derived fields of a plan: recipients, subjects,
// thread, customer and the meeting window. Decide stays independent of the
// message so it can be tested on analysis alone.
func (p ActionPlan) Address(msg message.Message, now time.Time) ActionPlan {
	switch p.Kind {
	case ActionAutoRespond:
		if p.Reply != nil {
			r := *p.Reply
			r.To = msg.Sender
			r.Subject = replySubject(msg.Subject)
			r.ThreadID = msg.ThreadID
			p.Reply = &r
		}
	case ActionCreateTicket:
		if p.Ticket != nil {
			t := *p.Ticket
			t.MessageID = msg.ID
			t.CustomerEmail = msg.Sender
			if msg.Subject != "" {
				t.Title = msg.Subject
			}
			t.Description = describe(t.Description, msg.Body)
			p.Ticket = &t
		}
	case ActionEscalate:
		if p.Escalation != nil {
			e := *p.Escalation
			e.MessageID = msg.ID
			e.Sender = msg.Sender
			e.Subject = msg.Subject
			p.Escalation = &e
		}
	}
	if p.Meeting != nil {
		m := *p.Meeting
		if m.Duration <= 0 {
			m.Duration = defaultMeetingLength
		}
		m.Participants = []string{msg.Sender}
		m.Title = "Support callback: " + orDefault(msg.Subject, "your request")
		if p.Escalation != nil {
			m.Description = p.Escalation.Summary
		}
		m.Slots = ProposeSlots(now, m.Duration, maxProposedSlots)
		p.Meeting = &m
	}
	return p
}

// FallbackTicket builds the ticket opened when the pipeline fails for msg.
func FallbackTicket(msg message.Message, rec *ProcessingRecord) TicketFields {
	priority := rec.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	category := rec.Category
	if category == "" {
		category = CategoryGeneral
	}
	desc := fmt.Sprintf("Automated triage failed (%s): %s", orDefault(string(rec.ErrorKind), "unknown"), rec.LastError)
	return TicketFields{
		MessageID:     msg.ID,
		Title:         orDefault(msg.Subject, "Support request from "+msg.Sender),
		Description:   describe(desc, msg.Body),
		Priority:      priority,
		Category:      category,
		CustomerEmail: msg.Sender,
		Source:        ticketSource,
		Tags:          []string{"triage", "triage-failed"},
		Metadata:      map[string]string{"record_id": rec.ID, "source_type": string(msg.SourceType)},
		Fallback:      true,
	}
}

// ProposeSlots returns up to n candidate windows of length d during business
// hours (09:00-17:00, Monday to Friday) in from's location, starting at the
// next full hour.
func ProposeSlots(from time.Time, d time.Duration, n int) []Slot {
	const startHour, endHour = 9, 17
	if d <= 0 || n <= 0 {
		return nil
	}
	slots := make([]Slot, 0, n)
	t := from.Truncate(time.Hour).Add(time.Hour)
	// two weeks of hourly steps is always enough to fill n business slots
	for i := 0; i < 24*14 && len(slots) < n; i++ {
		start := t.Add(time.Duration(i) * time.Hour)
		start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), 0, 0, 0, from.Location())
		if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		end := start.Add(d)
		if start.Hour() < startHour || end.After(time.Date(start.Year(), start.Month(), start.Day(), endHour, 0, 0, 0, from.Location())) {
			continue
		}
		slots = append(slots, Slot{Start: start, End: end})
	}
	return slots
}

func ticketFields(a *IssueAnalysis) *TicketFields {
	tags := []string{"triage", "category:" + string(a.Category)}
	var meta map[string]string
	if len(a.ExtractedData) > 0 {
		meta = make(map[string]string, len(a.ExtractedData))
		keys := make([]string, 0, len(a.ExtractedData))
		for k, v := range a.ExtractedData {
			meta[k] = v
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tags = append(tags, "data:"+k)
		}
	}
	if a.Intent != "" {
		if meta == nil {
			meta = map[string]string{}
		}
		meta["intent"] = a.Intent
	}
	return &TicketFields{
		Title:       orDefault(a.Summary, "Support request"),
		Description: a.Summary,
		Priority:    a.Priority,
		Category:    a.Category,
		Source:      ticketSource,
		Tags:        tags,
		Metadata:    meta,
	}
}

func solutionResponse(c Category, content string) string {
	if strings.TrimSpace(content) == "" {
		content = "Please see our knowledge base for detailed instructions."
	}
	issue := strings.ReplaceAll(string(c), "_", " ")
	if issue == "" {
		issue = "support"
	}
	var b strings.Builder
	b.WriteString("Hello,\n\n")
	fmt.Fprintf(&b, "Thank you for contacting our support team. I found a solution that should help with your %s issue.\n\n", issue)
	b.WriteString("Solution:\n")
	b.WriteString(strings.TrimSpace(content))
	b.WriteString("\n\nIf this doesn't resolve your issue, just reply to this message and our team will follow up with you.\n\n")
	b.WriteString("Best regards,\nSupport Team")
	return b.String()
}

func replySubject(s string) string {
	if s == "" {
		return "Re: your support request"
	}
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func describe(summary, body string) string {
	body = truncateRunes(strings.TrimSpace(body), maxDescriptionRunes)
	switch {
	case summary == "":
		return body
	case body == "":
		return summary
	}
	return summary + "\n\n" + body
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
