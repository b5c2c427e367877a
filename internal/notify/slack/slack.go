// Package slack hands escalations and operator alerts to Slack via an
// incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/steward/internal/triage"
)

const (
	maxSummaryLen = 2000
	httpTimeout   = 10 * time.Second
)

// Escalator implements triage.Escalator over a Slack webhook.
type Escalator struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack escalator. If webhookURL is empty, every call is a no-op.
func New(webhookURL string, logger log.Logger) *Escalator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Escalator{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (e *Escalator) Enabled() bool { return e.webhookURL != "" }

// Escalate posts an escalated message for a human to pick up.
func (e *Escalator) Escalate(ctx context.Context, esc triage.Escalation) error {
	return e.post(ctx, "escalate", escalationMessage(esc))
}

// Alert posts an operator alert about the service itself.
func (e *Escalator) Alert(ctx context.Context, a triage.Alert) error {
	return e.post(ctx, "alert", alertMessage(a))
}

func (e *Escalator) post(ctx context.Context, op string, msg map[string]any) error {
	if e.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return triage.PermanentError(triage.KindDelivery, "slack "+op, fmt.Errorf("marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
	if err != nil {
		return triage.PermanentError(triage.KindDelivery, "slack "+op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req) //nolint:gosec // webhookURL is from trusted config
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return triage.TransientError(triage.KindDelivery, "slack "+op, fmt.Errorf("post webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return triage.StatusError(triage.KindDelivery, "slack "+op, resp.StatusCode,
			fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody)))
	}
	e.logger.Info(ctx, "slack message posted", "kind", op)
	return nil
}

func escalationMessage(esc triage.Escalation) map[string]any {
	subject := esc.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	summary := truncate(esc.Summary, maxSummaryLen)
	if summary == "" {
		summary = "_No summary available._"
	}
	return map[string]any{
		"text": fmt.Sprintf("Escalation: %s", subject),
		"blocks": []map[string]any{
			header(fmt.Sprintf("%s Escalation: %s", priorityEmoji(esc.Priority), subject)),
			{"type": "divider"},
			fields(
				"*From:* "+esc.Sender,
				"*Reason:* "+esc.Reason,
				"*Category:* "+string(esc.Category),
				"*Priority:* "+string(esc.Priority),
				"*Sentiment:* "+string(esc.Sentiment),
				fmt.Sprintf("*Confidence:* %.0f%%", esc.Confidence*100),
			),
			section("*Summary*\n\n" + summary),
			contextLine(fmt.Sprintf("steward • message %s", esc.MessageID)),
		},
	}
}

func alertMessage(a triage.Alert) map[string]any {
	ts := a.At
	if ts.IsZero() {
		ts = time.Now()
	}
	detail := truncate(a.Detail, maxSummaryLen)
	blocks := []map[string]any{
		header("\U0001f6a8 " + a.Title),
	}
	if detail != "" {
		blocks = append(blocks, section(detail))
	}
	kind := string(a.Kind)
	if kind == "" {
		kind = "service"
	}
	blocks = append(blocks, contextLine(fmt.Sprintf("steward • %s • %s", kind, ts.UTC().Format("2006-01-02 15:04 UTC"))))
	return map[string]any{"text": a.Title, "blocks": blocks}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": truncate(text, 150)},
	}
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func fields(texts ...string) map[string]any {
	out := make([]map[string]any, 0, len(texts))
	for _, t := range texts {
		out = append(out, map[string]any{"type": "mrkdwn", "text": t})
	}
	return map[string]any{"type": "section", "fields": out}
}

func contextLine(text string) map[string]any {
	return map[string]any{
		"type":     "context",
		"elements": []map[string]any{{"type": "mrkdwn", "text": text}},
	}
}

func priorityEmoji(p triage.Priority) string {
	switch triage.Priority(strings.ToLower(string(p))) {
	case triage.PriorityHigh:
		return "\U0001f534" // red circle
	case triage.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
