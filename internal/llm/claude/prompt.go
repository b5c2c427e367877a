package claude

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/steward/internal/message"
)

const systemPrompt = `You triage inbound customer support messages for a help desk.

Read the message and reply with a single JSON object and nothing else:
{
  "category": "technical | billing | account | general | complaint | feature_request",
  "priority": "high | medium | low",
  "sentiment": "positive | neutral | negative",
  "confidence": 0.0,
  "summary": "one or two sentence summary of the customer's issue",
  "intent": "question | support_request | refund_request | complaint",
  "keywords": ["up", "to", "ten", "keywords"],
  "extracted_data": {"order_number": "...", "error_code": "..."}
}

Rules:
- confidence is your certainty in the classification, from 0.0 to 1.0.
- priority is high only for outages, data loss, security issues or explicit urgency.
- extracted_data holds only values stated in the message; omit unknown keys.
- Call transcripts may be informal or contain speech recognition errors.`

func userPrompt(msg message.Message) string {
	var b strings.Builder
	kind := "Email"
	if msg.SourceType == message.SourceCall {
		kind = "Call transcript"
	}
	fmt.Fprintf(&b, "Source: %s\n", kind)
	if msg.Sender != "" {
		fmt.Fprintf(&b, "From: %s\n", msg.Sender)
	}
	if msg.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	}
	b.WriteString("\n")
	b.WriteString(truncate(msg.Body, maxBodyRunes))
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "\n[truncated]"
}
