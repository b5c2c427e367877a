// Package claude classifies support messages with the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/triage"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024

	// message bodies past this are cut before prompting
	maxBodyRunes = 8000
)

// messagesAPI is the slice of the SDK the classifier needs.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Classifier implements triage.Classifier on top of Claude.
type Classifier struct {
	api       messagesAPI
	model     string
	maxTokens int64
	logger    log.Logger
}

// New creates a Classifier for apiKey. SDK retries are disabled; the triage
// controller owns the retry policy.
func New(apiKey, model string, logger log.Logger) *Classifier {
	if apiKey == "" {
		panic(xerrors.New("claude api key is required"))
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return newClassifier(&client.Messages, model, logger)
}

func newClassifier(api messagesAPI, model string, logger log.Logger) *Classifier {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Classifier{api: api, model: model, maxTokens: defaultMaxTokens, logger: logger}
}

// Analyze asks the model for a JSON analysis of msg and validates it.
func (c *Classifier) Analyze(ctx context.Context, msg message.Message) (*triage.IssueAnalysis, error) {
	resp, err := c.api.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(msg))),
		},
	})
	if err != nil {
		return nil, mapError(err)
	}

	text := responseText(resp)
	a, err := parseAnalysis(text)
	if err != nil {
		c.logger.Warn(ctx, "unusable classifier output", "message_id", msg.ID, "error", err, "output_len", len(text))
		return nil, triage.PermanentError(triage.KindClassification, "parse", err)
	}
	if v, clamped := triage.Clamp01(a.Confidence); clamped {
		c.logger.Warn(ctx, "classifier confidence out of range, clamped", "message_id", msg.ID, "confidence", a.Confidence, "clamped", v)
		a.Confidence = v
	}
	return a, nil
}

func responseText(m *anthropic.Message) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// analysisJSON is the shape the model is asked to produce. Confidence and
// extracted values are loosely typed because models quote numbers and emit
// bare numeric ids.
type analysisJSON struct {
	Category      string                     `json:"category"`
	Priority      string                     `json:"priority"`
	Sentiment     string                     `json:"sentiment"`
	Confidence    *looseFloat                `json:"confidence"`
	Summary       string                     `json:"summary"`
	Intent        string                     `json:"intent"`
	Keywords      []string                   `json:"keywords"`
	ExtractedData map[string]json.RawMessage `json:"extracted_data"`
}

// looseFloat accepts a JSON number or a string holding one.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var q string
		if err := json.Unmarshal(b, &q); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(q), "%")
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("confidence %q is not a number", q)
		}
		if strings.HasSuffix(strings.TrimSpace(q), "%") {
			v /= 100
		}
		*f = looseFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	*f = looseFloat(v)
	return nil
}

// extractedStrings flattens extracted values to strings. Numbers and bools
// keep their JSON text so long ids are not rounded; nulls are dropped.
func extractedStrings(in map[string]json.RawMessage) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, raw := range in {
		v := strings.TrimSpace(string(raw))
		switch {
		case v == "" || v == "null":
			continue
		case strings.HasPrefix(v, `"`):
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}

func parseAnalysis(text string) (*triage.IssueAnalysis, error) {
	raw := stripFences(text)
	if raw == "" {
		return nil, errors.New("empty response")
	}
	var out analysisJSON
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}

	var errs []error
	cat, ok := triage.ParseCategory(strings.ToLower(strings.TrimSpace(out.Category)))
	if !ok {
		errs = append(errs, fmt.Errorf("unknown category %q", out.Category))
	}
	pri, ok := triage.ParsePriority(strings.ToLower(strings.TrimSpace(out.Priority)))
	if !ok {
		errs = append(errs, fmt.Errorf("unknown priority %q", out.Priority))
	}
	sen, ok := triage.ParseSentiment(strings.ToLower(strings.TrimSpace(out.Sentiment)))
	if !ok {
		errs = append(errs, fmt.Errorf("unknown sentiment %q", out.Sentiment))
	}
	if out.Confidence == nil {
		errs = append(errs, errors.New("missing confidence"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &triage.IssueAnalysis{
		Category:      cat,
		Priority:      pri,
		Sentiment:     sen,
		Confidence:    float64(*out.Confidence),
		Summary:       strings.TrimSpace(out.Summary),
		Intent:        out.Intent,
		Keywords:      out.Keywords,
		ExtractedData: extractedStrings(out.ExtractedData),
	}, nil
}

// stripFences removes a surrounding ``` block and any prose around the JSON object.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

// mapError translates SDK failures onto the triage error taxonomy.
func mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return triage.AuthError("claude", err)
		case code == http.StatusTooManyRequests:
			return triage.RateLimitError(triage.KindClassification, "claude", err)
		case code >= 500:
			// includes 529 overloaded
			return triage.TransientError(triage.KindClassification, "claude", err)
		default:
			return triage.PermanentError(triage.KindClassification, "claude", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// network errors and deadlines
	return triage.TransientError(triage.KindClassification, "claude", err)
}
