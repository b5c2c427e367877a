// Package superops opens tickets through the SuperOps GraphQL API.
package superops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/triage"
)

const httpTimeout = 20 * time.Second

// keys are derived in this namespace so they are stable across restarts
var idempotencyNamespace = uuid.MustParse("6f1c7d5e-3b9a-4d2e-9c41-8a0f2b7e5d13")

const createTicketMutation = `mutation CreateTicket($input: CreateTicketInput!) {
  createTicket(input: $input) {
    id
    ticketNumber
    status
    ticketUrl
  }
}`

// Client implements triage.TicketCreator.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   log.Logger
}

// New creates a SuperOps client for the GraphQL endpoint.
func New(endpoint, apiKey string, logger log.Logger) *Client {
	if endpoint == "" {
		panic(xerrors.New("superops endpoint is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: httpTimeout},
		logger:   logger,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type createResponse struct {
	Data struct {
		CreateTicket *struct {
			ID           string `json:"id"`
			TicketNumber string `json:"ticketNumber"`
			Status       string `json:"status"`
			TicketURL    string `json:"ticketUrl"`
		} `json:"createTicket"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

type customField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// IdempotencyKey is the key sent for tickets opened for messageID.
func IdempotencyKey(messageID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(messageID)).String()
}

// Create opens a ticket and returns its ticket number. Retried creates for
// the same message carry the same idempotency key.
func (c *Client) Create(ctx context.Context, t triage.TicketFields) (string, error) {
	key := uuid.NewString()
	if t.MessageID != "" {
		key = IdempotencyKey(t.MessageID)
	}

	body, err := json.Marshal(gqlRequest{
		Query:     createTicketMutation,
		Variables: map[string]any{"input": ticketInput(t, key)},
	})
	if err != nil {
		return "", triage.PermanentError(triage.KindDelivery, "superops marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", triage.PermanentError(triage.KindDelivery, "superops request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.client.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", triage.TransientError(triage.KindDelivery, "superops create", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", triage.TransientError(triage.KindDelivery, "superops read", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", triage.StatusError(triage.KindDelivery, "superops create", resp.StatusCode,
			fmt.Errorf("superops returned %d: %s", resp.StatusCode, truncate(string(respBody), 512)))
	}

	var out createResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", triage.PermanentError(triage.KindDelivery, "superops decode", err)
	}
	if len(out.Errors) > 0 {
		return "", graphQLError(out.Errors)
	}
	tk := out.Data.CreateTicket
	if tk == nil {
		return "", triage.PermanentError(triage.KindDelivery, "superops create", errors.New("empty createTicket result"))
	}

	ref := tk.TicketNumber
	if ref == "" {
		ref = tk.ID
	}
	c.logger.Info(ctx, "superops ticket created", "ticket", ref, "message_id", t.MessageID, "fallback", t.Fallback)
	return ref, nil
}

func ticketInput(t triage.TicketFields, key string) map[string]any {
	input := map[string]any{
		"title":               t.Title,
		"description":         t.Description,
		"priority":            strings.ToUpper(orDefault(string(t.Priority), string(triage.PriorityMedium))),
		"category":            string(t.Category),
		"customerEmail":       t.CustomerEmail,
		"source":              strings.ToUpper(orDefault(t.Source, "email")),
		"tags":                nonNil(t.Tags),
		"escalateImmediately": t.Priority == triage.PriorityHigh,
		"externalId":          key,
	}
	if len(t.Metadata) > 0 {
		keys := make([]string, 0, len(t.Metadata))
		for k := range t.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]customField, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, customField{Key: k, Value: t.Metadata[k]})
		}
		input["customFields"] = fields
	}
	return input
}

func graphQLError(errs []gqlError) error {
	msgs := make([]string, 0, len(errs))
	code := ""
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		if code == "" {
			code = e.Extensions.Code
		}
	}
	err := fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	switch code {
	case "UNAUTHENTICATED", "FORBIDDEN":
		return triage.AuthError("superops create", err)
	case "RATE_LIMITED", "TOO_MANY_REQUESTS":
		return triage.RateLimitError(triage.KindDelivery, "superops create", err)
	case "INTERNAL_SERVER_ERROR", "SERVICE_UNAVAILABLE":
		return triage.TransientError(triage.KindDelivery, "superops create", err)
	default:
		return triage.PermanentError(triage.KindDelivery, "superops create", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
