// Package gmail reads support mail from a Gmail inbox and sends replies.
// The client implements message.Source and triage.ReplySender.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	readability "github.com/go-shiori/go-readability"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/googleauth"
	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/triage"
)

const (
	DefaultQuery = "is:unread newer_than:1h"
	user         = "me"
	unreadLabel  = "UNREAD"
)

// Config for Client.
type Config struct {
	// Query is the Gmail search used when the filter carries none.
	Query string
	// From is the address replies are sent from. Empty uses the account default.
	From string
}

// Client is a Gmail backed message source and reply sender.
type Client struct {
	svc    *gm.Service
	cfg    Config
	logger log.Logger
}

// New creates a Client using an already authenticated HTTP client.
func New(ctx context.Context, hc *http.Client, cfg Config, logger log.Logger, opts ...option.ClientOption) (*Client, error) {
	if hc == nil {
		panic(xerrors.New("gmail http client is required"))
	}
	svc, err := gm.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(hc)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{svc: svc, cfg: cfg, logger: logger}, nil
}

// FetchNew lists messages matching the query and loads each in full.
// Messages that fail to load are skipped unless the failure is a credential
// problem, which fails the whole fetch.
func (c *Client) FetchNew(ctx context.Context, f message.Filter, maxResults int) ([]message.Message, error) {
	q := f.Query
	if q == "" {
		q = c.cfg.Query
	}
	call := c.svc.Users.Messages.List(user).Q(q).Context(ctx)
	if maxResults > 0 {
		call = call.MaxResults(int64(maxResults))
	}
	resp, err := call.Do()
	if err != nil {
		return nil, googleauth.MapError(triage.KindSource, "list messages", err)
	}

	out := make([]message.Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		full, err := c.svc.Users.Messages.Get(user, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			mapped := googleauth.MapError(triage.KindSource, "get message", err)
			if triage.IsAuth(mapped) || errors.Is(err, context.Canceled) {
				return nil, mapped
			}
			c.logger.Warn(ctx, "skipping unreadable message", "gmail_id", ref.Id, "error", err)
			continue
		}
		msg := convert(full)
		if !f.Since.IsZero() && msg.ReceivedAt.Before(f.Since) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkConsumed clears the UNREAD label so the message drops out of the query.
func (c *Client) MarkConsumed(ctx context.Context, id string) error {
	_, err := c.svc.Users.Messages.Modify(user, id, &gm.ModifyMessageRequest{
		RemoveLabelIds: []string{unreadLabel},
	}).Context(ctx).Do()
	if err != nil {
		return googleauth.MapError(triage.KindSource, "mark read", err)
	}
	return nil
}

// Send delivers r and returns the Gmail id of the sent message. Replies in a
// thread carry In-Reply-To and References so clients thread them.
func (c *Client) Send(ctx context.Context, r triage.Reply) (string, error) {
	var inReplyTo string
	if r.ThreadID != "" {
		id, err := c.lastMessageID(ctx, r.ThreadID)
		if err != nil {
			mapped := googleauth.MapError(triage.KindDelivery, "get thread", err)
			if triage.IsAuth(mapped) {
				return "", mapped
			}
			c.logger.Warn(ctx, "could not resolve thread headers", "thread_id", r.ThreadID, "error", err)
		}
		inReplyTo = id
	}

	raw := buildRaw(c.cfg.From, r, inReplyTo)
	sent, err := c.svc.Users.Messages.Send(user, &gm.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: r.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return "", googleauth.MapError(triage.KindDelivery, "send", err)
	}
	return sent.Id, nil
}

func (c *Client) lastMessageID(ctx context.Context, threadID string) (string, error) {
	th, err := c.svc.Users.Threads.Get(user, threadID).
		Format("metadata").
		MetadataHeaders("Message-ID").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	for i := len(th.Messages) - 1; i >= 0; i-- {
		m := th.Messages[i]
		if m.Payload == nil {
			continue
		}
		if id := header(m.Payload.Headers, "Message-ID"); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// buildRaw renders an RFC 5322 message.
func buildRaw(from string, r triage.Reply, inReplyTo string) []byte {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", r.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", encodeHeader(r.Subject))
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(r.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func encodeHeader(s string) string {
	for _, r := range s {
		if r > 127 {
			return mimeQ(s)
		}
	}
	return s
}

func mimeQ(s string) string {
	return "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(s)) + "?="
}

func convert(m *gm.Message) message.Message {
	var headers []*gm.MessagePartHeader
	if m.Payload != nil {
		headers = m.Payload.Headers
	}
	from := header(headers, "From")
	out := message.Message{
		ID:         m.Id,
		ThreadID:   m.ThreadId,
		Sender:     senderAddress(from),
		Subject:    header(headers, "Subject"),
		Body:       strings.TrimSpace(extractBody(m.Payload)),
		ReceivedAt: receivedAt(header(headers, "Date"), m.InternalDate),
		SourceType: message.SourceEmail,
		Labels:     m.LabelIds,
	}
	if out.Body == "" {
		out.Body = m.Snippet
	}
	return out
}

func senderAddress(from string) string {
	if from == "" {
		return ""
	}
	if a, err := mail.ParseAddress(from); err == nil {
		return a.Address
	}
	return from
}

// receivedAt prefers the Date header; Gmail's internal date is the fallback.
func receivedAt(date string, internalMillis int64) time.Time {
	if date != "" {
		if t, err := dateparse.ParseAny(date); err == nil {
			return t.UTC()
		}
	}
	if internalMillis > 0 {
		return time.UnixMilli(internalMillis).UTC()
	}
	return time.Time{}
}

func header(hs []*gm.MessagePartHeader, name string) string {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractBody returns the text/plain body, recursing into multipart parts.
// HTML-only messages are reduced to readable text.
func extractBody(p *gm.MessagePart) string {
	if p == nil {
		return ""
	}
	if s := findPart(p, "text/plain"); s != "" {
		return s
	}
	if html := findPart(p, "text/html"); html != "" {
		return htmlToText(html)
	}
	if p.Body != nil && p.Body.Data != "" && len(p.Parts) == 0 {
		s, _ := decode(p.Body.Data)
		return s
	}
	return ""
}

func findPart(p *gm.MessagePart, mime string) string {
	if strings.HasPrefix(p.MimeType, mime) && p.Body != nil && p.Body.Data != "" {
		if s, err := decode(p.Body.Data); err == nil {
			return s
		}
	}
	for _, part := range p.Parts {
		if part.Filename != "" {
			continue
		}
		if s := findPart(part, mime); s != "" {
			return s
		}
	}
	return ""
}

func htmlToText(html string) string {
	article, err := readability.FromReader(strings.NewReader(html), nil)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return html
	}
	return article.TextContent
}

// decode handles Gmail's base64url data, with or without padding.
func decode(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
