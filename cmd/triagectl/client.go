package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type client struct {
	base  string
	token string
	hc    *http.Client
}

func newClient(o *options) *client {
	return &client{
		base:  strings.TrimRight(o.server, "/") + "/api/v1",
		token: o.token,
		hc:    &http.Client{Timeout: o.timeout},
	}
}

// do sends a request and decodes a 2xx body into out. The raw body is
// returned as well so --json can print exactly what the server said.
func (c *client) do(ctx context.Context, method, path string, out any) ([]byte, int, error) {
	return c.send(ctx, method, path, nil, out)
}

// send is do with a JSON request body. A nil in sends no body.
func (c *client) send(ctx context.Context, method, path string, in, out any) ([]byte, int, error) {
	var payload io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req) //nolint:gosec // server URL is operator supplied
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		return body, resp.StatusCode, &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return body, resp.StatusCode, nil
}

func isStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == status
}
