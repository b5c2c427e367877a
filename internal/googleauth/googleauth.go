// Package googleauth builds authenticated HTTP clients for Google APIs from
// an installed-app credentials.json and a token.json written next to it.
//
// token.json uses the google-auth (Python) authorized-user format so tokens
// produced by the usual setup scripts work unchanged.
package googleauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/linnemanlabs/steward/internal/triage"
)

// Scopes needed by the mail source, reply sender and calendar scheduler.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/calendar",
}

type authorizedUser struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

const expiryLayout = "2006-01-02T15:04:05.999999Z"

// TokenPath is where the token for credentialsPath is stored.
func TokenPath(credentialsPath string) string {
	return filepath.Join(filepath.Dir(credentialsPath), "token.json")
}

// HTTPClient returns a client whose token refreshes automatically. Refreshed
// tokens are written back to token.json.
func HTTPClient(ctx context.Context, credentialsPath string, logger log.Logger) (*http.Client, error) {
	if logger == nil {
		logger = log.Nop()
	}
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials from %s: %w", credentialsPath, err)
	}
	conf, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	tokenPath := TokenPath(credentialsPath)
	tok, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token from %s: %w", tokenPath, err)
	}

	ts := &savingSource{
		ctx:    ctx,
		src:    oauth2.ReuseTokenSource(tok, conf.TokenSource(ctx, tok)),
		path:   tokenPath,
		conf:   conf,
		last:   tok.AccessToken,
		logger: logger,
	}
	if _, err := ts.Token(); err != nil {
		return nil, MapError(triage.KindSource, "oauth2 refresh", err)
	}
	return oauth2.NewClient(ctx, ts), nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var au authorizedUser
	if err := json.Unmarshal(data, &au); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  au.Token,
		RefreshToken: au.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       parseExpiry(au.Expiry),
	}, nil
}

func parseExpiry(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{expiryLayout, time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func saveToken(path string, tok *oauth2.Token, conf *oauth2.Config) error {
	au := authorizedUser{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenURI:     conf.Endpoint.TokenURL,
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
		Scopes:       conf.Scopes,
		Expiry:       tok.Expiry.UTC().Format(expiryLayout),
	}
	data, err := json.MarshalIndent(au, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// savingSource persists the token whenever the access token changes.
type savingSource struct {
	ctx    context.Context
	src    oauth2.TokenSource
	path   string
	conf   *oauth2.Config
	logger log.Logger

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := saveToken(s.path, tok, s.conf); err != nil {
			s.logger.Warn(s.ctx, "could not save refreshed token", "path", s.path, "error", err)
		}
	}
	return tok, nil
}
