package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/steward/internal/triage"
)

// Config holds the service settings. It implements the go-core
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL string
	SQLitePath  string

	ClaudeAPIKey string
	ClaudeModel  string

	OpenAIAPIKey   string
	EmbeddingModel string
	KnowledgeFile  string

	GmailCredentials string
	GmailQuery       string
	GmailFrom        string
	FetchMaxResults  int

	SuperOpsEndpoint string
	SuperOpsAPIKey   string
	CalendarID       string
	SlackWebhookURL  string
	KafkaBrokers     string
	KafkaTopic       string

	AutoResolveThreshold             float64
	EscalationThreshold              float64
	CallbackOnHighPriorityEscalation bool
	CheckIntervalSeconds             int
	MaxRetries                       int
	KnowledgeSearchLimit             int
	Workers                          int
	CallTimeoutSeconds               int
	RetryInitialMillis               int
	RetryMaxMillis                   int
	CallQueueCapacity                int
	Autostart                        bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) for the operator API, comma separated")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over -sqlite-path)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (empty with no -database-url = in-memory store)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "Claude API key (empty = offline keyword classifier)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-3-5-haiku-latest", "Claude model used for message analysis")

	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for knowledge base embeddings (requires -database-url)")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "embedding model for knowledge search")
	fs.StringVar(&c.KnowledgeFile, "knowledge-file", "", "YAML knowledge base seed file")

	fs.StringVar(&c.GmailCredentials, "gmail-credentials", "", "path to Google OAuth client credentials.json (token.json is kept beside it)")
	fs.StringVar(&c.GmailQuery, "gmail-query", "is:unread newer_than:1h", "Gmail search query for new support mail")
	fs.StringVar(&c.GmailFrom, "gmail-from", "", "From address on automated replies (empty = account default)")
	fs.IntVar(&c.FetchMaxResults, "fetch-max-results", 10, "messages fetched per polling pass (1..500)")

	fs.StringVar(&c.SuperOpsEndpoint, "superops-endpoint", "", "SuperOps GraphQL endpoint")
	fs.StringVar(&c.SuperOpsAPIKey, "superops-api-key", "", "SuperOps API key")
	fs.StringVar(&c.CalendarID, "calendar-id", "primary", "Google Calendar id callback meetings are booked on")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalations and alerts")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka brokers for the record stream (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "steward.records", "Kafka topic for processing records")

	fs.Float64Var(&c.AutoResolveThreshold, "auto-resolve-threshold", 0.8, "minimum knowledge similarity for an automatic reply (0..1)")
	fs.Float64Var(&c.EscalationThreshold, "escalation-threshold", 0.3, "confidence below which messages are escalated (0..1)")
	fs.BoolVar(&c.CallbackOnHighPriorityEscalation, "callback-on-high-priority-escalation", false, "book a callback meeting for high priority escalations")
	fs.IntVar(&c.CheckIntervalSeconds, "check-interval-seconds", 30, "seconds between polling passes (1..86400)")
	fs.IntVar(&c.MaxRetries, "max-retries", 3, "retries after the first attempt for transient upstream failures (0..10)")
	fs.IntVar(&c.KnowledgeSearchLimit, "knowledge-search-limit", 5, "knowledge matches requested per message (1..50)")
	fs.IntVar(&c.Workers, "workers", 4, "messages processed concurrently within a pass (1..64)")
	fs.IntVar(&c.CallTimeoutSeconds, "call-timeout-seconds", 30, "timeout for each upstream call (1..300)")
	fs.IntVar(&c.RetryInitialMillis, "retry-initial-ms", 500, "initial retry backoff in milliseconds")
	fs.IntVar(&c.RetryMaxMillis, "retry-max-ms", 10000, "maximum retry backoff in milliseconds")
	fs.IntVar(&c.CallQueueCapacity, "call-queue-capacity", 1000, "call transcripts held for the next pass")
	fs.BoolVar(&c.Autostart, "autostart", true, "start polling at boot")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if len(c.APITokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Thresholds
	if !inUnit(c.AutoResolveThreshold) {
		errs = append(errs, fmt.Errorf("invalid AUTO_RESOLVE_THRESHOLD %v (must be 0..1)", c.AutoResolveThreshold))
	}
	if !inUnit(c.EscalationThreshold) {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_THRESHOLD %v (must be 0..1)", c.EscalationThreshold))
	}

	// Polling and retries
	if c.CheckIntervalSeconds <= 0 || c.CheckIntervalSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid CHECK_INTERVAL_SECONDS %d (must be 1..86400)", c.CheckIntervalSeconds))
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_RETRIES %d (must be 0..10)", c.MaxRetries))
	}
	if c.KnowledgeSearchLimit <= 0 || c.KnowledgeSearchLimit > 50 {
		errs = append(errs, fmt.Errorf("invalid KNOWLEDGE_SEARCH_LIMIT %d (must be 1..50)", c.KnowledgeSearchLimit))
	}
	if c.FetchMaxResults <= 0 || c.FetchMaxResults > 500 {
		errs = append(errs, fmt.Errorf("invalid FETCH_MAX_RESULTS %d (must be 1..500)", c.FetchMaxResults))
	}
	if c.Workers <= 0 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
	}
	if c.CallTimeoutSeconds <= 0 || c.CallTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid CALL_TIMEOUT_SECONDS %d (must be 1..300)", c.CallTimeoutSeconds))
	}
	if c.RetryInitialMillis <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_INITIAL_MS %d (must be positive)", c.RetryInitialMillis))
	}
	if c.RetryMaxMillis < c.RetryInitialMillis {
		errs = append(errs, fmt.Errorf("RETRY_MAX_MS %d must be at least RETRY_INITIAL_MS %d", c.RetryMaxMillis, c.RetryInitialMillis))
	}
	if c.CallQueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid CALL_QUEUE_CAPACITY %d (must be positive)", c.CallQueueCapacity))
	}

	// Collaborators. The mailbox is also the reply channel.
	if c.GmailCredentials == "" {
		errs = append(errs, errors.New("GMAIL_CREDENTIALS is required"))
	}
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required with CLAUDE_API_KEY"))
	}
	if c.OpenAIAPIKey != "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY requires DATABASE_URL for the vector index"))
	}
	if c.SuperOpsEndpoint == "" {
		errs = append(errs, errors.New("SUPEROPS_ENDPOINT is required"))
	} else if err := checkURL(c.SuperOpsEndpoint); err != nil {
		errs = append(errs, fmt.Errorf("invalid SUPEROPS_ENDPOINT: %w", err))
	}
	if c.SlackWebhookURL != "" {
		if err := checkURL(c.SlackWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}
	if len(c.KafkaBrokerList()) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// APITokens returns the configured API tokens.
func (c *Config) APITokens() []string { return splitList(c.APIToken) }

// KafkaBrokerList returns the configured brokers.
func (c *Config) KafkaBrokerList() []string { return splitList(c.KafkaBrokers) }

// Thresholds returns the routing thresholds.
func (c *Config) Thresholds() triage.Thresholds {
	return triage.Thresholds{
		AutoResolve:            c.AutoResolveThreshold,
		Escalation:             c.EscalationThreshold,
		CallbackOnHighPriority: c.CallbackOnHighPriorityEscalation,
	}
}

// RetryPolicy returns the upstream retry policy.
func (c *Config) RetryPolicy() triage.RetryPolicy {
	return triage.RetryPolicy{
		MaxRetries:  c.MaxRetries,
		Initial:     time.Duration(c.RetryInitialMillis) * time.Millisecond,
		Max:         time.Duration(c.RetryMaxMillis) * time.Millisecond,
		CallTimeout: time.Duration(c.CallTimeoutSeconds) * time.Second,
	}
}

// CheckInterval returns the polling interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// inUnit is false for NaN.
func inUnit(v float64) bool { return v >= 0 && v <= 1 }

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
