// Package pgvector matches messages against knowledge base articles stored
// in PostgreSQL with the pgvector extension. Queries are embedded with the
// OpenAI embeddings API.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/knowledge"
	"github.com/linnemanlabs/steward/internal/triage"
)

const (
	DefaultModel      = string(openai.SmallEmbedding3)
	DefaultDimensions = 1536
)

// Embedder turns text into vectors. *openai.Client satisfies it.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ db = (*pgxpool.Pool)(nil)

// Config for Matcher.
type Config struct {
	Model      string
	Dimensions int
}

// Matcher implements triage.Matcher over a knowledge_articles table.
type Matcher struct {
	db     db
	embed  Embedder
	model  openai.EmbeddingModel
	dims   int
	logger log.Logger
}

// NewOpenAI returns an Embedder for apiKey.
func NewOpenAI(apiKey string) Embedder {
	return openai.NewClient(apiKey)
}

// New creates the article table if needed and returns a Matcher.
func New(ctx context.Context, pool *pgxpool.Pool, embed Embedder, cfg Config, logger log.Logger) (*Matcher, error) {
	m := newMatcher(pool, embed, cfg, logger)
	if err := m.migrate(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func newMatcher(d db, embed Embedder, cfg Config, logger log.Logger) *Matcher {
	if embed == nil {
		panic(xerrors.New("pgvector embedder is required"))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Matcher{db: d, embed: embed, model: openai.EmbeddingModel(cfg.Model), dims: cfg.Dimensions, logger: logger}
}

func (m *Matcher) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_articles (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT '',
			tags       TEXT[] NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, m.dims),
	}
	for _, s := range stmts {
		if _, err := m.db.Exec(ctx, s); err != nil {
			return fmt.Errorf("migrate knowledge_articles: %w", err)
		}
	}
	return nil
}

// Search embeds query and returns the closest articles by cosine similarity.
func (m *Matcher) Search(ctx context.Context, query string, limit int) ([]triage.KnowledgeMatch, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	vecs, err := m.embedAll(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	rows, err := m.db.Query(ctx,
		`SELECT id, title, content, 1 - (embedding <=> $1::vector) AS similarity
		 FROM knowledge_articles
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		vectorLiteral(vecs[0]), limit,
	)
	if err != nil {
		return nil, triage.TransientError(triage.KindLookup, "pgvector search", err)
	}
	defer rows.Close()

	var out []triage.KnowledgeMatch
	for rows.Next() {
		var (
			km  triage.KnowledgeMatch
			sim float64
		)
		if err := rows.Scan(&km.ArticleID, &km.Title, &km.Content, &sim); err != nil {
			return nil, triage.PermanentError(triage.KindLookup, "pgvector scan", err)
		}
		km.Similarity, _ = triage.Clamp01(sim)
		out = append(out, km)
	}
	if err := rows.Err(); err != nil {
		return nil, triage.TransientError(triage.KindLookup, "pgvector search", err)
	}
	return out, nil
}

// Sync embeds articles and upserts them in one transaction.
func (m *Matcher) Sync(ctx context.Context, articles []knowledge.Article) error {
	if len(articles) == 0 {
		return nil
	}
	texts := make([]string, len(articles))
	for i, a := range articles {
		texts[i] = a.Text()
	}
	vecs, err := m.embedAll(ctx, texts)
	if err != nil {
		return err
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	for i, a := range articles {
		tags := a.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(`INSERT INTO knowledge_articles (id, title, content, category, tags, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::vector, now())
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title, content = EXCLUDED.content, category = EXCLUDED.category,
				tags = EXCLUDED.tags, embedding = EXCLUDED.embedding, updated_at = now()`,
			a.ID, a.Title, a.Body(), a.Category, tags, vectorLiteral(vecs[i]))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert articles: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.logger.Info(ctx, "knowledge base synced", "articles", len(articles))
	return nil
}

func (m *Matcher) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := m.embed.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: m.model,
	})
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, triage.PermanentError(triage.KindLookup, "embed",
			fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, triage.PermanentError(triage.KindLookup, "embed", fmt.Errorf("embedding index %d out of range", d.Index))
		}
		if len(d.Embedding) != m.dims {
			return nil, triage.PermanentError(triage.KindLookup, "embed",
				fmt.Errorf("embedding has %d dimensions, want %d", len(d.Embedding), m.dims))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// vectorLiteral formats v in pgvector text form, e.g. [0.1,0.2].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func mapError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return triage.AuthError("openai embeddings", err)
	case status == http.StatusTooManyRequests:
		return triage.RateLimitError(triage.KindLookup, "embed", err)
	case status >= 500 || status == 0:
		return triage.TransientError(triage.KindLookup, "embed", err)
	default:
		return triage.PermanentError(triage.KindLookup, "embed", err)
	}
}
