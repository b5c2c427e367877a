package pgvector

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/steward/internal/knowledge"
	"github.com/linnemanlabs/steward/internal/postgres"
	"github.com/linnemanlabs/steward/internal/triage"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
	err     error
}

func (f *fakeEmbedder) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return openai.EmbeddingResponse{}, f.err
	}
	req := conv.Convert()
	inputs, _ := req.Input.([]string)
	var resp openai.EmbeddingResponse
	for i, in := range inputs {
		v, ok := f.vectors[in]
		if !ok {
			v = []float32{0, 0, 1}
		}
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: v})
	}
	return resp, nil
}

func TestVectorLiteral(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []float32
		want string
	}{
		{nil, "[]"},
		{[]float32{1}, "[1]"},
		{[]float32{0.5, -0.25, 3}, "[0.5,-0.25,3]"},
	}
	for _, tt := range tests {
		if got := vectorLiteral(tt.in); got != tt.want {
			t.Errorf("vectorLiteral(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		auth      bool
		transient bool
	}{
		{"unauthorized", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, true, false},
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, false, true},
		{"server", &openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}, false, true},
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false, false},
		{"network", errors.New("dial tcp: refused"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := mapError(tt.err)
			if got := triage.IsAuth(err); got != tt.auth {
				t.Errorf("IsAuth = %v, want %v", got, tt.auth)
			}
			if got := triage.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if !tt.auth {
				if k := triage.KindOf(err, ""); k != triage.KindLookup {
					t.Errorf("kind = %q, want %q", k, triage.KindLookup)
				}
			}
		})
	}
}

func TestEmbedAll_DimensionMismatch(t *testing.T) {
	t.Parallel()

	m := newMatcher(nil, &fakeEmbedder{vectors: map[string][]float32{"q": {1, 2}}}, Config{Dimensions: 3}, nil)
	_, err := m.embedAll(context.Background(), []string{"q"})
	if err == nil {
		t.Fatal("expected error")
	}
	if triage.IsTransient(err) {
		t.Errorf("dimension mismatch should be permanent: %v", err)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{}
	m := newMatcher(nil, emb, Config{}, nil)
	got, err := m.Search(context.Background(), "   ", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("matches = %d, want 0", len(got))
	}
	if emb.calls != 0 {
		t.Errorf("embed calls = %d, want 0", emb.calls)
	}
}

func TestNewMatcher_Defaults(t *testing.T) {
	t.Parallel()

	m := newMatcher(nil, &fakeEmbedder{}, Config{}, nil)
	if string(m.model) != DefaultModel {
		t.Errorf("model = %q, want %q", m.model, DefaultModel)
	}
	if m.dims != DefaultDimensions {
		t.Errorf("dims = %d, want %d", m.dims, DefaultDimensions)
	}
}

func TestNewMatcher_RequiresEmbedder(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil embedder")
		}
	}()
	newMatcher(nil, nil, Config{}, nil)
}

func TestSyncAndSearch_Integration(t *testing.T) {
	dsn := os.Getenv("STEWARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STEWARD_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS knowledge_articles`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	articles := []knowledge.Article{
		{ID: "reset", Title: "Reset", Content: "reset password"},
		{ID: "refund", Title: "Refund", Content: "refund policy"},
	}
	emb := &fakeEmbedder{vectors: map[string][]float32{
		articles[0].Text(): {1, 0, 0},
		articles[1].Text(): {0, 1, 0},
		"forgot my password": {0.9, 0.1, 0},
	}}
	m, err := New(ctx, pool, emb, Config{Dimensions: 3}, nil)
	if err != nil {
		t.Skipf("pgvector unavailable: %v", err)
	}
	if err := m.Sync(ctx, articles); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got, err := m.Search(ctx, "forgot my password", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2", len(got))
	}
	if got[0].ArticleID != "reset" {
		t.Errorf("best = %q, want %q", got[0].ArticleID, "reset")
	}
	if got[0].Similarity < got[1].Similarity {
		t.Errorf("not ordered: %v < %v", got[0].Similarity, got[1].Similarity)
	}
}
