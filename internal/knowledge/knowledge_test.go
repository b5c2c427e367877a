package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
articles:
  - id: reset-password
    title: Resetting your password
    category: account
    content: Use the Forgot Password link on the login page.
    tags: [login, password]
    solution_steps:
      - Open the login page
      - Click Forgot Password
  - id: refund-policy
    title: Refund policy
    category: billing
    content: Refunds are issued within 5 business days.
`

func TestLoad(t *testing.T) {
	t.Parallel()

	articles, err := Load(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(articles) != 2 {
		t.Fatalf("articles = %d, want 2", len(articles))
	}
	a := articles[0]
	if a.ID != "reset-password" {
		t.Errorf("id = %q, want %q", a.ID, "reset-password")
	}
	if len(a.SolutionSteps) != 2 {
		t.Errorf("steps = %d, want 2", len(a.SolutionSteps))
	}
	if !strings.Contains(a.Body(), "2. Click Forgot Password") {
		t.Errorf("body missing numbered steps: %q", a.Body())
	}
	if !strings.Contains(a.Text(), "login") {
		t.Errorf("text missing tags: %q", a.Text())
	}
	if articles[1].Body() != articles[1].Content {
		t.Errorf("body without steps = %q, want content", articles[1].Body())
	}
}

func TestLoad_Empty(t *testing.T) {
	t.Parallel()

	articles, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(articles) != 0 {
		t.Errorf("articles = %d, want 0", len(articles))
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing id", "articles:\n  - content: x\n", "id is required"},
		{"missing content", "articles:\n  - id: a\n", "content is required"},
		{"duplicate", "articles:\n  - {id: a, content: x}\n  - {id: a, content: y}\n", "duplicate id"},
		{"unknown field", "articles:\n  - {id: a, content: x, body: y}\n", "decode knowledge base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kb.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	articles, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("articles = %d, want 2", len(articles))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
