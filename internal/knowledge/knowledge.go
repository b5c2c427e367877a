// Package knowledge loads knowledge base articles. Matchers live in the
// local and pgvector subpackages.
package knowledge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Article is one knowledge base entry.
type Article struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title" json:"title"`
	Content       string   `yaml:"content" json:"content"`
	Category      string   `yaml:"category" json:"category"`
	Tags          []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	SolutionSteps []string `yaml:"solution_steps,omitempty" json:"solution_steps,omitempty"`
}

// Text is the searchable text of the article.
func (a Article) Text() string {
	parts := []string{a.Title, a.Content}
	parts = append(parts, a.Tags...)
	parts = append(parts, a.SolutionSteps...)
	return strings.Join(parts, " ")
}

// Body returns the content followed by numbered solution steps, if any.
func (a Article) Body() string {
	if len(a.SolutionSteps) == 0 {
		return a.Content
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(a.Content))
	b.WriteString("\n")
	for i, s := range a.SolutionSteps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}

type file struct {
	Articles []Article `yaml:"articles"`
}

// Load decodes a YAML document with a top-level "articles" list.
func Load(r io.Reader) ([]Article, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}
	if err := validate(f.Articles); err != nil {
		return nil, err
	}
	return f.Articles, nil
}

// LoadFile reads articles from a YAML file.
func LoadFile(path string) ([]Article, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}

func validate(articles []Article) error {
	var errs []error
	seen := make(map[string]struct{}, len(articles))
	for i, a := range articles {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("article %d: id is required", i))
			continue
		case strings.TrimSpace(a.Content) == "":
			errs = append(errs, fmt.Errorf("article %q: content is required", a.ID))
		}
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("article %q: duplicate id", a.ID))
		}
		seen[a.ID] = struct{}{}
	}
	return errors.Join(errs...)
}
