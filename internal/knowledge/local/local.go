// Package local matches messages against an in-memory knowledge base using
// term frequency cosine similarity.
package local

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/linnemanlabs/steward/internal/knowledge"
	"github.com/linnemanlabs/steward/internal/triage"
)

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// terms shorter than this carry little signal
const minTermLen = 3

type doc struct {
	article knowledge.Article
	vec     map[string]float64
	norm    float64
}

// Matcher implements triage.Matcher. It is safe for concurrent use.
type Matcher struct {
	docs []doc
}

// New indexes articles. Order is preserved for tie-breaking.
func New(articles []knowledge.Article) *Matcher {
	m := &Matcher{docs: make([]doc, 0, len(articles))}
	for _, a := range articles {
		vec := termFreq(a.Text())
		m.docs = append(m.docs, doc{article: a, vec: vec, norm: norm(vec)})
	}
	return m
}

// Len is the number of indexed articles.
func (m *Matcher) Len() int { return len(m.docs) }

// Search scores every article against query and returns the top limit with a
// positive score, highest first.
func (m *Matcher) Search(ctx context.Context, query string, limit int) ([]triage.KnowledgeMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := termFreq(query)
	qn := norm(q)
	if qn == 0 || limit <= 0 {
		return nil, nil
	}

	var out []triage.KnowledgeMatch
	for _, d := range m.docs {
		if d.norm == 0 {
			continue
		}
		var dot float64
		for t, w := range q {
			dot += w * d.vec[t]
		}
		if dot == 0 {
			continue
		}
		sim, _ := triage.Clamp01(dot / (qn * d.norm))
		out = append(out, triage.KnowledgeMatch{
			ArticleID:  d.article.ID,
			Similarity: sim,
			Title:      d.article.Title,
			Content:    d.article.Body(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func termFreq(s string) map[string]float64 {
	vec := map[string]float64{}
	for _, t := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		if len([]rune(t)) < minTermLen {
			continue
		}
		vec[t]++
	}
	return vec
}

func norm(v map[string]float64) float64 {
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}
