// Package keyword is a rule based classifier for offline and development use.
// It needs no network and never fails.
package keyword

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/triage"
)

type rule[T any] struct {
	value T
	terms []string
}

// Categories are scored by hit count; ties go to the earlier entry.
var categoryRules = []rule[triage.Category]{
	{triage.CategoryTechnical, []string{"error", "bug", "crash", "not working", "broken", "issue", "problem"}},
	{triage.CategoryBilling, []string{"payment", "invoice", "charge", "refund", "subscription", "billing"}},
	{triage.CategoryAccount, []string{"login", "password", "access", "account", "profile", "settings"}},
	{triage.CategoryGeneral, []string{"question", "help", "how to", "information", "support"}},
	{triage.CategoryComplaint, []string{"angry", "frustrated", "terrible", "awful", "disappointed"}},
	{triage.CategoryFeatureRequest, []string{"feature", "enhancement", "suggestion", "improve", "add"}},
}

// Priorities are first match wins, in order.
var priorityRules = []rule[triage.Priority]{
	{triage.PriorityHigh, []string{"urgent", "critical", "emergency", "asap", "immediately", "down", "outage"}},
	{triage.PriorityMedium, []string{"important", "soon", "needed", "issue", "problem"}},
	{triage.PriorityLow, []string{"question", "when possible", "eventually", "minor"}},
}

var sentimentRules = []rule[triage.Sentiment]{
	{triage.SentimentPositive, []string{"thank", "great", "excellent", "love", "amazing", "perfect"}},
	{triage.SentimentNegative, []string{"angry", "frustrated", "terrible", "awful", "hate", "worst"}},
	{triage.SentimentNeutral, []string{"question", "help", "information", "please", "need"}},
}

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`the and or but in on at to for of with by is are was were be been
		have has had do does did will would could should may might can cannot cant wont dont doesnt
		didnt havent hasnt hadnt isnt arent wasnt werent i you he she it we they me him her us them
		my your his its our their this that these those a an from just also very what when where
		please thanks`) {
		stopWords[w] = struct{}{}
	}
}

var (
	wordRe    = regexp.MustCompile(`[\p{L}\p{N}]+`)
	orderRe   = regexp.MustCompile(`(?i)\border\s*(?:number|no\.?|#)?\s*[:#]?\s*((?:[A-Z]+-?)?[0-9][A-Z0-9-]{2,})`)
	errCodeRe = regexp.MustCompile(`(?i)\berror(?:\s+code)?\s*[:#]?\s*([A-Z]*-?[0-9][A-Z0-9_-]*)`)
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

const maxKeywords = 10

// Classifier implements triage.Classifier with keyword tables.
type Classifier struct{}

// New returns a keyword Classifier.
func New() *Classifier { return &Classifier{} }

// Analyze scores msg against the keyword tables.
func (*Classifier) Analyze(ctx context.Context, msg message.Message) (*triage.IssueAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.ToLower(msg.Subject + " " + msg.Body)

	cat := categorize(text)
	pri := firstMatch(text, priorityRules, triage.PriorityMedium)
	sen := bestScore(text, sentimentRules, triage.SentimentNeutral)

	return &triage.IssueAnalysis{
		Category:      cat,
		Priority:      pri,
		Sentiment:     sen,
		Confidence:    confidence(cat, pri, sen),
		Summary:       summarize(msg),
		Intent:        intent(text, cat),
		Keywords:      keywords(text),
		ExtractedData: extract(msg.Subject + "\n" + msg.Body),
	}, nil
}

func categorize(text string) triage.Category {
	return bestScore(text, categoryRules, triage.CategoryGeneral)
}

func bestScore[T any](text string, rules []rule[T], def T) T {
	best, bestN := def, 0
	for _, r := range rules {
		n := 0
		for _, term := range r.terms {
			if strings.Contains(text, term) {
				n++
			}
		}
		if n > bestN {
			best, bestN = r.value, n
		}
	}
	return best
}

func firstMatch[T any](text string, rules []rule[T], def T) T {
	for _, r := range rules {
		for _, term := range r.terms {
			if strings.Contains(text, term) {
				return r.value
			}
		}
	}
	return def
}

// confidence is counted in tenths so the capped case lands on exactly 1.
func confidence(c triage.Category, p triage.Priority, s triage.Sentiment) float64 {
	tenths := 7
	switch c {
	case triage.CategoryTechnical, triage.CategoryBilling:
		tenths++
	case triage.CategoryGeneral:
		tenths--
	}
	if p == triage.PriorityHigh || p == triage.PriorityLow {
		tenths++
	}
	if s == triage.SentimentPositive || s == triage.SentimentNegative {
		tenths++
	}
	return float64(min(tenths, 10)) / 10
}

func intent(text string, c triage.Category) string {
	words := wordSet(text)
	switch {
	case strings.Contains(text, "?") || words.any("how", "what", "when", "where", "why"):
		return "question"
	case words.any("fix", "solve", "help", "support"):
		return "support_request"
	case words.any("refund", "cancel", "return"):
		return "refund_request"
	case c == triage.CategoryComplaint:
		return "complaint"
	default:
		return "support_request"
	}
}

type set map[string]struct{}

func wordSet(text string) set {
	s := set{}
	for _, w := range wordRe.FindAllString(text, -1) {
		s[w] = struct{}{}
	}
	return s
}

func (s set) any(words ...string) bool {
	for _, w := range words {
		if _, ok := s[w]; ok {
			return true
		}
	}
	return false
}

// keywords returns up to ten distinct non stop words longer than three
// characters, most frequent first.
func keywords(text string) []string {
	counts := map[string]int{}
	var order []string
	for _, w := range wordRe.FindAllString(text, -1) {
		if len(w) <= 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	return order
}

func extract(text string) map[string]string {
	out := map[string]string{}
	if m := orderRe.FindStringSubmatch(text); m != nil {
		out["order_number"] = m[1]
	}
	if m := errCodeRe.FindStringSubmatch(text); m != nil {
		out["error_code"] = m[1]
	}
	if m := emailRe.FindString(text); m != "" {
		out["contact_email"] = m
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func summarize(msg message.Message) string {
	if s := strings.TrimSpace(msg.Subject); s != "" {
		return s
	}
	body := strings.Join(strings.Fields(msg.Body), " ")
	r := []rune(body)
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return body
}
