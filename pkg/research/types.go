package research

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidInput is returned by RunDeepResearch before any work starts.
var ErrInvalidInput = errors.New("invalid research input")

// BreadthPolicy decides the breadth of the next recursion level.
type BreadthPolicy string

const (
	// BreadthHalved halves the breadth per level, rounding up, never below 1.
	BreadthHalved BreadthPolicy = "halved"
	// BreadthConstant keeps the breadth of the root level.
	BreadthConstant BreadthPolicy = "constant"
)

// Next returns the breadth for the level below one explored with b.
func (p BreadthPolicy) Next(b int) int {
	if b <= 0 {
		return 0
	}
	if p == BreadthConstant {
		return b
	}
	return max(1, int(math.Ceil(float64(b)/2)))
}

// ParseBreadthPolicy accepts "halved" or "constant". Empty means halved.
func ParseBreadthPolicy(s string) (BreadthPolicy, error) {
	switch BreadthPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", BreadthHalved:
		return BreadthHalved, nil
	case BreadthConstant:
		return BreadthConstant, nil
	}
	return "", fmt.Errorf("unknown breadth policy %q", s)
}

// Budget bounds a run. When it is exceeded no new branch or recursion is
// started; calls already in flight complete and the partial task is returned.
type Budget struct {
	// Timeout is measured from the start of the run. Zero means none.
	Timeout time.Duration
	// MaxIterations caps the number of branches started. Zero means none.
	MaxIterations int
}

// Learning is a distilled statement with the URLs it was taken from.
type Learning struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources"`
	Query   string   `json:"query"`
	Depth   int      `json:"depth"`
}

// ToMap renders the learning for report assembly.
func (l Learning) ToMap() map[string]any {
	return map[string]any{
		"text":    l.Text,
		"sources": append([]string(nil), l.Sources...),
		"query":   l.Query,
		"depth":   l.Depth,
	}
}

// Source is a page whose content reached learning extraction.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ToMap renders the source.
func (s Source) ToMap() map[string]any {
	return map[string]any{"url": s.URL, "title": s.Title}
}

// Failure records a branch that produced nothing.
type Failure struct {
	Query  string `json:"query"`
	Depth  int    `json:"depth"`
	Reason string `json:"reason"`
}

// ToMap renders the failure.
func (f Failure) ToMap() map[string]any {
	return map[string]any{"query": f.Query, "depth": f.Depth, "reason": f.Reason}
}

// Progress is reported after planning and after every finished branch.
type Progress struct {
	CurrentDepth     int    `json:"current_depth"`
	TotalDepth       int    `json:"total_depth"`
	CurrentBreadth   int    `json:"current_breadth"`
	TotalBreadth     int    `json:"total_breadth"`
	CurrentQuery     string `json:"current_query,omitempty"`
	CompletedQueries int    `json:"completed_queries"`
	TotalQueries     int    `json:"total_queries"`
}

// ResearchTask is the outcome of a run. The value returned by
// RunDeepResearch is a snapshot and is not modified afterwards.
type ResearchTask struct {
	RootQuery        string `json:"root_query"`
	Breadth          int    `json:"breadth"`
	Depth            int    `json:"depth"`
	ConcurrencyLimit int    `json:"concurrency_limit"`

	VisitedURLs []string            `json:"visited_urls"`
	Learnings   []Learning          `json:"learnings"`
	Citations   map[string][]string `json:"citations"`
	Queries     []string            `json:"queries"`
	Failures    []Failure           `json:"failures"`
	Cost        float64             `json:"cost"`
	// BudgetExceeded is set when the run stopped early on its budget or on
	// cancellation of its context.
	BudgetExceeded bool `json:"budget_exceeded"`

	// Sources are the visited pages with their titles and Images the image
	// URLs found on them, both in visit order.
	Sources []Source `json:"sources"`
	Images  []string `json:"images"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// LearningTexts returns the learnings in order.
func (t ResearchTask) LearningTexts() []string {
	out := make([]string, len(t.Learnings))
	for i, l := range t.Learnings {
		out[i] = l.Text
	}
	return out
}

// Context renders the learnings with their citations, one per line, for
// report writers.
func (t ResearchTask) Context() string {
	var sb strings.Builder
	for _, l := range t.Learnings {
		sb.WriteString("- ")
		sb.WriteString(l.Text)
		if urls := t.Citations[l.Text]; len(urls) > 0 {
			fmt.Fprintf(&sb, " [Sources: %s]", strings.Join(urls, ", "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// ToMap renders the task for persistence and report assembly.
func (t ResearchTask) ToMap() map[string]any {
	learnings := make([]map[string]any, len(t.Learnings))
	for i, l := range t.Learnings {
		learnings[i] = l.ToMap()
	}
	failures := make([]map[string]any, len(t.Failures))
	for i, f := range t.Failures {
		failures[i] = f.ToMap()
	}
	citations := make(map[string]any, len(t.Citations))
	for k, v := range t.Citations {
		citations[k] = append([]string(nil), v...)
	}
	sources := make([]map[string]any, len(t.Sources))
	for i, src := range t.Sources {
		sources[i] = src.ToMap()
	}
	return map[string]any{
		"root_query":        t.RootQuery,
		"breadth":           t.Breadth,
		"depth":             t.Depth,
		"concurrency_limit": t.ConcurrencyLimit,
		"visited_urls":      append([]string(nil), t.VisitedURLs...),
		"sources":           sources,
		"images":            append([]string(nil), t.Images...),
		"learnings":         learnings,
		"citations":         citations,
		"queries":           append([]string(nil), t.Queries...),
		"failures":          failures,
		"cost":              t.Cost,
		"budget_exceeded":   t.BudgetExceeded,
		"started_at":        t.StartedAt,
		"finished_at":       t.FinishedAt,
	}
}

// clone deep-copies the task so callers never share its slices or maps.
func (t ResearchTask) clone() ResearchTask {
	cp := t
	cp.VisitedURLs = append([]string{}, t.VisitedURLs...)
	cp.Sources = append([]Source{}, t.Sources...)
	cp.Images = append([]string{}, t.Images...)
	cp.Queries = append([]string{}, t.Queries...)
	cp.Failures = append([]Failure{}, t.Failures...)
	cp.Learnings = make([]Learning, len(t.Learnings))
	for i, l := range t.Learnings {
		l.Sources = append([]string(nil), l.Sources...)
		cp.Learnings[i] = l
	}
	cp.Citations = make(map[string][]string, len(t.Citations))
	for k, v := range t.Citations {
		cp.Citations[k] = append([]string(nil), v...)
	}
	return cp
}
