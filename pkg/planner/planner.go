// Package planner derives search sub-queries from a research query.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/invoker"
)

// DefaultMaxQueryLength is the longest query search backends accept.
const DefaultMaxQueryLength = 400

// Invoker runs a completion request.
type Invoker interface {
	Do(ctx context.Context, req invoker.Request) invoker.Result
}

// Config configures a Planner.
type Config struct {
	MaxQueryLength int
	// NormalizeModel is used for the translation pass.
	NormalizeModel string
	// PlanModel is used for query generation.
	PlanModel string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Input describes one planning request.
type Input struct {
	Query       string
	ParentQuery string
	// Context holds prior learnings or search context.
	Context []string
	// Count is the number of queries wanted.
	Count int
}

// Planner generates sub-queries with one model call. It never fails: when
// the model is unavailable it returns the original query.
type Planner struct {
	inv    Invoker
	cfg    Config
	logger *slog.Logger
}

// New creates a Planner.
func New(inv Invoker, cfg Config) *Planner {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = DefaultMaxQueryLength
	}
	if cfg.NormalizeModel == "" {
		cfg.NormalizeModel = string(invoker.TierFast)
	}
	if cfg.PlanModel == "" {
		cfg.PlanModel = string(invoker.TierStrategic)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{inv: inv, cfg: cfg, logger: cfg.Logger}
}

// Normalize translates query to English. Any failure returns query unchanged.
func (p *Planner) Normalize(ctx context.Context, query string) string {
	prompt := fmt.Sprintf(`If the following query is not in English, translate it to English.
If it's already in English, return it as is.
Query: %s

Return ONLY the English query, nothing else.`, query)

	res := p.inv.Do(ctx, invoker.Request{
		Messages: []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
		Model:    p.cfg.NormalizeModel,
		Params:   invoker.Params{Temperature: invoker.Temperature(0.3), MaxTokens: 500},
	})
	out := strings.TrimSpace(res.Text)
	if res.Degraded || out == "" {
		p.logger.Warn("Failed to normalize query, using original", "query", query, "error", res.LastError)
		return query
	}
	return out
}

// Plan returns up to in.Count queries, each at most MaxQueryLength runes.
func (p *Planner) Plan(ctx context.Context, in Input) []string {
	if in.Count <= 0 || strings.TrimSpace(in.Query) == "" {
		return nil
	}
	fallback := []string{Truncate(in.Query, p.cfg.MaxQueryLength)}

	query := p.Normalize(ctx, in.Query)
	res := p.inv.Do(ctx, invoker.Request{
		Messages: []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, p.prompt(query, in)),
		},
		Model:  p.cfg.PlanModel,
		Params: invoker.Params{JSONMode: true},
	})
	if res.Degraded {
		p.logger.Warn("query planning failed, using original query", "query", in.Query, "error", res.LastError)
		return fallback
	}

	raw, ok := ParseQueries(res.Text)
	if !ok {
		p.logger.Warn("could not parse planned queries", "query", in.Query, "response", res.Text)
		return fallback
	}

	seen := make(map[string]bool)
	queries := make([]string, 0, in.Count)
	for _, q := range raw {
		q = Truncate(q, p.cfg.MaxQueryLength)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, q)
		if len(queries) == in.Count {
			break
		}
	}
	if len(queries) == 0 {
		return fallback
	}
	p.logger.Info("Generated queries", "query", in.Query, "queries", queries)
	return queries
}

const systemPrompt = `You are a seasoned research assistant. You write web search queries that together form an objective view of a research task.`

func (p *Planner) prompt(query string, in Input) string {
	task := query
	if in.ParentQuery != "" && in.ParentQuery != in.Query {
		task = in.ParentQuery + " - " + query
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Write %d search queries that form an objective opinion on the following task: %q\n\n", in.Count, task)
	sb.WriteString("All queries MUST be in English.\n")
	fmt.Fprintf(&sb, "Assume the current date is %s if required.\n", p.cfg.Now().UTC().Format("January 02, 2006"))
	if len(in.Context) > 0 {
		sb.WriteString("\nUse what is already known to make the queries more specific and avoid repeating it:\n")
		for _, c := range in.Context {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	examples := make([]string, in.Count)
	for i := range examples {
		examples[i] = fmt.Sprintf("%q", fmt.Sprintf("query %d", i+1))
	}
	fmt.Fprintf(&sb, "\nReturn a JSON object of the form {\"queries\": [%s]} and nothing else.", strings.Join(examples, ", "))
	return sb.String()
}

// ParseQueries reads a list of query strings from model output. It accepts a
// JSON array, an object with a "queries" array, fenced code blocks and
// surrounding prose. Non-string entries are dropped.
func ParseQueries(text string) ([]string, bool) {
	text = stripFences(text)

	var items []any
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		var obj struct {
			Queries []any `json:"queries"`
		}
		if err := json.Unmarshal([]byte(text), &obj); err == nil && obj.Queries != nil {
			items = obj.Queries
		} else if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
			if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
				return nil, false
			}
		} else {
			return nil, false
		}
	}

	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out, len(out) > 0
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.Index(text, "\n"); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}

// Truncate shortens q to at most max runes. If the last whitespace inside
// the limit falls in the final 20% the cut is made there, otherwise q is cut
// at the limit. The result is trimmed.
func Truncate(q string, max int) string {
	runes := []rune(q)
	if max <= 0 || len(runes) <= max {
		return strings.TrimSpace(q)
	}
	cut := runes[:max]
	last := -1
	for i := len(cut) - 1; i >= 0; i-- {
		if unicode.IsSpace(cut[i]) {
			last = i
			break
		}
	}
	if float64(last) > float64(max)*0.8 {
		return strings.TrimSpace(string(cut[:last]))
	}
	return strings.TrimSpace(string(cut))
}
