// Package research drives recursive breadth and depth research over a
// retriever, a scraper, a relevance compressor and a language model.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-research/pkg/apierr"
	"github.com/mikeboe/deep-research/pkg/compress"
	"github.com/mikeboe/deep-research/pkg/cost"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/invoker"
	"github.com/mikeboe/deep-research/pkg/planner"
	"github.com/mikeboe/deep-research/pkg/research/tools"
)

// Defaults for Config.
const (
	DefaultCallTimeout        = 60 * time.Second
	DefaultResultsPerQuery    = 5
	DefaultLearningsPerBranch = 3
)

var (
	errNoResults  = errors.New("no search results")
	errNoSources  = errors.New("no new sources")
	errNoContent  = errors.New("no relevant content")
	errNoLearning = errors.New("no learnings extracted")
)

// Deps are the external services a Coordinator talks to.
type Deps struct {
	LLM llms.Model
	// Embeddings is optional. Without it relevance is ranked by word overlap.
	Embeddings embeddings.Provider
	Retriever  tools.Retriever
	Scraper    tools.Scraper
}

// Config configures a Coordinator. The nested component configs are used as
// templates; every run gets its own cost ledger and concurrency gate.
type Config struct {
	Invoker    invoker.Config
	Embeddings embeddings.Config
	Compress   compress.Config
	Planner    planner.Config

	BreadthPolicy BreadthPolicy
	Budget        Budget
	// Domains restricts search results when non-empty.
	Domains []string
	// CallTimeout bounds a single search call.
	CallTimeout   time.Duration
	ScrapeTimeout time.Duration
	// SearchRetry retries rate-limited searches. Zero Retries disables it.
	SearchRetry RateLimitRetry
	// ResultsPerQuery caps the search hits scraped per branch.
	ResultsPerQuery int
	// TargetCount is the number of excerpts kept per branch.
	TargetCount        int
	LearningsPerBranch int
	// LearningModel is the model or tier used for learning extraction.
	LearningModel string
	// OnProgress is called synchronously and must not block.
	OnProgress func(Progress)
	Logger     *slog.Logger
}

// Coordinator runs deep research. It is safe for concurrent use; runs do not
// share state.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a Coordinator.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case deps.LLM == nil:
		return nil, fmt.Errorf("%w: a language model is required", ErrInvalidInput)
	case deps.Retriever == nil:
		return nil, fmt.Errorf("%w: a retriever is required", ErrInvalidInput)
	case deps.Scraper == nil:
		return nil, fmt.Errorf("%w: a scraper is required", ErrInvalidInput)
	}
	if cfg.BreadthPolicy == "" {
		cfg.BreadthPolicy = BreadthHalved
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = tools.DefaultScrapeTimeout
	}
	if cfg.ResultsPerQuery <= 0 {
		cfg.ResultsPerQuery = DefaultResultsPerQuery
	}
	if cfg.TargetCount <= 0 {
		cfg.TargetCount = compress.DefaultTargetCount
	}
	if cfg.LearningsPerBranch <= 0 {
		cfg.LearningsPerBranch = DefaultLearningsPerBranch
	}
	if cfg.LearningModel == "" {
		cfg.LearningModel = string(invoker.TierSmart)
	}
	if cfg.Invoker.Rates == (cost.Rates{}) {
		cfg.Invoker.Rates = cost.DefaultRates()
	}
	if cfg.Compress.Rates == (cost.Rates{}) {
		cfg.Compress.Rates = cost.DefaultRates()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{deps: deps, cfg: cfg, logger: cfg.Logger}, nil
}

// RunDeepResearch explores query breadth sub-queries wide and depth levels
// deep with at most concurrencyLimit outbound calls at a time. Branch
// failures are recorded on the task; the only error is invalid input.
func (c *Coordinator) RunDeepResearch(ctx context.Context, query string, breadth, depth, concurrencyLimit int) (ResearchTask, error) {
	query = strings.TrimSpace(query)
	switch {
	case query == "":
		return ResearchTask{}, fmt.Errorf("%w: query is empty", ErrInvalidInput)
	case breadth < 0:
		return ResearchTask{}, fmt.Errorf("%w: breadth %d is negative", ErrInvalidInput, breadth)
	case depth < 0:
		return ResearchTask{}, fmt.Errorf("%w: depth %d is negative", ErrInvalidInput, depth)
	case concurrencyLimit < 1:
		return ResearchTask{}, fmt.Errorf("%w: concurrency limit %d is below 1", ErrInvalidInput, concurrencyLimit)
	}

	r := c.newRun(query, breadth, depth, concurrencyLimit)
	c.logger.Info("Starting deep research", "query", query, "breadth", breadth, "depth", depth, "concurrency", concurrencyLimit)

	if breadth == 0 {
		r.runLevel(ctx, []string{query}, 0, 0, 0)
	} else {
		r.explore(ctx, query, "", breadth, depth, 0)
	}

	task := r.finish()
	c.logger.Info("Deep research complete",
		"query", query,
		"learnings", len(task.Learnings),
		"sources", len(task.VisitedURLs),
		"failures", len(task.Failures),
		"cost", task.Cost,
		"peak_concurrency", r.gate.HighWater(),
		"budget_exceeded", task.BudgetExceeded)
	return task, nil
}

// run holds the state of one RunDeepResearch call.
type run struct {
	c          *Coordinator
	gate       *Gate
	ledger     *cost.Ledger
	planner    *planner.Planner
	invoker    *invoker.Invoker
	compressor *compress.Compressor
	retriever  tools.Retriever
	scraper    tools.Scraper
	deadline   time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	task     ResearchTask
	slots    int
	started  int
	executed map[string]bool
	claimed  map[string]bool
	visited  map[string]bool
	images   map[string]bool
	learned  map[string]int

	progressMu sync.Mutex
	progress   Progress
}

func (c *Coordinator) newRun(query string, breadth, depth, limit int) *run {
	gate := NewGate(limit)
	ledger := &cost.Ledger{}

	// Call timeouts are applied by the gate after a slot is acquired.
	invCfg := c.cfg.Invoker
	invCfg.OnCost = ledger.Add
	if invCfg.Logger == nil {
		invCfg.Logger = c.logger
	}
	modelTimeout := invCfg.Timeout
	if modelTimeout == 0 {
		modelTimeout = invoker.DefaultTimeout
	}
	invCfg.Timeout = invoker.NoTimeout
	inv := invoker.New(gate.Model(c.deps.LLM, modelTimeout), invCfg)

	// The compressor charges embeddings itself, so the client does not.
	var embedder lcembeddings.Embedder
	if c.deps.Embeddings != nil {
		embCfg := c.cfg.Embeddings
		embCfg.OnCost = nil
		if embCfg.Logger == nil {
			embCfg.Logger = c.logger
		}
		embTimeout := embCfg.Timeout
		if embTimeout == 0 {
			embTimeout = embeddings.DefaultTimeout
		}
		embCfg.Timeout = embeddings.NoTimeout
		embedder = embeddings.New(gate.EmbeddingProvider(c.deps.Embeddings, embTimeout), embCfg)
	}
	cmpCfg := c.cfg.Compress
	cmpCfg.OnCost = ledger.Add
	if cmpCfg.Logger == nil {
		cmpCfg.Logger = c.logger
	}

	plCfg := c.cfg.Planner
	if plCfg.Logger == nil {
		plCfg.Logger = c.logger
	}

	now := time.Now()
	r := &run{
		c:          c,
		gate:       gate,
		ledger:     ledger,
		planner:    planner.New(inv, plCfg),
		invoker:    inv,
		compressor: compress.New(embedder, cmpCfg),
		retriever:  gate.Retriever(c.deps.Retriever, c.cfg.CallTimeout, c.cfg.SearchRetry),
		scraper:    gate.Scraper(c.deps.Scraper),
		logger:     c.logger,
		task: ResearchTask{
			RootQuery:        query,
			Breadth:          breadth,
			Depth:            depth,
			ConcurrencyLimit: limit,
			VisitedURLs:      []string{},
			Sources:          []Source{},
			Images:           []string{},
			Learnings:        []Learning{},
			Citations:        map[string][]string{},
			Queries:          []string{},
			Failures:         []Failure{},
			StartedAt:        now,
		},
		slots:    max(1, breadth) * (depth + 1),
		executed: make(map[string]bool),
		claimed:  make(map[string]bool),
		visited:  make(map[string]bool),
		images:   make(map[string]bool),
		learned:  make(map[string]int),
		progress: Progress{TotalDepth: depth + 1, TotalBreadth: breadth},
	}
	if c.cfg.Budget.Timeout > 0 {
		r.deadline = now.Add(c.cfg.Budget.Timeout)
	}
	return r
}

// explore plans sub-queries of query and runs them as one level.
func (r *run) explore(ctx context.Context, query, parent string, breadth, depth, level int) {
	if r.halted(ctx) {
		return
	}
	queries := r.planner.Plan(ctx, planner.Input{
		Query:       query,
		ParentQuery: parent,
		Context:     r.learningTexts(),
		Count:       breadth,
	})
	r.runLevel(ctx, queries, breadth, depth, level)
}

// runLevel runs the admitted queries concurrently and recurses below every
// successful branch while depth remains.
func (r *run) runLevel(ctx context.Context, queries []string, breadth, depth, level int) {
	admitted := r.admit(ctx, queries)
	if len(admitted) == 0 {
		return
	}
	r.report(func(p *Progress) {
		p.CurrentDepth = level + 1
		p.CurrentBreadth = len(admitted)
		p.TotalQueries += len(admitted)
	})

	next := r.c.cfg.BreadthPolicy.Next(breadth)
	var g errgroup.Group
	for _, q := range admitted {
		g.Go(func() error {
			r.report(func(p *Progress) { p.CurrentQuery = q })
			res := r.branch(ctx, q, level)
			r.merge(res)
			if res.err == nil && depth > 0 && next > 0 {
				r.explore(ctx, followUpQuery(q, res.followUps), q, next, depth-1, level+1)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// admit reserves a branch slot for every query that has not run yet.
func (r *run) admit(ctx context.Context, queries []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, q := range queries {
		key := strings.ToLower(strings.TrimSpace(q))
		if key == "" || r.executed[key] {
			continue
		}
		if r.haltedLocked(ctx) || r.slots == 0 {
			break
		}
		if limit := r.c.cfg.Budget.MaxIterations; limit > 0 && r.started >= limit {
			r.task.BudgetExceeded = true
			break
		}
		r.slots--
		r.started++
		r.executed[key] = true
		r.task.Queries = append(r.task.Queries, q)
		out = append(out, q)
	}
	return out
}

func (r *run) halted(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haltedLocked(ctx)
}

func (r *run) haltedLocked(ctx context.Context) bool {
	if ctx.Err() != nil || (!r.deadline.IsZero() && !time.Now().Before(r.deadline)) {
		r.task.BudgetExceeded = true
		return true
	}
	return false
}

// branchResult is the outcome of one branch. Only results without err are
// merged into the task.
type branchResult struct {
	query     string
	depth     int
	claimed   []string
	visited   []string
	sources   []Source
	images    []string
	learnings []Learning
	followUps []string
	err       error
}

// branch runs search, scraping, compression and learning extraction for one
// query.
func (r *run) branch(ctx context.Context, query string, level int) (res branchResult) {
	res = branchResult{query: query, depth: level}

	hits, err := r.retriever.Search(ctx, query, r.c.cfg.Domains)
	if err != nil {
		res.err = fmt.Errorf("search: %w", err)
		return res
	}
	if len(hits) == 0 {
		res.err = errNoResults
		return res
	}

	fresh := r.claim(hits)
	for _, h := range fresh {
		res.claimed = append(res.claimed, h.URL)
	}
	if len(fresh) == 0 {
		res.err = errNoSources
		return res
	}

	docs, images := r.scrape(ctx, fresh)
	if len(docs) == 0 {
		res.err = errNoContent
		return res
	}
	for _, d := range docs {
		res.visited = append(res.visited, d.URL)
		res.sources = append(res.sources, Source{URL: d.URL, Title: d.Title})
	}
	res.images = images

	blocks := r.compressor.Blocks(ctx, query, docs, r.c.cfg.TargetCount)
	if len(blocks) == 0 {
		res.err = errNoContent
		return res
	}

	n := r.c.cfg.LearningsPerBranch
	out := r.invoker.Do(ctx, invoker.Request{
		Messages: []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, learningSystemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, learningPrompt(query, compress.Join(blocks), n)),
		},
		Model:  r.c.cfg.LearningModel,
		Params: invoker.Params{JSONMode: true},
	})
	if out.Degraded {
		res.err = fmt.Errorf("learning extraction: %s", out.LastError)
		return res
	}
	ex, ok := parseExtraction(out.Text)
	if !ok {
		res.err = fmt.Errorf("learning extraction: %w", apierr.ErrMalformed)
		return res
	}

	res.learnings = cite(ex.Learnings, blocks, query, level, n)
	if len(res.learnings) == 0 {
		res.err = errNoLearning
		return res
	}
	res.followUps = ex.FollowUps
	if len(res.followUps) > n {
		res.followUps = res.followUps[:n]
	}
	return res
}

// claim reserves the URLs of hits no other branch has taken, up to
// ResultsPerQuery.
func (r *run) claim(hits []tools.Hit) []tools.Hit {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []tools.Hit
	for _, h := range hits {
		u := strings.TrimSpace(h.URL)
		if u == "" || r.claimed[u] || r.visited[u] {
			continue
		}
		r.claimed[u] = true
		h.URL = u
		out = append(out, h)
		if len(out) == r.c.cfg.ResultsPerQuery {
			break
		}
	}
	return out
}

// scrape fetches every hit concurrently. A page that cannot be scraped falls
// back to the search snippet; hits with neither are dropped. The images of
// the kept pages are returned alongside.
func (r *run) scrape(ctx context.Context, hits []tools.Hit) ([]compress.Document, []string) {
	docs := make([]compress.Document, len(hits))
	images := make([][]string, len(hits))
	var g errgroup.Group
	for i, h := range hits {
		g.Go(func() error {
			page, err := r.scraper.Fetch(ctx, h.URL, r.c.cfg.ScrapeTimeout)
			content := strings.TrimSpace(page.RawContent)
			if err != nil || content == "" {
				r.logger.Warn("Failed to scrape, using summary", "url", h.URL, "error", err)
				content = strings.TrimSpace(h.Snippet)
			}
			title := page.Title
			if title == "" {
				title = h.Title
			}
			docs[i] = compress.Document{Title: title, URL: h.URL, Content: content}
			if err == nil {
				images[i] = page.Images
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []compress.Document
	var imgs []string
	for i, d := range docs {
		if d.Content != "" {
			out = append(out, d)
			imgs = append(imgs, images[i]...)
		}
	}
	return out, imgs
}

// cite attaches sources to extracted learnings. A learning naming one of the
// excerpt URLs is cited to it; any other learning is cited to every excerpt.
func cite(extracted []extractedLearning, blocks []compress.Block, query string, level, n int) []Learning {
	var all []string
	known := make(map[string]bool)
	for _, b := range blocks {
		if !known[b.URL] {
			known[b.URL] = true
			all = append(all, b.URL)
		}
	}

	seen := make(map[string]bool)
	var out []Learning
	for _, l := range extracted {
		if seen[l.Text] {
			continue
		}
		seen[l.Text] = true
		sources := all
		if known[l.Source] {
			sources = []string{l.Source}
		}
		out = append(out, Learning{Text: l.Text, Sources: append([]string(nil), sources...), Query: query, Depth: level})
		if len(out) == n {
			break
		}
	}
	return out
}

// merge folds a branch result into the task atomically.
func (r *run) merge(res branchResult) {
	r.mu.Lock()
	for _, u := range res.claimed {
		delete(r.claimed, u)
	}
	if res.err != nil {
		r.task.Failures = append(r.task.Failures, Failure{Query: res.query, Depth: res.depth, Reason: res.err.Error()})
		r.mu.Unlock()
		r.logger.Warn("Research branch failed", "query", res.query, "depth", res.depth, "error", res.err)
		r.report(func(p *Progress) { p.CompletedQueries++ })
		return
	}

	for i, u := range res.visited {
		if !r.visited[u] {
			r.visited[u] = true
			r.task.VisitedURLs = append(r.task.VisitedURLs, u)
			r.task.Sources = append(r.task.Sources, res.sources[i])
		}
	}
	for _, img := range res.images {
		if !r.images[img] {
			r.images[img] = true
			r.task.Images = append(r.task.Images, img)
		}
	}
	for _, l := range res.learnings {
		if i, ok := r.learned[l.Text]; ok {
			existing := &r.task.Learnings[i]
			for _, u := range l.Sources {
				if !slices.Contains(existing.Sources, u) {
					existing.Sources = append(existing.Sources, u)
				}
			}
			r.task.Citations[l.Text] = append([]string(nil), existing.Sources...)
			continue
		}
		r.learned[l.Text] = len(r.task.Learnings)
		r.task.Learnings = append(r.task.Learnings, l)
		r.task.Citations[l.Text] = append([]string(nil), l.Sources...)
	}
	r.mu.Unlock()

	r.logger.Info("Research branch complete", "query", res.query, "depth", res.depth, "learnings", len(res.learnings), "sources", len(res.visited))
	r.report(func(p *Progress) { p.CompletedQueries++ })
}

func (r *run) learningTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.task.Learnings))
	for i, l := range r.task.Learnings {
		out[i] = l.Text
	}
	return out
}

func (r *run) report(update func(*Progress)) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	update(&r.progress)
	if r.c.cfg.OnProgress != nil {
		r.c.cfg.OnProgress(r.progress)
	}
}

func (r *run) finish() ResearchTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task.Cost = r.ledger.Total()
	r.task.FinishedAt = time.Now()
	return r.task.clone()
}
