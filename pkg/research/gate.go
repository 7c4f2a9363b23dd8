package research

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/semaphore"

	"github.com/mikeboe/deep-research/pkg/apierr"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/research/tools"
)

// Gate bounds the number of outbound calls of a whole research tree. It is
// acquired around single calls only, never while waiting on other branches.
type Gate struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

// NewGate creates a gate admitting limit concurrent calls.
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Do runs fn while holding one slot of the gate.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	g.calls.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return fn(ctx)
}

// Limit returns the gate size.
func (g *Gate) Limit() int { return g.limit }

// InFlight returns the number of calls currently holding the gate.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// HighWater returns the largest InFlight value observed.
func (g *Gate) HighWater() int { return int(g.peak.Load()) }

// Calls returns the number of calls admitted so far.
func (g *Gate) Calls() int { return int(g.calls.Load()) }

// RateLimitRetry retries rate-limited searches. The delay doubles after
// every retry, up to 30s.
type RateLimitRetry struct {
	Retries int
	Delay   time.Duration
}

// Retriever wraps r so every search holds the gate and is bounded by timeout.
// Rate-limited searches wait for their retry without holding a slot.
func (g *Gate) Retriever(r tools.Retriever, timeout time.Duration, retry RateLimitRetry) tools.Retriever {
	return &gatedRetriever{gate: g, next: r, timeout: timeout, retry: retry}
}

// Scraper wraps s so every fetch holds the gate.
func (g *Gate) Scraper(s tools.Scraper) tools.Scraper {
	return &gatedScraper{gate: g, next: s}
}

// Model wraps m so every completion holds the gate. The timeout starts once
// the slot is held, so time spent queued is not charged to the call.
func (g *Gate) Model(m llms.Model, timeout time.Duration) llms.Model {
	return &gatedModel{gate: g, next: m, timeout: timeout}
}

// EmbeddingProvider wraps p so every request holds the gate. The timeout
// starts once the slot is held.
func (g *Gate) EmbeddingProvider(p embeddings.Provider, timeout time.Duration) embeddings.Provider {
	return &gatedEmbeddings{gate: g, next: p, timeout: timeout}
}

// withTimeout bounds ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

type gatedRetriever struct {
	gate    *Gate
	next    tools.Retriever
	timeout time.Duration
	retry   RateLimitRetry
}

func (r *gatedRetriever) Search(ctx context.Context, query string, domains []string) ([]tools.Hit, error) {
	delay := r.retry.Delay
	for attempt := 0; ; attempt++ {
		hits, err := r.search(ctx, query, domains)
		if err == nil || !errors.Is(err, apierr.ErrRateLimited) || attempt >= r.retry.Retries {
			return hits, err
		}
		if err := apierr.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (r *gatedRetriever) search(ctx context.Context, query string, domains []string) (hits []tools.Hit, err error) {
	err = r.gate.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, r.timeout)
		defer cancel()
		var serr error
		hits, serr = r.next.Search(ctx, query, domains)
		return serr
	})
	return hits, err
}

type gatedScraper struct {
	gate *Gate
	next tools.Scraper
}

func (s *gatedScraper) Fetch(ctx context.Context, url string, timeout time.Duration) (page tools.Page, err error) {
	err = s.gate.Do(ctx, func(ctx context.Context) error {
		var ferr error
		page, ferr = s.next.Fetch(ctx, url, timeout)
		return ferr
	})
	return page, err
}

type gatedModel struct {
	gate    *Gate
	next    llms.Model
	timeout time.Duration
}

func (m *gatedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (resp *llms.ContentResponse, err error) {
	err = m.gate.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, m.timeout)
		defer cancel()
		var gerr error
		resp, gerr = m.next.GenerateContent(ctx, messages, options...)
		return gerr
	})
	return resp, err
}

func (m *gatedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type gatedEmbeddings struct {
	gate    *Gate
	next    embeddings.Provider
	timeout time.Duration
}

func (e *gatedEmbeddings) Name() string { return e.next.Name() }

func (e *gatedEmbeddings) Fetch(ctx context.Context, model string, texts []string) (body []byte, err error) {
	err = e.gate.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, e.timeout)
		defer cancel()
		var ferr error
		body, ferr = e.next.Fetch(ctx, model, texts)
		return ferr
	})
	return body, err
}
