package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mikeboe/deep-research/pkg/apierr"
	"github.com/mikeboe/deep-research/pkg/cost"
	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"golang.org/x/time/rate"
)

var _ lcembeddings.Embedder = (*Client)(nil)

// Provider sends one embedding request and returns the raw response body.
// Payload shapes differ between providers; the Client parses them.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, model string, texts []string) ([]byte, error)
}

// Default configuration values.
const (
	DefaultModel       = "text-embedding-3-small"
	DefaultDimension   = 1536
	DefaultBatchSize   = 16
	DefaultRetryBudget = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 60 * time.Second

	// NoTimeout disables the per-request timeout for callers that bound
	// requests themselves.
	NoTimeout time.Duration = -1
)

// modelDimensions is the known output size per model.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"gemini-embedding-001":   1536,
	"text-embedding-004":     768,
}

// Dimension returns the vector length of model, or DefaultDimension when the
// model is unknown.
func Dimension(model string) int {
	if d, ok := modelDimensions[strings.TrimPrefix(model, "models/")]; ok {
		return d
	}
	return DefaultDimension
}

// Zero returns the zero vector of length dim.
func Zero(dim int) []float32 {
	return make([]float32, dim)
}

// IsZero reports whether v carries no signal.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Config controls retries, batching and pacing.
type Config struct {
	// Model is used when Embed is called without one.
	Model string
	// Dimensions overrides the table lookup for the model.
	Dimensions int
	BatchSize  int
	// RetryBudget is the number of attempts per sub-batch.
	RetryBudget int
	// BaseDelay is the linear backoff unit. Zero retries immediately.
	BaseDelay time.Duration
	// RequestsPerSecond paces sub-batch requests. Zero disables pacing.
	RequestsPerSecond float64
	// Timeout applies to every provider request. Zero selects DefaultTimeout.
	Timeout time.Duration

	Rates  cost.Rates
	OnCost cost.Callback

	// Strategies overrides DefaultStrategies.
	Strategies []Strategy
	Logger     *slog.Logger
}

// Client embeds text through a Provider. It never fails a batch because of a
// single bad item: items it cannot read come back as zero vectors. Only
// authentication and configuration errors are returned.
type Client struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	observed map[string]int
}

// New creates a Client for provider.
func New(provider Provider, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   cfg.Logger,
		observed: make(map[string]int),
	}
}

// Model returns the default model.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Dimension returns the vector length the client will use for model.
func (c *Client) Dimension(model string) int {
	if model == "" {
		model = c.cfg.Model
	}
	if c.cfg.Dimensions > 0 {
		return c.cfg.Dimensions
	}
	c.mu.Lock()
	d, ok := c.observed[model]
	c.mu.Unlock()
	if ok {
		return d
	}
	return Dimension(model)
}

// EmbedDocuments embeds texts with the default model.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.Embed(ctx, texts, "")
}

// EmbedQuery embeds a single text with the default model.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text}, "")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = c.cfg.Model
	}
	out := make([][]float32, len(texts))

	pending := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(pending))
		indexes := pending[start:end]
		batch := make([]string, len(indexes))
		for j, idx := range indexes {
			batch[j] = texts[idx]
		}

		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("embedding pacing interrupted", "provider", c.provider.Name(), "error", err)
			break
		}

		slots, err := c.fetch(ctx, model, batch)
		if err != nil && apierr.Classify(err) == apierr.ErrAuth {
			return nil, fmt.Errorf("embed with %s: %w", c.provider.Name(), err)
		}
		if err != nil {
			c.logger.Warn("embedding batch degraded to zero vectors",
				"provider", c.provider.Name(), "model", model, "items", len(batch), "error", err)
			continue
		}

		dim := c.expectedDimension(model, slots)
		bad := 0
		for j, idx := range indexes {
			if j < len(slots) && len(slots[j]) == dim {
				out[idx] = slots[j]
				continue
			}
			bad++
		}
		if bad > 0 {
			c.logger.Warn("embedding items replaced by zero vectors",
				"provider", c.provider.Name(), "model", model, "invalid", bad, "batch", len(batch))
		}
	}

	dim := c.Dimension(model)
	for i := range out {
		if out[i] == nil {
			out[i] = Zero(dim)
		}
	}
	return out, nil
}

// fetch runs one sub-batch through the retry policy.
func (c *Client) fetch(ctx context.Context, model string, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryBudget; attempt++ {
		body, err := c.request(ctx, model, batch)

		if err == nil {
			slots, strategy, ok := Parse(body, c.cfg.Strategies)
			if ok {
				if c.cfg.OnCost != nil {
					c.cfg.OnCost(c.cfg.Rates.EstimateEmbedding(batch))
				}
				c.logger.Debug("embedding batch parsed", "provider", c.provider.Name(), "strategy", strategy, "items", len(batch))
				return slots, nil
			}
			err = fmt.Errorf("%s: no parser matched response: %w", c.provider.Name(), apierr.ErrMalformed)
		}

		lastErr = err
		if apierr.Classify(err) == apierr.ErrAuth {
			return nil, err
		}
		if ctx.Err() != nil || attempt == c.cfg.RetryBudget {
			break
		}

		delay := apierr.Backoff(attempt, c.cfg.BaseDelay, err)
		c.logger.Debug("retrying embedding request", "provider", c.provider.Name(), "attempt", attempt, "delay", delay, "error", err)
		if apierr.Sleep(ctx, delay) != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) request(ctx context.Context, model string, batch []string) ([]byte, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	return c.provider.Fetch(ctx, model, batch)
}

// expectedDimension decides which slot length is valid. A configured or
// previously observed dimension wins; otherwise the most common length in
// the batch is taken and remembered.
func (c *Client) expectedDimension(model string, slots [][]float32) int {
	if c.cfg.Dimensions > 0 {
		return c.cfg.Dimensions
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.observed[model]; ok {
		return d
	}

	counts := make(map[int]int)
	best, bestCount := 0, 0
	for _, s := range slots {
		if len(s) == 0 {
			continue
		}
		counts[len(s)]++
		if counts[len(s)] > bestCount {
			best, bestCount = len(s), counts[len(s)]
		}
	}
	if best > 0 {
		c.observed[model] = best
	}
	return best
}
