package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mikeboe/deep-research/pkg/compress"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/cost"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/invoker"
	"github.com/mikeboe/deep-research/pkg/planner"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/research/tools"
)

// NewEmbeddingProvider returns the configured embedding provider, or nil when
// no key is available.
func NewEmbeddingProvider(ctx context.Context, cfg *config.Config) (embeddings.Provider, error) {
	key := cfg.EmbeddingKey()
	if key == "" {
		return nil, nil
	}
	switch cfg.EmbeddingProvider {
	case config.ProviderGoogle:
		p, err := embeddings.NewGoogleProvider(ctx, key, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to init embedder: %w", err)
		}
		return p, nil
	case config.ProviderOpenAI:
		return embeddings.NewHTTPProvider(cfg.EmbeddingBaseURL, key, cfg.EmbeddingDimensions, http.DefaultClient), nil
	}
	return nil, fmt.Errorf("invalid embedding provider: %s", cfg.EmbeddingProvider)
}

// EmbeddingConfig returns the embedding client settings of cfg.
func EmbeddingConfig(cfg *config.Config, logger *slog.Logger) embeddings.Config {
	return embeddings.Config{
		Model:             cfg.EmbeddingModel,
		Dimensions:        cfg.EmbeddingDimensions,
		BatchSize:         cfg.EmbeddingBatchSize,
		RetryBudget:       cfg.RetryBudget,
		BaseDelay:         embeddings.DefaultBaseDelay,
		RequestsPerSecond: cfg.EmbeddingRPS,
		Timeout:           cfg.CallTimeout,
		Rates:             cost.DefaultRates(),
		Logger:            logger,
	}
}

// NewEmbedder returns an embedding client, or nil when embeddings are not
// configured.
func NewEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*embeddings.Client, error) {
	p, err := NewEmbeddingProvider(ctx, cfg)
	if err != nil || p == nil {
		return nil, err
	}
	return embeddings.New(p, EmbeddingConfig(cfg, logger)), nil
}

// NewRetriever returns the configured search backend.
func NewRetriever(cfg *config.Config, logger *slog.Logger) (tools.Retriever, error) {
	switch cfg.Retriever {
	case config.RetrieverTavily:
		// Rate limits are retried by the coordinator outside its gate.
		tv := tools.NewTavily(cfg.TavilyApiKey, nil)
		tv.MaxRetries = 0
		return tv, nil
	case config.RetrieverArxiv:
		return tools.NewArxiv(nil, logger), nil
	}
	return nil, fmt.Errorf("invalid retriever: %s", cfg.Retriever)
}

// NewScraper returns an HTML scraper that sends PDFs to OCR when a Mistral
// key is configured.
func NewScraper(cfg *config.Config) tools.Scraper {
	s := &tools.RoutingScraper{HTML: tools.NewHTMLScraper(nil)}
	if cfg.MistralApiKey != "" {
		s.PDF = tools.NewPDFScraper(cfg.MistralApiKey, nil)
	}
	return s
}

// ResearchConfig translates cfg into coordinator settings.
func ResearchConfig(cfg *config.Config, logger *slog.Logger) (research.Config, error) {
	policy, err := research.ParseBreadthPolicy(cfg.BreadthPolicy)
	if err != nil {
		return research.Config{}, err
	}
	rates := cost.DefaultRates()
	return research.Config{
		Invoker: invoker.Config{
			Provider:    cfg.LLMProvider,
			Models:      Models(cfg),
			RetryBudget: cfg.RetryBudget,
			BaseDelay:   invoker.DefaultBaseDelay,
			Timeout:     cfg.CallTimeout,
			Rates:       rates,
			Logger:      logger,
		},
		Embeddings: EmbeddingConfig(cfg, logger),
		Compress: compress.Config{
			Threshold:    cfg.SimilarityThreshold,
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			Rates:        rates,
			Logger:       logger,
		},
		Planner: planner.Config{
			MaxQueryLength: cfg.MaxQueryLength,
			Logger:         logger,
		},
		BreadthPolicy: policy,
		Budget:        research.Budget{Timeout: cfg.ResearchTimeout},
		CallTimeout:   cfg.CallTimeout,
		SearchRetry:   research.RateLimitRetry{Retries: 3, Delay: time.Second},
		Logger:        logger,
	}, nil
}

// Options adjust the coordinator built by NewCoordinator.
type Options struct {
	Logger     *slog.Logger
	OnProgress func(research.Progress)
	Budget     *research.Budget
}

// NewCoordinator wires every provider of cfg into a research.Coordinator.
func NewCoordinator(ctx context.Context, cfg *config.Config, opts Options) (*research.Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	llm, err := NewLLM(ctx, cfg)
	if err != nil {
		return nil, err
	}
	provider, err := NewEmbeddingProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		logger.Warn("No embedding key configured, relevance falls back to word overlap")
	}
	retriever, err := NewRetriever(cfg, logger)
	if err != nil {
		return nil, err
	}

	rc, err := ResearchConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	rc.OnProgress = opts.OnProgress
	if opts.Budget != nil {
		rc.Budget = *opts.Budget
	}

	deps := research.Deps{LLM: llm, Retriever: retriever, Scraper: NewScraper(cfg)}
	if provider != nil {
		deps.Embeddings = provider
	}
	return research.New(deps, rc)
}
