package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/apierr"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/invoker"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/research/tools"
)

func testConfig() *config.Config {
	return &config.Config{
		LLMProvider:         config.ProviderOpenAI,
		OpenAIApiKey:        "sk-test",
		FastModel:           "fast-model",
		SmartModel:          "smart-model",
		StrategicModel:      "strategic-model",
		EmbeddingProvider:   config.ProviderOpenAI,
		EmbeddingModel:      "text-embedding-3-small",
		Retriever:           config.RetrieverArxiv,
		SimilarityThreshold: 0.4,
		MaxQueryLength:      300,
		BreadthPolicy:       "constant",
		ResearchTimeout:     time.Minute,
		CallTimeout:         10 * time.Second,
		RetryBudget:         2,
	}
}

func TestNewLLM(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		key      func(*config.Config)
	}{
		{"openai", config.ProviderOpenAI, func(c *config.Config) { c.OpenAIApiKey = "sk-test" }},
		{"anthropic", config.ProviderAnthropic, func(c *config.Config) { c.AnthropicApiKey = "ak-test" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.LLMProvider = tt.provider
			tt.key(cfg)
			llm, err := NewLLM(context.Background(), cfg)
			require.NoError(t, err)
			assert.NotNil(t, llm)
		})
	}

	cfg := testConfig()
	cfg.OpenAIApiKey = ""
	_, err := NewLLM(context.Background(), cfg)
	assert.ErrorIs(t, err, apierr.ErrAuth)

	cfg = testConfig()
	cfg.LLMProvider = "cohere"
	cfg.GoogleApiKey = "g"
	_, err = NewLLM(context.Background(), cfg)
	assert.Error(t, err)
}

func TestModels(t *testing.T) {
	assert.Equal(t, map[invoker.Tier]string{
		invoker.TierFast:      "fast-model",
		invoker.TierSmart:     "smart-model",
		invoker.TierStrategic: "strategic-model",
	}, Models(testConfig()))
}

func TestNewEmbeddingProvider(t *testing.T) {
	p, err := NewEmbeddingProvider(context.Background(), testConfig())
	require.NoError(t, err)
	_, ok := p.(*embeddings.HTTPProvider)
	assert.True(t, ok)

	cfg := testConfig()
	cfg.OpenAIApiKey = ""
	p, err = NewEmbeddingProvider(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, p)

	client, err := NewEmbedder(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewRetrieverAndScraper(t *testing.T) {
	cfg := testConfig()
	r, err := NewRetriever(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &tools.Arxiv{}, r)

	cfg.Retriever = config.RetrieverTavily
	r, err = NewRetriever(cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &tools.Tavily{}, r)
	assert.Zero(t, r.(*tools.Tavily).MaxRetries, "rate limits are retried outside the gate")

	cfg.Retriever = "bing"
	_, err = NewRetriever(cfg, nil)
	assert.Error(t, err)

	s := NewScraper(cfg).(*tools.RoutingScraper)
	assert.Nil(t, s.PDF)
	cfg.MistralApiKey = "m"
	s = NewScraper(cfg).(*tools.RoutingScraper)
	assert.NotNil(t, s.PDF)
}

func TestResearchConfig(t *testing.T) {
	rc, err := ResearchConfig(testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, research.BreadthConstant, rc.BreadthPolicy)
	assert.Equal(t, time.Minute, rc.Budget.Timeout)
	assert.Equal(t, research.RateLimitRetry{Retries: 3, Delay: time.Second}, rc.SearchRetry)
	assert.Equal(t, 0.4, rc.Compress.Threshold)
	assert.Equal(t, 300, rc.Planner.MaxQueryLength)
	assert.Equal(t, 2, rc.Invoker.RetryBudget)
	assert.Equal(t, "smart-model", rc.Invoker.Models[invoker.TierSmart])

	cfg := testConfig()
	cfg.BreadthPolicy = "doubled"
	_, err = ResearchConfig(cfg, nil)
	assert.Error(t, err)
}

func TestNewCoordinator(t *testing.T) {
	c, err := NewCoordinator(context.Background(), testConfig(), Options{})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
