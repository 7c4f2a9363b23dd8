// Package clients builds providers and the research coordinator from the
// configuration.
package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mikeboe/deep-research/pkg/apierr"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/invoker"
)

// NewLLM creates the completion model of the configured provider. The smart
// model is the client default; the invoker selects other tiers per call.
func NewLLM(ctx context.Context, cfg *config.Config) (llms.Model, error) {
	apiKey := cfg.LLMApiKey()
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is not set: %w", cfg.LLMProvider, apierr.ErrAuth)
	}

	switch cfg.LLMProvider {
	case config.ProviderGoogle:
		// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
		llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(cfg.SmartModel))
		if err != nil {
			return nil, fmt.Errorf("failed to init Google AI: %w", err)
		}
		return llm, nil
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(cfg.SmartModel)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to init OpenAI: %w", err)
		}
		return llm, nil
	case config.ProviderAnthropic:
		llm, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(cfg.SmartModel))
		if err != nil {
			return nil, fmt.Errorf("failed to init Anthropic: %w", err)
		}
		return llm, nil
	}
	return nil, fmt.Errorf("invalid LLM provider: %s", cfg.LLMProvider)
}

// Models maps the invoker tiers to the configured model ids.
func Models(cfg *config.Config) map[invoker.Tier]string {
	return map[invoker.Tier]string{
		invoker.TierFast:      cfg.FastModel,
		invoker.TierSmart:     cfg.SmartModel,
		invoker.TierStrategic: cfg.StrategicModel,
	}
}
