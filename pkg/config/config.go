package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported provider names.
const (
	ProviderGoogle    = "googleai"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	RetrieverTavily = "tavily"
	RetrieverArxiv  = "arxiv"
)

// ErrMissingCredentials is reported by Validate when a required API key is
// not set.
var ErrMissingCredentials = errors.New("missing credentials")

type Config struct {
	LLMProvider     string
	GoogleApiKey    string
	OpenAIApiKey    string
	OpenAIBaseURL   string
	AnthropicApiKey string
	FastModel       string
	SmartModel      string
	StrategicModel  string

	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingBaseURL    string
	EmbeddingApiKey     string
	EmbeddingBatchSize  int
	EmbeddingDimensions int
	EmbeddingRPS        float64

	TavilyApiKey  string
	MistralApiKey string
	Retriever     string

	SimilarityThreshold float64
	MaxQueryLength      int
	Breadth             int
	Depth               int
	Concurrency         int
	BreadthPolicy       string
	ResearchTimeout     time.Duration
	CallTimeout         time.Duration
	RetryBudget         int

	DatabaseURL    string
	Port           string
	CollectionName string
	ChunkSize      int
	ChunkOverlap   int
}

// defaultModels holds the fast, smart and strategic model of each provider.
var defaultModels = map[string][3]string{
	ProviderGoogle:    {"gemini-3-flash-preview", "gemini-3-pro-preview", "gemini-3-pro-preview"},
	ProviderOpenAI:    {"gpt-4o-mini", "gpt-4.1", "o4-mini"},
	ProviderAnthropic: {"claude-3-5-haiku-20241022", "claude-sonnet-4-20250514", "claude-opus-4-20250514"},
}

// Load reads the configuration from the environment. Call godotenv first to
// pick up a .env file.
func Load() *Config {
	provider := strings.ToLower(getEnv("LLM_PROVIDER", ProviderGoogle))
	models, ok := defaultModels[provider]
	if !ok {
		models = defaultModels[ProviderGoogle]
	}

	embeddingProvider := ProviderOpenAI
	if provider == ProviderGoogle {
		embeddingProvider = ProviderGoogle
	}
	embeddingProvider = strings.ToLower(getEnv("EMBEDDING_PROVIDER", embeddingProvider))
	embeddingModel := "text-embedding-3-small"
	if embeddingProvider == ProviderGoogle {
		embeddingModel = "gemini-embedding-001"
	}

	return &Config{
		LLMProvider:     provider,
		GoogleApiKey:    getEnv("GOOGLE_API_KEY", ""),
		OpenAIApiKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		AnthropicApiKey: getEnv("ANTHROPIC_API_KEY", ""),
		FastModel:       getEnv("FAST_MODEL", models[0]),
		SmartModel:      getEnv("SMART_MODEL", models[1]),
		StrategicModel:  getEnv("STRATEGIC_MODEL", models[2]),

		EmbeddingProvider:   embeddingProvider,
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", embeddingModel),
		EmbeddingBaseURL:    getEnv("EMBEDDING_BASE_URL", ""),
		EmbeddingApiKey:     getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingBatchSize:  getEnvAsInt("EMBEDDING_BATCH_SIZE", 16),
		EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 0),
		EmbeddingRPS:        getEnvAsFloat("EMBEDDING_REQUESTS_PER_SECOND", 5),

		TavilyApiKey:  getEnv("TAVILY_API_KEY", ""),
		MistralApiKey: getEnv("MISTRAL_API_KEY", ""),
		Retriever:     strings.ToLower(getEnv("RETRIEVER", RetrieverTavily)),

		SimilarityThreshold: getEnvAsFloat("SIMILARITY_THRESHOLD", 0.35),
		MaxQueryLength:      getEnvAsInt("MAX_QUERY_LENGTH", 400),
		Breadth:             getEnvAsInt("DEEP_RESEARCH_BREADTH", 3),
		Depth:               getEnvAsInt("DEEP_RESEARCH_DEPTH", 2),
		Concurrency:         getEnvAsInt("DEEP_RESEARCH_CONCURRENCY", 4),
		BreadthPolicy:       getEnv("DEEP_RESEARCH_BREADTH_POLICY", "halved"),
		ResearchTimeout:     getEnvAsDuration("DEEP_RESEARCH_TIMEOUT", 30*time.Minute),
		CallTimeout:         getEnvAsDuration("CALL_TIMEOUT", 60*time.Second),
		RetryBudget:         getEnvAsInt("RETRY_BUDGET", 3),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		Port:           getEnv("PORT", "3000"),
		CollectionName: getEnv("COLLECTION_NAME", "research_learnings"),
		ChunkSize:      getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvAsInt("CHUNK_OVERLAP", 100),
	}
}

// LLMApiKey returns the key of the configured completion provider.
func (c *Config) LLMApiKey() string {
	switch c.LLMProvider {
	case ProviderOpenAI:
		return c.OpenAIApiKey
	case ProviderAnthropic:
		return c.AnthropicApiKey
	default:
		return c.GoogleApiKey
	}
}

// EmbeddingKey returns EMBEDDING_API_KEY or the key of the embedding
// provider.
func (c *Config) EmbeddingKey() string {
	if c.EmbeddingApiKey != "" {
		return c.EmbeddingApiKey
	}
	if c.EmbeddingProvider == ProviderGoogle {
		return c.GoogleApiKey
	}
	return c.OpenAIApiKey
}

// Validate reports settings that would make every run fail. Missing
// embedding and OCR keys are not errors: relevance then falls back to word
// overlap and PDFs are scraped as HTML.
func (c *Config) Validate() error {
	var errs []error
	if _, ok := defaultModels[c.LLMProvider]; !ok {
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	} else if c.LLMApiKey() == "" {
		errs = append(errs, fmt.Errorf("%w: API key for %s is not set", ErrMissingCredentials, c.LLMProvider))
	}
	switch c.EmbeddingProvider {
	case ProviderGoogle, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider))
	}
	switch c.Retriever {
	case RetrieverTavily:
		if c.TavilyApiKey == "" {
			errs = append(errs, fmt.Errorf("%w: TAVILY_API_KEY is not set", ErrMissingCredentials))
		}
	case RetrieverArxiv:
	default:
		errs = append(errs, fmt.Errorf("unknown RETRIEVER %q", c.Retriever))
	}
	switch strings.ToLower(strings.TrimSpace(c.BreadthPolicy)) {
	case "", "halved", "constant":
	default:
		errs = append(errs, fmt.Errorf("unknown DEEP_RESEARCH_BREADTH_POLICY %q", c.BreadthPolicy))
	}
	if c.Breadth < 0 || c.Depth < 0 || c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("invalid research budget: breadth=%d depth=%d concurrency=%d", c.Breadth, c.Depth, c.Concurrency))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or a number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
