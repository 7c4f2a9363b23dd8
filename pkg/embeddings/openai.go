package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mikeboe/deep-research/pkg/apierr"
)

// DefaultOpenAIBaseURL is the OpenAI API root. Any OpenAI compatible
// embeddings endpoint works.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// HTTPProvider posts to an OpenAI compatible /embeddings endpoint.
type HTTPProvider struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	dimensions int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// NewHTTPProvider creates an HTTPProvider. dimensions is sent only for
// text-embedding-3 models.
func NewHTTPProvider(baseURL, apiKey string, dimensions int, client *http.Client) *HTTPProvider {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		dimensions: dimensions,
	}
}

func (p *HTTPProvider) Name() string { return "openai" }

// Fetch sends texts and returns the raw response body.
func (p *HTTPProvider) Fetch(ctx context.Context, model string, texts []string) ([]byte, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required: %w", apierr.ErrAuth)
	}

	reqBody := embeddingRequest{Model: model, Input: texts}
	if strings.HasPrefix(model, "text-embedding-3") && p.dimensions > 0 {
		reqBody.Dimensions = p.dimensions
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %v: %w", err, apierr.ErrAuth)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierr.StatusError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
