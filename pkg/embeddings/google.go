package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/apierr"
	"google.golang.org/genai"
)

// GoogleProvider embeds through the Gemini API.
type GoogleProvider struct {
	client     *genai.Client
	dimensions int32
}

// NewGoogleProvider creates a Gemini API backed provider.
func NewGoogleProvider(ctx context.Context, apiKey string, dimensions int) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google: API key is required: %w", apierr.ErrAuth)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini API client: %w", err)
	}
	if dimensions <= 0 {
		dimensions = DefaultDimension
	}
	return &GoogleProvider{client: client, dimensions: int32(dimensions)}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

// Fetch embeds texts in one request. The SDK response is re-encoded as JSON
// ({"embeddings":[{"values":[...]}]}) so it goes through the same parsers as
// every other provider.
func (p *GoogleProvider) Fetch(ctx context.Context, model string, texts []string) ([]byte, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}

	dim := p.dimensions
	res, err := p.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &apierr.StatusError{Provider: p.Name(), StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}

	body, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode embedding response: %w", apierr.ErrMalformed)
	}
	return body, nil
}
