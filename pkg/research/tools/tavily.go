package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/apierr"
)

// DefaultTavilyURL is the Tavily search endpoint.
const DefaultTavilyURL = "https://api.tavily.com/search"

// Tavily calls the Tavily search API.
type Tavily struct {
	APIKey string
	// Depth controls Tavily's search_depth parameter (basic or advanced).
	Depth      string
	MaxResults int
	// MaxRetries bounds retries on 429 answers.
	MaxRetries int
	RetryDelay time.Duration
	BaseURL    string
	client     *http.Client
}

// NewTavily constructs a Tavily retriever using the supplied HTTP client.
func NewTavily(apiKey string, client *http.Client) *Tavily {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Tavily{
		APIKey:     apiKey,
		Depth:      "basic",
		MaxResults: 5,
		MaxRetries: 3,
		RetryDelay: time.Second,
		BaseURL:    DefaultTavilyURL,
		client:     client,
	}
}

// Search posts a query to Tavily.
func (t *Tavily) Search(ctx context.Context, query string, domains []string) ([]Hit, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, fmt.Errorf("tavily: API key is missing: %w", apierr.ErrAuth)
	}

	body := map[string]any{
		"query":        query,
		"search_depth": t.Depth,
		"max_results":  t.MaxResults,
	}
	if len(domains) > 0 {
		body["include_domains"] = domains
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	delay := t.RetryDelay
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.APIKey)

		resp, err = t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("tavily: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= t.MaxRetries {
			break
		}
		resp.Body.Close()

		// Back off and retry on 429, doubling the delay each time up to 30 s.
		if err := apierr.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apierr.StatusError{Provider: "tavily", StatusCode: resp.StatusCode, Body: string(b)}
	}

	var response struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %v: %w", err, apierr.ErrMalformed)
	}

	hits := make([]Hit, 0, len(response.Results))
	for _, r := range response.Results {
		if r.URL == "" || !inDomains(r.URL, domains) {
			continue
		}
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: r.Content})
		if len(hits) >= t.MaxResults {
			break
		}
	}
	return hits, nil
}
