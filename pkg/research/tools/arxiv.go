package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/apierr"
)

// DefaultArxivURL is the arXiv export API.
const DefaultArxivURL = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// PDFLink returns the PDF link of the entry, or its id page.
func (e ArxivEntry) PDFLink() string {
	for _, link := range e.Link {
		if link.Type == "application/pdf" {
			return strings.Replace(link.Href, "http://", "https://", 1)
		}
	}
	return strings.TrimSpace(e.ID)
}

// Arxiv searches the arXiv API.
type Arxiv struct {
	BaseURL    string
	MaxResults int
	client     *http.Client
	logger     *slog.Logger
}

// NewArxiv creates an arXiv retriever.
func NewArxiv(client *http.Client, logger *slog.Logger) *Arxiv {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arxiv{BaseURL: DefaultArxivURL, MaxResults: 5, client: client, logger: logger}
}

// Search queries arXiv. Domain filters do not apply to arXiv and are ignored.
func (a *Arxiv) Search(ctx context.Context, query string, _ []string) ([]Hit, error) {
	maxResults := a.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(maxResults))
	params.Add("start", "0")
	apiURL := a.BaseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		a.logger.Error("API returned non-200 status code", "status", resp.StatusCode, "url", apiURL)
		return nil, &apierr.StatusError{Provider: "arxiv", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %v: %w", err, apierr.ErrMalformed)
	}

	hits := make([]Hit, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		link := entry.PDFLink()
		if link == "" {
			continue
		}
		hits = append(hits, Hit{
			URL:     link,
			Title:   collapseSpace(entry.Title),
			Snippet: collapseSpace(entry.Summary),
		})
	}
	a.logger.Info("Arxiv search successful", "query", query, "count", len(hits))
	return hits, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
