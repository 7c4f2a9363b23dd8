// Package tools holds the search and scraping backends used by the research
// coordinator.
package tools

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Hit is one search result.
type Hit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Page is the scraped content of a URL. RawContent is empty when nothing
// could be extracted.
type Page struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	RawContent string   `json:"raw_content"`
	Images     []string `json:"images,omitempty"`
}

// Retriever searches the web or an index. An empty result is not an error.
type Retriever interface {
	Search(ctx context.Context, query string, domains []string) ([]Hit, error)
}

// Scraper fetches and extracts a page within timeout.
type Scraper interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (Page, error)
}

// DefaultScrapeTimeout bounds a single page fetch.
const DefaultScrapeTimeout = 30 * time.Second

const userAgent = "Mozilla/5.0 (compatible; deep-research/1.0)"

// inDomains reports whether rawURL belongs to one of domains. An empty list
// matches everything.
func inDomains(rawURL string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "www."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) || host == "www."+d {
			return true
		}
	}
	return false
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultScrapeTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
