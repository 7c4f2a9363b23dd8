package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/mikeboe/deep-research/pkg/apierr"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

const (
	maxBodyBytes = 2 << 20
	maxImages    = 10
)

// HTMLScraper downloads a page and extracts its title, visible text and
// content images.
type HTMLScraper struct {
	// MaxLength caps the extracted text in bytes. Zero means 50000.
	MaxLength int
	client    *http.Client
}

// NewHTMLScraper creates an HTMLScraper.
func NewHTMLScraper(client *http.Client) *HTMLScraper {
	if client == nil {
		client = &http.Client{}
	}
	return &HTMLScraper{MaxLength: 50000, client: client}
}

// Fetch retrieves rawURL and extracts it.
func (s *HTMLScraper) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (Page, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %v: %w", err, apierr.ErrAuth)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, &apierr.StatusError{Provider: "scrape", StatusCode: resp.StatusCode, Body: string(body)}
	}

	page := Page{URL: rawURL}
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "text/markdown") {
		page.RawContent = s.truncate(strings.TrimSpace(string(body)))
		return page, nil
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse HTML: %v: %w", err, apierr.ErrMalformed)
	}

	base, _ := url.Parse(rawURL)
	ex := &extractor{base: base}
	ex.walk(doc, 0)

	page.Title = strings.TrimSpace(ex.title.String())
	page.RawContent = s.truncate(cleanText(ex.text.String()))
	page.Images = ex.images
	return page, nil
}

func (s *HTMLScraper) truncate(text string) string {
	limit := s.MaxLength
	if limit <= 0 {
		limit = 50000
	}
	if len(text) <= limit {
		return text
	}
	// A cut inside a multi-byte rune leaves invalid bytes at the end.
	return strings.ToValidUTF8(text[:limit], "")
}

type extractor struct {
	base   *url.URL
	title  strings.Builder
	text   strings.Builder
	images []string
	seen   map[string]bool
}

func (e *extractor) walk(n *html.Node, depth int) {
	if depth > 100 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			e.text.WriteString(t)
			e.text.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "form":
			return
		case "title":
			if e.title.Len() == 0 && n.FirstChild != nil {
				e.title.WriteString(n.FirstChild.Data)
			}
			return
		case "img":
			e.addImage(n)
			return
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "div", "section", "article", "li", "tr", "br":
			e.text.WriteString("\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "section", "article":
			e.text.WriteString("\n\n")
		}
	}
}

// addImage keeps content images and skips icons, logos and tracking pixels.
func (e *extractor) addImage(n *html.Node) {
	if len(e.images) >= maxImages {
		return
	}
	src := getAttr(n, "src")
	if src == "" || strings.HasPrefix(src, "data:") {
		return
	}
	lower := strings.ToLower(src)
	for _, skip := range []string{"logo", "icon", "sprite", "pixel", "avatar", ".svg"} {
		if strings.Contains(lower, skip) {
			return
		}
	}
	if w := getAttr(n, "width"); w != "" && len(w) < 3 {
		return
	}
	ref, err := url.Parse(src)
	if err != nil {
		return
	}
	if e.base != nil {
		ref = e.base.ResolveReference(ref)
	}
	abs := ref.String()
	if e.seen == nil {
		e.seen = make(map[string]bool)
	}
	if e.seen[abs] {
		return
	}
	e.seen[abs] = true
	e.images = append(e.images, abs)
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// cleanText removes excessive whitespace.
func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
