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

// DefaultOCRURL is the Mistral OCR endpoint.
const DefaultOCRURL = "https://api.mistral.ai/v1/ocr"

type PdfScrapeResponsePage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OcrResponse struct {
	Pages []PdfScrapeResponsePage `json:"pages"`
}

// PDFScraper extracts the contents of a PDF file as text using the Mistral
// OCR API.
type PDFScraper struct {
	APIKey  string
	BaseURL string
	Model   string
	client  *http.Client
}

// NewPDFScraper creates a PDFScraper.
func NewPDFScraper(apiKey string, client *http.Client) *PDFScraper {
	if client == nil {
		client = &http.Client{}
	}
	return &PDFScraper{APIKey: apiKey, BaseURL: DefaultOCRURL, Model: "mistral-ocr-latest", client: client}
}

// Fetch runs OCR over the document at rawURL.
func (s *PDFScraper) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (Page, error) {
	if s.APIKey == "" {
		return Page{}, fmt.Errorf("MISTRAL_API_KEY is not set: %w", apierr.ErrAuth)
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	docURL := strings.Replace(rawURL, "http://", "https://", 1)
	reqBody := map[string]any{
		"model": s.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": docURL,
		},
		"include_image_base64": false,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return Page{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(jsonBody))
	if err != nil {
		return Page{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, &apierr.StatusError{Provider: "mistral-ocr", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var ocrResponse OcrResponse
	if err := json.Unmarshal(body, &ocrResponse); err != nil {
		return Page{}, fmt.Errorf("failed to unmarshal OCR response: %v: %w", err, apierr.ErrMalformed)
	}

	var sb strings.Builder
	for _, page := range ocrResponse.Pages {
		if strings.TrimSpace(page.Markdown) == "" {
			continue
		}
		fmt.Fprintf(&sb, "- Page %d -\n", page.Index)
		sb.WriteString(page.Markdown)
		sb.WriteString("\n\n")
	}
	return Page{URL: rawURL, Title: pdfTitle(ocrResponse), RawContent: strings.TrimSpace(sb.String())}, nil
}

// pdfTitle takes the first markdown heading of the document.
func pdfTitle(r OcrResponse) string {
	for _, p := range r.Pages {
		for _, line := range strings.Split(p.Markdown, "\n") {
			if strings.HasPrefix(line, "#") {
				return strings.TrimSpace(strings.TrimLeft(line, "#"))
			}
		}
	}
	return ""
}

// RoutingScraper sends PDF links to the OCR scraper and everything else to
// the HTML scraper.
type RoutingScraper struct {
	HTML Scraper
	// PDF may be nil, in which case PDFs go to HTML as well.
	PDF Scraper
}

// Fetch dispatches on the URL.
func (r *RoutingScraper) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (Page, error) {
	if r.PDF != nil && IsPDF(rawURL) {
		return r.PDF.Fetch(ctx, rawURL, timeout)
	}
	return r.HTML.Fetch(ctx, rawURL, timeout)
}

// IsPDF reports whether rawURL points at a PDF document.
func IsPDF(rawURL string) bool {
	u := strings.ToLower(rawURL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".pdf") || strings.Contains(u, "arxiv.org/pdf/")
}
