// Package compress keeps the parts of retrieved documents that are relevant to
// a query. It ranks text windows by embedding similarity and falls back to
// word overlap when embeddings are unavailable.
package compress

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	lcembeddings "github.com/tmc/langchaingo/embeddings"

	"github.com/mikeboe/deep-research/pkg/cost"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/splitter"
)

const (
	DefaultThreshold   = 0.35
	DefaultTargetCount = 10
	// maxLexicalRunes caps the content of a block chosen by word overlap,
	// which covers a whole document rather than one window.
	maxLexicalRunes = 3000
)

// Document is a candidate source.
type Document struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Block is a relevant excerpt with its attribution.
type Block struct {
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Format renders the block for prompts.
func (b Block) Format() string {
	return fmt.Sprintf("Source: %s\nTitle: %s\nContent: %s\n", b.URL, b.Title, b.Text)
}

// Join renders blocks in order, separated by a blank line.
func Join(blocks []Block) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Format()
	}
	return strings.Join(parts, "\n")
}

// Config configures a Compressor.
type Config struct {
	// Threshold is the minimum cosine similarity of a kept window.
	Threshold    float64
	ChunkSize    int
	ChunkOverlap int
	Rates        cost.Rates
	// OnCost is charged with the estimated cost of embedded texts.
	OnCost cost.Callback
	Logger *slog.Logger
}

// Compressor filters documents against a query. It never returns an error.
type Compressor struct {
	embedder lcembeddings.Embedder
	splitter *splitter.TextSplitter
	cfg      Config
	logger   *slog.Logger
}

// New creates a Compressor. embedder may be nil, in which case only word
// overlap ranking is used.
func New(embedder lcembeddings.Embedder, cfg Config) *Compressor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compressor{
		embedder: embedder,
		splitter: splitter.NewRecursiveCharacterTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// WithCostCallback returns a copy that charges cb.
func (c *Compressor) WithCostCallback(cb cost.Callback) *Compressor {
	cp := *c
	cp.cfg.OnCost = cb
	return &cp
}

// Compress returns the relevant excerpts of docs as one string, or "" when
// nothing is relevant.
func (c *Compressor) Compress(ctx context.Context, query string, docs []Document, targetCount int) string {
	return Join(c.Blocks(ctx, query, docs, targetCount))
}

// Blocks returns up to targetCount relevant excerpts, most relevant first.
func (c *Compressor) Blocks(ctx context.Context, query string, docs []Document, targetCount int) []Block {
	if strings.TrimSpace(query) == "" || len(docs) == 0 {
		return nil
	}
	if targetCount <= 0 {
		targetCount = DefaultTargetCount
	}

	if c.embedder != nil {
		if blocks := c.semantic(ctx, query, docs, targetCount); len(blocks) > 0 {
			return blocks
		}
	}
	blocks := lexical(query, docs, targetCount)
	c.logger.Debug("compressed by word overlap", "query", query, "documents", len(docs), "blocks", len(blocks))
	return blocks
}

func (c *Compressor) semantic(ctx context.Context, query string, docs []Document, k int) []Block {
	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}
	windows := c.splitter.SplitDocuments(contents)
	if len(windows) == 0 {
		return nil
	}

	texts := make([]string, 0, len(windows)+1)
	texts = append(texts, query)
	for _, w := range windows {
		texts = append(texts, w.Text)
	}

	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		c.logger.Warn("embedding unavailable, using word overlap", "query", query, "error", err)
		return nil
	}
	c.charge(texts, vecs)

	qv := vecs[0]
	if embeddings.IsZero(qv) {
		return nil
	}

	var blocks []Block
	for i, w := range windows {
		score := Cosine(qv, vecs[i+1])
		if score < c.cfg.Threshold {
			continue
		}
		doc := docs[w.Doc]
		blocks = append(blocks, Block{URL: doc.URL, Title: doc.Title, Text: w.Text, Score: score})
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Score > blocks[j].Score })
	if len(blocks) > k {
		blocks = blocks[:k]
	}
	return blocks
}

// charge bills only the texts that came back with a real vector.
func (c *Compressor) charge(texts []string, vecs [][]float32) {
	if c.cfg.OnCost == nil {
		return
	}
	var embedded []string
	for i, v := range vecs {
		if !embeddings.IsZero(v) {
			embedded = append(embedded, texts[i])
		}
	}
	if len(embedded) > 0 {
		c.cfg.OnCost(c.cfg.Rates.EstimateEmbedding(embedded))
	}
}

// Cosine returns the cosine similarity of a and b. Zero vectors and vectors of
// different length score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func lexical(query string, docs []Document, k int) []Block {
	q := wordSet(query)
	if len(q) == 0 {
		return nil
	}

	var blocks []Block
	for _, d := range docs {
		score := Jaccard(q, wordSet(d.Title+" "+d.Content))
		if score <= 0 {
			continue
		}
		blocks = append(blocks, Block{URL: d.URL, Title: d.Title, Text: truncateRunes(d.Content, maxLexicalRunes), Score: score})
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Score > blocks[j].Score })
	if len(blocks) > k {
		blocks = blocks[:k]
	}
	return blocks
}

// Jaccard returns |a ∩ b| / |a ∪ b|.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
