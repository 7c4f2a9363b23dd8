package compress

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/cost"
	"github.com/mikeboe/deep-research/pkg/embeddings"
)

// vocabEmbedder maps text onto word counts over a fixed vocabulary.
type vocabEmbedder struct {
	vocab []string
	err   error
	calls int
}

func (e *vocabEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *vocabEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *vocabEmbedder) vector(text string) []float32 {
	words := wordSet(text)
	v := make([]float32, len(e.vocab))
	for i, w := range e.vocab {
		if _, ok := words[w]; ok {
			v[i] = 1
		}
	}
	return v
}

// garbageProvider answers every embedding request with an unusable payload.
type garbageProvider struct{}

func (garbageProvider) Name() string { return "garbage" }

func (garbageProvider) Fetch(context.Context, string, []string) ([]byte, error) {
	return []byte(`<!doctype html><p>upstream error</p>`), nil
}

var docs = []Document{
	{Title: "Solar power", URL: "https://a.example/solar", Content: "Solar panels convert sunlight into electricity."},
	{Title: "Cooking", URL: "https://b.example/pasta", Content: "Boil pasta in salted water."},
	{Title: "Wind", URL: "https://c.example/wind", Content: "Wind turbines generate electricity from moving air."},
}

func TestCompressSemanticRanking(t *testing.T) {
	e := &vocabEmbedder{vocab: []string{"solar", "electricity", "pasta", "wind"}}
	c := New(e, Config{Threshold: 0.4})

	blocks := c.Blocks(context.Background(), "solar electricity", docs, 5)
	require.Len(t, blocks, 2)
	assert.Equal(t, "https://a.example/solar", blocks[0].URL)
	assert.Equal(t, "https://c.example/wind", blocks[1].URL)
	assert.Greater(t, blocks[0].Score, blocks[1].Score)
}

func TestCompressTargetCount(t *testing.T) {
	e := &vocabEmbedder{vocab: []string{"electricity"}}
	c := New(e, Config{})

	blocks := c.Blocks(context.Background(), "electricity", docs, 1)
	require.Len(t, blocks, 1)
	assert.Equal(t, "https://a.example/solar", blocks[0].URL)
}

func TestCompressIsIdempotent(t *testing.T) {
	e := &vocabEmbedder{vocab: []string{"solar", "electricity", "pasta", "wind"}}
	c := New(e, Config{})

	first := c.Compress(context.Background(), "electricity from wind", docs, 3)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Compress(context.Background(), "electricity from wind", docs, 3))
	}
	assert.NotEmpty(t, first)
}

func TestCompressFormat(t *testing.T) {
	e := &vocabEmbedder{vocab: []string{"pasta"}}
	c := New(e, Config{})

	got := c.Compress(context.Background(), "pasta", docs, 3)
	assert.Equal(t, "Source: https://b.example/pasta\nTitle: Cooking\nContent: Boil pasta in salted water.\n", got)
}

func TestCompressFallsBackWhenEmbedderFails(t *testing.T) {
	e := &vocabEmbedder{err: errors.New("provider down")}
	c := New(e, Config{})

	blocks := c.Blocks(context.Background(), "wind electricity", docs, 5)
	require.NotEmpty(t, blocks)
	assert.Equal(t, "https://c.example/wind", blocks[0].URL)
	for _, b := range blocks {
		assert.NotEqual(t, "https://b.example/pasta", b.URL)
	}
}

func TestCompressFallsBackOnUnparseablePayloads(t *testing.T) {
	client := embeddings.New(garbageProvider{}, embeddings.Config{Model: "text-embedding-3-small", RetryBudget: 2})
	var ledger cost.Ledger
	c := New(client, Config{Rates: cost.DefaultRates(), OnCost: ledger.Callback()})

	got := c.Compress(context.Background(), "How do solar panels work?", docs, 5)
	assert.Contains(t, got, "Source: https://a.example/solar")
	assert.NotContains(t, got, "pasta")
	assert.Zero(t, ledger.Total())
}

func TestCompressEmptyInputs(t *testing.T) {
	e := &vocabEmbedder{vocab: []string{"solar"}}
	c := New(e, Config{})

	assert.Empty(t, c.Compress(context.Background(), "", docs, 5))
	assert.Empty(t, c.Compress(context.Background(), "solar", nil, 5))
	assert.Equal(t, 0, e.calls)
}

func TestCompressNoOverlap(t *testing.T) {
	c := New(nil, Config{})
	assert.Empty(t, c.Compress(context.Background(), "quantum chromodynamics", docs, 5))
}

func TestCompressChargesEmbeddedTexts(t *testing.T) {
	e := &vocabEmbedder{vocab: []string{"solar", "electricity", "pasta", "wind"}}
	var ledger cost.Ledger
	c := New(e, Config{Rates: cost.Rates{Embedding: 1}}).WithCostCallback(ledger.Callback())

	c.Compress(context.Background(), "solar", docs, 5)
	assert.Positive(t, ledger.Total())
	assert.Equal(t, 1, ledger.Calls())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 1}))
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestJaccard(t *testing.T) {
	a := wordSet("The quick brown fox")
	b := wordSet("the QUICK, red fox!")
	assert.InDelta(t, 3.0/5.0, Jaccard(a, b), 1e-9)
	assert.Zero(t, Jaccard(a, wordSet("")))
}

func TestLexicalTruncatesLongDocuments(t *testing.T) {
	long := Document{Title: "Long", URL: "u", Content: strings.Repeat("solar ", 1000)}
	blocks := New(nil, Config{}).Blocks(context.Background(), "solar", []Document{long}, 1)
	require.Len(t, blocks, 1)
	assert.Len(t, []rune(blocks[0].Text), maxLexicalRunes)
}
