package cost

import (
	"math"
	"sync"
	"unicode/utf8"
)

// Default per-token prices in USD.
const (
	InputCostPerToken     = 0.000005
	OutputCostPerToken    = 0.000015
	EmbeddingCostPerToken = 0.02 / 1000000

	// charsPerToken is the length heuristic used in place of a tokenizer.
	charsPerToken = 4
)

// Rates is a per-token price table.
type Rates struct {
	Input     float64 `json:"input"`
	Output    float64 `json:"output"`
	Embedding float64 `json:"embedding"`
}

// DefaultRates returns the built-in price table.
func DefaultRates() Rates {
	return Rates{
		Input:     InputCostPerToken,
		Output:    OutputCostPerToken,
		Embedding: EmbeddingCostPerToken,
	}
}

// Callback receives the cost increment of a successful provider call.
type Callback func(amount float64)

// EstimateTokens approximates the token count of text from its length.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateLLM prices one completion from its input and output text.
func (r Rates) EstimateLLM(input, output string) float64 {
	return float64(EstimateTokens(input))*r.Input + float64(EstimateTokens(output))*r.Output
}

// EstimateEmbedding prices embedding the given texts.
func (r Rates) EstimateEmbedding(texts []string) float64 {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
	}
	return float64(total) * r.Embedding
}

// EstimateLLM prices a completion using the default rates.
func EstimateLLM(input, output string) float64 {
	return DefaultRates().EstimateLLM(input, output)
}

// Ledger accumulates estimated spend. It only ever grows.
type Ledger struct {
	mu    sync.Mutex
	total float64
	calls int
}

// Add records a cost increment. Negative, NaN and infinite amounts are ignored.
func (l *Ledger) Add(amount float64) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return
	}
	l.mu.Lock()
	l.total += amount
	l.calls++
	l.mu.Unlock()
}

// Callback returns l.Add as a Callback.
func (l *Ledger) Callback() Callback {
	return l.Add
}

// Total returns the accumulated cost.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Calls returns the number of charged calls.
func (l *Ledger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
