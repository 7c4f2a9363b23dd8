package cost

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"Empty", "", 0},
		{"Short", "abc", 1},
		{"Exact", "abcd", 1},
		{"Rounds up", "abcde", 2},
		{"Multibyte counts runes", "日本語の", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.input))
		})
	}
}

func TestEstimateLLMUsesDistinctRates(t *testing.T) {
	r := Rates{Input: 1, Output: 10}
	assert.InDelta(t, 1.0, r.EstimateLLM("abcd", ""), 1e-9)
	assert.InDelta(t, 10.0, r.EstimateLLM("", "abcd"), 1e-9)
	assert.InDelta(t, 2*InputCostPerToken+OutputCostPerToken, EstimateLLM("abcdefgh", "xy"), 1e-12)
}

func TestEstimateEmbedding(t *testing.T) {
	r := DefaultRates()
	assert.Zero(t, r.EstimateEmbedding(nil))
	assert.InDelta(t, 3*EmbeddingCostPerToken, r.EstimateEmbedding([]string{"abcd", "abcdefg"}), 1e-15)
}

func TestLedgerNeverDecreases(t *testing.T) {
	var l Ledger
	l.Add(0.5)
	l.Add(-1)
	l.Add(math.NaN())
	l.Add(math.Inf(1))
	l.Add(0)
	assert.Equal(t, 0.5, l.Total())
	assert.Equal(t, 1, l.Calls())
}

func TestLedgerConcurrentAdds(t *testing.T) {
	var l Ledger
	cb := l.Callback()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb(0.01)
		}()
	}
	wg.Wait()
	assert.InDelta(t, 1.0, l.Total(), 1e-9)
	assert.Equal(t, 100, l.Calls())
}
