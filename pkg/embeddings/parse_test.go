package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     [][]float32
		strategy string
		ok       bool
	}{
		{
			name:     "OpenAI data in order",
			body:     `{"data":[{"embedding":[1,2],"index":0},{"embedding":[3,4],"index":1}]}`,
			want:     [][]float32{{1, 2}, {3, 4}},
			strategy: "data[].embedding",
			ok:       true,
		},
		{
			name:     "OpenAI data out of order",
			body:     `{"data":[{"embedding":[3,4],"index":1},{"embedding":[1,2],"index":0}]}`,
			want:     [][]float32{{1, 2}, {3, 4}},
			strategy: "data[].embedding",
			ok:       true,
		},
		{
			name:     "Duplicate index falls back to position",
			body:     `{"data":[{"embedding":[1,2],"index":0},{"embedding":[3,4],"index":0}]}`,
			want:     [][]float32{{1, 2}, {3, 4}},
			strategy: "data[].embedding",
			ok:       true,
		},
		{
			name:     "Gemini values",
			body:     `{"embeddings":[{"values":[0.5,0.25]}]}`,
			want:     [][]float32{{0.5, 0.25}},
			strategy: "embeddings[].values",
			ok:       true,
		},
		{
			name:     "Embeddings with embedding field",
			body:     `{"embeddings":[{"embedding":[1]}]}`,
			want:     [][]float32{{1}},
			strategy: "embeddings[].embedding",
			ok:       true,
		},
		{
			name:     "Embeddings array of arrays",
			body:     `{"embeddings":[[1,2],[3,4]]}`,
			want:     [][]float32{{1, 2}, {3, 4}},
			strategy: "embeddings[][]",
			ok:       true,
		},
		{
			name:     "Items with vector",
			body:     `{"items":[{"vector":[1,2]},{"vector":"oops"}]}`,
			want:     [][]float32{{1, 2}, nil},
			strategy: "items[].vector",
			ok:       true,
		},
		{
			name:     "Vectors array of arrays",
			body:     `{"vectors":[[9]]}`,
			want:     [][]float32{{9}},
			strategy: "vectors[][]",
			ok:       true,
		},
		{
			name:     "Single embedding",
			body:     `{"embedding":[1,2,3]}`,
			want:     [][]float32{{1, 2, 3}},
			strategy: "embedding",
			ok:       true,
		},
		{
			name:     "Bare arrays",
			body:     `[[1,2],[3,"x"]]`,
			want:     [][]float32{{1, 2}, nil},
			strategy: "[][]",
			ok:       true,
		},
		{name: "HTML error page", body: `<html>bad gateway</html>`},
		{name: "Empty object", body: `{}`},
		{name: "Empty vectors", body: `{"data":[{"embedding":[]}]}`},
		{name: "Strings instead of numbers", body: `{"embeddings":[["a","b"]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, strategy, ok := Parse([]byte(tt.body), DefaultStrategies)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.strategy, strategy)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFirstStrategyWins(t *testing.T) {
	body := []byte(`{"data":[{"embedding":[1]}],"embeddings":[[2]]}`)
	got, strategy, ok := Parse(body, DefaultStrategies)
	assert.True(t, ok)
	assert.Equal(t, "data[].embedding", strategy)
	assert.Equal(t, [][]float32{{1}}, got)
}
