package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidTableName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"Valid standard", "research_learnings", true},
		{"Valid with numbers", "learnings2025", true},
		{"Valid short", "a", true},
		{"Valid leading underscore", "_learnings", true},
		{"Valid max length", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_", true}, // 63 chars
		{"Invalid start with number", "1learnings", false},
		{"Invalid start with upper case", "Learnings", false},
		{"Invalid special chars", "research-learnings", false},
		{"Invalid space", "research learnings", false},
		{"Invalid SQL injection", "learnings; DROP TABLE research_jobs", false},
		{"Invalid empty", "", false},
		{"Invalid too long", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789__", false}, // 64 chars
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isValidTableName(tt.input))
		})
	}
}

func TestNewLearningStoreRejectsUnsafeTable(t *testing.T) {
	_, err := NewLearningStore(nil, "x; DROP TABLE research_jobs")
	assert.Error(t, err)

	s, err := NewLearningStore(nil, "research_learnings")
	require.NoError(t, err)
	assert.Equal(t, `"research_learnings"`, s.table())
}

func TestBuildMetadataQuery(t *testing.T) {
	tests := []struct {
		name          string
		filter        map[string]any
		wantQuery     string
		wantArgsCount int
		wantErr       bool
	}{
		{
			name:      "Empty filter",
			filter:    map[string]any{},
			wantQuery: "TRUE",
		},
		{
			name:          "Single key-value",
			filter:        map[string]any{KeyJobID: "5f1c"},
			wantQuery:     "metadata @> $1",
			wantArgsCount: 1,
		},
		{
			name: "$and operator",
			filter: map[string]any{
				"$and": []any{
					map[string]any{"a": 1},
					map[string]any{"b": 2},
				},
			},
			wantQuery:     "((metadata @> $1) AND (metadata @> $2))",
			wantArgsCount: 2,
		},
		{
			name: "$or operator",
			filter: map[string]any{
				"$or": []any{
					map[string]any{"a": 1},
					map[string]any{"b": 2},
				},
			},
			wantQuery:     "((metadata @> $1) OR (metadata @> $2))",
			wantArgsCount: 2,
		},
		{
			name:          "$not operator",
			filter:        map[string]any{"$not": map[string]any{"a": 1}},
			wantQuery:     "NOT (metadata @> $1)",
			wantArgsCount: 1,
		},
		{
			name: "Nested operators",
			filter: map[string]any{
				"$or": []any{
					map[string]any{"a": 1},
					map[string]any{
						"$and": []any{
							map[string]any{"b": 2},
							map[string]any{"c": 3},
						},
					},
				},
			},
			wantQuery:     "((metadata @> $1) OR (((metadata @> $2) AND (metadata @> $3))))",
			wantArgsCount: 3,
		},
		{
			name:          "Implicit AND in key order",
			filter:        map[string]any{"b": 2, "a": 1, "c": 3},
			wantQuery:     "metadata @> $1 AND metadata @> $2 AND metadata @> $3",
			wantArgsCount: 3,
		},
		{
			name:    "Error: Value for $or is not a list",
			filter:  map[string]any{"$or": "invalid"},
			wantErr: true,
		},
		{
			name:    "Error: Item in $and list is not an object",
			filter:  map[string]any{"$and": []any{"invalid"}},
			wantErr: true,
		},
		{
			name:    "Error: Value for $not is not an object",
			filter:  map[string]any{"$not": []any{"invalid"}},
			wantErr: true,
		},
		{
			name:      "Empty list in operator is ignored",
			filter:    map[string]any{"$or": []any{}},
			wantQuery: "TRUE",
		},
		{
			name:      "Operator with empty objects",
			filter:    map[string]any{"$and": []any{map[string]any{}}},
			wantQuery: "((TRUE))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []any
			got, err := buildMetadataQuery(tt.filter, &args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQuery, got)
			assert.Len(t, args, tt.wantArgsCount)
		})
	}
}

func TestBuildMetadataQueryContinuesPlaceholders(t *testing.T) {
	args := []any{"query embedding"}
	got, err := buildMetadataQuery(map[string]any{KeyJobID: "5f1c", KeyDepth: 1}, &args)
	require.NoError(t, err)

	assert.Equal(t, "metadata @> $2 AND metadata @> $3", got)
	require.Len(t, args, 3)
	assert.JSONEq(t, `{"depth":1}`, string(args[1].([]byte)))
	assert.JSONEq(t, `{"job_id":"5f1c"}`, string(args[2].([]byte)))
}
