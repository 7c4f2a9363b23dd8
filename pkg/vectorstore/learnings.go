// Package vectorstore indexes research learnings in a pgvector table so that
// finished jobs can be searched semantically or by metadata.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Metadata keys written by AddLearnings.
const (
	KeyJobID   = "job_id"
	KeySources = "sources"
	KeyQuery   = "query"
	KeyDepth   = "depth"
)

// Record is a learning with its embedding.
type Record struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"-"`
}

// Match is a stored learning returned by a query. Score is the cosine
// similarity to the query and zero for metadata lookups.
type Match struct {
	Record
	Score float64 `json:"score"`
}

type LearningStore struct {
	pool      *pgxpool.Pool
	tableName string
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-zA-Z0-9_]{0,62}$`)

// isValidTableName only admits names that are safe to interpolate: a
// lower-case letter or underscore followed by up to 62 word characters.
func isValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

func NewLearningStore(pool *pgxpool.Pool, tableName string) (*LearningStore, error) {
	if !isValidTableName(tableName) {
		return nil, fmt.Errorf("invalid table name %q: must contain only alphanumeric characters and underscores, start with a lower-case letter or underscore, and be 1-63 characters long", tableName)
	}
	return &LearningStore{pool: pool, tableName: tableName}, nil
}

func (s *LearningStore) table() string {
	return pgx.Identifier{s.tableName}.Sanitize()
}

// AddLearnings inserts records in one batch. Records without an ID get a
// fresh one.
func (s *LearningStore) AddLearnings(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
	`, s.table())

	batch := &pgx.Batch{}
	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		metadataJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		batch.Queue(query, id, r.Content, metadataJSON, pgvector.NewVector(r.Embedding))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert learning: %w", err)
		}
	}
	return nil
}

// Search returns the topK learnings closest to embedding among those
// matching filter.
func (s *LearningStore) Search(ctx context.Context, embedding []float32, topK int, filter map[string]any) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	args := []any{pgvector.NewVector(embedding)}
	where, err := buildMetadataQuery(filter, &args)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata query: %w", err)
	}
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, s.table(), where, len(args))

	return s.query(ctx, query, args, true)
}

// Find returns learnings matching filter, newest first. The filter supports
// the logical operators $and, $or and $not.
func (s *LearningStore) Find(ctx context.Context, filter map[string]any, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 100
	}
	var args []any
	where, err := buildMetadataQuery(filter, &args)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata query: %w", err)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, content, metadata
		FROM %s
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, s.table(), where, len(args))

	return s.query(ctx, query, args, false)
}

func (s *LearningStore) query(ctx context.Context, query string, args []any, scored bool) ([]Match, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query learnings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var id uuid.UUID
		var metadataJSON []byte
		dest := []any{&id, &m.Content, &metadataJSON}
		if scored {
			dest = append(dest, &m.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		m.ID = id.String()
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return matches, nil
}

// buildMetadataQuery renders filter as a WHERE clause, appending its
// parameters to args. Plain keys become containment checks joined with AND,
// in key order.
func buildMetadataQuery(filter map[string]any, args *[]any) (string, error) {
	if len(filter) == 0 {
		return "TRUE", nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conditions []string
	for _, key := range keys {
		value := filter[key]
		switch key {
		case "$and", "$or":
			list, ok := value.([]any)
			if !ok {
				return "", fmt.Errorf("value for %s must be a list of conditions", key)
			}
			var sub []string
			for _, item := range list {
				subMap, ok := item.(map[string]any)
				if !ok {
					return "", fmt.Errorf("item in %s list must be a JSON object", key)
				}
				q, err := buildMetadataQuery(subMap, args)
				if err != nil {
					return "", err
				}
				sub = append(sub, "("+q+")")
			}
			if len(sub) == 0 {
				continue
			}
			op := " AND "
			if key == "$or" {
				op = " OR "
			}
			conditions = append(conditions, "("+strings.Join(sub, op)+")")

		case "$not":
			subMap, ok := value.(map[string]any)
			if !ok {
				return "", fmt.Errorf("value for $not must be a JSON object")
			}
			q, err := buildMetadataQuery(subMap, args)
			if err != nil {
				return "", err
			}
			conditions = append(conditions, "NOT ("+q+")")

		default:
			pair, err := json.Marshal(map[string]any{key: value})
			if err != nil {
				return "", fmt.Errorf("failed to marshal metadata pair: %w", err)
			}
			*args = append(*args, pair)
			conditions = append(conditions, fmt.Sprintf("metadata @> $%d", len(*args)))
		}
	}

	if len(conditions) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conditions, " AND "), nil
}
