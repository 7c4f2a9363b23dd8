package database

import (
	"context"
	"fmt"
)

// InitSchema creates the job and log tables. The learnings table depends on
// the embedding dimension and is created by CreateLearningsTable.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS research_jobs (
		id UUID PRIMARY KEY,
		topic TEXT NOT NULL,
		status TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}'::jsonb,
		state JSONB,
		result JSONB,
		report TEXT,
		error TEXT,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS research_logs (
		id SERIAL PRIMARY KEY,
		job_id UUID REFERENCES research_jobs(id) ON DELETE CASCADE,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_research_jobs_status ON research_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_research_logs_job_id ON research_logs(job_id);
	`

	if _, err := db.Pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
