package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		source TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_workflow_created
		ON results(workflow, created_at);

	CREATE TABLE IF NOT EXISTS runs (
		task_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		dependencies TEXT,
		cancelled INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
