package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveResult appends the terminal payload of a workflow run.
func (s *SQLiteStore) SaveResult(ctx context.Context, workflow, source string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (id, workflow, source, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), workflow, source, payload, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save result for %q: %w", workflow, err)
	}
	return nil
}

// GetResult retrieves a result by ID.
func (s *SQLiteStore) GetResult(ctx context.Context, id string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, source, payload, created_at
		FROM results
		WHERE id = ?
	`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query result: %w", err)
	}
	return r, nil
}

// LatestResult retrieves the most recent result of a workflow.
func (s *SQLiteStore) LatestResult(ctx context.Context, workflow string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// rowid breaks ties between results saved within the same clock tick.
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, source, payload, created_at
		FROM results
		WHERE workflow = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, workflow)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no result for workflow %q: %w", workflow, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query result: %w", err)
	}
	return r, nil
}

// ListResults returns the results of a workflow, oldest first. An empty
// workflow lists every result. Returns an empty slice (not nil) if there are none.
func (s *SQLiteStore) ListResults(ctx context.Context, workflow string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow, source, payload, created_at
		FROM results
		WHERE ? = '' OR workflow = ?
		ORDER BY created_at ASC, rowid ASC
	`, workflow, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []Result{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*Result, error) {
	var r Result
	if err := row.Scan(&r.ID, &r.Workflow, &r.Source, &r.Payload, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
