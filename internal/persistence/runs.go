package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/scheduler"
)

// SaveRun saves or updates the record of a finished task.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var started any
	if !run.StartedAt.IsZero() {
		started = run.StartedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (task_id, name, dependencies, cancelled, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			name = excluded.name,
			dependencies = excluded.dependencies,
			cancelled = excluded.cancelled,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, run.TaskID, run.Name, strings.Join(run.Dependencies, ","), run.Cancelled, run.Error, started, run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.TaskID, err)
	}
	return nil
}

// ListRuns returns every recorded run in completion order.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, name, dependencies, cancelled, error, started_at, finished_at
		FROM runs
		ORDER BY finished_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			run     Run
			deps    sql.NullString
			errText sql.NullString
			started sql.NullTime
		)
		if err := rows.Scan(&run.TaskID, &run.Name, &deps, &run.Cancelled, &errText, &started, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if deps.String != "" {
			run.Dependencies = strings.Split(deps.String, ",")
		}
		run.Error = errText.String
		if started.Valid {
			run.StartedAt = started.Time
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// RunFor builds the record of a finished task.
func RunFor(t *scheduler.Task, errs []error) Run {
	run := Run{
		TaskID:     t.ID(),
		Name:       t.Name(),
		Cancelled:  t.Cancelled(),
		StartedAt:  t.StartedAt(),
		FinishedAt: t.FinishedAt(),
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	for _, dep := range t.Dependencies() {
		run.Dependencies = append(run.Dependencies, dep.ID())
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		run.Error = strings.Join(msgs, "; ")
	}
	return run
}

// RunRecorder returns an observer saving a Run for every task it sees finish.
// Save failures are logged and otherwise ignored.
func RunRecorder(store Store, logger *zap.Logger) scheduler.Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return scheduler.ObserverFuncs{
		Finish: func(t *scheduler.Task, errs []error) {
			if err := store.SaveRun(context.Background(), RunFor(t, errs)); err != nil {
				logger.Warn("recording run failed", zap.String("task", t.Name()), zap.Error(err))
			}
		},
	}
}
