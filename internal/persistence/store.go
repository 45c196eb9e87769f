package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Result is the stored terminal payload of a poll workflow.
type Result struct {
	ID        string
	Workflow  string
	Source    string // URL the payload was fetched from
	Payload   []byte
	CreatedAt time.Time
}

// Run is the record of one finished top-level task.
type Run struct {
	TaskID       string
	Name         string
	Dependencies []string // Task IDs
	Cancelled    bool
	Error        string
	StartedAt    time.Time // Zero when the task never executed
	FinishedAt   time.Time
}

// Store defines the persistence interface for workflow results and task runs.
// Nothing in the scheduler reads it back.
type Store interface {
	// Results
	SaveResult(ctx context.Context, workflow, source string, payload []byte) error
	GetResult(ctx context.Context, id string) (*Result, error)
	LatestResult(ctx context.Context, workflow string) (*Result, error)
	ListResults(ctx context.Context, workflow string) ([]Result, error)

	// Runs
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context) ([]Run, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory SQLite store for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// A unique name keeps stores apart while the shared cache lets the
	// pool's connections see the same database.
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
