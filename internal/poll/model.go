package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/fetch"
	"github.com/aristath/taskflow/internal/scheduler"
)

// ModelConfig configures a ModelFetch.
type ModelConfig[T any] struct {
	Name      string
	Request   fetch.Request // Must use fetch.ModeDownload
	Fetch     fetch.Options
	OnSuccess func(models []T)
	OnFailure func(errs []error)
	Alert     func(a scheduler.Alert)
	Logger    *zap.Logger
}

// ModelFetch downloads a JSON document into its cache file and parses it into
// models, without polling.
type ModelFetch[T any] struct {
	cfg      ModelConfig[T]
	group    *scheduler.Group
	download *fetch.Fetch
	parse    *scheduler.Task

	mu       sync.Mutex
	models   []T
	reported sync.Once
}

// GetModel creates a download followed by a parse of the cache file.
func GetModel[T any](cfg ModelConfig[T]) (*ModelFetch[T], error) {
	if cfg.Request.Mode != fetch.ModeDownload {
		return nil, fmt.Errorf("model fetch requires %s mode: %w", fetch.ModeDownload, fetch.ErrInvalidRequest)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "get model"
	}
	if cfg.Fetch.Logger == nil {
		cfg.Fetch.Logger = logger
	}
	if cfg.Fetch.Locks == nil {
		cfg.Fetch.Locks = fetch.DefaultLocks()
	}

	m := &ModelFetch[T]{cfg: cfg}

	download, err := fetch.New(cfg.Request, cfg.Fetch)
	if err != nil {
		return nil, err
	}
	m.download = download

	m.parse = scheduler.Func("parse "+cfg.Name, func(ctx context.Context) error {
		models, err := ParseFile[T](cfg.Request.CacheFile, cfg.Fetch.Locks)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.models = models
		m.mu.Unlock()
		return nil
	})
	if err := m.parse.AddDependency(download.Task()); err != nil {
		return nil, err
	}
	if err := m.parse.AddCondition(scheduler.NoFailedDependencies()); err != nil {
		return nil, err
	}

	group, err := scheduler.NewGroup(scheduler.GroupConfig{
		Name:   cfg.Name,
		Logger: logger,
		ChildFinished: func(g *scheduler.Group, child *scheduler.Task, errs []error) {
			if len(errs) == 0 || (child != m.download.Task() && child != m.parse) {
				return
			}
			if cfg.Alert == nil {
				return
			}
			if a, ok := fetch.AlertForAny(errs); ok {
				g.ProduceAlertOnce(a, cfg.Alert)
			}
		},
	}, download.Task(), m.parse)
	if err != nil {
		return nil, err
	}
	m.group = group

	if err := group.Task().AddObserver(scheduler.ObserverFuncs{Finish: m.finished}); err != nil {
		return nil, err
	}
	return m, nil
}

// Task returns the task to submit to a scheduler.
func (m *ModelFetch[T]) Task() *scheduler.Task { return m.group.Task() }

// Models returns the parsed models (nil until the parse succeeded).
func (m *ModelFetch[T]) Models() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.models
}

func (m *ModelFetch[T]) finished(_ *scheduler.Task, errs []error) {
	m.reported.Do(func() {
		if len(errs) > 0 {
			if m.cfg.OnFailure != nil {
				m.cfg.OnFailure(errs)
			}
			return
		}
		if m.cfg.OnSuccess != nil {
			m.cfg.OnSuccess(m.Models())
		}
	})
}

// ParseFile reads a cached JSON document into models. A single object is
// treated as a one-element list.
func ParseFile[T any](path string, locks *fetch.PathLocks) ([]T, error) {
	if locks == nil {
		locks = fetch.DefaultLocks()
	}
	unlock := locks.RLock(path)
	data, err := os.ReadFile(path)
	unlock()
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &fetch.PayloadError{URL: path, Err: fmt.Errorf("empty document")}
	}

	switch trimmed[0] {
	case '{':
		var one T
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, &fetch.PayloadError{URL: path, Err: err}
		}
		return []T{one}, nil
	case '[':
		var many []T
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, &fetch.PayloadError{URL: path, Err: err}
		}
		return many, nil
	default:
		return nil, &fetch.PayloadError{URL: path, Err: fmt.Errorf("expected object or array")}
	}
}
