package poll

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/fetch"
	"github.com/aristath/taskflow/internal/scheduler"
)

// ResultStore persists the terminal payload of a workflow.
type ResultStore interface {
	SaveResult(ctx context.Context, workflow, source string, payload []byte) error
}

// Factory builds the fetch for one poll round against next.
type Factory func(next *url.URL) (*fetch.Fetch, error)

// Config configures a Workflow.
type Config[T any] struct {
	Name    string
	Initial fetch.Request // Must use fetch.ModeData
	Fetch   fetch.Options // Used by the default factory

	// Factory builds follow-up fetches. The default issues a GET to the
	// follow-up address with Initial's headers.
	Factory Factory
	// Parse extracts the model and state; DecodeStatus[T] when nil.
	Parse Parser[T]

	OnSuccess func(model T)                  // Called once with the terminal model
	OnFailure func(errs []error)             // Called once if the workflow ends without a terminal model
	OnRound   func(round int, next *url.URL) // Called after each follow-up fetch is injected
	Alert     func(a scheduler.Alert)        // Receives at most one alert

	Delay     backoff.BackOff // Wait between rounds; none when nil
	MaxRounds int             // Limit on fetches issued (0 = unlimited)
	Store     ResultStore     // Optional
	Observers []scheduler.Observer
	Logger    *zap.Logger
}

// Workflow fetches a resource and keeps re-fetching the follow-up address
// the server supplies while the resource is pending.
type Workflow[T any] struct {
	cfg     Config[T]
	parse   Parser[T]
	factory Factory
	group   *scheduler.Group
	logger  *zap.Logger

	mu      sync.Mutex
	current *fetch.Fetch
	state   State
	model   T
	rounds  int
	urls    []string
	stopped bool

	reported sync.Once
}

// New creates a workflow and its initial fetch.
func New[T any](cfg Config[T]) (*Workflow[T], error) {
	if cfg.Initial.Mode != fetch.ModeData {
		return nil, fmt.Errorf("polling requires %s mode: %w", fetch.ModeData, fetch.ErrInvalidRequest)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "poll"
	}
	if cfg.Fetch.Logger == nil {
		cfg.Fetch.Logger = logger
	}

	w := &Workflow[T]{
		cfg:     cfg,
		parse:   cfg.Parse,
		factory: cfg.Factory,
		logger:  logger.Named("poll").With(zap.String("workflow", cfg.Name)),
	}
	if w.parse == nil {
		w.parse = DecodeStatus[T]
	}
	if w.factory == nil {
		w.factory = func(next *url.URL) (*fetch.Fetch, error) {
			req := cfg.Initial.Clone(next)
			req.Method, req.Body = fetch.MethodGet, nil
			return fetch.New(req, cfg.Fetch)
		}
	}

	first, err := fetch.New(cfg.Initial, cfg.Fetch)
	if err != nil {
		return nil, err
	}
	if cfg.Delay != nil {
		cfg.Delay.Reset()
	}

	group, err := scheduler.NewGroup(scheduler.GroupConfig{
		Name:          cfg.Name,
		Observers:     cfg.Observers,
		Logger:        logger,
		ChildFinished: w.childFinished,
	}, first.Task())
	if err != nil {
		return nil, err
	}
	w.group = group
	w.current = first
	w.rounds = 1
	w.urls = []string{first.URL().String()}

	if err := group.Task().AddObserver(scheduler.ObserverFuncs{Finish: w.finished}); err != nil {
		return nil, err
	}
	return w, nil
}

// Task returns the task to submit to a scheduler.
func (w *Workflow[T]) Task() *scheduler.Task { return w.group.Task() }

// Group returns the underlying group.
func (w *Workflow[T]) Group() *scheduler.Group { return w.group }

// Model returns the last parsed model and whether one was parsed.
func (w *Workflow[T]) Model() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model, w.state.Status != NotStarted
}

// State returns the last reported poll state.
func (w *Workflow[T]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Rounds returns the number of fetches issued.
func (w *Workflow[T]) Rounds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rounds
}

// URLs returns the addresses fetched, in order.
func (w *Workflow[T]) URLs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.urls)
}

// childFinished drives the state machine. Only the fetch of the current round
// is considered; every other child (delays, alerts) is ignored.
func (w *Workflow[T]) childFinished(g *scheduler.Group, child *scheduler.Task, errs []error) {
	w.mu.Lock()
	cur := w.current
	if w.stopped || child != cur.Task() || g.Task().State() >= scheduler.StateFinishing {
		w.mu.Unlock()
		return
	}

	if len(errs) > 0 {
		w.stopped = true
		w.mu.Unlock()
		w.logger.Warn("fetch failed, polling stopped", zap.String("url", cur.URL().String()), zap.Errors("errors", errs))
		w.alert(g, errs)
		return
	}

	model, state, err := w.parse(cur.Payload())
	if err != nil {
		w.stopped = true
		w.mu.Unlock()
		perr := &fetch.PayloadError{URL: cur.URL().String(), Err: err}
		g.Aggregate(perr)
		w.alert(g, []error{perr})
		return
	}
	w.model = model
	w.state = state

	switch state.Status {
	case Finished:
		w.stopped = true
		w.mu.Unlock()
		w.logger.Info("poll finished", zap.Int("rounds", w.Rounds()))
		w.store(cur)

	case Pending:
		if w.cfg.MaxRounds > 0 && w.rounds >= w.cfg.MaxRounds {
			w.stopped = true
			w.mu.Unlock()
			g.Aggregate(fmt.Errorf("%w: limit is %d", ErrTooManyRounds, w.cfg.MaxRounds))
			return
		}
		next := cur.URL().ResolveReference(state.Next)
		w.mu.Unlock()
		w.schedule(g, next)

	default:
		w.stopped = true
		w.mu.Unlock()
		g.Aggregate(fmt.Errorf("%w: %s", ErrUnknownStatus, state.Status))
	}
}

// schedule injects the fetch for the next round. The group's queue stays
// suspended until the round is in place.
func (w *Workflow[T]) schedule(g *scheduler.Group, next *url.URL) {
	g.Suspend()
	defer g.Resume()

	f, err := w.factory(next)
	if err != nil {
		w.stop(g, fmt.Errorf("building poll fetch for %s: %w", next, err))
		return
	}

	tasks := []*scheduler.Task{f.Task()}
	if w.cfg.Delay != nil {
		d := w.cfg.Delay.NextBackOff()
		if d == backoff.Stop {
			w.stop(g, fmt.Errorf("%w: backoff exhausted", ErrTooManyRounds))
			return
		}
		delay := sleep(d)
		if err := f.Task().AddDependency(delay); err != nil {
			w.stop(g, err)
			return
		}
		tasks = []*scheduler.Task{delay, f.Task()}
	}

	w.mu.Lock()
	w.current = f
	w.rounds++
	round := w.rounds
	w.urls = append(w.urls, next.String())
	w.mu.Unlock()

	w.logger.Debug("polling again", zap.Int("round", round), zap.String("url", next.String()))
	if err := g.Add(tasks...); err != nil {
		w.stop(g, err)
		return
	}
	if w.cfg.OnRound != nil {
		w.cfg.OnRound(round, next)
	}
}

func (w *Workflow[T]) stop(g *scheduler.Group, err error) {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	g.Aggregate(err)
}

func (w *Workflow[T]) alert(g *scheduler.Group, errs []error) {
	if w.cfg.Alert == nil {
		return
	}
	if a, ok := fetch.AlertForAny(errs); ok {
		g.ProduceAlertOnce(a, w.cfg.Alert)
	}
}

func (w *Workflow[T]) store(f *fetch.Fetch) {
	if w.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.cfg.Store.SaveResult(ctx, w.cfg.Name, f.URL().String(), f.Raw()); err != nil {
		// Persistence is optional; the workflow result stands.
		w.logger.Warn("storing result failed", zap.Error(err))
	}
}

// finished reports the outcome once, after the group's last child finished.
func (w *Workflow[T]) finished(_ *scheduler.Task, errs []error) {
	w.reported.Do(func() {
		w.mu.Lock()
		model, state := w.model, w.state
		w.mu.Unlock()

		if state.Status == Finished && len(errs) == 0 {
			if w.cfg.OnSuccess != nil {
				w.cfg.OnSuccess(model)
			}
			return
		}
		if len(errs) == 0 {
			errs = []error{errors.New("polling ended without a terminal status")}
		}
		if w.cfg.OnFailure != nil {
			w.cfg.OnFailure(errs)
		}
	})
}

// sleep returns a task that waits d, or until it is cancelled.
func sleep(d time.Duration) *scheduler.Task {
	return scheduler.Func(fmt.Sprintf("poll delay %s", d), func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// ExponentialDelay returns a backoff that never gives up, for use as Config.Delay.
func ExponentialDelay(initial, maxInterval time.Duration, multiplier float64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
