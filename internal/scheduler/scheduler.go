package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config configures a Scheduler.
type Config struct {
	Name           string     // Used in logs
	MaxConcurrency int        // Max tasks executing at once (0 = unlimited)
	Suspended      bool       // Start with admission suspended
	Observers      []Observer // Attached to every task added to the scheduler
	Logger         *zap.Logger

	// Exclusivity is the category registry shared with other schedulers; a
	// private one when nil.
	Exclusivity *Exclusivity

	// OnTaskFinished runs after the scheduler's bookkeeping for a finished
	// task and before newly eligible tasks are admitted.
	OnTaskFinished func(t *Task, errs []error)
}

// Scheduler admits tasks once their dependencies have finished and their
// conditions are satisfied, and executes them under the concurrency limit and
// the exclusivity categories.
type Scheduler struct {
	name       string
	logger     *zap.Logger
	slots      *semaphore.Weighted // nil when unlimited
	observers  []Observer
	onFinished func(t *Task, errs []error)

	mu          sync.Mutex
	graph       *graph
	suspended   bool
	exclusivity *Exclusivity
	executing   map[string]execution // task ID -> categories held while executing
	changed     chan struct{}        // closed and replaced whenever a task leaves the queue
}

type execution struct {
	cats []string
	reg  *Exclusivity
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "scheduler"
	}

	s := &Scheduler{
		name:        name,
		logger:      logger.Named("scheduler").With(zap.String("queue", name)),
		observers:   slices.Clone(cfg.Observers),
		onFinished:  cfg.OnTaskFinished,
		graph:       newGraph(),
		suspended:   cfg.Suspended,
		exclusivity: cfg.Exclusivity,
		executing:   make(map[string]execution),
		changed:     make(chan struct{}),
	}
	if s.exclusivity == nil {
		s.exclusivity = NewExclusivity()
	}
	if cfg.MaxConcurrency > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Exclusivity returns the category registry the scheduler admits against.
func (s *Scheduler) Exclusivity() *Exclusivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exclusivity
}

// shareExclusivity switches the scheduler to e. It must only be called while
// nothing is executing.
func (s *Scheduler) shareExclusivity(e *Exclusivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.executing) == 0 {
		s.exclusivity = e
	}
}

// Add submits tasks. Each task moves to StatePending; dependency tasks
// supplied by its conditions are submitted ahead of it. On error the failing
// task and the ones after it are not added; the ones before it stay queued.
func (s *Scheduler) Add(tasks ...*Task) error {
	var err error
	for _, t := range tasks {
		if err = s.add(t); err != nil {
			break
		}
	}
	s.schedule()
	return err
}

func (s *Scheduler) add(t *Task) error {
	for _, c := range t.conditionList() {
		dep := c.Dependency(t)
		if dep == nil {
			continue
		}
		if err := t.AddDependency(dep); err != nil {
			return fmt.Errorf("wiring dependency of condition %q: %w", c.Name(), err)
		}
		if dep.scheduler() == nil {
			if err := s.add(dep); err != nil {
				return fmt.Errorf("adding dependency of condition %q: %w", c.Name(), err)
			}
		}
	}

	s.mu.Lock()
	if err := t.attach(s); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.graph.add(t); err != nil {
		t.detach()
		s.mu.Unlock()
		return err
	}
	if _, err := s.graph.validate(); err != nil {
		s.graph.remove(t.ID())
		t.detach()
		s.mu.Unlock()
		return fmt.Errorf("adding task %q: %w", t.Name(), err)
	}
	for _, o := range s.observers {
		_ = t.AddObserver(o) // Cannot fail: the task is pending
	}
	s.mu.Unlock()

	t.whenFinished(func(errs []error) { s.taskFinished(t, errs) })
	for _, dep := range t.Dependencies() {
		s.watch(dep)
	}

	s.logger.Debug("task added", zap.String("task", t.Name()), zap.String("id", t.ID()))
	return nil
}

// watch re-runs admission when a dependency owned by another scheduler finishes.
func (s *Scheduler) watch(dep *Task) {
	if dep.scheduler() == s {
		return
	}
	dep.whenFinished(func([]error) { s.schedule() })
}

// schedule is the admission pass. It is safe to call at any time from any
// goroutine; it never blocks on task work.
func (s *Scheduler) schedule() {
	var evaluate, start, cancelled []*Task
	var wake []*Scheduler

	s.mu.Lock()
	for _, t := range s.graph.ordered() {
		if t.State() == StatePending {
			if t.Cancelled() {
				cancelled = append(cancelled, t)
				continue
			}
			if !t.dependenciesFinished() {
				continue
			}
			// Conditions are evaluated once; a task demoted from ready goes straight back
			if !t.conditionsEvaluated() {
				if t.transition(StatePending, StateEvaluatingConditions) {
					evaluate = append(evaluate, t)
				}
				continue
			}
			t.transition(StatePending, StateReady)
		}

		if t.State() != StateReady {
			continue
		}
		if t.Cancelled() {
			cancelled = append(cancelled, t)
			continue
		}
		// A dependency may have been added after conditions were evaluated
		if !t.dependenciesFinished() {
			t.transition(StateReady, StatePending)
			continue
		}
		if s.suspended || t.held() {
			continue
		}
		if s.slots != nil && !s.slots.TryAcquire(1) {
			continue
		}
		cats := t.categories()
		if !s.exclusivity.acquire(t.ID(), cats, s) {
			if s.slots != nil {
				s.slots.Release(1)
			}
			continue
		}
		if !t.transition(StateReady, StateExecuting) {
			if s.slots != nil {
				s.slots.Release(1)
			}
			wake = append(wake, s.exclusivity.release(t.ID(), cats)...)
			continue
		}
		s.executing[t.ID()] = execution{cats: cats, reg: s.exclusivity}
		start = append(start, t)
	}
	s.mu.Unlock()

	for _, w := range wake {
		if w != s {
			w.schedule()
		}
	}

	for _, t := range cancelled {
		s.logger.Debug("finishing cancelled task", zap.String("task", t.Name()))
		t.Finish(ErrCancelled)
	}
	for _, t := range evaluate {
		go s.evaluate(t)
	}
	for _, t := range start {
		go s.execute(t)
	}
}

// evaluate runs every condition of t concurrently and aggregates all failures.
func (s *Scheduler) evaluate(t *Task) {
	conditions := t.conditionList()

	if len(conditions) > 0 {
		failures := make([]error, len(conditions))
		var g errgroup.Group
		for i, c := range conditions {
			g.Go(func() error {
				if err := c.Evaluate(t.ctx, t); err != nil {
					failures[i] = conditionFailure(c, t, err)
				}
				return nil // Failures are collected per condition, not short-circuited
			})
		}
		_ = g.Wait()

		failures = slices.DeleteFunc(failures, func(err error) bool { return err == nil })
		if len(failures) > 0 {
			s.logger.Debug("conditions failed", zap.String("task", t.Name()), zap.Errors("errors", failures))
			t.cancelWithErrors(failures)
			return
		}
	}

	t.markConditionsEvaluated()
	t.transition(StateEvaluatingConditions, StateReady)
	s.schedule()
}

// execute invokes the task's runner.
func (s *Scheduler) execute(t *Task) {
	for _, o := range t.observerList() {
		o.TaskDidStart(t)
	}
	s.logger.Debug("task executing", zap.String("task", t.Name()))

	if t.runner == nil {
		t.Finish()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("task", t.Name()), zap.Any("panic", r))
			t.Finish(fmt.Errorf("task %q panicked: %v: %w", t.Name(), r, ErrExecutionFailed))
		}
	}()
	t.runner.Run(t.ctx, t)
}

// taskFinished releases the task's slot and categories, removes it from the
// queue, runs the OnTaskFinished hook, and admits newly eligible tasks.
// Schedulers turned away by one of the released categories are re-run.
func (s *Scheduler) taskFinished(t *Task, errs []error) {
	s.mu.Lock()
	h, wasExecuting := s.executing[t.ID()]
	if wasExecuting {
		delete(s.executing, t.ID())
		if s.slots != nil {
			s.slots.Release(1)
		}
	}
	s.graph.remove(t.ID())
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if wasExecuting {
		for _, w := range h.reg.release(t.ID(), h.cats) {
			if w != s {
				w.schedule()
			}
		}
	}

	if len(errs) > 0 {
		s.logger.Debug("task finished with errors", zap.String("task", t.Name()), zap.Errors("errors", errs))
	} else {
		s.logger.Debug("task finished", zap.String("task", t.Name()))
	}

	if s.onFinished != nil {
		s.onFinished(t, errs)
	}
	s.schedule()
}

// SetSuspended stops (true) or resumes (false) the transition of ready tasks
// to executing. Tasks already executing are unaffected.
func (s *Scheduler) SetSuspended(suspended bool) {
	s.mu.Lock()
	s.suspended = suspended
	s.mu.Unlock()

	if !suspended {
		s.schedule()
	}
}

// Suspended reports whether admission is suspended.
func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// CancelAll cancels every queued task. Finished tasks are unaffected.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	tasks := s.graph.ordered()
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Len returns the number of unfinished tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.len()
}

// Tasks returns the unfinished tasks in submission order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.ordered()
}

// Progress returns task counts per state.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.progress()
}

// Wait blocks until the queue is empty or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.graph.len() == 0 {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
