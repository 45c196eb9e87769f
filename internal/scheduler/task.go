package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// TaskState represents the lifecycle state of a task.
type TaskState int

const (
	StateInitialized          TaskState = iota // Created, not yet submitted
	StatePending                               // Submitted, waiting for dependencies
	StateEvaluatingConditions                  // Dependencies finished, conditions running
	StateReady                                 // Conditions satisfied, waiting for a slot
	StateExecuting                             // Runner invoked
	StateFinishing                             // Finish called, observers being notified
	StateFinished                              // Terminal
)

func (s TaskState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePending:
		return "pending"
	case StateEvaluatingConditions:
		return "evaluating"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

var (
	// ErrCancelled is reported by tasks that were cancelled before or while running.
	ErrCancelled = errors.New("task cancelled")

	// ErrExecutionFailed tags failures of a task's own logic.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrTaskStarted is returned when a task is modified after it began executing.
	ErrTaskStarted = errors.New("task already started")

	// ErrNoScheduler is returned by Produce on a task that was never submitted.
	ErrNoScheduler = errors.New("task is not owned by a scheduler")
)

// Runner is the body of a task. Run must eventually call t.Finish exactly once,
// either before returning or later from another goroutine.
type Runner interface {
	Run(ctx context.Context, t *Task)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, t *Task)

// Run calls f(ctx, t).
func (f RunnerFunc) Run(ctx context.Context, t *Task) { f(ctx, t) }

// Task is a schedulable, cancellable unit of asynchronous work.
type Task struct {
	id     string
	name   string
	runner Runner

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      TaskState
	cancelled  bool
	owner      *Scheduler
	deps       []*Task
	conditions []Condition
	observers  []Observer
	errs       []error
	evaluated  bool
	onFinish   []func(errs []error)
	startedAt  time.Time
	finishedAt time.Time

	// hold keeps a ready task from starting while it reports true. Set before
	// the task is scheduled.
	hold func() bool
}

// NewTask creates a task in StateInitialized that runs r when executed.
func NewTask(name string, r Runner) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		id:     uuid.NewString(),
		name:   name,
		runner: r,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Func creates a task from a synchronous function. The returned error, if
// any, becomes the task's error list.
func Func(name string, fn func(ctx context.Context) error) *Task {
	return NewTask(name, RunnerFunc(func(ctx context.Context, t *Task) {
		t.Finish(fn(ctx))
	}))
}

// Block creates a task that calls fn and finishes without error.
func Block(name string, fn func()) *Task {
	return NewTask(name, RunnerFunc(func(ctx context.Context, t *Task) {
		if fn != nil {
			fn()
		}
		t.Finish()
	}))
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Name returns the human-readable task name.
func (t *Task) Name() string { return t.name }

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s)", t.name, t.id[:8])
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// IsFinished reports whether the task reached StateFinished.
func (t *Task) IsFinished() bool {
	return t.State() == StateFinished
}

// Done returns a channel that is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Errors returns a copy of the accumulated error list.
func (t *Task) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.errs)
}

// Err combines the accumulated errors into a single error (nil if none).
func (t *Task) Err() error {
	return multierr.Combine(t.Errors()...)
}

// StartedAt returns when the runner was invoked (zero if never).
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// FinishedAt returns when the task finished (zero if not yet).
func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Dependencies returns a copy of the dependency list.
func (t *Task) Dependencies() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.deps)
}

// AddDependency makes t wait until dep has finished. Dependencies can be added
// until the task starts executing.
func (t *Task) AddDependency(dep *Task) error {
	if dep == nil || dep == t {
		return fmt.Errorf("invalid dependency for task %q", t.name)
	}

	t.mu.Lock()
	if t.state >= StateExecuting {
		t.mu.Unlock()
		return fmt.Errorf("adding dependency %q to %q: %w", dep.name, t.name, ErrTaskStarted)
	}
	if slices.Contains(t.deps, dep) {
		t.mu.Unlock()
		return nil
	}
	t.deps = append(t.deps, dep)
	owner := t.owner
	t.mu.Unlock()

	if owner != nil {
		owner.watch(dep)
	}
	return nil
}

// removeDependency drops dep again. Used to undo AddDependency when the
// dependency could not be scheduled.
func (t *Task) removeDependency(dep *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = slices.DeleteFunc(t.deps, func(d *Task) bool { return d == dep })
}

// AddCondition appends a precondition. Conditions are evaluated once, after
// all dependencies have finished.
func (t *Task) AddCondition(c Condition) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateInitialized {
		return fmt.Errorf("adding condition %q to %q: %w", c.Name(), t.name, ErrTaskStarted)
	}
	t.conditions = append(t.conditions, c)
	return nil
}

// AddObserver appends a lifecycle observer.
func (t *Task) AddObserver(o Observer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state >= StateExecuting {
		return fmt.Errorf("adding observer to %q: %w", t.name, ErrTaskStarted)
	}
	t.observers = append(t.observers, o)
	return nil
}

// AddError records an error that will be reported when the task finishes.
func (t *Task) AddError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state < StateFinishing {
		t.errs = append(t.errs, err)
	}
}

// Cancel requests cancellation. A task that has not started is finished by
// its scheduler with ErrCancelled; an executing task sees its context cancelled.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.cancelled || t.state >= StateFinishing {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	owner := t.owner
	t.mu.Unlock()

	t.cancel()
	if owner != nil {
		owner.schedule()
	}
}

// Produce hands a newly generated task to the observers and submits it to
// the scheduler that owns t.
func (t *Task) Produce(produced *Task) error {
	t.mu.Lock()
	observers := slices.Clone(t.observers)
	owner := t.owner
	t.mu.Unlock()

	for _, o := range observers {
		o.TaskDidProduce(t, produced)
	}
	if owner == nil {
		return ErrNoScheduler
	}
	return owner.Add(produced)
}

// Finish moves the task to StateFinished with the given errors appended to
// the accumulated list. Only the first call has any effect.
func (t *Task) Finish(errs ...error) {
	t.mu.Lock()
	if t.state >= StateFinishing {
		t.mu.Unlock()
		return
	}
	t.state = StateFinishing
	for _, err := range errs {
		if err != nil {
			t.errs = append(t.errs, err)
		}
	}
	all := slices.Clone(t.errs)
	observers := slices.Clone(t.observers)
	t.mu.Unlock()

	for _, o := range observers {
		o.TaskDidFinish(t, all)
	}

	t.mu.Lock()
	t.state = StateFinished
	t.finishedAt = time.Now()
	hooks := t.onFinish
	t.onFinish = nil
	t.mu.Unlock()

	t.cancel()
	close(t.done)

	for _, hook := range hooks {
		hook(all)
	}
}

// cancelWithErrors marks the task cancelled and finishes it with errs.
func (t *Task) cancelWithErrors(errs []error) {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
	t.Finish(errs...)
}

// whenFinished registers fn to run after the task finishes. If the task has
// already finished, fn runs immediately.
func (t *Task) whenFinished(fn func(errs []error)) {
	t.mu.Lock()
	if t.state == StateFinished {
		errs := slices.Clone(t.errs)
		t.mu.Unlock()
		fn(errs)
		return
	}
	t.onFinish = append(t.onFinish, fn)
	t.mu.Unlock()
}

// attach binds the task to a scheduler and moves it to StatePending.
func (t *Task) attach(s *Scheduler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.owner != nil {
		return fmt.Errorf("task %q is already scheduled", t.name)
	}
	if t.state != StateInitialized {
		return fmt.Errorf("task %q cannot be scheduled in state %s", t.name, t.state)
	}
	t.owner = s
	t.state = StatePending
	return nil
}

// detach undoes attach when admission fails.
func (t *Task) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = nil
	t.state = StateInitialized
}

func (t *Task) scheduler() *Scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// transition moves the task from one state to another, reporting whether the
// task was in the expected state.
func (t *Task) transition(from, to TaskState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	if to == StateExecuting {
		t.startedAt = time.Now()
	}
	return true
}

func (t *Task) held() bool {
	return t.hold != nil && t.hold()
}

func (t *Task) conditionsEvaluated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evaluated
}

func (t *Task) markConditionsEvaluated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evaluated = true
}

func (t *Task) dependenciesFinished() bool {
	for _, dep := range t.Dependencies() {
		if !dep.IsFinished() {
			return false
		}
	}
	return true
}

func (t *Task) conditionList() []Condition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.conditions)
}

func (t *Task) observerList() []Observer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.observers)
}

// categories returns the sorted set of exclusivity categories declared by the
// task's conditions and observers.
func (t *Task) categories() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool)
	var cats []string
	add := func(v any) {
		if ex, ok := v.(Exclusive); ok {
			if c := ex.ExclusivityCategory(); c != "" && !seen[c] {
				seen[c] = true
				cats = append(cats, c)
			}
		}
	}
	for _, c := range t.conditions {
		add(c)
	}
	for _, o := range t.observers {
		add(o)
	}
	sort.Strings(cats)
	return cats
}
