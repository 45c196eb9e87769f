package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// GroupConfig configures a Group.
type GroupConfig struct {
	Name           string
	MaxConcurrency int        // Limit for the group's internal queue (0 = unlimited)
	Observers      []Observer // Attached to every child
	Logger         *zap.Logger

	// Exclusivity is the category registry of the internal queue. When nil
	// the queue shares the registry of the scheduler that executes the group.
	// Children must not declare a category the group task itself holds.
	Exclusivity *Exclusivity

	// ChildFinished is called after each child finishes, with
	// the child's errors already aggregated. The group cannot complete while
	// a call is in progress, so children injected from it always run.
	ChildFinished func(g *Group, child *Task, errs []error)
}

// Alert is a user-facing message derived from a task failure.
type Alert struct {
	Title   string
	Message string
	Err     error
}

// Group is a task composed of child tasks run on a private scheduler. The
// group finishes once every child, including children added while it runs,
// has finished.
type Group struct {
	task     *Task
	queue    *Scheduler
	sentinel *Task
	logger   *zap.Logger
	onChild  func(g *Group, child *Task, errs []error)
	inherit  bool

	mu       sync.Mutex
	errs     []error
	alerted  bool
	settling map[*Task]bool // children finishing whose results are not yet handled
}

// NewGroup creates a group task over children. The children do not run until
// the group itself is executed by a scheduler.
func NewGroup(cfg GroupConfig, children ...*Task) (*Group, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "group"
	}

	g := &Group{
		logger:   logger.Named("group").With(zap.String("group", name)),
		onChild:  cfg.ChildFinished,
		inherit:  cfg.Exclusivity == nil,
		settling: make(map[*Task]bool),
	}
	g.task = NewTask(name, RunnerFunc(g.run))
	g.queue = New(Config{
		Name:           name,
		MaxConcurrency: cfg.MaxConcurrency,
		Observers:      cfg.Observers,
		Suspended:      true,
		Logger:         logger,
		Exclusivity:    cfg.Exclusivity,
		OnTaskFinished: g.taskFinished,
	})
	g.sentinel = Block(name+" finished", nil)
	g.sentinel.hold = g.isSettling

	if err := g.Add(children...); err != nil {
		return nil, err
	}
	if err := g.queue.Add(g.sentinel); err != nil {
		return nil, fmt.Errorf("creating group %q: %w", name, err)
	}

	// A group cancelled before it runs still has to release its children.
	g.task.whenFinished(func([]error) {
		if g.task.Cancelled() {
			g.cancelChildren()
		}
	})
	return g, nil
}

// Task returns the task that represents the group in an outer scheduler.
func (g *Group) Task() *Task { return g.task }

// Queue returns the group's internal scheduler.
func (g *Group) Queue() *Scheduler { return g.queue }

// Add injects children into the group. It fails once the group has started
// completing. Children before a failing one stay in the group.
func (g *Group) Add(children ...*Task) error {
	for _, child := range children {
		if err := g.add(child); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) add(child *Task) error {
	if err := g.sentinel.AddDependency(child); err != nil {
		return fmt.Errorf("adding %q to group %q: %w", child.Name(), g.task.Name(), err)
	}
	if err := child.AddObserver(ObserverFuncs{Finish: g.childFinishing}); err != nil {
		g.sentinel.removeDependency(child)
		return fmt.Errorf("adding %q to group %q: %w", child.Name(), g.task.Name(), err)
	}
	if g.task.Cancelled() {
		child.Cancel()
	}
	if err := g.queue.Add(child); err != nil {
		g.sentinel.removeDependency(child)
		return fmt.Errorf("adding %q to group %q: %w", child.Name(), g.task.Name(), err)
	}
	return nil
}

// childFinishing runs before the child is marked finished and holds the
// completion marker until taskFinished has handled the child.
func (g *Group) childFinishing(child *Task, _ []error) {
	if child.scheduler() != g.queue {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settling[child] = true
}

func (g *Group) isSettling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.settling) > 0
}

// Aggregate appends a group-level error reported when the group finishes.
func (g *Group) Aggregate(err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, err)
}

// Errors returns the errors aggregated so far.
func (g *Group) Errors() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.errs)
}

// Suspend stops the internal queue from starting ready children.
func (g *Group) Suspend() { g.queue.SetSuspended(true) }

// Resume lets the internal queue start ready children again.
func (g *Group) Resume() { g.queue.SetSuspended(false) }

// ProduceAlertOnce hands a to present through a task produced on the group's
// scheduler. Only the first call per group has any effect; it reports whether
// this call produced the alert.
func (g *Group) ProduceAlertOnce(a Alert, present func(Alert)) bool {
	g.mu.Lock()
	if g.alerted {
		g.mu.Unlock()
		return false
	}
	g.alerted = true
	g.mu.Unlock()

	if present == nil {
		return true
	}
	alert := Block("alert: "+a.Title, func() { present(a) })
	if err := g.task.Produce(alert); err != nil {
		// Not scheduled anywhere; present directly.
		g.logger.Debug("presenting alert inline", zap.String("title", a.Title), zap.Error(err))
		present(a)
	}
	return true
}

func (g *Group) run(ctx context.Context, t *Task) {
	if owner := t.scheduler(); owner != nil && g.inherit {
		g.queue.shareExclusivity(owner.Exclusivity())
	}
	go func() {
		<-ctx.Done()
		if t.Cancelled() {
			g.cancelChildren()
		}
	}()
	g.queue.SetSuspended(false)
}

// cancelChildren cancels every child still queued and lets the queue drain so
// the completion marker can run.
func (g *Group) cancelChildren() {
	for _, t := range g.queue.Tasks() {
		if t != g.sentinel {
			t.Cancel()
		}
	}
	g.queue.SetSuspended(false)
}

func (g *Group) taskFinished(child *Task, errs []error) {
	if child == g.sentinel {
		g.finish()
		return
	}

	g.mu.Lock()
	g.errs = append(g.errs, errs...)
	g.mu.Unlock()

	if g.onChild != nil {
		g.onChild(g, child, errs)
	}

	// The queue re-runs admission after this returns.
	g.mu.Lock()
	delete(g.settling, child)
	g.mu.Unlock()
}

func (g *Group) finish() {
	errs := g.Errors()
	if g.task.Cancelled() && !slices.ContainsFunc(errs, func(err error) bool { return errors.Is(err, ErrCancelled) }) {
		errs = append(errs, ErrCancelled)
	}
	if len(errs) > 0 {
		g.logger.Debug("group finished with errors", zap.Errors("errors", errs))
	}
	g.task.Finish(errs...)
}
