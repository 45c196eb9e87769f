package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrConditionFailed tags every error produced by a failed condition.
var ErrConditionFailed = errors.New("condition failed")

// Condition gates the execution of a task.
type Condition interface {
	// Name identifies the condition in errors and logs.
	Name() string

	// Dependency returns a task that must finish before the condition is
	// evaluated (for example a permission request), or nil.
	Dependency(t *Task) *Task

	// Evaluate reports nil when the condition is satisfied.
	Evaluate(ctx context.Context, t *Task) error
}

// Exclusive is implemented by conditions and observers that restrict their
// task to run alone within a category.
type Exclusive interface {
	ExclusivityCategory() string
}

// ConditionError describes a single failed condition.
type ConditionError struct {
	Condition string
	Task      string
	Detail    map[string]any
	Err       error
}

func (e *ConditionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "condition %q failed for task %q", e.Condition, e.Task)
	for k, v := range e.Detail {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes ErrConditionFailed and the underlying cause to errors.Is.
func (e *ConditionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConditionFailed}
	}
	return []error{ErrConditionFailed, e.Err}
}

// conditionFailure normalizes an evaluation error into a *ConditionError.
func conditionFailure(c Condition, t *Task, err error) error {
	var ce *ConditionError
	if errors.As(err, &ce) {
		if ce.Condition == "" {
			ce.Condition = c.Name()
		}
		if ce.Task == "" {
			ce.Task = t.Name()
		}
		return ce
	}
	return &ConditionError{Condition: c.Name(), Task: t.Name(), Err: err}
}

type funcCondition struct {
	name string
	fn   func(ctx context.Context, t *Task) error
}

// NewCondition creates a condition without a dependency from an evaluation function.
func NewCondition(name string, fn func(ctx context.Context, t *Task) error) Condition {
	return &funcCondition{name: name, fn: fn}
}

func (c *funcCondition) Name() string             { return c.name }
func (c *funcCondition) Dependency(t *Task) *Task { return nil }
func (c *funcCondition) Evaluate(ctx context.Context, t *Task) error {
	return c.fn(ctx, t)
}

type mutualExclusion struct {
	category string
}

// MutuallyExclusive returns an always-satisfied condition that prevents two
// tasks of the same category from executing at the same time.
func MutuallyExclusive(category string) Condition {
	return mutualExclusion{category: category}
}

func (m mutualExclusion) Name() string                                { return "MutuallyExclusive<" + m.category + ">" }
func (m mutualExclusion) Dependency(t *Task) *Task                    { return nil }
func (m mutualExclusion) Evaluate(ctx context.Context, t *Task) error { return nil }
func (m mutualExclusion) ExclusivityCategory() string                 { return m.category }

type noCancelledDependencies struct{}

// NoCancelledDependencies fails when any of the task's dependencies was cancelled.
func NoCancelledDependencies() Condition {
	return noCancelledDependencies{}
}

func (noCancelledDependencies) Name() string             { return "NoCancelledDependencies" }
func (noCancelledDependencies) Dependency(t *Task) *Task { return nil }
func (noCancelledDependencies) Evaluate(ctx context.Context, t *Task) error {
	var cancelled []string
	for _, dep := range t.Dependencies() {
		if dep.Cancelled() {
			cancelled = append(cancelled, dep.Name())
		}
	}
	if len(cancelled) == 0 {
		return nil
	}
	return &ConditionError{Detail: map[string]any{"cancelled": strings.Join(cancelled, ",")}}
}

type noFailedDependencies struct{}

// NoFailedDependencies fails when any of the task's dependencies finished with errors.
func NoFailedDependencies() Condition {
	return noFailedDependencies{}
}

func (noFailedDependencies) Name() string             { return "NoFailedDependencies" }
func (noFailedDependencies) Dependency(t *Task) *Task { return nil }
func (noFailedDependencies) Evaluate(ctx context.Context, t *Task) error {
	var failed []string
	for _, dep := range t.Dependencies() {
		if len(dep.Errors()) > 0 {
			failed = append(failed, dep.Name())
		}
	}
	if len(failed) == 0 {
		return nil
	}
	// The dependencies' own errors are reported by the dependencies.
	return &ConditionError{Detail: map[string]any{"failed": strings.Join(failed, ",")}}
}

type silent struct {
	Condition
}

// Silent wraps c so that its dependency task is never scheduled.
func Silent(c Condition) Condition {
	return silent{Condition: c}
}

func (s silent) Dependency(t *Task) *Task { return nil }

func (s silent) ExclusivityCategory() string {
	if ex, ok := s.Condition.(Exclusive); ok {
		return ex.ExclusivityCategory()
	}
	return ""
}
