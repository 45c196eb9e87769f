package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer is notified at the lifecycle points of the tasks it is attached to.
type Observer interface {
	TaskDidStart(t *Task)
	TaskDidProduce(t *Task, produced *Task)
	TaskDidFinish(t *Task, errs []error)
}

// ObserverFuncs adapts optional functions to the Observer interface.
type ObserverFuncs struct {
	Start   func(t *Task)
	Produce func(t *Task, produced *Task)
	Finish  func(t *Task, errs []error)
}

func (o ObserverFuncs) TaskDidStart(t *Task) {
	if o.Start != nil {
		o.Start(t)
	}
}

func (o ObserverFuncs) TaskDidProduce(t *Task, produced *Task) {
	if o.Produce != nil {
		o.Produce(t, produced)
	}
}

func (o ObserverFuncs) TaskDidFinish(t *Task, errs []error) {
	if o.Finish != nil {
		o.Finish(t, errs)
	}
}

// CancelPropagation cancels the targets when the observed task finishes cancelled.
func CancelPropagation(targets ...*Task) Observer {
	return ObserverFuncs{
		Finish: func(t *Task, errs []error) {
			if !t.Cancelled() {
				return
			}
			for _, target := range targets {
				target.Cancel()
			}
		},
	}
}

// TimeoutError is recorded on a task cancelled by a Timeout observer.
type TimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %v", e.Task, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrCancelled }

type timeoutObserver struct {
	timeout time.Duration

	mu     sync.Mutex
	timers map[*Task]*time.Timer
}

// Timeout cancels a task that is still running d after it started.
func Timeout(d time.Duration) Observer {
	return &timeoutObserver{timeout: d, timers: make(map[*Task]*time.Timer)}
}

func (o *timeoutObserver) TaskDidStart(t *Task) {
	timer := time.AfterFunc(o.timeout, func() {
		if t.IsFinished() {
			return
		}
		t.AddError(&TimeoutError{Task: t.Name(), Timeout: o.timeout})
		t.Cancel()
	})

	o.mu.Lock()
	o.timers[t] = timer
	o.mu.Unlock()
}

func (o *timeoutObserver) TaskDidProduce(t *Task, produced *Task) {}

func (o *timeoutObserver) TaskDidFinish(t *Task, errs []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if timer, ok := o.timers[t]; ok {
		timer.Stop()
		delete(o.timers, t)
	}
}

// LogObserver logs every lifecycle transition at debug level, and failures at warn.
func LogObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return ObserverFuncs{
		Start: func(t *Task) {
			logger.Debug("task started", zap.String("task", t.Name()), zap.String("id", t.ID()))
		},
		Produce: func(t *Task, produced *Task) {
			logger.Debug("task produced", zap.String("task", t.Name()), zap.String("produced", produced.Name()))
		},
		Finish: func(t *Task, errs []error) {
			if len(errs) > 0 {
				logger.Warn("task finished with errors", zap.String("task", t.Name()), zap.Errors("errors", errs))
				return
			}
			logger.Debug("task finished", zap.String("task", t.Name()))
		},
	}
}
