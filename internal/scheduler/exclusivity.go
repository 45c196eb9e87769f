package scheduler

import "sync"

// Exclusivity records which exclusivity categories are held by executing
// tasks. Schedulers sharing one Exclusivity never run two tasks of the same
// category at once. A group's queue shares the registry of the scheduler
// that executes the group.
type Exclusivity struct {
	mu       sync.Mutex
	occupied map[string]string // category -> task ID
	waiting  map[*Scheduler]struct{}
}

// NewExclusivity creates an empty registry.
func NewExclusivity() *Exclusivity {
	return &Exclusivity{
		occupied: make(map[string]string),
		waiting:  make(map[*Scheduler]struct{}),
	}
}

// acquire takes every category in cats for the task id, or none of them.
// On conflict the waiter is re-run when a category is released.
func (e *Exclusivity) acquire(id string, cats []string, waiter *Scheduler) bool {
	if len(cats) == 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range cats {
		if _, busy := e.occupied[c]; busy {
			e.waiting[waiter] = struct{}{}
			return false
		}
	}
	for _, c := range cats {
		e.occupied[c] = id
	}
	return true
}

// release frees the categories held by id and returns the schedulers that
// were turned away while they were held. Callers must run admission on them
// without holding any scheduler lock.
func (e *Exclusivity) release(id string, cats []string) []*Scheduler {
	if len(cats) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range cats {
		if e.occupied[c] == id {
			delete(e.occupied, c)
		}
	}
	waiters := make([]*Scheduler, 0, len(e.waiting))
	for s := range e.waiting {
		waiters = append(waiters, s)
	}
	clear(e.waiting)
	return waiters
}

// Held reports whether category is currently held.
func (e *Exclusivity) Held(category string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.occupied[category]
	return busy
}
