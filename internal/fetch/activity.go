package fetch

import (
	"sync"

	"github.com/aristath/taskflow/internal/scheduler"
)

// Activity counts fetches that are currently transferring. It is attached to
// every fetch as an observer and may be shared between fetches.
type Activity struct {
	mu       sync.Mutex
	active   map[*scheduler.Task]struct{}
	onChange func(active int)
}

// NewActivity creates an Activity. onChange, if not nil, is called with the
// new count after every change.
func NewActivity(onChange func(active int)) *Activity {
	return &Activity{
		active:   make(map[*scheduler.Task]struct{}),
		onChange: onChange,
	}
}

// Active returns the number of fetches in flight.
func (a *Activity) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func (a *Activity) TaskDidStart(t *scheduler.Task) {
	a.mu.Lock()
	a.active[t] = struct{}{}
	n := len(a.active)
	a.mu.Unlock()
	a.notify(n)
}

func (a *Activity) TaskDidProduce(*scheduler.Task, *scheduler.Task) {}

func (a *Activity) TaskDidFinish(t *scheduler.Task, _ []error) {
	a.mu.Lock()
	if _, ok := a.active[t]; !ok {
		// Never started (failed condition or cancelled while queued)
		a.mu.Unlock()
		return
	}
	delete(a.active, t)
	n := len(a.active)
	a.mu.Unlock()
	a.notify(n)
}

func (a *Activity) notify(n int) {
	if a.onChange != nil {
		a.onChange(n)
	}
}
