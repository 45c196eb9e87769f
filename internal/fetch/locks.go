package fetch

import (
	"sync"
)

// PathLocks provides per-path reader/writer exclusion for cache files. Uses a
// keyed mutex pattern: each path gets its own lock, so writes to different
// files proceed concurrently while a single writer excludes readers of the
// same file.
type PathLocks struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]*sync.RWMutex // Per-path locks
}

// NewPathLocks creates a new PathLocks.
func NewPathLocks() *PathLocks {
	return &PathLocks{
		locks: make(map[string]*sync.RWMutex),
	}
}

// get returns the lock for path, creating it on first access.
func (p *PathLocks) get(path string) *sync.RWMutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, exists := p.locks[path]
	if !exists {
		l = &sync.RWMutex{}
		p.locks[path] = l
	}
	return l
}

// Lock acquires exclusive access to path and returns the matching unlock.
func (p *PathLocks) Lock(path string) (unlock func()) {
	// Acquire outside the manager lock to avoid contention
	l := p.get(path)
	l.Lock()
	return l.Unlock
}

// RLock acquires shared access to path and returns the matching unlock.
func (p *PathLocks) RLock(path string) (unlock func()) {
	l := p.get(path)
	l.RLock()
	return l.RUnlock
}

var defaultLocks = NewPathLocks()

// DefaultLocks returns the process-wide cache locks used when none are configured.
func DefaultLocks() *PathLocks { return defaultLocks }
