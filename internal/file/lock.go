package file

import "sync"

// Locks hands out one exclusive lock per file path. Operations on different
// paths never contend; two operations on the same path never interleave.
type Locks struct {
	mu    sync.Mutex
	paths map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{paths: make(map[string]*pathLock)}
}

// Lock blocks until the caller holds path exclusively and returns the
// function that releases it.
func (l *Locks) Lock(path string) (unlock func()) {
	l.mu.Lock()
	pl, ok := l.paths[path]
	if !ok {
		pl = &pathLock{}
		l.paths[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.paths, path)
		}
		l.mu.Unlock()
	}
}

// Held reports how many callers currently hold or wait for path.
func (l *Locks) Held(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok := l.paths[path]; ok {
		return pl.refs
	}
	return 0
}
