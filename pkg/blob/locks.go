package blob

import (
	"context"
	"sync"
)

// lockTable hands out one exclusive guard per identifier. Entries exist only
// while somebody holds or waits for them, so the table never outgrows the
// set of identifiers currently in flight.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) ref(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *lockTable) unref(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

func (t *lockTable) releaser(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}
}

// TryLock takes the guard for key if nobody holds it.
func (t *lockTable) TryLock(key string) (release func(), ok bool) {
	e := t.ref(key)
	select {
	case e.sem <- struct{}{}:
		return t.releaser(key, e), true
	default:
		t.unref(key, e)
		return nil, false
	}
}

// Lock waits for the guard for key until ctx is done.
func (t *lockTable) Lock(ctx context.Context, key string) (release func(), err error) {
	e := t.ref(key)
	select {
	case e.sem <- struct{}{}:
		return t.releaser(key, e), nil
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}
}

// Busy reports whether the guard for key is currently held.
func (t *lockTable) Busy(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return ok && len(e.sem) == 1
}

// Len returns the number of live entries.
func (t *lockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
