package engine

import "sync"

// keyLock serializes work per arbitrary string key. Entries are reference
// counted and removed when the last holder releases, so the table does not
// grow with the number of distinct idempotency keys ever seen.
//
// The engine holds the lock for a (user_id, key) pair across its whole
// read-decide-write sequence, which is what guarantees at most one event per
// logical action within a process. Across processes the storage unique
// constraint is the backstop.
type keyLock struct {
	mu      sync.Mutex
	entries map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[string]*keyLockEntry)}
}

// lock acquires the lock for key and returns the release function.
func (l *keyLock) lock(key string) func() {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyLockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
