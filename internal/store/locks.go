// ABOUTME: Per-agent keyed mutex serializing read-modify-write cycles on one agent
// ABOUTME: Entries are reference counted and removed when no goroutine holds or waits

package store

import "sync"

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// AgentLocks hands out one mutex per agent ID. Components that read an agent,
// change it and write it back share one AgentLocks so their updates never
// overwrite each other. The zero value is ready to use.
type AgentLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// Lock acquires the mutex for id and returns the function releasing it.
func (l *AgentLocks) Lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyedLock)
	}
	k, ok := l.locks[id]
	if !ok {
		k = &keyedLock{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of IDs currently locked or awaited.
func (l *AgentLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
