package ledger

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes in-process critical sections per entity id. The
// store's compare-and-swap writes are the cross-process guarantee; this
// keeps a single process from issuing conflicting writes in the first
// place. Entries are reference counted and dropped once the last holder
// unlocks, so the map stays bounded by the number of in-flight ids.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[int64]*lockEntry{}}
}

// Lock acquires the mutex for id, returning the unlock function.
func (k *KeyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
