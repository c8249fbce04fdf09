// Package keyedmutex provides mutual exclusion scoped to a string key.
// The registry uses it to serialize guild-state transactions per guild
// without blocking unrelated guilds.
package keyedmutex

import "sync"

// KeyedMutex is a lazily populated set of named locks.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for key and returns the matching unlock function.
// Locks are never removed; the key space here (guild IDs) is small and
// long-lived.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
