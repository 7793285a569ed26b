// Package awaiter implements the correlated-await manager: many callers
// register an awaiter for a key and are released together by a single
// Notify call carrying a message for that key.
package awaiter

import (
	"context"
	"sync"

	"github.com/stumble/regencache/lockset"
)

// Keyed is implemented by messages that can report which key they
// pertain to, so Notify can find the right set of awaiters.
type Keyed interface {
	AwaitKey() string
}

// Awaiter is a single-shot rendezvous. The caller must call Release
// exactly once, typically via defer right after CreateAwaiter, even if
// Wait is never called (e.g. the caller errors out before waiting) -
// leaking an awaiter keeps its entry alive in its manager forever.
type Awaiter[T Keyed] struct {
	key      string
	ch       chan T
	mgr      *Manager[T]
	released bool
}

// Wait blocks until Notify completes this awaiter or ctx is done.
func (a *Awaiter[T]) Wait(ctx context.Context) (T, error) {
	select {
	case msg := <-a.ch:
		return msg, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Release removes the awaiter from its manager's set if it is still
// pending. Idempotent.
func (a *Awaiter[T]) Release() {
	a.mgr.release(a)
}

// Manager is the correlated-await table: key -> set of pending awaiters.
type Manager[T Keyed] struct {
	locks *lockset.Set

	mu   sync.Mutex // guards sets
	sets map[string]map[*Awaiter[T]]struct{}
}

// New constructs a correlated-await manager. locks is the process-wide
// named-lock table; this manager uses it to serialize awaiter
// registration against Notify for the same key. Sharing one table across
// the awaiter manager, the memory-fronted cache and single-flight
// regeneration keeps lock key space (and memory for it) in one place per
// keyspace.
func New[T Keyed](locks *lockset.Set) *Manager[T] {
	return &Manager[T]{
		locks: locks,
		sets:  make(map[string]map[*Awaiter[T]]struct{}),
	}
}

func (m *Manager[T]) lockKey(key string) string {
	return "awaiter:" + key
}

// CreateAwaiter registers a new awaiter for key. The caller must arrange
// to call Release on the returned awaiter exactly once.
func (m *Manager[T]) CreateAwaiter(key string) *Awaiter[T] {
	h := m.locks.TryAcquire(m.lockKey(key), lockset.Wait)
	defer h.Release()

	a := &Awaiter[T]{key: key, ch: make(chan T, 1), mgr: m}

	m.mu.Lock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[*Awaiter[T]]struct{})
		m.sets[key] = set
	}
	set[a] = struct{}{}
	m.mu.Unlock()

	return a
}

func (m *Manager[T]) release(a *Awaiter[T]) {
	h := m.locks.TryAcquire(m.lockKey(a.key), lockset.Wait)
	defer h.Release()

	m.mu.Lock()
	defer m.mu.Unlock()
	if a.released {
		return
	}
	a.released = true
	if set, ok := m.sets[a.key]; ok {
		delete(set, a)
		if len(set) == 0 {
			delete(m.sets, a.key)
		}
	}
}

// Notify releases every awaiter registered for msg.AwaitKey() before this
// call, completing each with msg. The per-key lock serializes
// registration against this swap so no awaiter created strictly before a
// Notify for the same key can be missed. The lock is only held for the
// swap itself: channel sends happen afterwards so a slow consumer never
// holds this key's lock open while user continuations run, and never
// blocks unrelated keys.
func (m *Manager[T]) Notify(msg T) {
	key := msg.AwaitKey()
	h := m.locks.TryAcquire(m.lockKey(key), lockset.Wait)

	m.mu.Lock()
	set, ok := m.sets[key]
	if ok {
		delete(m.sets, key)
		for a := range set {
			a.released = true
		}
	}
	m.mu.Unlock()
	h.Release()

	if !ok {
		return
	}
	for a := range set {
		a.ch <- msg
	}
}
