// Package nonce provides the bounded replay-suppression sets used for
// packet nonces and OGM nonces. The two namespaces must never share an
// instance.
package nonce

import "sync"

// Tracker is a capacity-bounded, insertion-ordered set. When full, the
// oldest inserted value is evicted to admit the new one (FIFO, not LRU).
// Add is the only membership check callers need: its result is the dedup
// decision, computed under the lock so concurrent adds of the same value
// yield exactly one true.
type Tracker[T comparable] struct {
	mu       sync.Mutex
	capacity int
	present  map[T]struct{}
	order    []T
	head     int
}

func NewTracker[T comparable](capacity int) *Tracker[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Tracker[T]{
		capacity: capacity,
		present:  make(map[T]struct{}, capacity),
		order:    make([]T, 0, capacity),
	}
}

// Add inserts v and reports whether it was newly inserted. False means v
// was already present (a replay).
func (t *Tracker[T]) Add(v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.present[v]; ok {
		return false
	}

	if len(t.present) >= t.capacity {
		oldest := t.order[t.head]
		delete(t.present, oldest)
		t.order[t.head] = v
		t.head = (t.head + 1) % t.capacity
	} else {
		t.order = append(t.order, v)
	}
	t.present[v] = struct{}{}
	return true
}

// Contains reports membership without inserting. Callers deciding whether
// to admit a value must use Add instead.
func (t *Tracker[T]) Contains(v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.present[v]
	return ok
}

func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.present)
}
