// Package buffer provides the bounded history log kept by each hub.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded FIFO that keeps the most recent items up to
// a fixed capacity. When the ring is full, the oldest item is evicted before
// the newest is appended.
//
// Hubs use it as their history log: the snapshot is what a newly joined
// client is replayed.
type Ring[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a new Ring with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends v, evicting the oldest item when the ring is full.
// It reports whether an item was evicted.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushLocked(v)
}

func (r *Ring[T]) pushLocked(v T) bool {
	tail := (r.head + r.size) % r.capacity
	r.items[tail] = v
	if r.size < r.capacity {
		r.size++
		return false
	}
	r.head = (r.head + 1) % r.capacity
	return true
}

// Snapshot returns a copy of the items in insertion order.
// The returned slice is safe to use without holding the lock.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%r.capacity]
	}
	return out
}

// Reset replaces the contents with items, keeping only the newest Cap() of them.
func (r *Ring[T]) Reset(items []T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearLocked()
	if len(items) > r.capacity {
		items = items[len(items)-r.capacity:]
	}
	for _, v := range items {
		r.pushLocked(v)
	}
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *Ring[T]) clearLocked() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.size
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
