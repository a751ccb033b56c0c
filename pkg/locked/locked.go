// Package locked provides a small wrapper pairing a value with the mutex
// that guards it, for collections shared across workers.
package locked

import "sync"

// Value wraps a T together with its mutex.
type Value[T any] struct {
	mu sync.Mutex
	v  T
}

// New returns a Value holding v.
func New[T any](v T) *Value[T] {
	return &Value[T]{v: v}
}

// Get returns the wrapped value without taking the lock. The caller takes
// responsibility for synchronization.
func (l *Value[T]) Get() *T {
	return &l.v
}

// Scoped runs fn with the lock held. The lock is released on every exit
// path, including a panic inside fn. fn must not re-enter the same Value.
func (l *Value[T]) Scoped(fn func(*T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.v)
}

// Lock takes the underlying mutex for a phased critical section.
func (l *Value[T]) Lock() { l.mu.Lock() }

// Unlock releases the underlying mutex.
func (l *Value[T]) Unlock() { l.mu.Unlock() }
