// Package mysync provides a reader/writer lock bundled with the value it protects.
package mysync

import (
	"sync"
)

// Mutex guards a value of type T. Lock and RLock return the value together with a token that releases
// the lock, which makes it hard to touch the value without holding the lock.
type Mutex[T any] struct {
	mu sync.RWMutex
	v  T
}

type MutexUnlock struct {
	mu *sync.RWMutex
}

type MutexRUnlock struct {
	mu *sync.RWMutex
}

func NewMutex[T any](v T) *Mutex[T] {
	return &Mutex[T]{v: v}
}

func (mu *Mutex[T]) Lock() (T, MutexUnlock) {
	mu.mu.Lock()
	return mu.v, MutexUnlock{&mu.mu}
}

func (mu *Mutex[T]) RLock() (T, MutexRUnlock) {
	mu.mu.RLock()
	return mu.v, MutexRUnlock{&mu.mu}
}

// Do calls fn with the value while holding the exclusive lock.
func (mu *Mutex[T]) Do(fn func(T)) {
	v, u := mu.Lock()
	defer u.Unlock()
	fn(v)
}

// View calls fn with the value while holding the shared lock.
func (mu *Mutex[T]) View(fn func(T)) {
	v, u := mu.RLock()
	defer u.RUnlock()
	fn(v)
}

// Unsafe returns the value without locking. It may only be used while no other goroutine can be
// writing the value.
func (mu *Mutex[T]) Unsafe() T { return mu.v }

func (u MutexUnlock) Unlock()   { u.mu.Unlock() }
func (u MutexRUnlock) RUnlock() { u.mu.RUnlock() }
