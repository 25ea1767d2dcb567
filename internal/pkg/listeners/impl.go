package listeners

import (
	"sort"
	"sync"
)

// Token is the capability returned on registration. Cancel is idempotent.
type Token interface {
	Cancel()
}

type TokenFunc func()

func (f TokenFunc) Cancel() {
	if f != nil {
		f()
	}
}

// Once wraps fn so that only the first Cancel runs it.
func Once(fn func()) Token {
	var once sync.Once

	return TokenFunc(func() {
		once.Do(fn)
	})
}

// Noop is returned when there is nothing to tear down.
var Noop Token = TokenFunc(nil)

type Registry[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]func(T)
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		listeners: map[uint64]func(T){},
	}
}

func (r *Registry[T]) Add(fn func(T)) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	r.listeners[id] = fn

	return Once(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.listeners, id)
	})
}

// Emit calls every listener in registration order. Listeners are snapshotted
// first so they may cancel themselves from inside the callback.
func (r *Registry[T]) Emit(value T) {
	r.mu.RLock()

	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}

	r.mu.RUnlock()

	for _, fn := range fns {
		fn(value)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.listeners)
}
