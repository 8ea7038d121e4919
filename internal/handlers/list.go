// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package handlers

import "sync"

// List is an ordered, concurrency-safe set of callbacks. Entries may
// be removed at any time, including from inside a callback.
type List[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id    uint64
	value T
}

func New[T any]() *List[T] {
	return &List[T]{}
}

// Append adds the value to the end of the list and returns a function that
// removes it. Calling the returned function more than once is a no-op.
func (l *List[T]) Append(value T) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, handlerEntry[T]{id, value})

	return sync.OnceFunc(func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	})
}

// Snapshot returns the current values in insertion order. The lock is not
// held while the caller uses them.
func (l *List[T]) Snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	values := make([]T, len(l.entries))
	for i, e := range l.entries {
		values[i] = e.value
	}
	return values
}

// Len returns the number of registered values.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
