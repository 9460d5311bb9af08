// Package resource provides a lazily loaded, reference-counted value shared
// by independent holders.
package resource

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("shared resource closed")

// Shared loads a value on first Acquire and tears it down when the last
// holder releases it. A later Acquire starts a new generation.
type Shared[T any] struct {
	load     func(ctx context.Context) (T, error)
	teardown func(T)

	mu     sync.Mutex
	value  T
	loaded bool
	refs   int
	gen    uint64
	closed bool
}

func NewShared[T any](load func(ctx context.Context) (T, error), teardown func(T)) *Shared[T] {
	return &Shared[T]{load: load, teardown: teardown}
}

// Acquire returns the shared value and a release func. Release is idempotent
// per handle. A failed load is not cached; the next Acquire retries.
func (s *Shared[T]) Acquire(ctx context.Context) (T, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.closed {
		return zero, func() {}, ErrClosed
	}
	if !s.loaded {
		v, err := s.load(ctx)
		if err != nil {
			return zero, func() {}, err
		}
		s.value = v
		s.loaded = true
		s.gen++
	}
	s.refs++

	var once sync.Once
	return s.value, func() {
		once.Do(s.release)
	}, nil
}

func (s *Shared[T]) release() {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 || !s.loaded {
		s.mu.Unlock()
		return
	}
	v := s.value
	var zero T
	s.value = zero
	s.loaded = false
	s.mu.Unlock()

	if s.teardown != nil {
		s.teardown(v)
	}
}

// Refs reports the number of outstanding handles.
func (s *Shared[T]) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Generation counts successful loads.
func (s *Shared[T]) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Close rejects future Acquire calls. Outstanding handles keep the value
// alive until they are released.
func (s *Shared[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
