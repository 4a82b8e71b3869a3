// Package pubsub provides an in-process broadcast feed used for the
// connection-state stream, view snapshots and the domain error stream.
package pubsub

import (
	"context"
	"sync"
)

// Feed fans published values out to every subscriber in publish order.
// Each subscriber owns an unbounded queue, so a slow reader never blocks a
// publisher and never misses a value. With replay enabled a new subscriber
// first receives the most recently published value.
type Feed[T any] struct {
	mu        sync.Mutex
	subs      map[*subscriber[T]]struct{}
	latest    T
	hasLatest bool
	replay    bool
	closed    bool
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	done   chan struct{}
	out    chan T
}

// New creates a feed. replay controls whether subscribers start with the
// latest value.
func New[T any](replay bool) *Feed[T] {
	return &Feed[T]{
		subs:   make(map[*subscriber[T]]struct{}),
		replay: replay,
	}
}

// NewWithInitial creates a replaying feed seeded with an initial value.
func NewWithInitial[T any](initial T) *Feed[T] {
	f := New[T](true)
	f.latest = initial
	f.hasLatest = true
	return f
}

// Publish delivers v to all current subscribers.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest = v
	f.hasLatest = true
	for s := range f.subs {
		s.push(v)
	}
}

// Latest returns the most recently published value.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasLatest
}

// Subscribe returns a channel that yields values until ctx is done or the
// feed is closed, after which the channel is closed.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.out)
		return s.out
	}
	if f.replay && f.hasLatest {
		s.queue = append(s.queue, f.latest)
		s.notify <- struct{}{}
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go f.forward(ctx, s)
	return s.out
}

// Len reports the number of live subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription after its queued values are delivered.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		close(s.done)
	}
}

func (f *Feed[T]) forward(ctx context.Context, s *subscriber[T]) {
	defer func() {
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
		close(s.out)
	}()

	for {
		v, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				// drain what was queued before Close
				for {
					v, ok := s.pop()
					if !ok {
						return
					}
					select {
					case s.out <- v:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.out <- v:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	v := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}
