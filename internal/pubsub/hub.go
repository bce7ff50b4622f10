// Package pubsub provides an in-process, multi-subscriber stream used for
// transport inbound messages, received gossips and membership events.
//
// Publishers never block and nothing is dropped: every subscriber owns an
// unbounded queue drained by its own goroutine. A subscription channel is
// closed when the subscription is cancelled or the hub is closed.
package pubsub

import "sync"

// Hub fans values out to every current subscriber.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func is
// idempotent. Subscribing to a closed hub yields an already-closed channel.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	s := newSubscriber[T]()
	go s.run()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close()
		return s.out, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s.out, func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.close()
	}
}

// Publish enqueues v for every subscriber. It is a no-op after Close.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		s.push(v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription. Values still queued are discarded.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

type subscriber[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	done   chan struct{}
	out    chan T
	once   sync.Once
}

func newSubscriber[T any]() *subscriber[T] {
	s := &subscriber[T]{
		done: make(chan struct{}),
		out:  make(chan T),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber[T]) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscriber[T]) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
