// Package pubsub provides a small in-process broadcast primitive: a typed
// topic with cancellable subscriptions. It replaces ad-hoc listener maps so
// teardown (clock stop, client disconnect) is deterministic.
package pubsub

import "sync"

// Topic fans values out to every live subscriber. Publish never blocks the
// publisher: a subscriber whose buffer is full misses the value.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan T
	buffer int
	closed bool
}

// NewTopic creates a topic whose subscriber channels hold up to buffer
// undelivered values.
func NewTopic[T any](buffer int) *Topic[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Topic[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its receive channel plus
// a cancel handle. Cancel is idempotent and closes the channel.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, t.buffer)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber with buffer room.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- v:
		default:
			// Slow subscriber; drop rather than stall the publisher.
		}
	}
}

// Len returns the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close closes all subscriber channels. Publish and Subscribe become no-ops.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
