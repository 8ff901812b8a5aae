// Package fanout broadcasts controller events to any number of listeners.
package fanout

import "sync"

type listener[T any] struct {
	ch        chan T
	closeOnce sync.Once
}

func (l *listener[T]) close() { l.closeOnce.Do(func() { close(l.ch) }) }

// Hub delivers every published value to all current listeners. A listener
// whose buffer is full misses the value; Publish never blocks.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*listener[T]]struct{}
	closed bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*listener[T]]struct{})}
}

// Subscribe registers a listener with the given buffer. The returned cancel
// func is idempotent and closes the channel.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	l := &listener[T]{ch: make(chan T, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		l.close()
		return l.ch, func() {}
	}
	h.subs[l] = struct{}{}
	return l.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, l)
		l.close()
	}
}

// Publish returns the number of listeners that missed v.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for l := range h.subs {
		select {
		case l.ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches and closes every listener.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for l := range h.subs {
		delete(h.subs, l)
		l.close()
	}
}
