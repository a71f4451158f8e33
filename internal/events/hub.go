// Package events provides the fan-out used by every observable stream in the service.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const DefaultBuffer = 64

// Hub fans published values out to subscribers and remembers the latest one.
// A slow subscriber loses its oldest buffered value, never blocks the publisher.
type Hub[T any] struct {
	mu     sync.RWMutex
	latest T
	subs   map[string]chan T
	buffer int
	closed bool
}

func NewHub[T any](initial T, buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	return &Hub[T]{
		latest: initial,
		subs:   make(map[string]chan T),
		buffer: buffer,
	}
}

// Latest returns the last published value.
func (h *Hub[T]) Latest() T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.latest
}

// Publish records v as the latest value and offers it to every subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = v

	if h.closed {
		return
	}

	for _, ch := range h.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel that first yields the latest value and then every published one.
// The channel is closed when ctx is done or the hub is closed.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	return h.subscribe(ctx, true)
}

// Listen is Subscribe without the replay of the latest value, for streams of discrete events.
func (h *Hub[T]) Listen(ctx context.Context) <-chan T {
	return h.subscribe(ctx, false)
}

func (h *Hub[T]) subscribe(ctx context.Context, replay bool) <-chan T {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)

		return ch
	}

	id := uuid.NewString()
	h.subs[id] = ch

	if replay {
		ch <- h.latest
	}

	go func() {
		<-ctx.Done()
		h.unsubscribe(id)
	}()

	return ch
}

// Subscribers returns the number of active subscribers.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes only update Latest.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub[T]) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}

	// full: drop the oldest value
	select {
	case <-ch:
	default:
	}

	select {
	case ch <- v:
	default:
	}
}
