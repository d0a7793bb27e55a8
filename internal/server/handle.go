package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueSize is the outbound queue capacity used when none is configured.
const DefaultQueueSize = 100

var (
	// ErrQueueClosed is returned by Enqueue once the handle has been closed.
	ErrQueueClosed = errors.New("outbound queue closed")
	// ErrQueueFull is returned by Enqueue when the recipient is not keeping up.
	ErrQueueFull = errors.New("outbound queue full")
)

// Handle is the send side of one connection's outbound queue. Any goroutine
// may Enqueue; only the connection's writer drains it.
type Handle struct {
	userID uuid.UUID

	mu       sync.Mutex
	queue    chan Event
	closed   bool
	replaced bool
}

// NewHandle creates a handle for user with a bounded queue of size events.
func NewHandle(user uuid.UUID, size int) *Handle {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Handle{userID: user, queue: make(chan Event, size)}
}

// UserID returns the user the handle delivers to.
func (h *Handle) UserID() uuid.UUID { return h.userID }

// Enqueue appends ev without blocking.
func (h *Handle) Enqueue(ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrQueueClosed
	}
	select {
	case h.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops further enqueues. Events already queued remain readable from
// Events until drained. Close reports whether this call closed the handle.
func (h *Handle) Close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.closed = true
	close(h.queue)
	return true
}

// markReplaced closes the handle because a newer connection took its place.
func (h *Handle) markReplaced() {
	h.mu.Lock()
	h.replaced = true
	h.mu.Unlock()
	h.Close()
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Replaced reports whether the handle was closed by a newer registration.
func (h *Handle) Replaced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replaced
}

// Events is the receive side drained by the outbound pump.
func (h *Handle) Events() <-chan Event { return h.queue }

// Len is the number of events waiting to be written.
func (h *Handle) Len() int { return len(h.queue) }
