// Package listener wraps host listener and timer registrations in handles that
// can be cancelled any number of times from any goroutine, with the underlying
// host cancellation performed exactly once.
package listener

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind identifies what a Handle was registered for
type Kind string

const (
	KindState Kind = "state"
	KindEvent Kind = "event"
	KindTimer Kind = "timer"
)

// CancelFunc removes the registration from the host
type CancelFunc func(ctx context.Context) error

// Handle is a cancellable host registration. Its ID is assigned at creation and
// identifies it in a Set.
type Handle struct {
	id     string
	kind   Kind
	target string

	active atomic.Bool
	done   chan struct{}

	mu     sync.Mutex
	cancel CancelFunc
	err    error
}

// NewHandle creates an active handle. target is the entity, event or timer name
// it was registered for and is informational.
func NewHandle(kind Kind, target string, cancel CancelFunc) *Handle {
	h := &Handle{
		id:     uuid.NewString(),
		kind:   kind,
		target: target,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.active.Store(true)
	return h
}

func (h *Handle) ID() string     { return h.id }
func (h *Handle) Kind() Kind     { return h.kind }
func (h *Handle) Target() string { return h.target }

// Active reports whether Cancel has not yet been called
func (h *Handle) Active() bool {
	return h != nil && h.active.Load()
}

// Cancel removes the registration. Only the first call reaches the host; every
// later or concurrent call returns immediately without waiting for it.
// The returned error is the host error seen by the first caller, nil for others.
func (h *Handle) Cancel(ctx context.Context) error {
	if h == nil || !h.active.CompareAndSwap(true, false) {
		return nil
	}
	defer close(h.done)

	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return nil
	}
	err := cancel(ctx)

	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	return err
}

// Done is closed once the host cancellation has completed
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error from the host cancellation, if any
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Same reports whether h and other wrap the same registration, cancelled or
// not. Check Active separately when that matters.
func (h *Handle) Same(other *Handle) bool {
	if h == nil || other == nil {
		return false
	}
	return h.id == other.id
}

func (h *Handle) String() string {
	if h == nil {
		return "<nil>"
	}
	return string(h.kind) + ":" + h.target + ":" + h.id
}
