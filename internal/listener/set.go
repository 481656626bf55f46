package listener

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Set holds handles keyed by ID. CancelAll tears every handle down once even
// when several goroutines ask for it at the same time.
type Set struct {
	mu         sync.Mutex
	handles    map[string]*Handle
	order      []string
	cancelling bool
}

// NewSet creates an empty Set
func NewSet() *Set {
	return &Set{handles: make(map[string]*Handle)}
}

// Add inserts h. It returns false when a handle with the same ID is already held
// or when a CancelAll is in progress, in which case h is cancelled.
func (s *Set) Add(ctx context.Context, h *Handle) bool {
	s.mu.Lock()
	if s.cancelling {
		s.mu.Unlock()
		_ = h.Cancel(ctx)
		return false
	}
	if _, ok := s.handles[h.ID()]; ok {
		s.mu.Unlock()
		return false
	}
	s.handles[h.ID()] = h
	s.order = append(s.order, h.ID())
	s.mu.Unlock()
	return true
}

// Remove drops h without cancelling it
func (s *Set) Remove(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(h.ID())
}

func (s *Set) removeLocked(id string) {
	if _, ok := s.handles[id]; !ok {
		return
	}
	delete(s.handles, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether a handle with h's ID is held
func (s *Set) Contains(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[h.ID()]
	return ok
}

// Len returns the number of held handles
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Handles returns the held handles in insertion order
func (s *Set) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handles[id])
	}
	return out
}

// CancelAll cancels and removes every handle. A call that overlaps one already
// running returns immediately. Errors from the host are joined.
func (s *Set) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelling {
		s.mu.Unlock()
		return nil
	}
	s.cancelling = true
	handles := make([]*Handle, 0, len(s.order))
	for _, id := range s.order {
		handles = append(handles, s.handles[id])
	}
	s.handles = make(map[string]*Handle)
	s.order = nil
	s.mu.Unlock()

	var err error
	for _, h := range handles {
		err = multierr.Append(err, h.Cancel(ctx))
	}

	s.mu.Lock()
	s.cancelling = false
	s.mu.Unlock()
	return err
}
