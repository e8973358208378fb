package llm

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Slots is the gateway's counting semaphore. Waiters are woken in FIFO
// order, and the active/pending counts are readable for observability.
type Slots struct {
	sem     *semaphore.Weighted
	active  atomic.Int64
	pending atomic.Int64
}

// NewSlots creates a semaphore with the given capacity. Capacities below
// one are clamped to one.
func NewSlots(capacity int64) *Slots {
	if capacity < 1 {
		capacity = 1
	}
	return &Slots{sem: semaphore.NewWeighted(capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Slots) Acquire(ctx context.Context) error {
	s.pending.Add(1)
	err := s.sem.Acquire(ctx, 1)
	s.pending.Add(-1)
	if err != nil {
		return err
	}
	s.active.Add(1)
	return nil
}

// Release frees the caller's slot. A freed slot transfers directly to the
// longest-waiting acquirer when one exists.
func (s *Slots) Release() {
	s.active.Add(-1)
	s.sem.Release(1)
}

// Active returns the number of held slots.
func (s *Slots) Active() int64 { return s.active.Load() }

// Pending returns the number of callers waiting for a slot.
func (s *Slots) Pending() int64 { return s.pending.Load() }
