package keel

import (
	"context"
	"sync"
)

// Semaphore is a fixed-capacity counting semaphore with strict FIFO waiters.
// Release hands the permit directly to the oldest waiter instead of waking
// everyone, so waiters proceed in arrival order. No preemption, no timeout;
// callers abort a pending Acquire through their context.
//
// The queue's autoscaler never resizes a Semaphore in place: it swaps in a
// fresh one with the new capacity and in-flight holders drain under the old
// one, so capacity changes are eventually consistent.
type Semaphore struct {
	mu      sync.Mutex
	permits int
	cap     int
	waiters []chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Capacity below 1
// is clamped to 1.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{permits: capacity, cap: capacity}
}

// Acquire takes a permit, blocking in FIFO order until one is available or
// ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.permits > 0 && len(s.waiters) == 0 {
		s.permits--
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// Already signalled concurrently with cancellation: we own a permit
		// we will never use, so hand it back.
		s.Release()
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking. Returns false when none is
// available or waiters are queued ahead.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permits > 0 && len(s.waiters) == 0 {
		s.permits--
		return true
	}
	return false
}

// Release returns a permit, handing it to the oldest waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		ready := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(ready)
		return
	}
	if s.permits < s.cap {
		s.permits++
	}
	s.mu.Unlock()
}

// Capacity returns the fixed capacity.
func (s *Semaphore) Capacity() int {
	return s.cap
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits
}

// Waiting returns the number of queued waiters.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
