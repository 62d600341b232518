package backend

import "context"

// Semaphore bounds the number of jobs a backend runs at once.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with capacity n.
// If n <= 0, returns nil (unlimited).
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return nil
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free. It returns false if ctx is done
// first. A nil semaphore always acquires.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	if s == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	if s == nil {
		return
	}
	<-s.ch
}

// Capacity returns the capacity, or 0 if unlimited.
func (s *Semaphore) Capacity() int {
	if s == nil {
		return 0
	}
	return cap(s.ch)
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	if s == nil {
		return 0
	}
	return len(s.ch)
}
