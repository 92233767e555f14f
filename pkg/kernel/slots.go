package kernel

import (
	"context"
	"fmt"
)

// SlotLimiter bounds how many pipeline executions may be in flight at once.
// Acquire blocks until a slot is free or the context is cancelled; the
// returned release function must be called exactly once.
type SlotLimiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalSlotLimiter is a channel semaphore for a single kernel instance.
type LocalSlotLimiter struct {
	slots chan struct{}
}

// NewLocalSlotLimiter creates a limiter with maxConcurrent slots. Values
// below 1 are clamped to 1 (fully sequential, the default discipline).
func NewLocalSlotLimiter(maxConcurrent int) *LocalSlotLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &LocalSlotLimiter{slots: make(chan struct{}, maxConcurrent)}
}

// Acquire takes a slot, honoring context cancellation while waiting.
func (l *LocalSlotLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("kernel: slot acquisition cancelled: %w", ctx.Err())
	}
}

// InFlight returns the number of occupied slots.
func (l *LocalSlotLimiter) InFlight() int {
	return len(l.slots)
}
