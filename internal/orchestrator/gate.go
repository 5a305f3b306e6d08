package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/user/appforge/internal/types"
)

// ErrRateLimited is returned when a user exceeds the per-window build
// creation budget.
var ErrRateLimited = errors.New("rate limited")

// CapacityError reports a full per-user concurrency gate. The remaining
// slot count rides along so the API can include it as a hint.
type CapacityError struct {
	Limit  int
	Active int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("concurrent build limit reached: %d of %d slots in use", e.Active, e.Limit)
}

// Remaining returns the free slot count, clamped at zero.
func (e *CapacityError) Remaining() int {
	if r := e.Limit - e.Active; r > 0 {
		return r
	}
	return 0
}

// checkCapacity counts the user's active builds and rejects when the gate is
// full. discount subtracts builds the caller is about to stop, so a restart
// is judged on the slots it will actually hold.
//
// The count is read-then-compared with no reservation: two concurrent
// creates can both pass and overshoot the ceiling by a small margin. Known
// and accepted for a single orchestrator process.
func (o *Orchestrator) checkCapacity(ctx context.Context, userID types.UserID, discount int) error {
	active, err := o.store.CountActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("count active builds: %w", err)
	}
	active -= discount
	if active >= o.opts.MaxConcurrent {
		return &CapacityError{Limit: o.opts.MaxConcurrent, Active: active}
	}
	return nil
}

// RateLimiter is a fixed-window counter keyed by user. Allow increments;
// the window resets when a periodic sweep calls Reset. Held in process
// memory, so it only guards a single-instance deployment.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[types.UserID]int
}

// NewRateLimiter creates a limiter allowing limit calls per user per window.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{limit: limit, counts: make(map[types.UserID]int)}
}

// Allow records one call and reports whether it is within the window budget.
func (l *RateLimiter) Allow(userID types.UserID) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[userID]++
	return l.counts[userID] <= l.limit
}

// Reset opens a new window.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = make(map[types.UserID]int)
}
