// Package ratelimit provides a minimal global pacing primitive: a gate
// that enforces a minimum interval between successive passes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Gate enforces a minimum interval between calls to Wait. It is safe for
// concurrent use; concurrent callers are serialized so the interval holds
// process-wide, not per caller.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewGate creates a gate with the given minimum interval. A non-positive
// interval disables pacing.
func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Interval returns the configured minimum interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Wait blocks until at least the configured interval has elapsed since
// the previous pass, then records this pass. Returns early with the
// context error on cancellation without consuming a slot.
func (g *Gate) Wait(ctx context.Context) error {
	if g.interval <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	now := time.Now()
	next := g.last.Add(g.interval)
	if next.Before(now) {
		next = now
	}
	wait := next.Sub(now)
	g.last = next
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
