package service

import (
	"sync/atomic"
	"time"
)

// skewTolerance is how far wall time may drift from the monotonic clock
// before the health flag flips. Timelock comparison semantics are never
// altered; skew is reported, not acted on.
const skewTolerance = time.Second

// ClockHealth samples wall-clock drift against the monotonic clock.
type ClockHealth struct {
	baseWall time.Time
	baseMono time.Time
	skewed   atomic.Bool
}

// NewClockHealth captures the reference instant.
func NewClockHealth() *ClockHealth {
	now := time.Now()
	return &ClockHealth{
		baseWall: now.Round(0), // strip the monotonic reading
		baseMono: now,
	}
}

// Sample measures current drift and updates the health flag. Returns the
// observed skew.
func (c *ClockHealth) Sample() time.Duration {
	now := time.Now()
	wallElapsed := now.Round(0).Sub(c.baseWall)
	monoElapsed := now.Sub(c.baseMono)

	skew := wallElapsed - monoElapsed
	if skew < 0 {
		skew = -skew
	}
	c.skewed.Store(skew > skewTolerance)
	return skew
}

// Skewed reports whether the last sample exceeded the tolerance.
func (c *ClockHealth) Skewed() bool {
	return c.skewed.Load()
}
