// Package clock abstracts the time source used by scenario scripts, so
// script scheduling can be unit-tested without real sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time surface a script needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks until d has elapsed on this clock.
	Sleep(d time.Duration)
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Simulated is a deterministic, manual clock: Sleep advances it
// immediately instead of blocking. It starts at startTime and only
// moves through Sleep or Advance.
type Simulated struct {
	mu      sync.Mutex
	current time.Time
}

// NewSimulated creates a simulated clock starting at the given time.
func NewSimulated(startTime time.Time) *Simulated {
	return &Simulated{current: startTime}
}

// Now implements Clock.
func (c *Simulated) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep implements Clock by advancing the simulated time.
func (c *Simulated) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by the provided duration.
// Negative durations are ignored.
func (c *Simulated) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
