package orchestrator

import (
	"sync/atomic"
	"time"
)

// Clock hands out strictly increasing sequence numbers. Operation ids and
// trace events are stamped from it, so traces order the same way on every
// run regardless of wall-clock timing.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Timer is a single-shot timer.
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Timers creates timers. Tests substitute a manual implementation.
type Timers interface {
	NewTimer(d time.Duration) Timer
}

// RealTimers creates timers backed by time.Timer.
type RealTimers struct{}

// NewTimer starts a wall-clock timer.
func (RealTimers) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
