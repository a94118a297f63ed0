package testutil

import (
	"sync"
	"time"

	"github.com/roach88/clustertest/internal/orchestrator"
)

// ManualTimers is an orchestrator.Timers whose timers only fire when a test
// calls Fire.
//
// Every created timer is also sent on Created, so a test can block until the
// code under test has started waiting.
type ManualTimers struct {
	mu      sync.Mutex
	timers  []*ManualTimer
	created chan *ManualTimer
}

// NewManualTimers creates a factory. Created is buffered for 64 timers.
func NewManualTimers() *ManualTimers {
	return &ManualTimers{created: make(chan *ManualTimer, 64)}
}

// NewTimer implements orchestrator.Timers.
func (m *ManualTimers) NewTimer(d time.Duration) orchestrator.Timer {
	t := &ManualTimer{Duration: d, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	m.created <- t
	return t
}

// Created delivers each timer as it is created.
func (m *ManualTimers) Created() <-chan *ManualTimer {
	return m.created
}

// Timers returns every timer created so far.
func (m *ManualTimers) Timers() []*ManualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ManualTimer, len(m.timers))
	copy(out, m.timers)
	return out
}

// ManualTimer is a timer driven by Fire.
type ManualTimer struct {
	Duration time.Duration

	mu        sync.Mutex
	ch        chan time.Time
	fired     bool
	stopped   bool
	stopCalls int
}

// C implements orchestrator.Timer.
func (t *ManualTimer) C() <-chan time.Time {
	return t.ch
}

// Stop implements orchestrator.Timer.
func (t *ManualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Fire delivers the timer's tick unless it was stopped. It reports whether
// the tick was delivered.
func (t *ManualTimer) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.fired = true
	t.ch <- time.Time{}
	return true
}

// StopCalls returns how many times Stop was called.
func (t *ManualTimer) StopCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCalls
}

// Stopped reports whether the timer was stopped before firing.
func (t *ManualTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
