// Package checks collects the outcome of every assertion made during a
// scenario run.
//
// The Sink is the only way to make a failure visible. It is shared by the
// orchestrating goroutine and by operation completion callbacks, so every
// method is safe for concurrent use, and no check is ever dropped.
package checks

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Kind classifies a check.
type Kind string

const (
	// KindCheck is a plain equality assertion.
	KindCheck Kind = "check"

	// KindOperationFailure records an external operation that exited non-zero.
	KindOperationFailure Kind = "operation"

	// KindTimeout records an operation that lost a race against its timer.
	KindTimeout Kind = "timeout"

	// KindVerification records a data verification (lag, read-only, compare).
	KindVerification Kind = "verification"
)

// Check is one recorded assertion.
type Check struct {
	// Seq is the 1-based order in which the check was recorded.
	Seq         int64     `json:"seq"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	Actual      any       `json:"actual"`
	Expected    any       `json:"expected"`
	Passed      bool      `json:"passed"`
	At          time.Time `json:"at"`
}

func (c Check) String() string {
	status := "ok"
	if !c.Passed {
		status = "FAILED"
	}
	return fmt.Sprintf("[%s] %s: actual=%v expected=%v", status, c.Description, c.Actual, c.Expected)
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithLogger sets the logger that failed checks are reported to.
func WithLogger(logger *slog.Logger) SinkOption {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) SinkOption {
	return func(s *Sink) {
		s.now = now
	}
}

// Sink records checks in arrival order.
type Sink struct {
	mu     sync.Mutex
	checks []Check
	logger *slog.Logger
	now    func() time.Time
}

// NewSink creates an empty sink.
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssertCheck records whether actual equals expected and reports the
// outcome.
func (s *Sink) AssertCheck(description string, actual, expected any) bool {
	return s.Assert(KindCheck, description, actual, expected)
}

// Assert records a check of the given kind.
func (s *Sink) Assert(kind Kind, description string, actual, expected any) bool {
	passed := reflect.DeepEqual(actual, expected)

	s.mu.Lock()
	c := Check{
		Seq:         int64(len(s.checks) + 1),
		Kind:        kind,
		Description: description,
		Actual:      actual,
		Expected:    expected,
		Passed:      passed,
		At:          s.now(),
	}
	s.checks = append(s.checks, c)
	s.mu.Unlock()

	if passed {
		s.logger.Debug("check passed", "kind", kind, "description", description)
	} else {
		s.logger.Error("check failed",
			"kind", kind,
			"description", description,
			"actual", actual,
			"expected", expected)
	}
	return passed
}

// Checks returns a copy of every recorded check.
func (s *Sink) Checks() []Check {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Check, len(s.checks))
	copy(out, s.checks)
	return out
}

// Failures returns the checks that did not pass.
func (s *Sink) Failures() []Check {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Check
	for _, c := range s.checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// FailureCount returns the number of failed checks so far.
func (s *Sink) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

// Report snapshots the sink.
func (s *Sink) Report() Report {
	checks := s.Checks()
	r := Report{Checks: checks, Total: len(checks)}
	for _, c := range checks {
		if !c.Passed {
			r.Failed++
		}
	}
	return r
}
