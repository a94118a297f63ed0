package checks

import (
	"errors"
	"fmt"
	"strings"
)

// Report is the aggregated outcome of a scenario run.
type Report struct {
	Checks []Check `json:"checks"`
	Total  int     `json:"total"`
	Failed int     `json:"failed"`
}

// Passed reports whether no check failed.
func (r Report) Passed() bool {
	return r.Failed == 0
}

// Failures returns the failed checks in recording order.
func (r Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// CountKind returns how many failed checks have the given kind.
func (r Report) CountKind(kind Kind) int {
	n := 0
	for _, c := range r.Checks {
		if !c.Passed && c.Kind == kind {
			n++
		}
	}
	return n
}

// Err returns a *FailureError when any check failed, nil otherwise.
func (r Report) Err() error {
	if r.Passed() {
		return nil
	}
	return &FailureError{Failures: r.Failures(), Total: r.Total}
}

// FailureError carries every failed check of a run.
type FailureError struct {
	Failures []Check
	Total    int
}

// Error implements the error interface.
func (e *FailureError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d checks failed", len(e.Failures), e.Total)
	for _, c := range e.Failures {
		fmt.Fprintf(&sb, "; %s (actual=%v, expected=%v)", c.Description, c.Actual, c.Expected)
	}
	return sb.String()
}

// IsFailureError reports whether err wraps a *FailureError.
func IsFailureError(err error) bool {
	var fe *FailureError
	return errors.As(err, &fe)
}
