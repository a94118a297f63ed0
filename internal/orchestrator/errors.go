package orchestrator

import (
	"errors"
	"fmt"
)

// AbortError is returned once a scenario has been aborted. Reason is the
// description of the check that triggered the abort.
type AbortError struct {
	Reason string
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	return fmt.Sprintf("scenario aborted: %s", e.Reason)
}

// IsAbortError reports whether err wraps an *AbortError.
func IsAbortError(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}
