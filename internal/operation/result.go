package operation

import "fmt"

// Status is the lifecycle state of an operation.
type Status int

const (
	StatusBuilt Status = iota
	StatusRunning
	StatusFinished
	StatusTimedOut
	StatusAborted
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case StatusBuilt:
		return "built"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusTimedOut:
		return "timed-out"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s is one of the three terminal states.
func (s Status) Terminal() bool {
	return s >= StatusFinished
}

// NotFinishedCode is reported by ReturnCode for timed-out and aborted
// operations, which never produced an exit code.
const NotFinishedCode = -1

// Result is the terminal outcome of an operation: Finished with an exit code,
// TimedOut, or Aborted.
type Result struct {
	Status Status

	// Code is the exit code. Only meaningful when Status is StatusFinished.
	Code int

	// Err is set when the runner reported an error alongside its code,
	// for example a process that could not be started.
	Err error
}

// Finished builds a finished result.
func Finished(code int) Result {
	return Result{Status: StatusFinished, Code: code}
}

// Errored builds a finished result for a runner that failed with err.
// A zero code is replaced by NotFinishedCode so the result never reads as a
// success.
func Errored(code int, err error) Result {
	if code == 0 {
		code = NotFinishedCode
	}
	return Result{Status: StatusFinished, Code: code, Err: err}
}

// TimedOut builds a timed-out result.
func TimedOut() Result {
	return Result{Status: StatusTimedOut, Code: NotFinishedCode}
}

// Aborted builds an aborted result.
func Aborted() Result {
	return Result{Status: StatusAborted, Code: NotFinishedCode}
}

// Succeeded reports whether the operation finished with exit code 0.
func (r Result) Succeeded() bool {
	return r.Status == StatusFinished && r.Code == 0 && r.Err == nil
}

// ReturnCode returns the exit code, or NotFinishedCode when the operation
// did not finish.
func (r Result) ReturnCode() int {
	if r.Status != StatusFinished {
		return NotFinishedCode
	}
	return r.Code
}

func (r Result) String() string {
	switch {
	case r.Status != StatusFinished:
		return r.Status.String()
	case r.Err != nil:
		return fmt.Sprintf("finished(%d): %v", r.Code, r.Err)
	default:
		return fmt.Sprintf("finished(%d)", r.Code)
	}
}
