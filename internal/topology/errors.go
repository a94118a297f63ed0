package topology

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes topology violations.
type ErrorCode string

const (
	// ErrCodeMissing indicates a referenced entity does not exist.
	ErrCodeMissing ErrorCode = "MISSING"

	// ErrCodeDuplicate indicates an entity was defined twice.
	ErrCodeDuplicate ErrorCode = "DUPLICATE"

	// ErrCodeInvalid indicates a value or relationship breaks an invariant.
	ErrCodeInvalid ErrorCode = "INVALID"
)

// TopologyError is returned by every Define* operation that would break the
// topology's invariants. Entity and ID name the offending entity so scenario
// authors can find the bad reference without reading a stack trace.
type TopologyError struct {
	Code    ErrorCode
	Entity  string // "node", "path", "set", "table", "sequence", "subscription"
	ID      string
	Message string
}

// Error implements the error interface.
func (e *TopologyError) Error() string {
	switch e.Code {
	case ErrCodeMissing:
		return fmt.Sprintf("topology: %s %s not found", e.Entity, e.ID)
	case ErrCodeDuplicate:
		return fmt.Sprintf("topology: %s %s already defined", e.Entity, e.ID)
	default:
		return fmt.Sprintf("topology: %s %s: %s", e.Entity, e.ID, e.Message)
	}
}

// IsTopologyError reports whether err wraps a *TopologyError.
func IsTopologyError(err error) bool {
	var te *TopologyError
	return errors.As(err, &te)
}

// IsMissing reports whether err is a TopologyError for a missing entity.
func IsMissing(err error) bool {
	var te *TopologyError
	if errors.As(err, &te) {
		return te.Code == ErrCodeMissing
	}
	return false
}

// IsDuplicate reports whether err is a TopologyError for a duplicate entity.
func IsDuplicate(err error) bool {
	var te *TopologyError
	if errors.As(err, &te) {
		return te.Code == ErrCodeDuplicate
	}
	return false
}

func missing(entity string, id any) *TopologyError {
	return &TopologyError{Code: ErrCodeMissing, Entity: entity, ID: fmt.Sprint(id)}
}

func duplicate(entity string, id any) *TopologyError {
	return &TopologyError{Code: ErrCodeDuplicate, Entity: entity, ID: fmt.Sprint(id)}
}

func invalid(entity string, id any, format string, args ...any) *TopologyError {
	return &TopologyError{
		Code:    ErrCodeInvalid,
		Entity:  entity,
		ID:      fmt.Sprint(id),
		Message: fmt.Sprintf(format, args...),
	}
}
