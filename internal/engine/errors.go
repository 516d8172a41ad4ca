package engine

import "fmt"

// InvalidArgumentError rejects a request before any state is touched.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidArg(field, reason string) InvalidArgumentError {
	return InvalidArgumentError{Field: field, Reason: reason}
}

// ConflictError means the entity already left the state the operation
// requires.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }
