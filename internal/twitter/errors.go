package twitter

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation is returned for operation names outside the catalogue.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrUnimplemented is returned by operations that are catalogued but not backed yet.
	ErrUnimplemented = errors.New("operation not supported yet")
	// ErrMissingCollaborator is returned when an operation needs a collaborator
	// the dispatcher was built without.
	ErrMissingCollaborator = errors.New("collaborator not configured")
	// ErrInvalidArgument is returned when a required argument is missing or malformed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// OperationError ties a failure to the operation and, when known, the
// argument that caused it.
type OperationError struct {
	Op  string
	Arg string
	Err error
}

func (e *OperationError) Error() string {
	if e.Arg != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Arg, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opError(op ToolName, err error) error {
	return &OperationError{Op: string(op), Err: err}
}
