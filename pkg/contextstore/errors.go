package contextstore

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is joined with the field errors of any rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is reported for operations on absent or expired keys where a
	// boolean result is not available, such as bulk deletes.
	ErrNotFound = errors.New("key not found")
	// ErrUnsupportedOperation is reported for unknown bulk operation kinds.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrClosed is returned when subscribing to a manager that has shut down.
	ErrClosed = errors.New("context manager is closed")
)

// PersistenceError describes a failed snapshot read or write. It is logged by
// the manager and never returned to request callers.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
