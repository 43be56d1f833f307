package firmware

import (
	"errors"
	"fmt"
)

// Error reports a failed firmware service call.
type Error struct {
	Op     string
	Status Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Status }

// Fail wraps a status returned by the named service call. A nil or
// non-error status yields nil.
func Fail(op string, status Status) error {
	if !status.IsError() {
		return nil
	}
	return &Error{Op: op, Status: status}
}

type kindError struct {
	msg    string
	status Status
}

func (e *kindError) Error() string  { return e.msg }
func (e *kindError) Status() Status { return e.status }

var (
	// ErrNotADirectory is returned when a directory was required but the
	// entry is some other kind.
	ErrNotADirectory error = &kindError{"not a directory", InvalidParameter}
	// ErrNotRegularFile is returned when a regular file was required.
	ErrNotRegularFile error = &kindError{"not a regular file", Unsupported}
	// ErrAllocationFailed is returned when page or pool allocation fails.
	ErrAllocationFailed error = &kindError{"allocation failed", OutOfResources}
)

type statusCarrier interface {
	Status() Status
}

// StatusOf maps err to the status code handed back to the boot manager.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var sc statusCarrier
	if errors.As(err, &sc) {
		return sc.Status()
	}
	return LoadError
}
