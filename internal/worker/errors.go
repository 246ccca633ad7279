package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessExited means the module process died before or while serving.
	ErrProcessExited = errors.New("module process exited")
	// ErrKilled means the handle was torn down, usually by session expiry.
	ErrKilled = errors.New("module process was killed")
)

// CouldNotConnect reports a module process that could not be reached.
type CouldNotConnect struct {
	Module   string
	Attempts int
	Cause    error
}

func (e *CouldNotConnect) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("could not connect to module %s after %d attempts: %v", e.Module, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("could not connect to module %s: %v", e.Module, e.Cause)
}

func (e *CouldNotConnect) Unwrap() error { return e.Cause }
