package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrInvalid  = errors.New("invalid task")

	// ErrStaleWrite is returned by a conditional Apply whose IfVersion lost to
	// a concurrent writer. Unconditional writes never see it: the last write
	// wins silently.
	ErrStaleWrite = errors.New("stale write")

	ErrTransport = errors.New("task store unreachable")
)

// TransportError wraps a failure to reach the backing store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
