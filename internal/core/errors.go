package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("invalid task input")
	// ErrStorage matches any *StorageError via errors.Is.
	ErrStorage = errors.New("task storage failure")
	// ErrUnregisteredType is recorded on tasks whose type has no handler at dispatch.
	ErrUnregisteredType = errors.New("no handler registered for task type")
	// ErrInvalidState is returned when the task's current status forbids the operation.
	ErrInvalidState = errors.New("operation not allowed in current task state")
)

// ValidationError describes malformed caller input. It is returned before
// anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a failed store operation. The in-memory state that
// triggered the write is kept.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// HandlerError is what a failed attempt records. It never leaves the worker.
type HandlerError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
