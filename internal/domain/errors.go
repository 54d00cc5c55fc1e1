package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid marks malformed caller input. It never changes task state.
	ErrInvalid = errors.New("invalid request")
	// ErrNotFound is returned for unknown ids and for tasks that can no
	// longer be cancelled.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a different live task owns the same id.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means the scheduler cannot take requests right now.
	ErrUnavailable = errors.New("scheduler unavailable")
)

// NotFoundError is returned when a task id does not exist or is terminal.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UnknownWorkerError is returned when no handler is registered under a name.
type UnknownWorkerError struct {
	WorkerName string
}

func (e *UnknownWorkerError) Error() string {
	return fmt.Sprintf("no worker registered as %q", e.WorkerName)
}

func (e *UnknownWorkerError) Is(target error) bool { return target == ErrInvalid }

// ConflictError is returned when an id is already held by a live task with
// different parameters.
type ConflictError struct {
	TaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s already scheduled with different parameters", e.TaskID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Invalidf builds an ErrInvalid-wrapping error.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
