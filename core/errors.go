package core

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderDisposed is returned by mutating calls after Dispose.
	ErrProviderDisposed = errors.New("provider disposed")
	// ErrTaskReused is returned when a task is pushed twice or after it was popped.
	ErrTaskReused = errors.New("task already used on this stack")
)

// ConfigurationError reports missing or invalid API configuration. It is fatal
// for the task being created and is always surfaced to the host.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// StackAbortFailure wraps an error (or recovered panic) raised by a popped task's
// abort path. It is logged, never returned from stack operations.
type StackAbortFailure struct {
	TaskID string
	Err    error
}

func (e *StackAbortFailure) Error() string {
	return fmt.Sprintf("abort of task %s failed: %v", e.TaskID, e.Err)
}

func (e *StackAbortFailure) Unwrap() error {
	return e.Err
}
