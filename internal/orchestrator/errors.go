package orchestrator

import "errors"

// Typed errors returned by orchestrator operations.
var (
	ErrNotFound             = errors.New("task not found")
	ErrNotAwaiting          = errors.New("task is not awaiting confirmation")
	ErrClosed               = errors.New("orchestrator closed")
	ErrUnsafe               = errors.New("rejected by safety policy")
	ErrConfirmationRequired = errors.New("confirmation required")
)

// Context causes, used to tell apart why a task context ended.
var (
	errCancelled = errors.New("cancelled by user")
	errShutdown  = errors.New("orchestrator shut down")
	errDeadline  = errors.New("task deadline exceeded")
)

// errStopped means the task went terminal underneath the worker (cancel).
var errStopped = errors.New("task already terminal")

// taskError is a failure recorded on the task rather than returned to a caller.
type taskError struct {
	code   string
	detail string
}

func (e *taskError) Error() string { return e.code + ": " + e.detail }

func fail(code, detail string) *taskError {
	return &taskError{code: code, detail: detail}
}
