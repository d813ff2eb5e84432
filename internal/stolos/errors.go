// Package stolos holds the error kinds shared across every component of the
// scheduler, so a caller anywhere in the pipeline can errors.Is against one
// of the seven kinds without importing the component that raised it.
package stolos

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers use errors.Is(err, stolos.ErrXxx).
var (
	// ErrInvalidJobId means a job_id violates its app's grammar.
	ErrInvalidJobId = errors.New("invalid job_id")
	// ErrJobAlreadyQueued means a readd was attempted on a live task.
	ErrJobAlreadyQueued = errors.New("job already queued")
	// ErrLockNotAcquired means another worker holds the execute-lock.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrPluginFailed means the plugin reported failure or timed out.
	ErrPluginFailed = errors.New("plugin failed")
	// ErrPluginMaxRetriesExceeded means the retry cap was reached.
	ErrPluginMaxRetriesExceeded = errors.New("plugin max retries exceeded")
	// ErrConfigError means the DagView could not satisfy a query.
	ErrConfigError = errors.New("config error")
	// ErrStoreError means the coordination store failed I/O.
	ErrStoreError = errors.New("store error")
)

// TaskError wraps one of the sentinel kinds above with the (app, job_id) it
// happened to, so a caller can both errors.Is the kind and recover the
// offending task without parsing a message string.
type TaskError struct {
	App   string
	JobID string
	Err   error
}

func (e *TaskError) Error() string {
	if e == nil || e.Err == nil {
		return "task error"
	}
	return fmt.Sprintf("%s/%s: %s", e.App, e.JobID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError wraps kind with the task it occurred on.
func NewTaskError(app, jobID string, kind error) *TaskError {
	return &TaskError{App: app, JobID: jobID, Err: kind}
}
