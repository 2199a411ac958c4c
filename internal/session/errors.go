package session

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by Run when another execution holds the job's
// slot. Callers should degrade to observing the in-flight run.
var ErrAlreadyRunning = errors.New("job is already running")

// ValidationError marks a request rejected before any work started.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError marks a lookup miss, such as an unknown username or job id.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

// UpstreamError marks a failure in a collaborator the session depends on.
type UpstreamError struct {
	Msg string
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }
