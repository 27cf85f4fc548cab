package makeparallel

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the core's error taxonomy. Callers should use
// errors.Is/errors.As rather than comparing messages.
var (
	ErrShutdownInProgress  = errors.New("makeparallel: shutdown in progress")
	ErrMemoryLimitExceeded = errors.New("makeparallel: memory limit exceeded")
	ErrInvalidValue        = errors.New("makeparallel: invalid value")
	ErrNoTaskContext       = errors.New("makeparallel: no task context")
	ErrTimeout             = errors.New("makeparallel: timeout")
	ErrCancelled           = errors.New("makeparallel: cancelled")
)

// DependencyFailedError reports that an upstream dependency failed or was
// cancelled before a dependency-gated task could launch.
type DependencyFailedError struct {
	UpstreamID string
	Cause      error
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("makeparallel: dependency %s failed: %v", e.UpstreamID, e.Cause)
}

func (e *DependencyFailedError) Unwrap() error { return e.Cause }

// HostError wraps a failure raised by a host callable invocation.
type HostError struct {
	FuncName string
	TaskID   string
	Elapsed  float64 // seconds
	Inner    error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("makeparallel: host call %s (task %s) failed after %.3fs: %v",
		e.FuncName, e.TaskID, e.Elapsed, e.Inner)
}

func (e *HostError) Unwrap() error { return e.Inner }

// channelClosedErr is internal: AsyncHandle.Get logs it and returns it only
// if resultCh is closed without an outcome, and nothing in the runtime
// closes resultCh.
var channelClosedErr = errors.New("makeparallel: handle receiver dropped")
