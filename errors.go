package stickyexec

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryGap is fatal for the run: the delivered events do not start at
	// history_cursor+1 and the history store could not fill the hole. The run is
	// evicted and must be rebuilt by a full replay.
	ErrHistoryGap = errors.New("history gap")

	// ErrPotentialDeadlock means a scheduler turn burned its whole stall budget
	// without reaching a suspension point. Retryable: the task is failed back to
	// the caller, the run stays cached but unpinned.
	ErrPotentialDeadlock = errors.New("potential deadlock")

	// ErrChildSpawn resolves the child future with an error instead of failing
	// the parent run.
	ErrChildSpawn = errors.New("child spawn failed")

	ErrExecutionPinned   = errors.New("execution is pinned")
	ErrExecutionNotFound = errors.New("execution not found in cache")

	ErrHandlerNotFound = errors.New("handler not found")
	ErrRegistration    = errors.New("failed to register workflow")

	ErrWorkflowPanicked  = errors.New("workflow panicked")
	ErrWorkflowFailed    = errors.New("workflow failed")
	ErrWorkflowCancelled = errors.New("workflow cancelled")
	ErrWorkflowTimedOut  = errors.New("workflow timed out")

	ErrChildWorkflowFailed    = errors.New("child workflow failed")
	ErrChildWorkflowCancelled = errors.New("child workflow cancelled")

	ErrFrameReleased = errors.New("coroutine frame released")

	ErrMustPointer = errors.New("value must be a pointer")
	ErrEncoding    = errors.New("failed to encode value")
	ErrGetResults  = errors.New("cannot get results")

	ErrTaskSourceClosed = errors.New("task source closed")
	ErrTaskDropped      = errors.New("task dropped after redelivery attempts")
)

// ContinueAsNewError is returned from workflow logic (via
// WorkflowContext.ContinueAsNew) to complete the current run and restart it with
// fresh inputs under a new run id.
type ContinueAsNewError struct {
	Args []interface{}
}

func (e *ContinueAsNewError) Error() string {
	return fmt.Sprintf("workflow is continuing as new with %d arguments", len(e.Args))
}
