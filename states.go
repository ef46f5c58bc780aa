package stickyexec

import "github.com/qmuntal/stateless"

// Status is the lifecycle state of a workflow execution. Transitions are
// one-directional into the terminal set, enforced by a per-execution state
// machine: firing a lifecycle trigger on a terminal execution is an error.
type Status string

const (
	StatusRunning        Status = "Running"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusCancelled      Status = "Cancelled"
	StatusTimedOut       Status = "TimedOut"
	StatusContinuedAsNew Status = "ContinuedAsNew"
)

func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

const (
	triggerComplete      = "Complete"
	triggerFail          = "Fail"
	triggerCancel        = "Cancel"
	triggerTimeout       = "Timeout"
	triggerContinueAsNew = "ContinueAsNew"
)

func newLifecycleFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StatusRunning)

	fsm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusFailed).
		Permit(triggerCancel, StatusCancelled).
		Permit(triggerTimeout, StatusTimedOut).
		Permit(triggerContinueAsNew, StatusContinuedAsNew)

	// terminal states have no outgoing permits, re-entry is a defect
	fsm.Configure(StatusCompleted)
	fsm.Configure(StatusFailed)
	fsm.Configure(StatusCancelled)
	fsm.Configure(StatusTimedOut)
	fsm.Configure(StatusContinuedAsNew)

	return fsm
}

// ChildState is the tagged variant a ChildFuture moves through. There is no
// callback registry behind it: completion is correlated by the caller-assigned
// sequence number alone.
type ChildState string

const (
	ChildPending       ChildState = "Pending"
	ChildStarted       ChildState = "Started"
	ChildResolvedOk    ChildState = "ResolvedOk"
	ChildResolvedError ChildState = "ResolvedError"
	ChildCancelled     ChildState = "Cancelled"
)

func (s ChildState) IsResolved() bool {
	switch s {
	case ChildResolvedOk, ChildResolvedError, ChildCancelled:
		return true
	}
	return false
}

// TurnState tracks one scheduler turn of a coroutine frame.
type TurnState string

const (
	TurnIdle      TurnState = "Idle"
	TurnRunning   TurnState = "Running"
	TurnSuspended TurnState = "Suspended"
	TurnBlocked   TurnState = "Blocked"
	TurnCompleted TurnState = "Completed"
	TurnFailed    TurnState = "Failed"
)

const (
	triggerTurnRun      = "TurnRun"
	triggerTurnSuspend  = "TurnSuspend"
	triggerTurnBlock    = "TurnBlock"
	triggerTurnComplete = "TurnComplete"
	triggerTurnFail     = "TurnFail"
)

func newTurnFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(TurnIdle)

	fsm.Configure(TurnIdle).
		Permit(triggerTurnRun, TurnRunning)

	fsm.Configure(TurnRunning).
		Permit(triggerTurnSuspend, TurnSuspended).
		Permit(triggerTurnBlock, TurnBlocked).
		Permit(triggerTurnComplete, TurnCompleted).
		Permit(triggerTurnFail, TurnFailed)

	fsm.Configure(TurnSuspended).
		Permit(triggerTurnRun, TurnRunning)

	// a blocked frame is poisoned, it is replaced rather than resumed
	fsm.Configure(TurnBlocked)
	fsm.Configure(TurnCompleted)
	fsm.Configure(TurnFailed)

	return fsm
}
