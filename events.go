package stickyexec

import "time"

// EventKind discriminates history events. The history store is append-only and
// strictly ordered per run; the worker never writes history itself, it only
// replays what the orchestration side recorded.
type EventKind string

const (
	EventWorkflowStarted EventKind = "WorkflowStarted"

	EventTimerStarted EventKind = "TimerStarted"
	EventTimerFired   EventKind = "TimerFired"

	EventChildInitiated EventKind = "ChildWorkflowInitiated"
	EventChildStarted   EventKind = "ChildWorkflowStarted"
	EventChildCompleted EventKind = "ChildWorkflowCompleted"
	EventChildFailed    EventKind = "ChildWorkflowFailed"

	EventSignalReceived  EventKind = "SignalReceived"
	EventCancelRequested EventKind = "CancelRequested"
)

// HistoryEvent is one entry of a run's event log. Seq starts at 1 and is
// strictly increasing with no holes. StepSeq is the caller-assigned correlation
// key for timers and child workflows (deterministic per replay), unrelated to
// Seq.
type HistoryEvent struct {
	RunID      string
	Seq        uint64
	Kind       EventKind
	StepSeq    uint64
	StepID     string
	WorkflowID string

	// WorkflowStarted / ChildInitiated
	HandlerName string
	Inputs      [][]byte

	// ChildStarted onwards
	ChildRunID string
	Results    [][]byte
	Error      string

	// TimerStarted
	Duration time.Duration

	// SignalReceived
	SignalName string

	RecordedAt time.Time
}

// CommandKind discriminates the commands a scheduler turn emits back to the
// orchestration side.
type CommandKind string

const (
	CommandStartTimer         CommandKind = "StartTimer"
	CommandStartChildWorkflow CommandKind = "StartChildWorkflow"
	CommandCompleteWorkflow   CommandKind = "CompleteWorkflow"
	CommandFailWorkflow       CommandKind = "FailWorkflow"
	CommandCancelWorkflow     CommandKind = "CancelWorkflow"
	CommandContinueAsNew      CommandKind = "ContinueAsNew"
)

type Command struct {
	Kind        CommandKind
	StepSeq     uint64
	StepID      string
	HandlerName string
	Inputs      [][]byte
	Results     [][]byte
	Error       string
	Duration    time.Duration
}

// CommandBatch is the outcome of one applied task: every command produced by
// the turn, in emission order. Replaying the same events against a fresh frame
// must reproduce the same batch.
type CommandBatch struct {
	RunID    string
	Commands []*Command
}

func (b *CommandBatch) IsEmpty() bool {
	return b == nil || len(b.Commands) == 0
}
