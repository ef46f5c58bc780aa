package stickyexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

// WorkflowExecution is the in-memory, resumable state of one run: the history
// cursor, pending timers, buffered signals and the child tracker. It is rebuilt
// from history alone on any cache miss; nothing here is durable.
type WorkflowExecution struct {
	mu deadlock.Mutex

	workflowID  string
	runID       string
	handlerName string
	inputs      [][]byte

	status        Status
	fsm           *stateless.StateMachine
	historyCursor uint64

	pendingTimers map[uint64]time.Duration
	firedTimers   map[uint64]struct{}
	signals       map[string][][][]byte

	cancelRequested bool
	timedOut        bool

	tracker  *childTracker
	commands []*Command
}

func newWorkflowExecution(runID string) *WorkflowExecution {
	return &WorkflowExecution{
		runID:         runID,
		status:        StatusRunning,
		fsm:           newLifecycleFSM(),
		pendingTimers: make(map[uint64]time.Duration),
		firedTimers:   make(map[uint64]struct{}),
		signals:       make(map[string][][][]byte),
		tracker:       newChildTracker(runID),
	}
}

func (e *WorkflowExecution) RunID() string {
	return e.runID
}

func (e *WorkflowExecution) WorkflowID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflowID
}

func (e *WorkflowExecution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *WorkflowExecution) HistoryCursor() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyCursor
}

func (e *WorkflowExecution) Tracker() *childTracker {
	return e.tracker
}

// transition fires a lifecycle trigger. Terminal statuses permit nothing, so a
// second terminal transition surfaces as a defect instead of silently
// rewriting history.
func (e *WorkflowExecution) transition(trigger string) error {
	if err := e.fsm.Fire(trigger); err != nil {
		err = fmt.Errorf("illegal status transition %q from %q: %w", trigger, e.Status(), err)
		logger.Error(context.Background(), err.Error(), "execution.run_id", e.runID)
		return err
	}

	e.mu.Lock()
	e.status = e.fsm.MustState().(Status)
	e.mu.Unlock()

	return nil
}

func (e *WorkflowExecution) enqueueCommand(cmd *Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
}

func (e *WorkflowExecution) drainCommands() []*Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	cmds := e.commands
	e.commands = nil
	return cmds
}

func (e *WorkflowExecution) timerStarted(stepSeq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pendingTimers[stepSeq]; ok {
		return true
	}
	_, fired := e.firedTimers[stepSeq]
	return fired
}

func (e *WorkflowExecution) timerFired(stepSeq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.firedTimers[stepSeq]
	return ok
}

// markTimerStarted records a locally emitted StartTimer command so the same
// turn cannot emit it twice before the TimerStarted event comes back.
func (e *WorkflowExecution) markTimerStarted(stepSeq uint64, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingTimers[stepSeq] = d
}

func (e *WorkflowExecution) pushSignal(name string, payload [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals[name] = append(e.signals[name], payload)
}

func (e *WorkflowExecution) popSignal(name string) ([][]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := e.signals[name]
	if len(queue) == 0 {
		return nil, false
	}
	payload := queue[0]
	e.signals[name] = queue[1:]
	return payload, true
}

// cancellationError reports why the run should unwind, if it should.
func (e *WorkflowExecution) cancellationError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timedOut {
		return ErrWorkflowTimedOut
	}
	if e.cancelRequested {
		return ErrWorkflowCancelled
	}
	return nil
}

// StateMachine applies ordered history events to an execution and then hands
// the frame to the cooperative scheduler. It is the only writer of execution
// state outside the frame's own turn.
type StateMachine struct {
	registry *Registry
	sched    *Scheduler
}

func NewStateMachine(registry *Registry, sched *Scheduler) *StateMachine {
	return &StateMachine{
		registry: registry,
		sched:    sched,
	}
}

// Apply applies new events starting exactly at history_cursor+1 and advances
// the coroutine frame, returning the commands the turn produced. Events at or
// below the cursor are dropped as redelivery duplicates; events beyond
// cursor+1 fail with ErrHistoryGap, which is fatal for the run.
func (sm *StateMachine) Apply(ctx context.Context, entry *CacheEntry, events []HistoryEvent) (*CommandBatch, error) {
	exec := entry.execution

	for i := range events {
		ev := &events[i]

		cursor := exec.HistoryCursor()
		if ev.Seq <= cursor {
			logger.Debug(ctx, "skipping redelivered event", "execution.run_id", exec.runID, "event.seq", ev.Seq, "execution.cursor", cursor)
			continue
		}
		if ev.Seq != cursor+1 {
			err := errors.Join(ErrHistoryGap, fmt.Errorf("event seq %d does not follow cursor %d", ev.Seq, cursor))
			logger.Error(ctx, err.Error(), "execution.run_id", exec.runID)
			return nil, err
		}

		sm.applyEvent(ctx, exec, ev)

		exec.mu.Lock()
		exec.historyCursor = ev.Seq
		exec.mu.Unlock()
	}

	if exec.Status().IsTerminal() {
		// late events were absorbed above (tracker discards them), nothing to run
		return &CommandBatch{RunID: exec.runID}, nil
	}

	exec.mu.Lock()
	handlerName := exec.handlerName
	exec.mu.Unlock()
	if handlerName == "" {
		err := errors.Join(ErrHistoryGap, fmt.Errorf("no WorkflowStarted event applied for run %s", exec.runID))
		logger.Error(ctx, err.Error(), "execution.run_id", exec.runID)
		return nil, err
	}

	handler, ok := sm.registry.GetWorkflow(handlerName)
	if !ok {
		err := errors.Join(ErrHandlerNotFound, fmt.Errorf("workflow %s is not registered", handlerName))
		logger.Error(ctx, err.Error(), "execution.run_id", exec.runID)
		return nil, err
	}

	// A frame that blew its stall budget is poisoned: replace it and let the
	// fresh one replay from the execution's accumulated state. Frames are
	// replaced, never merged.
	if entry.frame == nil || entry.frame.isPoisoned() {
		if entry.frame != nil {
			entry.frame.release()
		}
		entry.frame = newCoroutineFrame(exec, handler, sm.registry, sm.sched.maxSpawnsPerTurn)
	}

	if err := sm.sched.Advance(ctx, exec, entry.frame); err != nil {
		return nil, err
	}

	return &CommandBatch{RunID: exec.runID, Commands: exec.drainCommands()}, nil
}

func (sm *StateMachine) applyEvent(ctx context.Context, exec *WorkflowExecution, ev *HistoryEvent) {
	logger.Debug(ctx, "applying event", "execution.run_id", exec.runID, "event.seq", ev.Seq, "event.kind", ev.Kind)

	switch ev.Kind {
	case EventWorkflowStarted:
		exec.mu.Lock()
		exec.workflowID = ev.WorkflowID
		exec.handlerName = ev.HandlerName
		exec.inputs = ev.Inputs
		exec.mu.Unlock()

	case EventTimerStarted:
		exec.mu.Lock()
		exec.pendingTimers[ev.StepSeq] = ev.Duration
		exec.mu.Unlock()

	case EventTimerFired:
		exec.mu.Lock()
		delete(exec.pendingTimers, ev.StepSeq)
		exec.firedTimers[ev.StepSeq] = struct{}{}
		exec.mu.Unlock()

	case EventChildInitiated:
		exec.tracker.Spawn(ev.StepSeq, ev.StepID, ev.HandlerName)

	case EventChildStarted:
		exec.tracker.OnChildStarted(ev.StepSeq, ev.ChildRunID)

	case EventChildCompleted:
		exec.tracker.OnChildCompleted(ev.StepSeq, ev.Results, "")

	case EventChildFailed:
		msg := ev.Error
		if msg == "" {
			msg = "child workflow failed"
		}
		exec.tracker.OnChildCompleted(ev.StepSeq, nil, msg)

	case EventSignalReceived:
		exec.pushSignal(ev.SignalName, ev.Results)

	case EventCancelRequested:
		exec.mu.Lock()
		exec.cancelRequested = true
		if ev.Error != "" {
			// the orchestration side cancels with a reason on deadline expiry
			exec.timedOut = true
		}
		exec.mu.Unlock()
		exec.tracker.CancelOpen()

	default:
		logger.Warn(ctx, "ignoring unknown event kind", "execution.run_id", exec.runID, "event.kind", ev.Kind, "event.seq", ev.Seq)
	}
}
