package stickyexec

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

const (
	brokerTaskBuffer     = 256
	brokerMaxDeliveries  = 3
	brokerRedeliverDelay = 50 * time.Millisecond
)

// brokerRun is the orchestration-side record of one run: who to tell when it
// resolves. A child run carries its parent linkage, a root run carries the
// caller's future; continue-as-new chains hand both to the successor run.
type brokerRun struct {
	runID       string
	workflowID  string
	handlerName string

	parentRunID string
	parentSeq   uint64

	future  *RuntimeFuture
	timeout *time.Timer
}

type taskDelivery struct {
	token    string
	runID    string
	events   []HistoryEvent
	attempts int
}

// LocalBroker is an in-process TaskSource plus the orchestration half of the
// protocol: it records events, delivers tasks, executes the commands the worker
// hands back (timers, child runs, terminal resolutions) and routes results to
// parents and callers. It stands in for a real server so a single process can
// run whole workflow trees.
type LocalBroker struct {
	mu deadlock.Mutex

	registry *Registry
	history  *MemoryHistoryStore

	runs       map[string]*brokerRun
	deliveries map[string]*taskDelivery

	tasks     chan *WorkflowTask
	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewLocalBroker(registry *Registry, history *MemoryHistoryStore) *LocalBroker {
	return &LocalBroker{
		registry:   registry,
		history:    history,
		runs:       make(map[string]*brokerRun),
		deliveries: make(map[string]*taskDelivery),
		tasks:      make(chan *WorkflowTask, brokerTaskBuffer),
		closeCh:    make(chan struct{}),
	}
}

// RunWorkflow starts a root run and returns its completion future. The
// workflow function is registered on first use.
func (b *LocalBroker) RunWorkflow(ctx context.Context, workflowFunc interface{}, options *WorkflowOptions, args ...interface{}) (*RuntimeFuture, error) {
	handler, err := b.registry.RegisterWorkflow(workflowFunc)
	if err != nil {
		return nil, err
	}

	inputs, err := convertInputsForSerialization(args)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	workflowID := uuid.NewString()

	run := &brokerRun{
		runID:       runID,
		workflowID:  workflowID,
		handlerName: handler.HandlerName,
		future:      NewRuntimeFuture(runID),
	}

	b.mu.Lock()
	b.runs[runID] = run
	b.mu.Unlock()

	b.armTimeout(run, options)

	logger.Info(ctx, "broker starting workflow", "broker.run_id", runID, "broker.workflow_id", workflowID, "broker.handler", handler.HandlerName)

	if err := b.appendAndDispatch(ctx, runID, []HistoryEvent{{
		Kind:        EventWorkflowStarted,
		WorkflowID:  workflowID,
		HandlerName: handler.HandlerName,
		Inputs:      inputs,
	}}); err != nil {
		return nil, err
	}

	return run.future, nil
}

// CancelRun requests cooperative cancellation of a live run.
func (b *LocalBroker) CancelRun(ctx context.Context, runID string) error {
	return b.appendAndDispatch(ctx, runID, []HistoryEvent{{Kind: EventCancelRequested}})
}

// SignalRun delivers an external signal payload to a live run.
func (b *LocalBroker) SignalRun(ctx context.Context, runID, name string, arg interface{}) error {
	var payload [][]byte
	if arg != nil {
		encoded, err := convertInputsForSerialization([]interface{}{arg})
		if err != nil {
			return err
		}
		payload = encoded
	}

	return b.appendAndDispatch(ctx, runID, []HistoryEvent{{
		Kind:       EventSignalReceived,
		SignalName: name,
		Results:    payload,
	}})
}

func (b *LocalBroker) Close() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
}

// LiveRuns reports runs not yet resolved, for tests and introspection.
func (b *LocalBroker) LiveRuns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func (b *LocalBroker) FetchWorkflowTask(ctx context.Context) (*WorkflowTask, error) {
	select {
	case task := <-b.tasks:
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closeCh:
		select {
		case task := <-b.tasks:
			return task, nil
		default:
			return nil, ErrTaskSourceClosed
		}
	}
}

func (b *LocalBroker) CompleteTask(ctx context.Context, taskToken string, batch *CommandBatch) error {
	b.mu.Lock()
	delivery, ok := b.deliveries[taskToken]
	delete(b.deliveries, taskToken)
	b.mu.Unlock()

	if !ok {
		// stale ack for an already redelivered task
		return nil
	}
	if batch == nil || batch.IsEmpty() {
		return nil
	}

	for _, cmd := range batch.Commands {
		if err := b.handleCommand(ctx, delivery.runID, cmd); err != nil {
			logger.Error(ctx, "broker failed to execute command", "broker.run_id", delivery.runID, "broker.command", cmd.Kind, "error", err)
		}
	}
	return nil
}

// FailTask schedules a redelivery with a fixed delay. Once the attempt budget
// is spent the run is resolved with the failure so callers are never left
// blocked on a run the worker cannot make progress on.
func (b *LocalBroker) FailTask(ctx context.Context, taskToken string, taskErr error) error {
	b.mu.Lock()
	delivery, ok := b.deliveries[taskToken]
	delete(b.deliveries, taskToken)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	// pin contention is ordinary backpressure between tasks for the same run,
	// it never spends the attempt budget
	attempts := delivery.attempts
	if !errors.Is(taskErr, ErrExecutionPinned) {
		attempts++
	}
	if attempts >= brokerMaxDeliveries {
		logger.Warn(ctx, "dropping workflow task after redelivery attempts", "broker.run_id", delivery.runID, "broker.attempts", attempts, "error", taskErr)
		b.resolveRun(ctx, delivery.runID, nil, errors.Join(ErrTaskDropped, taskErr))
		return nil
	}

	logger.Debug(ctx, "scheduling task redelivery", "broker.run_id", delivery.runID, "broker.attempts", attempts, "error", taskErr)

	runID := delivery.runID
	events := delivery.events
	time.AfterFunc(brokerRedeliverDelay, func() {
		b.dispatch(runID, events, attempts)
	})
	return nil
}

func (b *LocalBroker) handleCommand(ctx context.Context, runID string, cmd *Command) error {
	switch cmd.Kind {
	case CommandStartTimer:
		if err := b.appendAndDispatch(ctx, runID, []HistoryEvent{{
			Kind:     EventTimerStarted,
			StepSeq:  cmd.StepSeq,
			Duration: cmd.Duration,
		}}); err != nil {
			return err
		}

		stepSeq := cmd.StepSeq
		time.AfterFunc(cmd.Duration, func() {
			b.fireTimer(runID, stepSeq)
		})
		return nil

	case CommandStartChildWorkflow:
		return b.startChild(ctx, runID, cmd)

	case CommandCompleteWorkflow:
		b.resolveRun(ctx, runID, cmd.Results, nil)
		return nil

	case CommandFailWorkflow:
		b.resolveRun(ctx, runID, nil, errors.Join(ErrWorkflowFailed, errors.New(cmd.Error)))
		return nil

	case CommandCancelWorkflow:
		b.resolveRun(ctx, runID, nil, ErrWorkflowCancelled)
		return nil

	case CommandContinueAsNew:
		return b.continueAsNew(ctx, runID, cmd)
	}

	logger.Warn(ctx, "ignoring unknown command kind", "broker.run_id", runID, "broker.command", cmd.Kind)
	return nil
}

func (b *LocalBroker) startChild(ctx context.Context, parentRunID string, cmd *Command) error {
	childRunID := uuid.NewString()

	child := &brokerRun{
		runID:       childRunID,
		workflowID:  uuid.NewString(),
		handlerName: cmd.HandlerName,
		parentRunID: parentRunID,
		parentSeq:   cmd.StepSeq,
	}

	b.mu.Lock()
	if _, ok := b.runs[parentRunID]; !ok {
		b.mu.Unlock()
		// parent resolved while its batch was in flight, do not start orphans
		return nil
	}
	b.runs[childRunID] = child
	b.mu.Unlock()

	if cmd.Duration > 0 {
		b.armTimeout(child, &WorkflowOptions{ExecutionTimeout: cmd.Duration})
	}

	if err := b.appendAndDispatch(ctx, parentRunID, []HistoryEvent{
		{Kind: EventChildInitiated, StepSeq: cmd.StepSeq, StepID: cmd.StepID, HandlerName: cmd.HandlerName, Inputs: cmd.Inputs},
		{Kind: EventChildStarted, StepSeq: cmd.StepSeq, ChildRunID: childRunID},
	}); err != nil {
		return err
	}

	return b.appendAndDispatch(ctx, childRunID, []HistoryEvent{{
		Kind:        EventWorkflowStarted,
		WorkflowID:  child.workflowID,
		HandlerName: cmd.HandlerName,
		Inputs:      cmd.Inputs,
	}})
}

// continueAsNew closes the current run and opens a successor that inherits the
// caller future and parent linkage, so observers see one logical workflow.
func (b *LocalBroker) continueAsNew(ctx context.Context, runID string, cmd *Command) error {
	newRunID := uuid.NewString()

	b.mu.Lock()
	run, ok := b.runs[runID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if run.timeout != nil {
		run.timeout.Stop()
	}
	delete(b.runs, runID)

	successor := &brokerRun{
		runID:       newRunID,
		workflowID:  run.workflowID,
		handlerName: cmd.HandlerName,
		parentRunID: run.parentRunID,
		parentSeq:   run.parentSeq,
		future:      run.future,
	}
	b.runs[newRunID] = successor
	b.mu.Unlock()

	if err := b.history.PurgeRun(ctx, runID); err != nil {
		logger.Error(ctx, "failed to purge continued run history", "broker.run_id", runID, "error", err)
	}

	logger.Debug(ctx, "run continuing as new", "broker.run_id", runID, "broker.new_run_id", newRunID)

	return b.appendAndDispatch(ctx, newRunID, []HistoryEvent{{
		Kind:        EventWorkflowStarted,
		WorkflowID:  run.workflowID,
		HandlerName: cmd.HandlerName,
		Inputs:      cmd.Inputs,
	}})
}

// resolveRun removes the run and routes its outcome: a ChildCompleted or
// ChildFailed event to the parent, or the caller's future for a root run.
func (b *LocalBroker) resolveRun(ctx context.Context, runID string, results [][]byte, runErr error) {
	b.mu.Lock()
	run, ok := b.runs[runID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if run.timeout != nil {
		run.timeout.Stop()
	}
	delete(b.runs, runID)
	b.mu.Unlock()

	if err := b.history.PurgeRun(ctx, runID); err != nil {
		logger.Error(ctx, "failed to purge resolved run history", "broker.run_id", runID, "error", err)
	}

	if run.parentRunID != "" {
		event := HistoryEvent{Kind: EventChildCompleted, StepSeq: run.parentSeq, Results: results}
		if runErr != nil {
			event = HistoryEvent{Kind: EventChildFailed, StepSeq: run.parentSeq, Error: runErr.Error()}
		}
		if err := b.appendAndDispatch(ctx, run.parentRunID, []HistoryEvent{event}); err != nil {
			logger.Error(ctx, "failed to notify parent of child resolution", "broker.run_id", runID, "broker.parent_run_id", run.parentRunID, "error", err)
		}
	}

	if run.future != nil {
		if runErr != nil {
			run.future.setError(runErr)
		} else {
			run.future.setResult(results)
		}
	}
}

func (b *LocalBroker) fireTimer(runID string, stepSeq uint64) {
	if err := b.appendAndDispatch(context.Background(), runID, []HistoryEvent{{
		Kind:    EventTimerFired,
		StepSeq: stepSeq,
	}}); err != nil && !errors.Is(err, ErrExecutionNotFound) {
		logger.Error(context.Background(), "failed to fire timer", "broker.run_id", runID, "broker.step_seq", stepSeq, "error", err)
	}
}

func (b *LocalBroker) armTimeout(run *brokerRun, options *WorkflowOptions) {
	if options == nil || options.ExecutionTimeout <= 0 {
		return
	}

	runID := run.runID
	timeout := options.ExecutionTimeout

	b.mu.Lock()
	run.timeout = time.AfterFunc(timeout, func() {
		// a cancel request carrying a reason is how deadline expiry reaches the
		// run; it resolves TimedOut instead of Cancelled
		if err := b.appendAndDispatch(context.Background(), runID, []HistoryEvent{{
			Kind:  EventCancelRequested,
			Error: ErrWorkflowTimedOut.Error(),
		}}); err != nil && !errors.Is(err, ErrExecutionNotFound) {
			logger.Error(context.Background(), "failed to expire run", "broker.run_id", runID, "error", err)
		}
	})
	b.mu.Unlock()
}

// appendAndDispatch records the events and delivers them as one task. Appends
// to a run the broker no longer tracks are rejected so resolved runs never
// accumulate history again.
func (b *LocalBroker) appendAndDispatch(ctx context.Context, runID string, events []HistoryEvent) error {
	b.mu.Lock()
	_, live := b.runs[runID]
	b.mu.Unlock()
	if !live {
		return errors.Join(ErrExecutionNotFound, errors.New("run "+runID+" is not live"))
	}

	stored, err := b.history.AppendEvents(ctx, runID, events)
	if err != nil {
		return err
	}

	b.dispatch(runID, stored, 0)
	return nil
}

func (b *LocalBroker) dispatch(runID string, events []HistoryEvent, attempts int) {
	b.mu.Lock()
	if _, live := b.runs[runID]; !live {
		b.mu.Unlock()
		return
	}

	token := uuid.NewString()
	b.deliveries[token] = &taskDelivery{
		token:    token,
		runID:    runID,
		events:   events,
		attempts: attempts,
	}
	b.mu.Unlock()

	task := &WorkflowTask{
		RunID:     runID,
		TaskToken: token,
		Events:    events,
	}

	select {
	case b.tasks <- task:
	default:
		go func() {
			select {
			case b.tasks <- task:
			case <-b.closeCh:
			}
		}()
	}
}
