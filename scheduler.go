package stickyexec

import (
	"context"
	"errors"
	"time"
)

// Scheduler drives one workflow's logic forward deterministically. Exactly one
// turn executes per execution at a time (the cache pin guarantees it); the
// stall budget is the liveness deadline: a turn that never reaches a
// suspension point within it is reported as a potential deadlock, which is a
// distinct, named condition so operators can tell scheduler starvation from
// merely slow workflow code.
type Scheduler struct {
	stallBudget      time.Duration
	maxSpawnsPerTurn int
}

func NewScheduler(stallBudget time.Duration, maxSpawnsPerTurn int) *Scheduler {
	if stallBudget <= 0 {
		stallBudget = DefaultStallBudget
	}
	return &Scheduler{
		stallBudget:      stallBudget,
		maxSpawnsPerTurn: maxSpawnsPerTurn,
	}
}

// Advance resumes the frame for one turn. On return the frame is either
// suspended at a yield point, finished (the execution transitioned to a
// terminal status and the terminal command was enqueued), or blocked past the
// stall budget, in which case ErrPotentialDeadlock is returned and the run is
// left Running for the task to be retried.
func (s *Scheduler) Advance(ctx context.Context, exec *WorkflowExecution, frame *coroutineFrame) error {
	if err := frame.turn.Fire(triggerTurnRun); err != nil {
		return errors.Join(ErrPotentialDeadlock, err)
	}

	logger.Debug(ctx, "scheduler advancing frame", "scheduler.run_id", exec.runID, "scheduler.cursor", exec.HistoryCursor())

	sig, err := frame.advance(s.stallBudget)
	if err != nil {
		frame.turn.Fire(triggerTurnBlock)
		logger.Warn(ctx, "scheduler turn blocked past stall budget", "scheduler.run_id", exec.runID, "scheduler.stall_budget", s.stallBudget)
		return err
	}

	switch sig.kind {
	case signalSuspend:
		frame.turn.Fire(triggerTurnSuspend)
		logger.Debug(ctx, "scheduler turn suspended", "scheduler.run_id", exec.runID)
		return nil

	case signalDone:
		return s.finish(ctx, exec, frame, sig)
	}

	return nil
}

func (s *Scheduler) finish(ctx context.Context, exec *WorkflowExecution, frame *coroutineFrame, sig turnSignal) error {
	if sig.err == nil {
		results, err := convertOutputsForSerialization(sig.results)
		if err != nil {
			logger.Error(ctx, "failed to serialize workflow results", "scheduler.run_id", exec.runID, "error", err)
			return s.fail(ctx, exec, frame, err)
		}

		exec.enqueueCommand(&Command{Kind: CommandCompleteWorkflow, Results: results})
		exec.tracker.MarkParentTerminal()
		exec.transition(triggerComplete)
		frame.turn.Fire(triggerTurnComplete)

		logger.Debug(ctx, "workflow completed", "scheduler.run_id", exec.runID)
		return nil
	}

	var continueAsNew *ContinueAsNewError
	if errors.As(sig.err, &continueAsNew) {
		inputs, err := convertInputsForSerialization(continueAsNew.Args)
		if err != nil {
			logger.Error(ctx, "failed to serialize continue-as-new inputs", "scheduler.run_id", exec.runID, "error", err)
			return s.fail(ctx, exec, frame, err)
		}

		exec.mu.Lock()
		handlerName := exec.handlerName
		exec.mu.Unlock()

		exec.enqueueCommand(&Command{Kind: CommandContinueAsNew, HandlerName: handlerName, Inputs: inputs})
		exec.tracker.MarkParentTerminal()
		exec.tracker.CancelOpen()
		exec.transition(triggerContinueAsNew)
		frame.turn.Fire(triggerTurnComplete)

		logger.Debug(ctx, "workflow continuing as new", "scheduler.run_id", exec.runID)
		return nil
	}

	if errors.Is(sig.err, ErrWorkflowTimedOut) {
		exec.enqueueCommand(&Command{Kind: CommandFailWorkflow, Error: sig.err.Error()})
		exec.tracker.MarkParentTerminal()
		exec.tracker.CancelOpen()
		exec.transition(triggerTimeout)
		frame.turn.Fire(triggerTurnComplete)

		logger.Debug(ctx, "workflow timed out", "scheduler.run_id", exec.runID)
		return nil
	}

	if errors.Is(sig.err, ErrWorkflowCancelled) {
		exec.enqueueCommand(&Command{Kind: CommandCancelWorkflow, Error: sig.err.Error()})
		exec.tracker.MarkParentTerminal()
		exec.tracker.CancelOpen()
		exec.transition(triggerCancel)
		frame.turn.Fire(triggerTurnComplete)

		logger.Debug(ctx, "workflow cancelled", "scheduler.run_id", exec.runID)
		return nil
	}

	return s.fail(ctx, exec, frame, sig.err)
}

// fail resolves the execution to Failed and reports it upward as a normal
// terminal command batch, not as a process-level fault.
func (s *Scheduler) fail(ctx context.Context, exec *WorkflowExecution, frame *coroutineFrame, failErr error) error {
	exec.enqueueCommand(&Command{Kind: CommandFailWorkflow, Error: failErr.Error()})
	exec.tracker.MarkParentTerminal()
	exec.tracker.CancelOpen()
	exec.transition(triggerFail)
	frame.turn.Fire(triggerTurnFail)

	logger.Debug(ctx, "workflow failed", "scheduler.run_id", exec.runID, "error", failErr)
	return nil
}
