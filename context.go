package stickyexec

import (
	"context"
	"errors"
	"time"
)

// WorkflowOptions tunes one workflow or child workflow invocation.
type WorkflowOptions struct {
	// ExecutionTimeout bounds the run end to end; on expiry the orchestration
	// side cancels the run with a deadline reason and it resolves TimedOut.
	ExecutionTimeout time.Duration
}

// WorkflowContext is handed to workflow logic as its first parameter. Every
// method that can block is a suspension point: awaiting a timer, a child
// future or an external signal, never arbitrary computation. All progress is
// replay-driven, so workflow logic must stay deterministic.
type WorkflowContext struct {
	exec     *WorkflowExecution
	frame    *coroutineFrame
	registry *Registry
}

func (ctx WorkflowContext) RunID() string {
	return ctx.exec.RunID()
}

func (ctx WorkflowContext) WorkflowID() string {
	return ctx.exec.WorkflowID()
}

// Workflow spawns a sub-workflow and returns its future. The future is tracked
// by the parent execution under a deterministic sequence number; on replay the
// spawn is matched against the recorded ChildWorkflowInitiated event and no
// duplicate command is emitted. Spawning is O(1) and never suspends on its
// own; awaiting the returned future does.
func (ctx WorkflowContext) Workflow(stepID string, workflowFunc interface{}, options *WorkflowOptions, args ...interface{}) Future {
	stepSeq := ctx.frame.nextChildSeq()

	if max := ctx.frame.maxSpawnsPerTurn; max > 0 && ctx.frame.countSpawn() > max {
		logger.Warn(context.Background(), "per-turn spawn guard exceeded, parking frame for the stall detector", "workflow_context.run_id", ctx.exec.runID, "workflow_context.step_id", stepID, "workflow_context.max_spawns_per_turn", max)
		ctx.frame.park()
	}

	handler, err := ctx.registry.RegisterWorkflow(workflowFunc)
	if err != nil {
		fut := ctx.exec.tracker.SpawnFailed(stepSeq, stepID, errors.Join(ErrChildSpawn, err))
		return childFutureHandle{fut: fut, frame: ctx.frame, exec: ctx.exec}
	}

	inputs, err := convertInputsForSerialization(args)
	if err != nil {
		fut := ctx.exec.tracker.SpawnFailed(stepSeq, stepID, errors.Join(ErrChildSpawn, err))
		return childFutureHandle{fut: fut, frame: ctx.frame, exec: ctx.exec}
	}

	fut, replayed := ctx.exec.tracker.Spawn(stepSeq, stepID, handler.HandlerName)
	if !replayed {
		cmd := &Command{
			Kind:        CommandStartChildWorkflow,
			StepSeq:     stepSeq,
			StepID:      stepID,
			HandlerName: handler.HandlerName,
			Inputs:      inputs,
		}
		if options != nil {
			cmd.Duration = options.ExecutionTimeout
		}
		ctx.exec.enqueueCommand(cmd)
	}

	return childFutureHandle{fut: fut, frame: ctx.frame, exec: ctx.exec}
}

// Sleep arms a durable timer and suspends until it fires. On replay a timer
// already recorded as fired returns immediately.
func (ctx WorkflowContext) Sleep(d time.Duration) error {
	stepSeq := ctx.frame.nextTimerSeq()

	for {
		if ctx.exec.timerFired(stepSeq) {
			return nil
		}
		if err := ctx.exec.cancellationError(); err != nil {
			return err
		}

		if !ctx.exec.timerStarted(stepSeq) {
			ctx.exec.markTimerStarted(stepSeq, d)
			ctx.exec.enqueueCommand(&Command{Kind: CommandStartTimer, StepSeq: stepSeq, Duration: d})
		}

		ctx.frame.suspend()
	}
}

// Signal suspends until an external signal with the given name is received and
// decodes its payload into out (which may be nil to just wait). Buffered
// signals are consumed in arrival order.
func (ctx WorkflowContext) Signal(name string, out interface{}) error {
	for {
		if payload, ok := ctx.exec.popSignal(name); ok {
			if out == nil {
				return nil
			}
			return decodeOutputsInto(payload, []interface{}{out})
		}
		if err := ctx.exec.cancellationError(); err != nil {
			return err
		}

		ctx.frame.suspend()
	}
}

// ContinueAsNew completes the current run successfully and restarts the same
// workflow under a new run id with the given arguments. Return its result from
// the workflow function.
func (ctx WorkflowContext) ContinueAsNew(args ...interface{}) error {
	return &ContinueAsNewError{Args: args}
}
