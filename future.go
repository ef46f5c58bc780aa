package stickyexec

import (
	"context"
	"errors"
	"sync"
)

// Future is how callers observe a workflow result: the root future returned by
// a broker, or the handle a workflow gets back when spawning a child.
type Future interface {
	Get(out ...interface{}) error
}

// ChildFuture is the flat record of one sub-workflow invocation, keyed by the
// caller-assigned step sequence number. It is owned exclusively by the parent
// execution's tracker and must stay minimal: no channels, no closures, no
// back-reference to the coroutine frame. The scheduler resumes the parent when
// a completion event resolves it; nothing else may retain it past eviction.
type ChildFuture struct {
	mu sync.Mutex

	stepSeq     uint64
	stepID      string
	handlerName string

	childRunID string
	state      ChildState
	results    [][]byte // owned once resolved
	errMsg     string
}

func newChildFuture(stepSeq uint64, stepID, handlerName string) *ChildFuture {
	return &ChildFuture{
		stepSeq:     stepSeq,
		stepID:      stepID,
		handlerName: handlerName,
		state:       ChildPending,
	}
}

func (f *ChildFuture) StepSeq() uint64 {
	return f.stepSeq
}

func (f *ChildFuture) StepID() string {
	return f.stepID
}

func (f *ChildFuture) State() ChildState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *ChildFuture) ChildRunID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childRunID
}

func (f *ChildFuture) markStarted(childRunID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != ChildPending {
		return
	}
	f.childRunID = childRunID
	f.state = ChildStarted
}

func (f *ChildFuture) resolve(results [][]byte, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.IsResolved() {
		return
	}
	if errMsg != "" {
		f.errMsg = errMsg
		f.state = ChildResolvedError
		return
	}
	f.results = results
	f.state = ChildResolvedOk
}

func (f *ChildFuture) markCancelled() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.IsResolved() {
		return
	}
	f.state = ChildCancelled
	f.results = nil
}

// outcome snapshots the resolution under the lock.
func (f *ChildFuture) outcome() (ChildState, [][]byte, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.results, f.errMsg
}

// childFutureHandle is the awaitable a workflow receives from ctx.Workflow. It
// lives on the user stack and dies with the frame, so it may reference the
// frame for suspension while the tracked ChildFuture itself stays flat.
type childFutureHandle struct {
	fut   *ChildFuture
	frame *coroutineFrame
	exec  *WorkflowExecution
}

func (h childFutureHandle) Get(out ...interface{}) error {
	for {
		// run-level cancellation outranks the future's own resolution: a cancel
		// marks open futures Cancelled too, and reporting that first would
		// resolve a cancelled parent as Failed
		if err := h.exec.cancellationError(); err != nil {
			return err
		}

		state, results, errMsg := h.fut.outcome()
		switch state {
		case ChildResolvedOk:
			return decodeOutputsInto(results, out)
		case ChildResolvedError:
			return errors.Join(ErrChildWorkflowFailed, errors.New(errMsg))
		case ChildCancelled:
			return ErrChildWorkflowCancelled
		}

		h.frame.suspend()
	}
}

// RuntimeFuture is the completion handle a broker hands back for a root run.
// Unlike ChildFuture it is not replay-correlated: it just blocks until the run
// reaches a terminal status.
type RuntimeFuture struct {
	mu      sync.Mutex
	runID   string
	results [][]byte
	err     error
	done    chan struct{}
	once    sync.Once
}

func NewRuntimeFuture(runID string) *RuntimeFuture {
	return &RuntimeFuture{
		runID: runID,
		done:  make(chan struct{}),
	}
}

func (f *RuntimeFuture) RunID() string {
	return f.runID
}

func (f *RuntimeFuture) setResult(results [][]byte) {
	f.mu.Lock()
	f.results = results
	logger.Debug(context.Background(), "future set results", "future.results", len(results), "future.run_id", f.runID)
	f.mu.Unlock()
	f.once.Do(func() {
		close(f.done)
	})
}

func (f *RuntimeFuture) setError(err error) {
	f.mu.Lock()
	f.err = err
	logger.Debug(context.Background(), "future set error", "future.error", err, "future.run_id", f.runID)
	f.mu.Unlock()
	f.once.Do(func() {
		close(f.done)
	})
}

func (f *RuntimeFuture) Get(out ...interface{}) error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	return decodeOutputsInto(f.results, out)
}
