package stickyexec

import (
	"context"

	"github.com/sasha-s/go-deadlock"
)

// childTracker owns every ChildFuture a workflow execution ever spawned. It is
// the natural leak surface of the whole worker: futures are held strongly here
// until ReleaseAll, which is called from exactly one place, cache eviction. No
// other structure may retain a future past that point.
type childTracker struct {
	mu deadlock.Mutex

	runID          string
	futures        map[uint64]*ChildFuture
	parentTerminal bool
}

func newChildTracker(runID string) *childTracker {
	return &childTracker{
		runID:   runID,
		futures: make(map[uint64]*ChildFuture),
	}
}

// Spawn registers a Pending future under the caller-assigned sequence number.
// On replay the future already exists (recreated from the ChildInitiated
// event); the second return reports that, so the caller can suppress the
// StartChildWorkflow command.
func (t *childTracker) Spawn(stepSeq uint64, stepID, handlerName string) (*ChildFuture, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fut, ok := t.futures[stepSeq]; ok {
		return fut, true
	}

	fut := newChildFuture(stepSeq, stepID, handlerName)
	t.futures[stepSeq] = fut

	logger.Debug(context.Background(), "tracker spawned child future", "tracker.run_id", t.runID, "future.seq", stepSeq, "future.step_id", stepID)

	return fut, false
}

// SpawnFailed registers a future already resolved with an error, the
// ChildSpawnError path: the awaiting continuation sees the error, the parent
// run keeps going.
func (t *childTracker) SpawnFailed(stepSeq uint64, stepID string, err error) *ChildFuture {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fut, ok := t.futures[stepSeq]; ok {
		return fut
	}

	fut := newChildFuture(stepSeq, stepID, "")
	fut.resolve(nil, err.Error())
	t.futures[stepSeq] = fut

	logger.Warn(context.Background(), "tracker registered failed spawn", "tracker.run_id", t.runID, "future.seq", stepSeq, "error", err)

	return fut
}

func (t *childTracker) OnChildStarted(stepSeq uint64, childRunID string) {
	t.mu.Lock()
	fut, ok := t.futures[stepSeq]
	t.mu.Unlock()

	if !ok {
		logger.Warn(context.Background(), "child started for unknown future", "tracker.run_id", t.runID, "future.seq", stepSeq, "future.child_run_id", childRunID)
		return
	}

	fut.markStarted(childRunID)
}

// OnChildCompleted resolves the future and unblocks any awaiting continuation.
// Completions arriving after the parent reached a terminal status are marked
// Cancelled and discarded without invoking anything.
func (t *childTracker) OnChildCompleted(stepSeq uint64, results [][]byte, errMsg string) {
	t.mu.Lock()
	fut, ok := t.futures[stepSeq]
	terminal := t.parentTerminal
	t.mu.Unlock()

	if !ok {
		logger.Warn(context.Background(), "child completion for unknown future", "tracker.run_id", t.runID, "future.seq", stepSeq)
		return
	}

	if terminal {
		logger.Debug(context.Background(), "discarding late child completion", "tracker.run_id", t.runID, "future.seq", stepSeq)
		fut.markCancelled()
		return
	}

	fut.resolve(results, errMsg)
}

// CancelOpen marks every Pending/Started future Cancelled without waiting for
// the remote child. Fire-and-forget: the child may still run to completion
// out-of-band, the parent's memory is released regardless.
func (t *childTracker) CancelOpen() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, fut := range t.futures {
		fut.markCancelled()
	}
}

func (t *childTracker) MarkParentTerminal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parentTerminal = true
}

// ReleaseAll drops every future regardless of resolution state and returns how
// many were still unresolved. This is the single authoritative release point,
// reached only through cache eviction.
func (t *childTracker) ReleaseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	abandoned := 0
	for seq, fut := range t.futures {
		if !fut.State().IsResolved() {
			fut.markCancelled()
			abandoned++
		}
		delete(t.futures, seq)
	}

	if abandoned > 0 {
		logger.Debug(context.Background(), "tracker abandoned unresolved futures", "tracker.run_id", t.runID, "tracker.abandoned", abandoned)
	}

	return abandoned
}

// OpenFutures counts unresolved futures.
func (t *childTracker) OpenFutures() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	open := 0
	for _, fut := range t.futures {
		if !fut.State().IsResolved() {
			open++
		}
	}
	return open
}

// LiveFutures counts every future still held, resolved or not.
func (t *childTracker) LiveFutures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.futures)
}
