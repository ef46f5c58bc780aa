package stickyexec

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStallBudgetTripsAsPotentialDeadlock(t *testing.T) {
	registry, sm, cache := newTestStateMachine(t, 50*time.Millisecond, 0)

	wf := func(ctx WorkflowContext) error {
		// no suspension point inside the budget
		time.Sleep(300 * time.Millisecond)
		return nil
	}
	handler, err := registry.RegisterWorkflow(wf)
	if err != nil {
		t.Fatal(err)
	}

	entry, _ := cache.GetOrCreate("run-1")
	_, err = sm.Apply(context.Background(), entry, []HistoryEvent{
		{Seq: 1, Kind: EventWorkflowStarted, HandlerName: handler.HandlerName},
	})
	if !errors.Is(err, ErrPotentialDeadlock) {
		t.Fatalf("expected ErrPotentialDeadlock, got %v", err)
	}

	// the run survives as retryable work, only the frame is condemned
	if entry.Execution().Status() != StatusRunning {
		t.Fatalf("expected Running after stall, got %s", entry.Execution().Status())
	}
	if !entry.frame.isPoisoned() {
		t.Fatal("expected the frame to be poisoned")
	}
	if !cache.Contains("run-1") {
		t.Fatal("expected the execution to stay cached")
	}
}

func TestPoisonedFrameIsReplacedOnNextTask(t *testing.T) {
	registry, sm, cache := newTestStateMachine(t, 50*time.Millisecond, 0)

	wf := func(ctx WorkflowContext) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	handler, err := registry.RegisterWorkflow(wf)
	if err != nil {
		t.Fatal(err)
	}

	entry, _ := cache.GetOrCreate("run-1")
	if _, err := sm.Apply(context.Background(), entry, []HistoryEvent{
		{Seq: 1, Kind: EventWorkflowStarted, HandlerName: handler.HandlerName},
	}); !errors.Is(err, ErrPotentialDeadlock) {
		t.Fatalf("expected ErrPotentialDeadlock, got %v", err)
	}

	poisoned := entry.frame

	_, err = sm.Apply(context.Background(), entry, nil)
	if !errors.Is(err, ErrPotentialDeadlock) {
		t.Fatalf("expected the replay to stall again, got %v", err)
	}
	if entry.frame == poisoned {
		t.Fatal("expected a fresh frame, not the poisoned one")
	}
}

func TestSpawnGuardTripsStallDetector(t *testing.T) {
	registry, sm, cache := newTestStateMachine(t, 100*time.Millisecond, 10)

	child := func(ctx WorkflowContext) error { return nil }
	wf := func(ctx WorkflowContext) error {
		for i := 0; i < 15; i++ {
			ctx.Workflow(fmt.Sprintf("c-%d", i), child, nil)
		}
		return nil
	}
	handler, err := registry.RegisterWorkflow(wf)
	if err != nil {
		t.Fatal(err)
	}

	entry, _ := cache.GetOrCreate("run-1")
	_, err = sm.Apply(context.Background(), entry, []HistoryEvent{
		{Seq: 1, Kind: EventWorkflowStarted, HandlerName: handler.HandlerName},
	})
	if !errors.Is(err, ErrPotentialDeadlock) {
		t.Fatalf("expected ErrPotentialDeadlock past the spawn guard, got %v", err)
	}
	if entry.Execution().Status() != StatusRunning {
		t.Fatalf("expected Running, got %s", entry.Execution().Status())
	}

	// eviction unwinds the parked goroutine
	if err := cache.Evict("run-1"); err != nil {
		t.Fatal(err)
	}
}

func TestSpawnGuardUnderThresholdCompletes(t *testing.T) {
	registry, sm, cache := newTestStateMachine(t, time.Second, 100)

	child := func(ctx WorkflowContext) error { return nil }
	wf := func(ctx WorkflowContext) error {
		for i := 0; i < 15; i++ {
			ctx.Workflow(fmt.Sprintf("c-%d", i), child, nil)
		}
		return nil
	}
	handler, err := registry.RegisterWorkflow(wf)
	if err != nil {
		t.Fatal(err)
	}

	entry, _ := cache.GetOrCreate("run-1")
	batch, err := sm.Apply(context.Background(), entry, []HistoryEvent{
		{Seq: 1, Kind: EventWorkflowStarted, HandlerName: handler.HandlerName},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(batch.Commands) != 16 {
		t.Fatalf("expected 15 spawns plus completion, got %d commands", len(batch.Commands))
	}
	if batch.Commands[15].Kind != CommandCompleteWorkflow {
		t.Fatalf("expected final CompleteWorkflow, got %s", batch.Commands[15].Kind)
	}
	if entry.Execution().Status() != StatusCompleted {
		t.Fatalf("expected Completed, got %s", entry.Execution().Status())
	}
}
