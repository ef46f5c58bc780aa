package stickyexec

import (
	"context"
	"testing"
)

func TestHistoryAppendAndEventsSince(t *testing.T) {
	store, err := NewMemoryHistoryStore()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	stored, err := store.AppendEvents(ctx, "run-1", []HistoryEvent{
		{Kind: EventWorkflowStarted, HandlerName: "wf"},
		{Kind: EventTimerStarted, StepSeq: 1},
		{Kind: EventTimerFired, StepSeq: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	for i, ev := range stored {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
		if ev.RunID != "run-1" {
			t.Fatalf("expected run-1, got %s", ev.RunID)
		}
		if ev.RecordedAt.IsZero() {
			t.Fatal("expected RecordedAt to be set")
		}
	}

	events, err := store.EventsSince(ctx, "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	events, err = store.EventsSince(ctx, "run-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != EventTimerFired {
		t.Fatalf("expected the TimerFired suffix, got %+v", events)
	}
}

func TestHistoryRunsAreIsolated(t *testing.T) {
	store, err := NewMemoryHistoryStore()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.AppendEvents(ctx, "run-a", []HistoryEvent{{Kind: EventWorkflowStarted}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendEvents(ctx, "run-b", []HistoryEvent{{Kind: EventWorkflowStarted}, {Kind: EventCancelRequested}}); err != nil {
		t.Fatal(err)
	}

	events, err := store.EventsSince(ctx, "run-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event for run-a, got %d", len(events))
	}

	events, err = store.EventsSince(ctx, "run-b", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for run-b, got %d", len(events))
	}
}

func TestHistoryPurgeRun(t *testing.T) {
	store, err := NewMemoryHistoryStore()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.AppendEvents(ctx, "run-1", []HistoryEvent{{Kind: EventWorkflowStarted}, {Kind: EventCancelRequested}}); err != nil {
		t.Fatal(err)
	}
	if err := store.PurgeRun(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}

	events, err := store.EventsSince(ctx, "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after purge, got %d", len(events))
	}

	// sequence numbering restarts with the run
	stored, err := store.AppendEvents(ctx, "run-1", []HistoryEvent{{Kind: EventWorkflowStarted}})
	if err != nil {
		t.Fatal(err)
	}
	if stored[0].Seq != 1 {
		t.Fatalf("expected seq 1 after purge, got %d", stored[0].Seq)
	}
}
