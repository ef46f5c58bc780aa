package stickyexec

import "testing"

func TestTrackerSpawnIsReplayIdempotent(t *testing.T) {
	tracker := newChildTracker("run-1")

	fut, replayed := tracker.Spawn(1, "step-1", "handler")
	if replayed {
		t.Fatal("first spawn must not report replay")
	}

	again, replayed := tracker.Spawn(1, "step-1", "handler")
	if !replayed {
		t.Fatal("second spawn with the same seq must report replay")
	}
	if again != fut {
		t.Fatal("replayed spawn must return the tracked future")
	}
	if tracker.LiveFutures() != 1 {
		t.Fatalf("expected a single tracked future, got %d", tracker.LiveFutures())
	}
}

func TestTrackerResolution(t *testing.T) {
	tracker := newChildTracker("run-1")

	fut, _ := tracker.Spawn(1, "step-1", "handler")
	tracker.OnChildStarted(1, "child-run")

	if fut.State() != ChildStarted {
		t.Fatalf("expected Started, got %s", fut.State())
	}
	if fut.ChildRunID() != "child-run" {
		t.Fatalf("expected child-run, got %s", fut.ChildRunID())
	}

	tracker.OnChildCompleted(1, [][]byte{{0x01}}, "")
	if fut.State() != ChildResolvedOk {
		t.Fatalf("expected ResolvedOk, got %s", fut.State())
	}

	// resolution is final
	tracker.OnChildCompleted(1, nil, "boom")
	if fut.State() != ChildResolvedOk {
		t.Fatalf("resolved future must not change state, got %s", fut.State())
	}
}

func TestTrackerLateCompletionAfterTerminal(t *testing.T) {
	tracker := newChildTracker("run-1")

	fut, _ := tracker.Spawn(1, "step-1", "handler")
	tracker.MarkParentTerminal()

	tracker.OnChildCompleted(1, [][]byte{{0x01}}, "")

	if fut.State() != ChildCancelled {
		t.Fatalf("late completion after parent terminal must cancel, got %s", fut.State())
	}
}

func TestTrackerSpawnFailed(t *testing.T) {
	tracker := newChildTracker("run-1")

	fut := tracker.SpawnFailed(1, "step-1", ErrChildSpawn)
	if fut.State() != ChildResolvedError {
		t.Fatalf("expected ResolvedError, got %s", fut.State())
	}
	if tracker.OpenFutures() != 0 {
		t.Fatalf("failed spawn must not count as open, got %d", tracker.OpenFutures())
	}
}

func TestTrackerReleaseAll(t *testing.T) {
	tracker := newChildTracker("run-1")

	tracker.Spawn(1, "a", "handler")
	tracker.Spawn(2, "b", "handler")
	tracker.OnChildCompleted(2, nil, "")

	abandoned := tracker.ReleaseAll()
	if abandoned != 1 {
		t.Fatalf("expected 1 abandoned future, got %d", abandoned)
	}
	if tracker.LiveFutures() != 0 {
		t.Fatalf("expected no futures after release, got %d", tracker.LiveFutures())
	}
}
