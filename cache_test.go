package stickyexec

import (
	"errors"
	"testing"
)

func TestCacheGetOrCreateEvict(t *testing.T) {
	cache := NewExecutionCache(10)

	entry, created := cache.GetOrCreate("run-1")
	if !created {
		t.Fatal("expected entry to be created")
	}
	if entry.Execution().RunID() != "run-1" {
		t.Fatalf("expected run-1, got %s", entry.Execution().RunID())
	}

	again, created := cache.GetOrCreate("run-1")
	if created {
		t.Fatal("expected cache hit")
	}
	if again != entry {
		t.Fatal("expected the same entry on hit")
	}

	if err := cache.Evict("run-1"); err != nil {
		t.Fatal(err)
	}
	if cache.Contains("run-1") {
		t.Fatal("expected run-1 to be gone")
	}

	if err := cache.Evict("run-1"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestCacheEvictRefusesPinned(t *testing.T) {
	cache := NewExecutionCache(10)
	cache.GetOrCreate("run-1")

	if err := cache.Pin("run-1"); err != nil {
		t.Fatal(err)
	}

	if err := cache.Evict("run-1"); !errors.Is(err, ErrExecutionPinned) {
		t.Fatalf("expected ErrExecutionPinned, got %v", err)
	}
	if !cache.Contains("run-1") {
		t.Fatal("pinned entry must survive eviction attempts")
	}

	cache.Unpin("run-1")
	if err := cache.Evict("run-1"); err != nil {
		t.Fatal(err)
	}
}

func TestCachePinIsExclusive(t *testing.T) {
	cache := NewExecutionCache(10)
	cache.GetOrCreate("run-1")

	if err := cache.Pin("run-1"); err != nil {
		t.Fatal(err)
	}
	if err := cache.Pin("run-1"); !errors.Is(err, ErrExecutionPinned) {
		t.Fatalf("expected ErrExecutionPinned on double pin, got %v", err)
	}

	cache.Unpin("run-1")
	if err := cache.Pin("run-1"); err != nil {
		t.Fatal(err)
	}
}

func TestCachePinMissing(t *testing.T) {
	cache := NewExecutionCache(10)
	if err := cache.Pin("nope"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestCacheCapacityEvictsOldestUnpinned(t *testing.T) {
	cache := NewExecutionCache(2)

	cache.GetOrCreate("run-a")
	cache.GetOrCreate("run-b")
	if err := cache.Pin("run-a"); err != nil {
		t.Fatal(err)
	}

	// run-a is older but pinned, run-b must be the victim
	cache.GetOrCreate("run-c")

	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}
	if !cache.Contains("run-a") {
		t.Fatal("pinned run-a must never be evicted under pressure")
	}
	if cache.Contains("run-b") {
		t.Fatal("expected run-b evicted as least recently used")
	}
	if !cache.Contains("run-c") {
		t.Fatal("expected run-c cached")
	}
}

func TestCacheCapacityAllPinnedOverflows(t *testing.T) {
	cache := NewExecutionCache(1)

	cache.GetOrCreate("run-a")
	if err := cache.Pin("run-a"); err != nil {
		t.Fatal(err)
	}

	// over capacity but nothing evictable: never an error, never a pinned victim
	cache.GetOrCreate("run-b")

	if cache.Len() != 2 {
		t.Fatalf("expected overflow to 2 entries, got %d", cache.Len())
	}
	if !cache.Contains("run-a") || !cache.Contains("run-b") {
		t.Fatal("both entries must survive")
	}
}

func TestCacheEvictionReleasesFutures(t *testing.T) {
	cache := NewExecutionCache(10)

	entry, _ := cache.GetOrCreate("run-1")
	tracker := entry.Execution().Tracker()

	fut1, _ := tracker.Spawn(1, "child-1", "handler")
	tracker.Spawn(2, "child-2", "handler")
	tracker.OnChildCompleted(2, nil, "")

	if tracker.LiveFutures() != 2 {
		t.Fatalf("expected 2 live futures, got %d", tracker.LiveFutures())
	}

	if err := cache.Evict("run-1"); err != nil {
		t.Fatal(err)
	}

	if tracker.LiveFutures() != 0 {
		t.Fatalf("eviction must release every future, %d remain", tracker.LiveFutures())
	}
	if fut1.State() != ChildCancelled {
		t.Fatalf("unresolved future must be cancelled on release, got %s", fut1.State())
	}
}

func TestCacheStatsSkipsPinnedFrames(t *testing.T) {
	cache := NewExecutionCache(10)
	entry, _ := cache.GetOrCreate("run-1")
	entry.frame = newCoroutineFrame(entry.Execution(), HandlerInfo{}, NewRegistry(), 0)

	stats := cache.Stats()
	if !stats.Runs[0].HasFrame {
		t.Fatal("expected HasFrame for an unpinned entry holding a frame")
	}

	if err := cache.Pin("run-1"); err != nil {
		t.Fatal(err)
	}

	// while pinned the frame belongs to the task processor and may be swapped
	// concurrently; Stats must not look at it
	stats = cache.Stats()
	if stats.Runs[0].HasFrame {
		t.Fatal("frame of a pinned entry must not be inspected")
	}

	cache.Unpin("run-1")
	if err := cache.Evict("run-1"); err != nil {
		t.Fatal(err)
	}
}

func TestCacheStats(t *testing.T) {
	cache := NewExecutionCache(10)
	cache.GetOrCreate("run-1")
	cache.GetOrCreate("run-2")
	if err := cache.Pin("run-2"); err != nil {
		t.Fatal(err)
	}

	stats := cache.Stats()
	if stats.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", stats.Entries)
	}
	if stats.Pinned != 1 {
		t.Fatalf("expected 1 pinned, got %d", stats.Pinned)
	}
	if len(stats.Runs) != 2 {
		t.Fatalf("expected 2 run stats, got %d", len(stats.Runs))
	}
}
