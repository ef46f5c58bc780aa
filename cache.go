package stickyexec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/sasha-s/go-deadlock"
)

// CacheEntry wraps a live execution, its coroutine frame and the bookkeeping
// the eviction policy needs. Entry fields are mutated either under the cache
// lock (pinning, recency, eviction of unpinned entries) or by the single task
// processor holding the pin, so they need no lock of their own.
type CacheEntry struct {
	execution     *WorkflowExecution
	frame         *coroutineFrame
	lastTouchedAt time.Time
	pinned        bool
}

func (e *CacheEntry) Execution() *WorkflowExecution {
	return e.execution
}

// ExecutionCache is the sticky cache: the keyed store of live executions. It
// amortizes replay cost across tasks for the same run, and eviction is the
// only mechanism that returns a run's memory to the process, so eviction
// reaching every owned object is the central correctness property here, not a
// performance nicety.
type ExecutionCache struct {
	mu deadlock.Mutex

	entries    map[string]*CacheEntry
	order      *simplelru.LRU
	maxEntries int
}

func NewExecutionCache(maxEntries int) *ExecutionCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxCacheEntries
	}

	// the LRU is a recency index only: capacity is enforced by our own scan so
	// a pinned entry can never be dropped by the library behind our back
	order, _ := simplelru.NewLRU(math.MaxInt32, nil)

	return &ExecutionCache{
		entries:    make(map[string]*CacheEntry),
		order:      order,
		maxEntries: maxEntries,
	}
}

// GetOrCreate returns the cached entry for the run, creating a fresh execution
// and no frame if absent. The second return reports whether it was created.
func (c *ExecutionCache) GetOrCreate(runID string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[runID]; ok {
		c.touchLocked(runID, entry)
		return entry, false
	}

	entry := &CacheEntry{
		execution: newWorkflowExecution(runID),
	}
	c.entries[runID] = entry
	c.touchLocked(runID, entry)

	logger.Debug(context.Background(), "cache created execution", "cache.run_id", runID, "cache.len", len(c.entries))

	c.enforceCapacityLocked()

	return entry, true
}

// Pin marks the entry as actively processed. A pinned entry cannot be evicted
// and cannot be pinned again: the pin is what serializes task processing per
// run while distinct runs proceed in parallel.
func (c *ExecutionCache) Pin(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[runID]
	if !ok {
		return errors.Join(ErrExecutionNotFound, fmt.Errorf("run %s", runID))
	}
	if entry.pinned {
		return errors.Join(ErrExecutionPinned, fmt.Errorf("run %s is already being processed", runID))
	}

	entry.pinned = true
	c.touchLocked(runID, entry)
	return nil
}

func (c *ExecutionCache) Unpin(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[runID]
	if !ok {
		return
	}

	entry.pinned = false
	c.touchLocked(runID, entry)
}

// Evict is the only legal path to destruction. It refuses pinned entries,
// releases the tracker's whole future set regardless of resolution state,
// drops the coroutine frame and removes the entry from the index, in that
// order. After it returns nothing reachable from the entry is retained.
func (c *ExecutionCache) Evict(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(runID)
}

func (c *ExecutionCache) evictLocked(runID string) error {
	entry, ok := c.entries[runID]
	if !ok {
		return errors.Join(ErrExecutionNotFound, fmt.Errorf("run %s", runID))
	}
	if entry.pinned {
		// evicting a pinned entry is a cache-invariant violation, halt this
		// run's teardown rather than corrupt the turn in flight
		return errors.Join(ErrExecutionPinned, fmt.Errorf("refusing to evict pinned run %s", runID))
	}

	abandoned := entry.execution.tracker.ReleaseAll()

	if entry.frame != nil {
		entry.frame.release()
		entry.frame = nil
	}

	delete(c.entries, runID)
	c.order.Remove(runID)

	logger.Debug(context.Background(), "cache evicted execution", "cache.run_id", runID, "cache.abandoned_futures", abandoned, "cache.len", len(c.entries))

	return nil
}

// enforceCapacityLocked evicts least-recently-touched unpinned entries until
// the configured maximum holds. Never surfaced as an error: if every entry is
// pinned the cache overflows with a warning and retries on the next insert.
func (c *ExecutionCache) enforceCapacityLocked() {
	for len(c.entries) > c.maxEntries {
		victim := ""
		for _, key := range c.order.Keys() { // oldest first
			runID := key.(string)
			if entry, ok := c.entries[runID]; ok && !entry.pinned {
				victim = runID
				break
			}
		}

		if victim == "" {
			logger.Warn(context.Background(), "cache capacity exceeded but every entry is pinned", "cache.len", len(c.entries), "cache.max_entries", c.maxEntries)
			return
		}

		logger.Info(context.Background(), "cache capacity exceeded, evicting least recently used", "cache.run_id", victim, "cache.max_entries", c.maxEntries)

		if err := c.evictLocked(victim); err != nil {
			logger.Error(context.Background(), "failed to evict under capacity pressure", "cache.run_id", victim, "error", err)
			return
		}
	}
}

func (c *ExecutionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ExecutionCache) Contains(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[runID]
	return ok
}

// Purge evicts everything evictable, for worker shutdown. Pinned entries are
// left behind with a warning; with the task pool drained there should be none.
func (c *ExecutionCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for runID, entry := range c.entries {
		if entry.pinned {
			logger.Warn(context.Background(), "purge skipping pinned entry", "cache.run_id", runID)
			continue
		}
		if err := c.evictLocked(runID); err == nil {
			evicted++
		}
	}
	return evicted
}

func (c *ExecutionCache) touchLocked(runID string, entry *CacheEntry) {
	entry.lastTouchedAt = time.Now()
	c.order.Add(runID, entry)
}
