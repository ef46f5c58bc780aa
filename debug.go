package stickyexec

import (
	"io"
	"sort"

	"github.com/k0kubun/pp/v3"
)

// CacheStats is a point-in-time snapshot of what the cache retains. Leak
// hunting starts here: after a burst of runs resolves, Entries should fall
// back to the steady-state working set and every run's LiveFutures to zero.
type CacheStats struct {
	Entries int
	Pinned  int
	Runs    []RunStats
}

type RunStats struct {
	RunID  string
	Status Status
	Cursor uint64
	Pinned bool
	// HasFrame is always false for pinned entries; the frame is not inspected
	// while a task owns it.
	HasFrame    bool
	LiveFutures int
	OpenFutures int
}

func (c *ExecutionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Entries: len(c.entries)}
	for runID, entry := range c.entries {
		if entry.pinned {
			stats.Pinned++
		}

		// the frame pointer belongs to the pin holder while the entry is
		// pinned; only inspect it for unpinned entries
		hasFrame := false
		if !entry.pinned {
			hasFrame = entry.frame != nil
		}

		tracker := entry.execution.Tracker()
		stats.Runs = append(stats.Runs, RunStats{
			RunID:       runID,
			Status:      entry.execution.Status(),
			Cursor:      entry.execution.HistoryCursor(),
			Pinned:      entry.pinned,
			HasFrame:    hasFrame,
			LiveFutures: tracker.LiveFutures(),
			OpenFutures: tracker.OpenFutures(),
		})
	}

	sort.Slice(stats.Runs, func(i, j int) bool {
		return stats.Runs[i].RunID < stats.Runs[j].RunID
	})

	return stats
}

// DumpState pretty-prints the snapshot, for interactive debugging.
func (c *ExecutionCache) DumpState(w io.Writer) {
	printer := pp.New()
	printer.SetOutput(w)
	printer.SetColoringEnabled(false)
	printer.Println(c.Stats())
}
