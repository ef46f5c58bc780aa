// Package stickyexec is the execution core of a durable workflow worker: an
// in-memory, resumable state machine per running workflow execution (a
// "sticky" execution), replayed from an ordered event history, driven by a
// cooperative scheduler with a hard stall budget, and owned by a cache whose
// eviction is the single point where a run's memory is returned to the
// process.
//
// The worker never persists anything itself: the history store is the only
// durable state, and every cached execution must be reconstructible from it by
// replay.
package stickyexec

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
)

// DefaultStallBudget is the wall-clock time a scheduler turn may run without
// reaching a suspension point before it is declared a potential deadlock.
const DefaultStallBudget = 2 * time.Second

var logger Logger = NewDefaultLogger(slog.LevelInfo, TextFormat)

// SetLogger replaces the package logger. Call before starting any worker.
func SetLogger(l Logger) {
	logger = l
}

func init() {
	maxprocs.Set()
	deadlock.Opts.DeadlockTimeout = DefaultStallBudget * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, true)
		logger.Error(context.Background(), "POTENTIAL DEADLOCK DETECTED!", "stack", string(buf[:n]))
	}
}
