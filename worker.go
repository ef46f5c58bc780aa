package stickyexec

import (
	"context"
	"errors"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// WorkflowTask is one unit of work delivered to the worker: new history events
// for a run, plus the token to acknowledge processing with.
type WorkflowTask struct {
	RunID     string
	TaskToken string
	Events    []HistoryEvent
}

// TaskSource is the worker's inbound side. FetchWorkflowTask blocks until a
// task is available, the context is done, or the source closes (in which case
// it returns ErrTaskSourceClosed).
type TaskSource interface {
	FetchWorkflowTask(ctx context.Context) (*WorkflowTask, error)
	CompleteTask(ctx context.Context, taskToken string, batch *CommandBatch) error
	FailTask(ctx context.Context, taskToken string, taskErr error) error
}

// HistoryStore serves a run's recorded events for rehydration after a cache
// miss or eviction. EventsSince returns every event with Seq greater than
// afterSeq, in order.
type HistoryStore interface {
	EventsSince(ctx context.Context, runID string, afterSeq uint64) ([]HistoryEvent, error)
}

// Worker owns the execution cache and the task pool, and wires the fetch loop
// to the replay state machine. One Worker per process is the expected shape;
// parallelism comes from the pool's worker count.
type Worker struct {
	cfg      *config
	registry *Registry
	source   TaskSource
	history  HistoryStore

	cache *ExecutionCache
	sm    *StateMachine

	pool *retrypool.Pool[*WorkflowTask]
}

func NewWorker(source TaskSource, history HistoryStore, registry *Registry, opts ...Option) *Worker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger != nil {
		SetLogger(cfg.logger)
	}

	sched := NewScheduler(cfg.stallBudget, cfg.maxSpawnsPerTurn)

	return &Worker{
		cfg:      cfg,
		registry: registry,
		source:   source,
		history:  history,
		cache:    NewExecutionCache(cfg.maxCacheEntries),
		sm:       NewStateMachine(registry, sched),
	}
}

// Cache exposes the execution cache for introspection; tests and operators use
// it to observe retained memory.
func (w *Worker) Cache() *ExecutionCache {
	return w.cache
}

func (w *Worker) createTaskPool(ctx context.Context) *retrypool.Pool[*WorkflowTask] {
	workers := []retrypool.Worker[*WorkflowTask]{}
	for i := 0; i < w.cfg.workflowWorkers; i++ {
		workers = append(workers, workflowTaskWorker{w: w})
	}

	return retrypool.New(
		ctx,
		workers,
		// redelivery is the source's job, not the pool's
		retrypool.WithAttempts[*WorkflowTask](1),
		retrypool.WithOnNewDeadTask[*WorkflowTask](
			func(task *retrypool.DeadTask[*WorkflowTask], idx int) {
				logger.Warn(context.Background(), "workflow task failed, leaving redelivery to the source", "worker.run_id", task.Data.RunID, "worker.errors", errors.Join(task.Errors...))
				if _, err := w.pool.PullDeadTask(idx); err != nil {
					logger.Error(context.Background(), "failed to pull dead task", "worker.run_id", task.Data.RunID, "error", err)
				}
			}),
	)
}

// Run fetches tasks and dispatches them to the pool until ctx is done or the
// source closes, then drains the pool and purges the cache.
func (w *Worker) Run(ctx context.Context) error {
	w.pool = w.createTaskPool(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() {
			w.drain(ctx)
			purged := w.cache.Purge()
			logger.Info(context.Background(), "worker stopped", "worker.purged_entries", purged)
		}()

		for {
			task, err := w.fetch(gctx)
			if err != nil {
				if errors.Is(err, ErrTaskSourceClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}

			if err := w.pool.Submit(task); err != nil {
				logger.Error(gctx, "failed to submit workflow task", "worker.run_id", task.RunID, "error", err)
			}
		}
	})

	return g.Wait()
}

func (w *Worker) fetch(ctx context.Context) (*WorkflowTask, error) {
	var task *WorkflowTask
	backoff := retry.WithMaxRetries(w.cfg.fetchRetries, retry.NewConstant(w.cfg.fetchBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := w.source.FetchWorkflowTask(ctx)
		if err != nil {
			if errors.Is(err, ErrTaskSourceClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return retry.RetryableError(err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (w *Worker) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.pool.WaitWithCallback(drainCtx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 50*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn(context.Background(), "task pool drain interrupted", "error", err)
	}
	if err := w.pool.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn(context.Background(), "task pool close reported", "error", err)
	}
}

// ProcessTask runs the full sticky path for one task: pin, rehydrate if the
// cached cursor lags the delivered events, apply, and release. The returned
// batch is what the caller acknowledges with; a nil batch with an error means
// the task must be failed back to the source.
func (w *Worker) ProcessTask(ctx context.Context, runID string, events []HistoryEvent) (*CommandBatch, error) {
	entry, created := w.cache.GetOrCreate(runID)

	if err := w.cache.Pin(runID); err != nil {
		// pinned by a concurrent task for the same run: retryable
		return nil, err
	}

	batch, err := w.applyPinned(ctx, entry, runID, events, created)

	terminal := entry.Execution().Status().IsTerminal()
	fatal := err != nil && !errors.Is(err, ErrPotentialDeadlock)

	if terminal || fatal {
		if evictErr := w.cache.Evict(runID); evictErr != nil {
			logger.Error(ctx, "failed to evict execution", "worker.run_id", runID, "error", evictErr)
		}
	}

	return batch, err
}

// applyPinned holds the pin for the whole apply. The unpin is deferred so even
// a panic on this path cannot strand the entry pinned and unevictable.
func (w *Worker) applyPinned(ctx context.Context, entry *CacheEntry, runID string, events []HistoryEvent, created bool) (*CommandBatch, error) {
	defer w.cache.Unpin(runID)

	exec := entry.Execution()
	if created {
		logger.Debug(ctx, "cache miss, execution will rehydrate from history", "worker.run_id", runID)
	}

	// a cache miss (or an eviction between tasks) leaves the cursor behind the
	// delivered events; fetch the full suffix and replay it
	if len(events) > 0 && events[0].Seq > exec.HistoryCursor()+1 {
		full, err := w.history.EventsSince(ctx, runID, exec.HistoryCursor())
		if err != nil {
			return nil, err
		}
		events = full
	}

	return w.sm.Apply(ctx, entry, events)
}

type workflowTaskWorker struct {
	w *Worker
}

func (tw workflowTaskWorker) OnStart(ctx context.Context) {}

func (tw workflowTaskWorker) Run(ctx context.Context, task *WorkflowTask) error {
	batch, err := tw.w.ProcessTask(ctx, task.RunID, task.Events)
	if err != nil {
		if failErr := tw.w.source.FailTask(ctx, task.TaskToken, err); failErr != nil {
			logger.Error(ctx, "failed to fail workflow task", "worker.run_id", task.RunID, "error", failErr)
		}
		return err
	}

	if err := tw.w.source.CompleteTask(ctx, task.TaskToken, batch); err != nil {
		logger.Error(ctx, "failed to complete workflow task", "worker.run_id", task.RunID, "error", err)
		return err
	}

	return nil
}
