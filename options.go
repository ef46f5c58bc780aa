package stickyexec

import "time"

const (
	DefaultMaxCacheEntries  = 1024
	DefaultWorkflowWorkers  = 5
	DefaultMaxSpawnsPerTurn = 10_000
	DefaultFetchBackoff     = 100 * time.Millisecond
	DefaultFetchRetries     = 5
)

type config struct {
	logger           Logger
	maxCacheEntries  int
	stallBudget      time.Duration
	maxSpawnsPerTurn int
	workflowWorkers  int
	fetchBackoff     time.Duration
	fetchRetries     uint64
}

func defaultConfig() *config {
	return &config{
		maxCacheEntries:  DefaultMaxCacheEntries,
		stallBudget:      DefaultStallBudget,
		maxSpawnsPerTurn: DefaultMaxSpawnsPerTurn,
		workflowWorkers:  DefaultWorkflowWorkers,
		fetchBackoff:     DefaultFetchBackoff,
		fetchRetries:     DefaultFetchRetries,
	}
}

type Option func(*config)

func WithLogger(l Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMaxCacheEntries bounds the number of live cached executions. Under
// pressure the least-recently-touched unpinned entry is evicted and its run
// pays a replay on the next task.
func WithMaxCacheEntries(n int) Option {
	return func(c *config) {
		c.maxCacheEntries = n
	}
}

// WithStallBudget sets the wall-clock deadline one scheduler turn may run
// without reaching a suspension point.
func WithStallBudget(d time.Duration) Option {
	return func(c *config) {
		c.stallBudget = d
	}
}

// WithMaxSpawnsPerTurn caps synchronous child fan-out within a single turn;
// past the cap the turn is reported as a potential deadlock. Zero disables the
// guard.
func WithMaxSpawnsPerTurn(n int) Option {
	return func(c *config) {
		c.maxSpawnsPerTurn = n
	}
}

// If you intend to have deep sub-workflow trees you should increase this
// number accordingly.
func WithWorkflowWorkers(n int) Option {
	return func(c *config) {
		c.workflowWorkers = n
	}
}

func WithFetchBackoff(d time.Duration) Option {
	return func(c *config) {
		c.fetchBackoff = d
	}
}

func WithFetchRetries(n uint64) Option {
	return func(c *config) {
		c.fetchRetries = n
	}
}
