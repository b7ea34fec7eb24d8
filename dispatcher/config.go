package dispatcher

import (
	"time"

	"github.com/adtechlabs/libtasks/worker"
)

// Config controls pool shape and per-worker tunables. Loading it from a
// file or environment is explicitly out of scope (spec.md §1) - callers
// build one in-process and call InitDefaults.
type Config struct {
	// NumWorkers is the fixed size of the leader/followers pool. spec.md's
	// degenerate single-worker case (S6) is NumWorkers == 1.
	NumWorkers int
	// PollBudget and FollowerWaitTimeout are forwarded to worker.Config.
	PollBudget          time.Duration
	FollowerWaitTimeout time.Duration
	// ShutdownGrace bounds how long Shutdown waits for every worker
	// goroutine to return before giving up and returning a timeout error.
	ShutdownGrace time.Duration
}

// InitDefaults fills in zero fields with workable defaults.
func (c *Config) InitDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.PollBudget <= 0 {
		c.PollBudget = 200 * time.Millisecond
	}
	if c.FollowerWaitTimeout <= 0 {
		c.FollowerWaitTimeout = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

func (c Config) workerConfig() worker.Config {
	return worker.Config{
		PollBudget:          c.PollBudget,
		FollowerWaitTimeout: c.FollowerWaitTimeout,
	}
}
