// Package engine executes fetch jobs on a bounded queue and worker pool with
// retries, per-key circuit breaking and a bounded execution history.
package engine

import (
	"context"
	"time"

	"crawlsched/internal/runtime/supervisor"
)

// Config controls the job engine. Zero fields take defaults in New.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies per attempt when Job.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops jobs that waited longer than this in the queue. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int

	// RetryMax is the number of retries after the first attempt.
	// 0 means the default (3); negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// BreakerThreshold opens a key's circuit after this many consecutive
	// failed jobs. 0 disables the breaker.
	BreakerThreshold int
	// BreakerCooldown is the first open period; it doubles per further failure
	// up to BreakerMaxCooldown.
	BreakerCooldown    time.Duration
	BreakerMaxCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	switch {
	case c.RetryMax == 0:
		c.RetryMax = 3
	case c.RetryMax < 0:
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.BreakerMaxCooldown < c.BreakerCooldown {
		c.BreakerMaxCooldown = max(10*time.Minute, c.BreakerCooldown)
	}
	return c
}

// Job is one unit of work.
//
// Done, when set, is called exactly once for every job Enqueue accepted:
// after the final attempt, when the job is dropped as stale, or when the
// engine stops before running it. It is not called when Enqueue fails.
type Job struct {
	ID   string
	Name string
	// Key groups jobs for circuit breaking (e.g. owner/target). Defaults to Name.
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Done    func(Result)
}

func (j Job) breakerKey() string {
	if j.Key != "" {
		return j.Key
	}
	return j.Name
}

// Result is the final outcome of an accepted job.
type Result struct {
	ID       string
	Key      string
	Attempts int
	Duration time.Duration
	Err      error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is the payload of job.* events on the bus.
type JobEvent = HistoryItem

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Skipped          uint64 `json:"skipped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	Supervisor supervisor.Snapshot `json:"supervisor"`
	History    []HistoryItem       `json:"history"`
}
