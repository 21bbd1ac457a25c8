package notifier

import "time"

// Config controls the async notification pipeline. Zero fields take the
// defaults in withDefaults.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow drops identical messages to the same chat; 0 disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int

	// NotifyFailures turns job.failed events into alerts.
	NotifyFailures bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// HistoryItem is one delivered or abandoned message.
type HistoryItem struct {
	At       time.Time `json:"at"`
	Chat     string    `json:"chat"`
	Text     string    `json:"text"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}
