package scheduler

import (
	"context"
	"sync"
	"time"

	logx "crawlsched/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Trigger is the work fired by a schedule.
type Trigger func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	fn      Trigger

	entryID cron.EntryID
	spread  time.Duration

	running   bool
	runs      uint64
	skips     uint64
	lastRunAt time.Time
	lastDur   time.Duration
	lastErr   string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	log logx.Logger

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	defs map[string]*scheduleDef
}

type ScheduleInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Source    string        `json:"source"`
	Timeout   time.Duration `json:"timeout"`
	Spread    time.Duration `json:"spread,omitempty"`
	Next      time.Time     `json:"next,omitempty"`
	Prev      time.Time     `json:"prev,omitempty"`
	Running   bool          `json:"running"`
	Runs      uint64        `json:"runs"`
	Skips     uint64        `json:"skips"`
	LastRunAt time.Time     `json:"last_run_at,omitempty"`
	LastDur   time.Duration `json:"last_duration,omitempty"`
	LastErr   string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
