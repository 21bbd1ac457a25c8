package config

type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	// Scheduler controls when each owner's planning run fires.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of dispatched fetch jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	Fetch    *FetchConfig    `json:"fetch,omitempty"`
	Planner  *PlannerConfig  `json:"planner,omitempty"`
	Quality  *QualityConfig  `json:"quality,omitempty"`
	HTTP     *HTTPConfig     `json:"http,omitempty"`

	Owners []OwnerConfig `json:"owners"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json" for stdout.
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Components sets per-component levels, e.g. {"dispatch": "debug"}.
	Components map[string]string `json:"components,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramConfig enables plan summaries and failure alerts.
// An empty token disables the notifier entirely.
type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`

	// NotifyFailures sends an alert when a fetch job fails permanently.
	NotifyFailures bool `json:"notify_failures,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crawlsched.db" }
type StorageConfig struct {
	Driver            string `json:"driver"`
	Path              string `json:"path"`
	BusyTimeout       string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	OutcomesPerTarget int    `json:"outcomes_per_target,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the job execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - breaker_threshold: 0 (disabled)
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`
}

type DispatchConfig struct {
	// PageSize caps the posts a single fetch job requests.
	PageSize int `json:"page_size,omitempty"`
}

// FetchConfig selects the fetch backend. Driver "dry_run" (default) only logs;
// "http" posts each request to Endpoint.
type FetchConfig struct {
	Driver   string `json:"driver,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Token    string `json:"token,omitempty"`
	Timeout  string `json:"timeout,omitempty"`

	// RatePerSec caps outgoing fetch requests (0 = unlimited).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type PlannerConfig struct {
	// Window is the budget accounting period (default "1h").
	Window          string  `json:"window,omitempty"`
	StalenessWeight float64 `json:"staleness_weight,omitempty"`
	MaxBoost        float64 `json:"max_boost,omitempty"`
	DefaultCooldown string  `json:"default_cooldown,omitempty"`
}

type QualityConfig struct {
	Window         int     `json:"window,omitempty"`
	MinSamples     int     `json:"min_samples,omitempty"`
	DegradedRatio  float64 `json:"degraded_ratio,omitempty"`
	UnstableRatio  float64 `json:"unstable_ratio,omitempty"`
	UnstableStreak int     `json:"unstable_streak,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"`
	// Pprof mounts net/http/pprof under /debug, behind the same token.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// OwnerConfig is one account owner: its schedule, posts budget and targets.
type OwnerConfig struct {
	ID          string `json:"id"`
	Schedule    string `json:"schedule"`
	PostsBudget int    `json:"posts_budget"`
	// ChatID receives plan summaries (Telegram chat id or @channel).
	ChatID  string         `json:"chat_id,omitempty"`
	Targets []TargetConfig `json:"targets"`
}

type TargetConfig struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	Query          string  `json:"query"`
	Enabled        *bool   `json:"enabled,omitempty"`
	MaxPostsPerRun int     `json:"max_posts_per_run"`
	BasePriority   float64 `json:"base_priority,omitempty"`
	Cooldown       string  `json:"cooldown,omitempty"`
}

// IsEnabled treats an omitted "enabled" as true.
func (t TargetConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }
