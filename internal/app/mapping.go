package app

import (
	"fmt"
	"strings"
	"time"

	"crawlsched/internal/config"
	"crawlsched/internal/dispatch"
	"crawlsched/internal/fetch"
	"crawlsched/internal/httpapi"
	"crawlsched/internal/notifier"
	"crawlsched/internal/orchestrator"
	"crawlsched/internal/priority"
	"crawlsched/internal/quality"
	"crawlsched/internal/storage"
	"crawlsched/internal/task/engine"
	"crawlsched/internal/task/scheduler"
	kit "crawlsched/internal/transport"
	"crawlsched/internal/transport/telegram"
	logx "crawlsched/pkg/logx"
)

const defaultScheduleTimeout = 5 * time.Minute

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Console:    cfg.Logging.Console,
		Components: cfg.Logging.Components,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig defaults to the file driver next to the working directory.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: "./crawlsched.json"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./crawlsched.json"
		}
		return storage.Config{Driver: "file", Path: path, OutcomesPerTarget: sc.OutcomesPerTarget}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, OutcomesPerTarget: sc.OutcomesPerTarget}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil || cfg.TaskEngine == nil {
		return engine.Config{}, nil
	}
	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	if te.BreakerThreshold < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.breaker_threshold must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	cooldown, err := config.ParseDurationField("task_engine.breaker_cooldown", te.BreakerCooldown)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:          te.Workers,
		QueueSize:        te.QueueSize,
		DefaultTimeout:   defTimeout,
		MaxQueueDelay:    maxQueueDelay,
		HistorySize:      te.HistorySize,
		RetryMax:         te.RetryMax,
		BreakerThreshold: te.BreakerThreshold,
		BreakerCooldown:  cooldown,
	}, nil
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	if cfg == nil || cfg.Fetch == nil {
		return fetch.Config{Driver: "dry_run"}, nil
	}
	f := cfg.Fetch
	timeout, err := config.ParseDurationOrDefault("fetch.timeout", f.Timeout, 30*time.Second)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Driver:     f.Driver,
		Endpoint:   strings.TrimSpace(f.Endpoint),
		Token:      f.Token,
		Timeout:    timeout,
		RatePerSec: f.RatePerSec,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	if cfg == nil || cfg.Dispatch == nil {
		return dispatch.Config{}
	}
	return dispatch.Config{PageSize: cfg.Dispatch.PageSize}
}

func mapQualityConfig(cfg *config.Config) quality.Config {
	if cfg == nil || cfg.Quality == nil {
		return quality.Config{}
	}
	q := cfg.Quality
	return quality.Config{
		Window:         q.Window,
		MinSamples:     q.MinSamples,
		DegradedRatio:  q.DegradedRatio,
		UnstableRatio:  q.UnstableRatio,
		UnstableStreak: q.UnstableStreak,
	}
}

// mapRunnerConfig builds the accounting window and a fresh priority adapter.
func mapRunnerConfig(cfg *config.Config) (orchestrator.Config, error) {
	window, err := config.PlannerWindow(cfg)
	if err != nil {
		return orchestrator.Config{}, err
	}
	var pc priority.Config
	if p := cfg.Planner; p != nil {
		cooldown, err := config.ParseDurationField("planner.default_cooldown", p.DefaultCooldown)
		if err != nil {
			return orchestrator.Config{}, err
		}
		pc = priority.Config{
			StalenessWeight: p.StalenessWeight,
			MaxBoost:        p.MaxBoost,
			DefaultCooldown: cooldown,
		}
	}
	return orchestrator.Config{Window: window, Priority: priority.New(pc)}, nil
}

func mapOwners(cfg *config.Config) ([]orchestrator.Owner, error) {
	out := make([]orchestrator.Owner, 0, len(cfg.Owners))
	for _, o := range cfg.Owners {
		targets, err := config.OwnerTargets(o)
		if err != nil {
			return nil, fmt.Errorf("owner %s: %w", o.ID, err)
		}
		out = append(out, orchestrator.Owner{
			ID:      strings.TrimSpace(o.ID),
			Budget:  o.PostsBudget,
			ChatID:  strings.TrimSpace(o.ChatID),
			Targets: targets,
		})
	}
	return out, nil
}

// ownerChats maps owners to their notification chat and lists the chats
// allowed to send commands.
func ownerChats(cfg *config.Config) (map[string]kit.ChatTarget, []string) {
	chats := make(map[string]kit.ChatTarget, len(cfg.Owners))
	var allowed []string
	for _, o := range cfg.Owners {
		chat := strings.TrimSpace(o.ChatID)
		if chat == "" {
			continue
		}
		chats[strings.TrimSpace(o.ID)] = kit.ChatTarget{Chat: chat}
		allowed = append(allowed, chat)
	}
	return chats, allowed
}

func telegramEnabled(cfg *config.Config) bool {
	return cfg != nil && cfg.Telegram != nil && strings.TrimSpace(cfg.Telegram.Token) != ""
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	if !telegramEnabled(cfg) {
		return telegram.Config{}, nil
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if !telegramEnabled(cfg) {
		return notifier.Config{}, nil
	}
	t := cfg.Telegram
	if t.Workers < 0 || t.QueueSize < 0 || t.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("telegram: workers, queue_size and rate_per_sec must be >= 0")
	}
	dedup, err := config.ParseDurationOrDefault("telegram.dedup_window", t.DedupWindow, 30*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:        true,
		Workers:        t.Workers,
		QueueSize:      t.QueueSize,
		RatePerSec:     t.RatePerSec,
		RetryMax:       3,
		DedupWindow:    dedup,
		NotifyFailures: t.NotifyFailures,
	}, nil
}

// mapHTTPConfig returns the listener config and the router settings.
func mapHTTPConfig(cfg *config.Config) (httpapi.Config, httpapi.Deps, error) {
	if cfg == nil || cfg.HTTP == nil {
		return httpapi.Config{}, httpapi.Deps{}, nil
	}
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, httpapi.Deps{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, httpapi.Deps{}, err
	}
	return httpapi.Config{
		Enabled:      h.Enabled,
		Addr:         strings.TrimSpace(h.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
	}, httpapi.Deps{Token: strings.TrimSpace(h.Token), Pprof: h.Pprof}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// validateConfig runs every mapping so a bad hot reload is rejected before commit.
func validateConfig(cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, o := range cfg.Owners {
		if strings.TrimSpace(o.Schedule) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(o.Schedule); err != nil {
			return fmt.Errorf("owners[%s].schedule: %w", o.ID, err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOwners(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
