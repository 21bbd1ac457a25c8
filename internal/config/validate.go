package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crawlsched/internal/planner"
	logx "crawlsched/pkg/logx"
)

// DefaultPlannerWindow is the budget accounting period when planner.window is omitted.
const DefaultPlannerWindow = time.Hour

// Validate checks structural rules that the strict decoder cannot express.
// It does not parse schedules; the scheduler validates those on upsert.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := cfg.Logging.Level; strings.TrimSpace(lvl) != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	for comp, lvl := range cfg.Logging.Components {
		if !logx.ValidLevel(lvl) {
			errs = append(errs, fmt.Errorf("logging.components.%s: unknown level %q", comp, lvl))
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if te := cfg.TaskEngine; te != nil {
		for path, raw := range map[string]string{
			"task_engine.default_timeout":  te.DefaultTimeout,
			"task_engine.max_queue_delay":  te.MaxQueueDelay,
			"task_engine.breaker_cooldown": te.BreakerCooldown,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if d := cfg.Dispatch; d != nil && d.PageSize < 0 {
		errs = append(errs, errors.New("dispatch.page_size must be >= 0"))
	}
	if f := cfg.Fetch; f != nil {
		switch strings.ToLower(strings.TrimSpace(f.Driver)) {
		case "", "dry_run":
		case "http":
			if strings.TrimSpace(f.Endpoint) == "" {
				errs = append(errs, errors.New("fetch.endpoint is required for the http driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("fetch.driver: unknown driver %q", f.Driver))
		}
		if _, err := ParseDurationField("fetch.timeout", f.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := PlannerWindow(cfg); err != nil {
		errs = append(errs, err)
	}
	if p := cfg.Planner; p != nil {
		if _, err := ParseDurationField("planner.default_cooldown", p.DefaultCooldown); err != nil {
			errs = append(errs, err)
		}
	}
	if q := cfg.Quality; q != nil {
		if q.DegradedRatio < 0 || q.DegradedRatio > 1 || q.UnstableRatio < 0 || q.UnstableRatio > 1 {
			errs = append(errs, errors.New("quality ratios must be within [0,1]"))
		}
	}
	if t := cfg.Telegram; t != nil {
		if _, err := ParseDurationField("telegram.dedup_window", t.DedupWindow); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("telegram.poll_timeout", t.PollTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seenOwners := make(map[string]struct{}, len(cfg.Owners))
	for i, o := range cfg.Owners {
		path := fmt.Sprintf("owners[%d]", i)
		id := strings.TrimSpace(o.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", path))
			continue
		}
		if _, dup := seenOwners[id]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate owner id %q", path, id))
		}
		seenOwners[id] = struct{}{}
		if o.PostsBudget < 0 {
			errs = append(errs, fmt.Errorf("%s.posts_budget must be >= 0", path))
		}
		if _, err := OwnerTargets(o); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// PlannerWindow returns the configured accounting window or the default.
func PlannerWindow(cfg *Config) (time.Duration, error) {
	if cfg == nil || cfg.Planner == nil {
		return DefaultPlannerWindow, nil
	}
	return ParseDurationOrDefault("planner.window", cfg.Planner.Window, DefaultPlannerWindow)
}

// OwnerTargets converts an owner's target entries into planner targets.
// Runtime fields (hold, last run) are left zero; storage preserves them on upsert.
func OwnerTargets(o OwnerConfig) ([]planner.Target, error) {
	out := make([]planner.Target, 0, len(o.Targets))
	seen := make(map[string]struct{}, len(o.Targets))
	for i, tc := range o.Targets {
		path := fmt.Sprintf("targets[%d]", i)
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return nil, fmt.Errorf("%s.id is required", path)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%s: duplicate target id %q", path, id)
		}
		seen[id] = struct{}{}

		kind, err := planner.ParseTargetKind(tc.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s.kind: %w", path, err)
		}
		if tc.MaxPostsPerRun < 0 {
			return nil, fmt.Errorf("%s.max_posts_per_run must be >= 0", path)
		}
		cooldown, err := ParseDurationField(path+".cooldown", tc.Cooldown)
		if err != nil {
			return nil, err
		}
		out = append(out, planner.Target{
			ID:               id,
			Owner:            o.ID,
			Kind:             kind,
			Query:            tc.Query,
			Enabled:          tc.IsEnabled(),
			MaxPostsPerRun:   tc.MaxPostsPerRun,
			BasePriority:     tc.BasePriority,
			CooldownInterval: cooldown,
		})
	}
	return out, nil
}
