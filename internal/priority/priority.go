// Package priority computes effective target priority and recurring cooldown.
package priority

import (
	"time"

	"crawlsched/internal/planner"
)

// Config controls the staleness boost and the default cooldown.
//
// Defaults (when zero):
//   - staleness_weight: 0.5 per hour since the last run
//   - max_boost: 12
//   - default_cooldown: 0 (only targets with their own interval cool down)
type Config struct {
	StalenessWeight float64
	MaxBoost        float64
	DefaultCooldown time.Duration
}

// Adapter implements planner.PriorityAdapter.
type Adapter struct {
	cfg Config
}

var _ planner.PriorityAdapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.StalenessWeight <= 0 {
		cfg.StalenessWeight = 0.5
	}
	if cfg.MaxBoost <= 0 {
		cfg.MaxBoost = 12
	}
	if cfg.DefaultCooldown < 0 {
		cfg.DefaultCooldown = 0
	}
	return &Adapter{cfg: cfg}
}

// Priority is BasePriority plus a boost that grows with time since the last
// run, capped at MaxBoost. Targets that never ran get the full boost.
func (a *Adapter) Priority(t planner.Target, now time.Time) float64 {
	return t.BasePriority + a.boost(t, now)
}

func (a *Adapter) boost(t planner.Target, now time.Time) float64 {
	if t.LastRunAt.IsZero() {
		return a.cfg.MaxBoost
	}
	idle := now.Sub(t.LastRunAt)
	if idle <= 0 {
		return 0
	}
	b := idle.Hours() * a.cfg.StalenessWeight
	if b > a.cfg.MaxBoost {
		b = a.cfg.MaxBoost
	}
	return b
}

// OnCooldown reports whether the target ran less than its interval ago.
func (a *Adapter) OnCooldown(t planner.Target, now time.Time) bool {
	until, ok := a.CooldownUntil(t)
	return ok && until.After(now)
}

// CooldownUntil returns when the recurring cooldown ends. ok is false when
// the target has no interval or never ran.
func (a *Adapter) CooldownUntil(t planner.Target) (until time.Time, ok bool) {
	every := t.CooldownInterval
	if every <= 0 {
		every = a.cfg.DefaultCooldown
	}
	if every <= 0 || t.LastRunAt.IsZero() {
		return time.Time{}, false
	}
	return t.LastRunAt.Add(every), true
}
