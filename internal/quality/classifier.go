// Package quality labels targets HEALTHY, DEGRADED or UNSTABLE from their
// recent execution outcomes.
package quality

import (
	"context"
	"fmt"

	"crawlsched/internal/planner"
	"crawlsched/internal/storage"
	logx "crawlsched/pkg/logx"
)

// Config holds classification thresholds.
//
// Defaults (when zero):
//   - window: 20 most recent outcomes
//   - min_samples: 3
//   - degraded_ratio: 0.2
//   - unstable_ratio: 0.5
//   - unstable_streak: 3 consecutive failures
type Config struct {
	Window         int
	MinSamples     int
	DegradedRatio  float64
	UnstableRatio  float64
	UnstableStreak int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 3
	}
	if c.DegradedRatio <= 0 {
		c.DegradedRatio = 0.2
	}
	if c.UnstableRatio <= 0 {
		c.UnstableRatio = 0.5
	}
	if c.UnstableStreak <= 0 {
		c.UnstableStreak = 3
	}
	return c
}

// OutcomeSource is the slice of storage the classifier reads.
type OutcomeSource interface {
	RecentOutcomes(ctx context.Context, owner, targetID string, limit int) ([]storage.Outcome, error)
}

type Classifier struct {
	cfg Config
	src OutcomeSource
	log logx.Logger
}

func New(cfg Config, src OutcomeSource, log logx.Logger) *Classifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Classifier{cfg: cfg.withDefaults(), src: src, log: log}
}

// Classify labels one target from outcomes ordered newest first.
func (c *Classifier) Classify(outcomes []storage.Outcome) planner.QualityStatus {
	cfg := c.cfg
	if len(outcomes) > cfg.Window {
		outcomes = outcomes[:cfg.Window]
	}
	if len(outcomes) < cfg.MinSamples {
		return planner.QualityHealthy
	}

	failed := 0
	streak := 0
	streakOpen := true
	for _, o := range outcomes {
		if o.OK {
			streakOpen = false
			continue
		}
		failed++
		if streakOpen {
			streak++
		}
	}
	ratio := float64(failed) / float64(len(outcomes))

	switch {
	case streak >= cfg.UnstableStreak, ratio >= cfg.UnstableRatio:
		return planner.QualityUnstable
	case ratio >= cfg.DegradedRatio:
		return planner.QualityDegraded
	default:
		return planner.QualityHealthy
	}
}

// ClassifyAll builds the per-target quality map for one owner.
func (c *Classifier) ClassifyAll(ctx context.Context, owner string, targets []planner.Target) (map[string]planner.QualityStatus, error) {
	out := make(map[string]planner.QualityStatus, len(targets))
	if c.src == nil {
		return out, nil
	}
	for _, t := range targets {
		outcomes, err := c.src.RecentOutcomes(ctx, owner, t.ID, c.cfg.Window)
		if err != nil {
			return nil, fmt.Errorf("recent outcomes %s/%s: %w", owner, t.ID, err)
		}
		q := c.Classify(outcomes)
		if q != planner.QualityHealthy {
			c.log.Debug("target quality gated", logx.String("owner", owner), logx.String("target", t.ID), logx.String("quality", string(q)), logx.Int("samples", len(outcomes)))
		}
		out[t.ID] = q
	}
	return out, nil
}
