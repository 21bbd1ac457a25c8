package storage

import (
	"context"
	"errors"
	"time"

	"crawlsched/internal/planner"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot file, rewritten atomically on every change
//   - "sqlite": SQLite database file
//
// An empty Driver defaults to "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// OutcomesPerTarget caps retained outcomes per target (file driver
	// keeps exactly this many; sqlite prunes on write). Default 50.
	OutcomesPerTarget int
}

// Outcome records the final result of one fetch job.
type Outcome struct {
	Owner    string    `json:"owner"`
	TargetID string    `json:"target_id"`
	JobID    string    `json:"job_id"`
	At       time.Time `json:"at"`
	OK       bool      `json:"ok"`
	Items    int       `json:"items"`
	Error    string    `json:"error,omitempty"`
}

// PlanRecord is one persisted scheduling run.
type PlanRecord struct {
	ID        string               `json:"id"`
	Owner     string               `json:"owner"`
	Window    string               `json:"window"`
	CreatedAt time.Time            `json:"created_at"`
	Budget    int                  `json:"budget"`
	DryRun    bool                 `json:"dry_run"`
	Batch     planner.PlannedBatch `json:"batch"`
}

// Store is the persistence API used by the orchestrator, dispatcher and HTTP API.
type Store interface {
	// UpsertTarget stores the configuration fields of t. LastRunAt is kept
	// from an existing record; HoldUntil is kept unless t sets one.
	UpsertTarget(ctx context.Context, t planner.Target) error
	GetTarget(ctx context.Context, owner, id string) (planner.Target, error)
	// ListTargets returns the owner's targets ordered by ID.
	ListTargets(ctx context.Context, owner string) ([]planner.Target, error)
	// SetHold sets or (with a zero time) clears an explicit hold.
	SetHold(ctx context.Context, owner, id string, until time.Time) error
	TouchTarget(ctx context.Context, owner, id string, at time.Time) error

	// MarkPending adds jobs in-flight slots for the target.
	MarkPending(ctx context.Context, owner, id string, jobs int) error
	// ReleasePending frees one slot and returns how many remain.
	ReleasePending(ctx context.Context, owner, id string) (int, error)
	PendingIDs(ctx context.Context, owner string) ([]string, error)
	// ResetPending drops every pending slot (in-flight work does not survive a restart).
	ResetPending(ctx context.Context) error

	RecordOutcome(ctx context.Context, o Outcome) error
	// RecentOutcomes returns up to limit outcomes, newest first.
	RecentOutcomes(ctx context.Context, owner, id string, limit int) ([]Outcome, error)

	SavePlan(ctx context.Context, p PlanRecord) error
	// ListPlans returns up to limit plans, newest first.
	ListPlans(ctx context.Context, owner string, limit int) ([]PlanRecord, error)
	// UsedPosts sums TotalPlannedPosts of non-dry-run plans in window.
	UsedPosts(ctx context.Context, owner, window string) (int, error)

	Close() error
}

const defaultOutcomesPerTarget = 50
