package planner

import (
	"fmt"
	"strings"
	"time"
)

// MinTaskPosts is the smallest per-run item count worth issuing as work.
const MinTaskPosts = 10

// Admission probabilities for quality-gated targets.
const (
	UnstableAdmitProbability = 1.0 / 3.0
	DegradedAdmitProbability = 0.7
)

// TargetKind is the kind of crawl source.
type TargetKind string

const (
	KindAccount TargetKind = "ACCOUNT"
	KindKeyword TargetKind = "KEYWORD"
)

func (k TargetKind) Valid() bool { return k == KindAccount || k == KindKeyword }

// ParseTargetKind accepts the canonical names case-insensitively.
func ParseTargetKind(s string) (TargetKind, error) {
	k := TargetKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("invalid target kind %q (want ACCOUNT or KEYWORD)", s)
	}
	return k, nil
}

// TaskKind is the fetch operation a planned task maps to.
type TaskKind string

const (
	TaskAccount TaskKind = "account"
	TaskSearch  TaskKind = "search"
)

// TaskKindFor maps ACCOUNT to account and KEYWORD to search.
func TaskKindFor(k TargetKind) TaskKind {
	if k == KindAccount {
		return TaskAccount
	}
	return TaskSearch
}

// QualityStatus is a coarse reliability label for one target.
// The zero value means no label was supplied.
type QualityStatus string

const (
	QualityUnknown  QualityStatus = ""
	QualityHealthy  QualityStatus = "HEALTHY"
	QualityDegraded QualityStatus = "DEGRADED"
	QualityUnstable QualityStatus = "UNSTABLE"
)

// ParseQualityStatus accepts the canonical names case-insensitively; "" is QualityUnknown.
func ParseQualityStatus(s string) (QualityStatus, error) {
	q := QualityStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch q {
	case QualityUnknown, QualityHealthy, QualityDegraded, QualityUnstable:
		return q, nil
	default:
		return QualityUnknown, fmt.Errorf("invalid quality status %q", s)
	}
}

// Reason explains one admission decision.
type Reason int

const (
	ReasonOK Reason = iota
	ReasonDisabled
	ReasonAlreadyPending
	ReasonExplicitHold
	ReasonCooldown
	ReasonUnstableQuality
	ReasonDegradedQuality
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "OK"
	case ReasonDisabled:
		return "DISABLED"
	case ReasonAlreadyPending:
		return "ALREADY_PENDING"
	case ReasonExplicitHold:
		return "EXPLICIT_HOLD"
	case ReasonCooldown:
		return "COOLDOWN"
	case ReasonUnstableQuality:
		return "UNSTABLE_QUALITY"
	case ReasonDegradedQuality:
		return "DEGRADED_QUALITY"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Target is a crawl source under one owner.
//
// BasePriority, CooldownInterval and LastRunAt are opaque to the admission
// logic; they are read only through the PriorityAdapter.
type Target struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Kind           TargetKind `json:"kind"`
	Query          string     `json:"query"`
	Enabled        bool       `json:"enabled"`
	MaxPostsPerRun int        `json:"max_posts_per_run"`

	// HoldUntil is an explicit pause; zero means no hold.
	HoldUntil time.Time `json:"hold_until,omitempty"`

	BasePriority     float64       `json:"base_priority"`
	CooldownInterval time.Duration `json:"cooldown_interval"`
	LastRunAt        time.Time     `json:"last_run_at,omitempty"`
}

// PendingSet holds the IDs of targets that already have in-flight work.
type PendingSet map[string]struct{}

func NewPendingSet(ids ...string) PendingSet {
	p := make(PendingSet, len(ids))
	for _, id := range ids {
		p[id] = struct{}{}
	}
	return p
}

// Has is safe on a nil set.
func (p PendingSet) Has(id string) bool {
	_, ok := p[id]
	return ok
}

// AdmissionDecision is the outcome of evaluating one target.
// Admit implies Reason == ReasonOK.
type AdmissionDecision struct {
	Admit  bool   `json:"admit"`
	Reason Reason `json:"reason"`

	// CooldownRemaining is set only for ReasonExplicitHold.
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
	Quality           QualityStatus `json:"quality,omitempty"`
}

// PlannedTask is one admitted unit of work.
type PlannedTask struct {
	TargetID       string   `json:"target_id"`
	Kind           TaskKind `json:"kind"`
	Query          string   `json:"query"`
	EstimatedPosts int      `json:"estimated_posts"`
	Priority       float64  `json:"priority"`
}

// SkipTally counts rejections. The seven reasons collapse into four
// buckets: both hold variants count as Cooldown, both quality variants as
// DegradedQuality.
type SkipTally struct {
	Disabled        int `json:"disabled"`
	AlreadyPending  int `json:"already_pending"`
	Cooldown        int `json:"cooldown"`
	DegradedQuality int `json:"degraded_quality"`
}

func (s *SkipTally) add(r Reason) {
	switch r {
	case ReasonDisabled:
		s.Disabled++
	case ReasonAlreadyPending:
		s.AlreadyPending++
	case ReasonExplicitHold, ReasonCooldown:
		s.Cooldown++
	case ReasonUnstableQuality, ReasonDegradedQuality:
		s.DegradedQuality++
	case ReasonOK:
	}
}

func (s SkipTally) Total() int {
	return s.Disabled + s.AlreadyPending + s.Cooldown + s.DegradedQuality
}

// PlannedBatch is the complete, immutable output of one scheduling run.
type PlannedBatch struct {
	Owner             string        `json:"owner"`
	Window            string        `json:"window"`
	TotalPlannedPosts int           `json:"total_planned_posts"`
	Tasks             []PlannedTask `json:"tasks"`
	Skipped           SkipTally     `json:"skipped"`

	// BelowMinimum counts admitted targets whose budget slice fell under
	// MinTaskPosts. It is not part of Skipped.
	BelowMinimum int `json:"below_minimum"`
}

// PriorityAdapter supplies effective priority and recurring cooldown.
type PriorityAdapter interface {
	Priority(t Target, now time.Time) float64
	OnCooldown(t Target, now time.Time) bool
}

// Rand is a uniform source on [0, 1). *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// basePriority is used when no adapter is supplied: BasePriority, no cooldown.
type basePriority struct{}

func (basePriority) Priority(t Target, _ time.Time) float64 { return t.BasePriority }
func (basePriority) OnCooldown(Target, time.Time) bool      { return false }
