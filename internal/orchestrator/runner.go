// Package orchestrator runs one scheduling pass per owner: it reads targets
// and runtime state from storage, plans a batch within the owner's remaining
// budget, persists the plan and hands it to the dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"crawlsched/internal/dispatch"
	"crawlsched/internal/eventbus"
	"crawlsched/internal/planner"
	"crawlsched/internal/storage"
	logx "crawlsched/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrRunInProgress = errors.New("orchestrator: run already in progress")
	ErrUnknownOwner  = errors.New("orchestrator: unknown owner")
)

// DefaultWindow is the budget accounting period used when Config.Window is zero.
const DefaultWindow = time.Hour

// Store is the slice of storage.Store the runner needs.
type Store interface {
	UpsertTarget(ctx context.Context, t planner.Target) error
	GetTarget(ctx context.Context, owner, id string) (planner.Target, error)
	ListTargets(ctx context.Context, owner string) ([]planner.Target, error)
	PendingIDs(ctx context.Context, owner string) ([]string, error)
	SavePlan(ctx context.Context, p storage.PlanRecord) error
	UsedPosts(ctx context.Context, owner, window string) (int, error)
}

type Classifier interface {
	ClassifyAll(ctx context.Context, owner string, targets []planner.Target) (map[string]planner.QualityStatus, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, owner string, batch planner.PlannedBatch) (dispatch.Report, error)
}

// Owner is the configured view of one account owner.
type Owner struct {
	ID      string
	Budget  int
	ChatID  string
	Targets []planner.Target
}

type Config struct {
	Window   time.Duration
	Priority planner.PriorityAdapter
}

// RunResult is published as the Data of a plan.created event.
type RunResult struct {
	Plan     storage.PlanRecord `json:"plan"`
	ChatID   string             `json:"chat_id,omitempty"`
	Dispatch dispatch.Report    `json:"dispatch"`
}

type Runner struct {
	store      Store
	classifier Classifier
	dispatcher Dispatcher
	bus        eventbus.Bus
	log        logx.Logger

	now  func() time.Time
	rand planner.Rand

	mu     sync.RWMutex
	cfg    Config
	owners map[string]Owner
	locks  map[string]*sync.Mutex
}

// New builds a runner. classifier, dispatcher and bus may be nil: without a
// classifier every target is treated as HEALTHY, without a dispatcher every
// run is a dry run.
func New(cfg Config, store Store, classifier Classifier, dispatcher Dispatcher, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Runner{
		store:      store,
		classifier: classifier,
		dispatcher: dispatcher,
		bus:        bus,
		log:        log,
		now:        time.Now,
		rand:       globalRand{},
		cfg:        cfg,
		owners:     map[string]Owner{},
		locks:      map[string]*sync.Mutex{},
	}
}

// globalRand draws from the concurrency-safe math/rand/v2 source.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Apply swaps planner settings; runs already in progress keep the old ones.
func (r *Runner) Apply(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// SetOwners replaces the owner table without touching storage.
func (r *Runner) SetOwners(owners []Owner) {
	m := make(map[string]Owner, len(owners))
	for _, o := range owners {
		m[o.ID] = o
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

// SyncOwners upserts every configured target into storage and then installs
// the owner table. Stored targets missing from the config are left as they are.
func (r *Runner) SyncOwners(ctx context.Context, owners []Owner) error {
	var errs []error
	for _, o := range owners {
		for _, t := range o.Targets {
			t.Owner = o.ID
			if err := r.store.UpsertTarget(ctx, t); err != nil {
				errs = append(errs, fmt.Errorf("upsert %s/%s: %w", o.ID, t.ID, err))
			}
		}
	}
	r.SetOwners(owners)
	return errors.Join(errs...)
}

// Owners returns configured owner IDs in order.
func (r *Runner) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Runner) owner(id string) (Owner, Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[id]
	return o, r.cfg, ok
}

func (r *Runner) lockFor(owner string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		r.locks[owner] = l
	}
	return l
}

func (r *Runner) planner(cfg Config) planner.Planner {
	return planner.Planner{Priority: cfg.Priority, Rand: r.rand}
}

// WindowLabel truncates now to the accounting window and formats it as
// RFC3339 in UTC.
func WindowLabel(now time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultWindow
	}
	return now.UTC().Truncate(window).Format(time.RFC3339)
}

// Run performs one scheduling pass for owner. A second Run for the same
// owner while one is active fails with ErrRunInProgress.
//
// A dry run plans and persists the record but dispatches nothing and does
// not count against the window budget.
func (r *Runner) Run(ctx context.Context, ownerID string, dryRun bool) (RunResult, error) {
	o, cfg, ok := r.owner(ownerID)
	if !ok {
		return RunResult{}, fmt.Errorf("%w: %q", ErrUnknownOwner, ownerID)
	}
	l := r.lockFor(ownerID)
	if !l.TryLock() {
		return RunResult{}, fmt.Errorf("%w: %s", ErrRunInProgress, ownerID)
	}
	defer l.Unlock()

	if r.dispatcher == nil {
		dryRun = true
	}
	now := r.now()
	window := WindowLabel(now, cfg.Window)
	log := r.log.With(logx.String("owner", ownerID), logx.String("window", window))

	used, err := r.store.UsedPosts(ctx, ownerID, window)
	if err != nil {
		return RunResult{}, fmt.Errorf("used posts: %w", err)
	}
	budget := max(o.Budget-used, 0)

	targets, err := r.store.ListTargets(ctx, ownerID)
	if err != nil {
		return RunResult{}, fmt.Errorf("list targets: %w", err)
	}
	pendingIDs, err := r.store.PendingIDs(ctx, ownerID)
	if err != nil {
		return RunResult{}, fmt.Errorf("pending targets: %w", err)
	}
	var quality map[string]planner.QualityStatus
	if r.classifier != nil {
		if quality, err = r.classifier.ClassifyAll(ctx, ownerID, targets); err != nil {
			return RunResult{}, fmt.Errorf("classify: %w", err)
		}
	}

	batch := r.planner(cfg).Plan(planner.PlanInput{
		Owner:   ownerID,
		Window:  window,
		Targets: targets,
		Pending: planner.NewPendingSet(pendingIDs...),
		Budget:  budget,
		Quality: quality,
		Now:     now,
	})

	res := RunResult{
		ChatID: o.ChatID,
		Plan: storage.PlanRecord{
			ID:        uuid.NewString(),
			Owner:     ownerID,
			Window:    window,
			CreatedAt: now,
			Budget:    budget,
			DryRun:    dryRun,
			Batch:     batch,
		},
	}
	if err := r.store.SavePlan(ctx, res.Plan); err != nil {
		return RunResult{}, fmt.Errorf("save plan: %w", err)
	}

	if !dryRun && len(batch.Tasks) > 0 {
		rep, err := r.dispatcher.Dispatch(ctx, ownerID, batch)
		res.Dispatch = rep
		if err != nil {
			log.Error("dispatch failed", logx.String("plan", res.Plan.ID), logx.Err(err))
			r.publish(now, res)
			return res, fmt.Errorf("dispatch: %w", err)
		}
	}

	log.Info("plan created",
		logx.String("plan", res.Plan.ID),
		logx.Bool("dry_run", dryRun),
		logx.Int("budget", budget),
		logx.Int("tasks", len(batch.Tasks)),
		logx.Int("planned_posts", batch.TotalPlannedPosts),
		logx.Int("skipped", batch.Skipped.Total()),
		logx.Int("below_minimum", batch.BelowMinimum),
		logx.Int("jobs", res.Dispatch.Jobs),
	)
	r.publish(now, res)
	return res, nil
}

func (r *Runner) publish(at time.Time, res RunResult) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.PlanCreated, Time: at, Data: res})
}

// Check runs the admission rules for one stored target. A zero at means now.
// An unknown quality is looked up from recent outcomes when a classifier is
// configured.
func (r *Runner) Check(ctx context.Context, ownerID, targetID string, at time.Time, quality planner.QualityStatus) (planner.AdmissionDecision, error) {
	if at.IsZero() {
		at = r.now()
	}
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	t, err := r.store.GetTarget(ctx, ownerID, targetID)
	if err != nil {
		return planner.AdmissionDecision{}, err
	}
	pendingIDs, err := r.store.PendingIDs(ctx, ownerID)
	if err != nil {
		return planner.AdmissionDecision{}, fmt.Errorf("pending targets: %w", err)
	}
	if quality == planner.QualityUnknown && r.classifier != nil {
		qm, err := r.classifier.ClassifyAll(ctx, ownerID, []planner.Target{t})
		if err != nil {
			return planner.AdmissionDecision{}, fmt.Errorf("classify: %w", err)
		}
		quality = qm[t.ID]
	}
	return r.planner(cfg).Evaluate(t, planner.NewPendingSet(pendingIDs...), quality, at), nil
}
