// Package dispatch turns a planned batch into fetch jobs on the engine and
// keeps each target's pending slots in step with those jobs.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"crawlsched/internal/fetch"
	"crawlsched/internal/planner"
	"crawlsched/internal/storage"
	"crawlsched/internal/task/engine"
	logx "crawlsched/pkg/logx"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 100
	storeTimeout    = 10 * time.Second
)

// Store is the slice of storage.Store the dispatcher writes to.
type Store interface {
	MarkPending(ctx context.Context, owner, id string, jobs int) error
	ReleasePending(ctx context.Context, owner, id string) (int, error)
	TouchTarget(ctx context.Context, owner, id string, at time.Time) error
	RecordOutcome(ctx context.Context, o storage.Outcome) error
}

type Enqueuer interface {
	Enqueue(j engine.Job) error
}

type Config struct {
	// PageSize caps posts per job (default 100).
	PageSize int
	// JobTimeout bounds each fetch attempt; 0 uses the engine default.
	JobTimeout time.Duration
}

type Dispatcher struct {
	cfg     Config
	store   Store
	engine  Enqueuer
	fetcher fetch.Fetcher
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, store Store, eng Enqueuer, f fetch.Fetcher, log logx.Logger) *Dispatcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, store: store, engine: eng, fetcher: f, log: log, now: time.Now}
}

// Report counts what Dispatch handed to the engine.
type Report struct {
	Tasks    int `json:"tasks"`
	Jobs     int `json:"jobs"`
	Rejected int `json:"rejected"`
}

// Dispatch marks every planned target pending and enqueues its jobs. Jobs the
// engine rejects release their slot immediately. The returned error reports
// storage failures only; partial dispatch is reflected in the Report.
func (d *Dispatcher) Dispatch(ctx context.Context, owner string, batch planner.PlannedBatch) (Report, error) {
	var rep Report
	for _, task := range batch.Tasks {
		pages := Pages(task.EstimatedPosts, d.cfg.PageSize)
		if len(pages) == 0 {
			continue
		}
		if err := d.store.MarkPending(ctx, owner, task.TargetID, len(pages)); err != nil {
			return rep, fmt.Errorf("mark pending %s: %w", task.TargetID, err)
		}
		rep.Tasks++

		tr := &taskRun{owner: owner, task: task}
		for i, limit := range pages {
			req := fetch.Request{
				JobID:    uuid.NewString(),
				Owner:    owner,
				TargetID: task.TargetID,
				Kind:     task.Kind,
				Query:    task.Query,
				Limit:    limit,
				Page:     i,
			}
			got := new(atomic.Int64)
			err := d.engine.Enqueue(engine.Job{
				ID:      req.JobID,
				Name:    "fetch." + string(task.Kind),
				Key:     owner + "/" + task.TargetID,
				Timeout: d.cfg.JobTimeout,
				Run:     d.runFunc(req, tr, got),
				Done:    func(r engine.Result) { d.finish(tr, r, int(got.Load())) },
			})
			if err != nil {
				rep.Rejected++
				d.log.Warn("job rejected",
					logx.String("owner", owner),
					logx.String("target", task.TargetID),
					logx.Int("page", i),
					logx.Err(err),
				)
				d.release(tr)
				continue
			}
			rep.Jobs++
		}
	}
	return rep, nil
}

// Pages splits posts into page limits of at most size.
func Pages(posts, size int) []int {
	if posts <= 0 || size <= 0 {
		return nil
	}
	out := make([]int, 0, (posts+size-1)/size)
	for posts > 0 {
		n := min(posts, size)
		out = append(out, n)
		posts -= n
	}
	return out
}

// taskRun tracks one planned task across its jobs.
type taskRun struct {
	owner string
	task  planner.PlannedTask
	// ran is set once any job of the task executed at least one attempt.
	ran   atomic.Bool
	items atomic.Int64
}

func (d *Dispatcher) runFunc(req fetch.Request, tr *taskRun, got *atomic.Int64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res, err := d.fetcher.Fetch(ctx, req)
		if err != nil {
			return err
		}
		got.Store(int64(res.Items))
		tr.items.Add(int64(res.Items))
		return nil
	}
}

func (d *Dispatcher) finish(tr *taskRun, r engine.Result, items int) {
	if r.Attempts > 0 {
		tr.ran.Store(true)
		o := storage.Outcome{
			Owner:    tr.owner,
			TargetID: tr.task.TargetID,
			JobID:    r.ID,
			At:       d.now(),
			OK:       r.Err == nil,
			Items:    items,
		}
		if r.Err != nil {
			o.Error = r.Err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := d.store.RecordOutcome(ctx, o); err != nil {
			d.log.Warn("record outcome failed", logx.String("target", tr.task.TargetID), logx.Err(err))
		}
		cancel()
	}
	d.release(tr)
}

// release frees one pending slot; freeing the last one after any job ran
// stamps LastRunAt, which starts the target's cooldown.
func (d *Dispatcher) release(tr *taskRun) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	left, err := d.store.ReleasePending(ctx, tr.owner, tr.task.TargetID)
	if err != nil {
		d.log.Warn("release pending failed", logx.String("target", tr.task.TargetID), logx.Err(err))
		return
	}
	if left > 0 || !tr.ran.Load() {
		return
	}
	if err := d.store.TouchTarget(ctx, tr.owner, tr.task.TargetID, d.now()); err != nil {
		d.log.Warn("touch target failed", logx.String("target", tr.task.TargetID), logx.Err(err))
		return
	}
	d.log.Debug("target run complete",
		logx.String("owner", tr.owner),
		logx.String("target", tr.task.TargetID),
		logx.Int64("items", tr.items.Load()),
	)
}
