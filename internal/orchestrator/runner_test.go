package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crawlsched/internal/dispatch"
	"crawlsched/internal/eventbus"
	"crawlsched/internal/planner"
	"crawlsched/internal/storage"
	logx "crawlsched/pkg/logx"
)

var testNow = time.Date(2026, 10, 17, 10, 42, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu      sync.Mutex
	batches []planner.PlannedBatch
	entered chan struct{}
	release chan struct{}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ string, b planner.PlannedBatch) (dispatch.Report, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
		<-d.release
	}
	d.mu.Lock()
	d.batches = append(d.batches, b)
	d.mu.Unlock()
	return dispatch.Report{Tasks: len(b.Tasks), Jobs: len(b.Tasks)}, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

type fixedQuality map[string]planner.QualityStatus

func (q fixedQuality) ClassifyAll(context.Context, string, []planner.Target) (map[string]planner.QualityStatus, error) {
	return q, nil
}

func newTestRunner(t *testing.T, d Dispatcher, bus eventbus.Bus) (*Runner, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := New(Config{}, st, nil, d, bus, logx.Nop())
	r.now = func() time.Time { return testNow }
	err = r.SyncOwners(context.Background(), []Owner{{
		ID:     "o1",
		Budget: 100,
		ChatID: "42",
		Targets: []planner.Target{
			{ID: "a", Kind: planner.KindAccount, Query: "@a", Enabled: true, MaxPostsPerRun: 80, BasePriority: 3},
			{ID: "b", Kind: planner.KindKeyword, Query: "golang", Enabled: true, MaxPostsPerRun: 80, BasePriority: 2},
			{ID: "c", Kind: planner.KindKeyword, Query: "rust", Enabled: false, MaxPostsPerRun: 50, BasePriority: 9},
		},
	}})
	if err != nil {
		t.Fatalf("SyncOwners: %v", err)
	}
	return r, st
}

func TestWindowLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		window time.Duration
		want   string
	}{
		{window: 0, want: "2026-10-17T10:00:00Z"},
		{window: time.Hour, want: "2026-10-17T10:00:00Z"},
		{window: 15 * time.Minute, want: "2026-10-17T10:30:00Z"},
		{window: 24 * time.Hour, want: "2026-10-17T00:00:00Z"},
	}
	for _, tt := range tests {
		if got := WindowLabel(testNow.In(time.FixedZone("X", 3*3600)), tt.window); got != tt.want {
			t.Fatalf("WindowLabel(%s) = %s, want %s", tt.window, got, tt.want)
		}
	}
}

func TestRunPlansWithinRemainingBudget(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.PlanCreated)
	defer unsub()
	d := &recordingDispatcher{}
	r, st := newTestRunner(t, d, bus)
	ctx := context.Background()

	res, err := r.Run(ctx, "o1", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b := res.Plan.Batch
	if b.TotalPlannedPosts != 100 || len(b.Tasks) != 2 || b.Tasks[0].TargetID != "a" || b.Tasks[1].EstimatedPosts != 20 {
		t.Fatalf("batch = %+v", b)
	}
	if b.Skipped.Disabled != 1 || res.Plan.Window != "2026-10-17T10:00:00Z" || res.Plan.ID == "" {
		t.Fatalf("plan = %+v", res.Plan)
	}
	if d.count() != 1 || res.Dispatch.Jobs != 2 {
		t.Fatalf("dispatch calls = %d, report = %+v", d.count(), res.Dispatch)
	}
	select {
	case e := <-events:
		if got := e.Data.(RunResult); got.Plan.ID != res.Plan.ID || got.ChatID != "42" {
			t.Fatalf("event = %+v", got)
		}
	default:
		t.Fatal("no plan.created event")
	}

	// The window budget is spent; a second run plans nothing.
	res, err = r.Run(ctx, "o1", false)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Plan.Budget != 0 || len(res.Plan.Batch.Tasks) != 0 || d.count() != 1 {
		t.Fatalf("second plan = %+v", res.Plan)
	}
	plans, err := st.ListPlans(ctx, "o1", 10)
	if err != nil || len(plans) != 2 {
		t.Fatalf("ListPlans = %d, %v", len(plans), err)
	}
}

func TestRunDryRunDoesNotSpendBudget(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	r, _ := newTestRunner(t, d, nil)
	ctx := context.Background()

	for range 2 {
		res, err := r.Run(ctx, "o1", true)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !res.Plan.DryRun || res.Plan.Budget != 100 || res.Plan.Batch.TotalPlannedPosts != 100 {
			t.Fatalf("plan = %+v", res.Plan)
		}
	}
	if d.count() != 0 {
		t.Fatalf("dry run dispatched %d batches", d.count())
	}
}

func TestRunSkipsPendingAndGated(t *testing.T) {
	t.Parallel()
	r, st := newTestRunner(t, &recordingDispatcher{}, nil)
	r.classifier = fixedQuality{"b": planner.QualityUnstable}
	r.rand = constRand(0.9)
	ctx := context.Background()
	if err := st.MarkPending(ctx, "o1", "a", 1); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	res, err := r.Run(ctx, "o1", false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := res.Plan.Batch.Skipped
	if len(res.Plan.Batch.Tasks) != 0 || s.AlreadyPending != 1 || s.DegradedQuality != 1 || s.Disabled != 1 {
		t.Fatalf("batch = %+v", res.Plan.Batch)
	}
}

func TestRunRejectsConcurrentRunForOwner(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
	r, _ := newTestRunner(t, d, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), "o1", false)
		errc <- err
	}()
	<-d.entered

	if _, err := r.Run(context.Background(), "o1", false); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("concurrent Run err = %v, want ErrRunInProgress", err)
	}
	close(d.release)
	if err := <-errc; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := r.Run(context.Background(), "o1", true); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
}

func TestRunUnknownOwner(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, nil, nil)
	if _, err := r.Run(context.Background(), "nobody", false); !errors.Is(err, ErrUnknownOwner) {
		t.Fatalf("err = %v, want ErrUnknownOwner", err)
	}
	if got := r.Owners(); len(got) != 1 || got[0] != "o1" {
		t.Fatalf("Owners = %v", got)
	}
}

type constRand float64

func (c constRand) Float64() float64 { return float64(c) }

func TestCheck(t *testing.T) {
	t.Parallel()
	r, st := newTestRunner(t, nil, nil)
	ctx := context.Background()
	if err := st.SetHold(ctx, "o1", "a", testNow.Add(2*time.Hour)); err != nil {
		t.Fatalf("SetHold: %v", err)
	}

	d, err := r.Check(ctx, "o1", "a", time.Time{}, planner.QualityUnknown)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Admit || d.Reason != planner.ReasonExplicitHold || d.CooldownRemaining.Milliseconds() != 7_200_000 {
		t.Fatalf("decision = %+v", d)
	}

	r.rand = constRand(0.5)
	d, err = r.Check(ctx, "o1", "b", testNow, planner.QualityDegraded)
	if err != nil || !d.Admit {
		t.Fatalf("degraded draw 0.5: %+v, %v", d, err)
	}
	d, err = r.Check(ctx, "o1", "b", testNow, planner.QualityUnstable)
	if err != nil || d.Admit || d.Reason != planner.ReasonUnstableQuality {
		t.Fatalf("unstable draw 0.5: %+v, %v", d, err)
	}

	if _, err := r.Check(ctx, "o1", "missing", testNow, planner.QualityHealthy); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing target err = %v", err)
	}
}
