package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"crawlsched/internal/planner"
	logx "crawlsched/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]Store{}
	for driver, name := range map[string]string{"file": "state.json", "sqlite": "state.db"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, name), OutcomesPerTarget: 3}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		stores[driver] = st
	}
	return stores
}

func TestStoreTargets(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

	for driver, st := range openTestStores(t) {
		st := st
		t.Run(driver, func(t *testing.T) {
			b := planner.Target{ID: "b", Owner: "o1", Kind: planner.KindKeyword, Query: "golang", Enabled: true, MaxPostsPerRun: 40, BasePriority: 1.5, CooldownInterval: time.Hour}
			a := planner.Target{ID: "a", Owner: "o1", Kind: planner.KindAccount, Query: "@a", Enabled: true, MaxPostsPerRun: 20}
			for _, tg := range []planner.Target{b, a} {
				if err := st.UpsertTarget(ctx, tg); err != nil {
					t.Fatalf("UpsertTarget: %v", err)
				}
			}

			if err := st.TouchTarget(ctx, "o1", "b", at); err != nil {
				t.Fatalf("TouchTarget: %v", err)
			}
			if err := st.SetHold(ctx, "o1", "b", at.Add(2*time.Hour)); err != nil {
				t.Fatalf("SetHold: %v", err)
			}

			// Re-upserting config must keep runtime state.
			b.MaxPostsPerRun = 60
			if err := st.UpsertTarget(ctx, b); err != nil {
				t.Fatalf("UpsertTarget again: %v", err)
			}

			got, err := st.GetTarget(ctx, "o1", "b")
			if err != nil {
				t.Fatalf("GetTarget: %v", err)
			}
			if got.MaxPostsPerRun != 60 || got.CooldownInterval != time.Hour || got.BasePriority != 1.5 {
				t.Fatalf("config fields not updated: %+v", got)
			}
			if !got.LastRunAt.Equal(at) {
				t.Fatalf("LastRunAt = %v, want %v", got.LastRunAt, at)
			}
			if !got.HoldUntil.Equal(at.Add(2 * time.Hour)) {
				t.Fatalf("HoldUntil = %v, want %v", got.HoldUntil, at.Add(2*time.Hour))
			}

			if err := st.SetHold(ctx, "o1", "b", time.Time{}); err != nil {
				t.Fatalf("clear hold: %v", err)
			}
			got, _ = st.GetTarget(ctx, "o1", "b")
			if !got.HoldUntil.IsZero() {
				t.Fatalf("hold not cleared: %v", got.HoldUntil)
			}

			list, err := st.ListTargets(ctx, "o1")
			if err != nil {
				t.Fatalf("ListTargets: %v", err)
			}
			if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
				t.Fatalf("ListTargets order = %+v", list)
			}

			if _, err := st.GetTarget(ctx, "o1", "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTarget missing err = %v, want ErrNotFound", err)
			}
			if err := st.SetHold(ctx, "o2", "a", at); !errors.Is(err, ErrNotFound) {
				t.Fatalf("SetHold missing err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorePending(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openTestStores(t) {
		st := st
		t.Run(driver, func(t *testing.T) {
			if err := st.MarkPending(ctx, "o1", "x", 2); err != nil {
				t.Fatalf("MarkPending: %v", err)
			}
			if err := st.MarkPending(ctx, "o1", "y", 1); err != nil {
				t.Fatalf("MarkPending: %v", err)
			}
			ids, err := st.PendingIDs(ctx, "o1")
			if err != nil || !reflect.DeepEqual(ids, []string{"x", "y"}) {
				t.Fatalf("PendingIDs = %v, %v", ids, err)
			}

			left, err := st.ReleasePending(ctx, "o1", "x")
			if err != nil || left != 1 {
				t.Fatalf("ReleasePending = %d, %v; want 1", left, err)
			}
			left, err = st.ReleasePending(ctx, "o1", "x")
			if err != nil || left != 0 {
				t.Fatalf("ReleasePending = %d, %v; want 0", left, err)
			}
			if left, err := st.ReleasePending(ctx, "o1", "x"); err != nil || left != 0 {
				t.Fatalf("ReleasePending on empty = %d, %v", left, err)
			}

			ids, _ = st.PendingIDs(ctx, "o1")
			if !reflect.DeepEqual(ids, []string{"y"}) {
				t.Fatalf("PendingIDs after release = %v", ids)
			}

			if err := st.ResetPending(ctx); err != nil {
				t.Fatalf("ResetPending: %v", err)
			}
			ids, _ = st.PendingIDs(ctx, "o1")
			if len(ids) != 0 {
				t.Fatalf("PendingIDs after reset = %v", ids)
			}
		})
	}
}

func TestStoreOutcomesAndPlans(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	for driver, st := range openTestStores(t) {
		st := st
		t.Run(driver, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				o := Outcome{Owner: "o1", TargetID: "x", JobID: string(rune('a' + i)), At: base.Add(time.Duration(i) * time.Minute), OK: i != 1, Items: i}
				if err := st.RecordOutcome(ctx, o); err != nil {
					t.Fatalf("RecordOutcome: %v", err)
				}
			}
			got, err := st.RecentOutcomes(ctx, "o1", "x", 2)
			if err != nil {
				t.Fatalf("RecentOutcomes: %v", err)
			}
			if len(got) != 2 || got[0].JobID != "c" || got[1].JobID != "b" || got[1].OK {
				t.Fatalf("RecentOutcomes = %+v", got)
			}

			plans := []PlanRecord{
				{ID: "p1", Owner: "o1", Window: "w1", CreatedAt: base, Budget: 100, Batch: planner.PlannedBatch{Owner: "o1", Window: "w1", TotalPlannedPosts: 30, Tasks: []planner.PlannedTask{{TargetID: "x", Kind: planner.TaskAccount, Query: "@x", EstimatedPosts: 30}}}},
				{ID: "p2", Owner: "o1", Window: "w1", CreatedAt: base.Add(time.Minute), Budget: 70, DryRun: true, Batch: planner.PlannedBatch{TotalPlannedPosts: 50}},
				{ID: "p3", Owner: "o1", Window: "w2", CreatedAt: base.Add(2 * time.Minute), Budget: 100, Batch: planner.PlannedBatch{TotalPlannedPosts: 10}},
			}
			for _, p := range plans {
				if err := st.SavePlan(ctx, p); err != nil {
					t.Fatalf("SavePlan: %v", err)
				}
			}
			used, err := st.UsedPosts(ctx, "o1", "w1")
			if err != nil || used != 30 {
				t.Fatalf("UsedPosts(w1) = %d, %v; want 30", used, err)
			}
			list, err := st.ListPlans(ctx, "o1", 2)
			if err != nil {
				t.Fatalf("ListPlans: %v", err)
			}
			if len(list) != 2 || list[0].ID != "p3" || list[1].ID != "p2" {
				t.Fatalf("ListPlans = %+v", list)
			}
			all, _ := st.ListPlans(ctx, "o1", 0)
			if len(all) != 3 || all[2].Batch.Tasks[0].TargetID != "x" {
				t.Fatalf("ListPlans(all) = %+v", all)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.UpsertTarget(ctx, planner.Target{ID: "a", Owner: "o1", Kind: planner.KindAccount, Enabled: true, MaxPostsPerRun: 20}); err != nil {
		t.Fatalf("UpsertTarget: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetTarget(ctx, "o1", "a")
	if err != nil || got.MaxPostsPerRun != 20 {
		t.Fatalf("GetTarget after reopen = %+v, %v", got, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
