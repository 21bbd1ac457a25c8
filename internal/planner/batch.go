package planner

import (
	"cmp"
	"slices"
	"time"
)

// PlanInput is everything one scheduling run needs.
type PlanInput struct {
	Owner   string
	Window  string
	Targets []Target
	Pending PendingSet
	// Budget is the total posts this run may request. Values <= 0 plan nothing.
	Budget  int
	Quality map[string]QualityStatus
	Now     time.Time
}

type ranked struct {
	target   Target
	priority float64
}

// Plan packs admitted targets into the budget, highest priority first.
//
// Equal priorities are ordered by target ID so the result does not depend
// on input order. Targets whose slice of the remaining budget is under
// MinTaskPosts are dropped and counted only in BelowMinimum.
func (p Planner) Plan(in PlanInput) PlannedBatch {
	batch := PlannedBatch{
		Owner:  in.Owner,
		Window: in.Window,
		Tasks:  []PlannedTask{},
	}

	prio := p.adapter()
	order := make([]ranked, 0, len(in.Targets))
	for _, t := range in.Targets {
		order = append(order, ranked{target: t, priority: prio.Priority(t, in.Now)})
	}
	slices.SortStableFunc(order, func(a, b ranked) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.target.ID, b.target.ID)
	})

	remaining := in.Budget
	for _, r := range order {
		if remaining <= 0 {
			break
		}
		t := r.target
		d := p.Evaluate(t, in.Pending, in.Quality[t.ID], in.Now)
		if !d.Admit {
			batch.Skipped.add(d.Reason)
			continue
		}

		posts := min(t.MaxPostsPerRun, remaining)
		if posts < MinTaskPosts {
			batch.BelowMinimum++
			continue
		}

		batch.Tasks = append(batch.Tasks, PlannedTask{
			TargetID:       t.ID,
			Kind:           TaskKindFor(t.Kind),
			Query:          t.Query,
			EstimatedPosts: posts,
			Priority:       r.priority,
		})
		batch.TotalPlannedPosts += posts
		remaining -= posts
	}
	return batch
}
