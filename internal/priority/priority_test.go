package priority

import (
	"testing"
	"time"

	"crawlsched/internal/planner"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestPriorityBoost(t *testing.T) {
	t.Parallel()
	a := New(Config{StalenessWeight: 1, MaxBoost: 5})
	tests := []struct {
		name string
		last time.Time
		want float64
	}{
		{name: "never ran", want: 7},
		{name: "two hours idle", last: now.Add(-2 * time.Hour), want: 4},
		{name: "capped", last: now.Add(-48 * time.Hour), want: 7},
		{name: "future last run", last: now.Add(time.Hour), want: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := a.Priority(planner.Target{BasePriority: 2, LastRunAt: tt.last}, now)
			if got != tt.want {
				t.Fatalf("Priority = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOnCooldown(t *testing.T) {
	t.Parallel()
	a := New(Config{DefaultCooldown: time.Hour})
	tests := []struct {
		name     string
		target   planner.Target
		expected bool
	}{
		{name: "never ran", target: planner.Target{}, expected: false},
		{name: "default interval active", target: planner.Target{LastRunAt: now.Add(-30 * time.Minute)}, expected: true},
		{name: "default interval elapsed", target: planner.Target{LastRunAt: now.Add(-2 * time.Hour)}, expected: false},
		{name: "own interval wins", target: planner.Target{LastRunAt: now.Add(-2 * time.Hour), CooldownInterval: 3 * time.Hour}, expected: true},
		{name: "ends exactly now", target: planner.Target{LastRunAt: now.Add(-time.Hour)}, expected: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := a.OnCooldown(tt.target, now); got != tt.expected {
				t.Fatalf("OnCooldown = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNoDefaultCooldown(t *testing.T) {
	t.Parallel()
	a := New(Config{})
	if a.OnCooldown(planner.Target{LastRunAt: now.Add(-time.Second)}, now) {
		t.Fatal("target without interval should never cool down")
	}
}
