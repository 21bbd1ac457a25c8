package planner

import (
	"testing"
	"time"
)

// seqRand replays a fixed sequence of samples and counts draws.
type seqRand struct {
	vals  []float64
	calls int
}

func (r *seqRand) Float64() float64 {
	v := r.vals[r.calls%len(r.vals)]
	r.calls++
	return v
}

// fakePriority reports cooldown for the IDs in cool and a fixed priority per ID.
type fakePriority struct {
	prio map[string]float64
	cool map[string]bool
}

func (f fakePriority) Priority(t Target, _ time.Time) float64 { return f.prio[t.ID] }
func (f fakePriority) OnCooldown(t Target, _ time.Time) bool  { return f.cool[t.ID] }

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func enabledTarget(id string) Target {
	return Target{ID: id, Owner: "o1", Kind: KindAccount, Query: "@" + id, Enabled: true, MaxPostsPerRun: 50}
}

func TestEvaluateRuleOrder(t *testing.T) {
	t.Parallel()

	held := enabledTarget("held")
	held.HoldUntil = testNow.Add(time.Hour)

	disabledAndPending := enabledTarget("dp")
	disabledAndPending.Enabled = false

	pendingAndHeld := enabledTarget("ph")
	pendingAndHeld.HoldUntil = testNow.Add(time.Hour)

	heldAndCool := enabledTarget("hc")
	heldAndCool.HoldUntil = testNow.Add(time.Minute)

	expiredHold := enabledTarget("expired")
	expiredHold.HoldUntil = testNow.Add(-time.Minute)

	holdAtNow := enabledTarget("atnow")
	holdAtNow.HoldUntil = testNow

	prio := fakePriority{cool: map[string]bool{"hc": true, "cool": true, "coolunstable": true}}
	pending := NewPendingSet("dp", "ph", "pending")

	tests := []struct {
		name    string
		target  Target
		quality QualityStatus
		want    Reason
		admit   bool
	}{
		{name: "disabled wins over pending", target: disabledAndPending, want: ReasonDisabled},
		{name: "pending wins over hold", target: pendingAndHeld, want: ReasonAlreadyPending},
		{name: "pending", target: enabledTarget("pending"), want: ReasonAlreadyPending},
		{name: "hold wins over cooldown", target: heldAndCool, want: ReasonExplicitHold},
		{name: "hold", target: held, want: ReasonExplicitHold},
		{name: "cooldown", target: enabledTarget("cool"), want: ReasonCooldown},
		{name: "cooldown wins over quality", target: enabledTarget("coolunstable"), quality: QualityUnstable, want: ReasonCooldown},
		{name: "expired hold admits", target: expiredHold, want: ReasonOK, admit: true},
		{name: "hold equal to now is not active", target: holdAtNow, want: ReasonOK, admit: true},
		{name: "healthy", target: enabledTarget("ok"), quality: QualityHealthy, want: ReasonOK, admit: true},
		{name: "no quality", target: enabledTarget("ok2"), want: ReasonOK, admit: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rng := &seqRand{vals: []float64{0.99}}
			p := Planner{Priority: prio, Rand: rng}
			got := p.Evaluate(tt.target, pending, tt.quality, testNow)
			if got.Reason != tt.want {
				t.Fatalf("Reason = %v, want %v", got.Reason, tt.want)
			}
			if got.Admit != tt.admit {
				t.Fatalf("Admit = %v, want %v", got.Admit, tt.admit)
			}
			if got.Admit && got.Reason != ReasonOK {
				t.Fatalf("admitted with reason %v", got.Reason)
			}
			if rng.calls != 0 {
				t.Fatalf("unexpected random draws: %d", rng.calls)
			}
		})
	}
}

func TestEvaluateExplicitHoldRemaining(t *testing.T) {
	t.Parallel()
	tg := enabledTarget("h")
	tg.HoldUntil = testNow.Add(2 * time.Hour)

	got := Planner{}.Evaluate(tg, nil, QualityUnknown, testNow)
	if got.Admit || got.Reason != ReasonExplicitHold {
		t.Fatalf("got %+v, want EXPLICIT_HOLD rejection", got)
	}
	if got.CooldownRemaining.Milliseconds() != 7_200_000 {
		t.Fatalf("CooldownRemaining = %v, want 2h", got.CooldownRemaining)
	}
}

func TestEvaluateQualityThresholds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		quality QualityStatus
		sample  float64
		admit   bool
		reason  Reason
	}{
		{name: "unstable low", quality: QualityUnstable, sample: 0.1, admit: true, reason: ReasonOK},
		{name: "unstable at threshold", quality: QualityUnstable, sample: 1.0 / 3.0, admit: true, reason: ReasonOK},
		{name: "unstable above", quality: QualityUnstable, sample: 0.34, reason: ReasonUnstableQuality},
		{name: "degraded low", quality: QualityDegraded, sample: 0.5, admit: true, reason: ReasonOK},
		{name: "degraded at threshold", quality: QualityDegraded, sample: 0.7, admit: true, reason: ReasonOK},
		{name: "degraded above", quality: QualityDegraded, sample: 0.71, reason: ReasonDegradedQuality},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rng := &seqRand{vals: []float64{tt.sample}}
			got := Planner{Rand: rng}.Evaluate(enabledTarget("q"), nil, tt.quality, testNow)
			if got.Admit != tt.admit || got.Reason != tt.reason {
				t.Fatalf("got admit=%v reason=%v, want admit=%v reason=%v", got.Admit, got.Reason, tt.admit, tt.reason)
			}
			if got.Quality != tt.quality {
				t.Fatalf("Quality = %q, want %q", got.Quality, tt.quality)
			}
			if rng.calls != 1 {
				t.Fatalf("draws = %d, want 1", rng.calls)
			}
		})
	}
}

func TestEvaluateWithoutRandRejectsGatedTargets(t *testing.T) {
	t.Parallel()
	got := Planner{}.Evaluate(enabledTarget("q"), nil, QualityDegraded, testNow)
	if got.Admit || got.Reason != ReasonDegradedQuality {
		t.Fatalf("got %+v, want DEGRADED_QUALITY rejection", got)
	}
}

func TestReasonString(t *testing.T) {
	t.Parallel()
	want := map[Reason]string{
		ReasonOK:              "OK",
		ReasonDisabled:        "DISABLED",
		ReasonAlreadyPending:  "ALREADY_PENDING",
		ReasonExplicitHold:    "EXPLICIT_HOLD",
		ReasonCooldown:        "COOLDOWN",
		ReasonUnstableQuality: "UNSTABLE_QUALITY",
		ReasonDegradedQuality: "DEGRADED_QUALITY",
	}
	for r, s := range want {
		if r.String() != s {
			t.Fatalf("%d.String() = %q, want %q", int(r), r.String(), s)
		}
	}
}

func TestParseQualityStatus(t *testing.T) {
	t.Parallel()
	q, err := ParseQualityStatus(" degraded ")
	if err != nil || q != QualityDegraded {
		t.Fatalf("ParseQualityStatus = %q, %v", q, err)
	}
	if q, err := ParseQualityStatus(""); err != nil || q != QualityUnknown {
		t.Fatalf("empty quality = %q, %v", q, err)
	}
	if _, err := ParseQualityStatus("flaky"); err == nil {
		t.Fatal("expected error for unknown quality")
	}
}
