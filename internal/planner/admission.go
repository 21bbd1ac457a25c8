package planner

import "time"

// Planner evaluates and packs targets. The zero value is usable: it ranks
// by Target.BasePriority, never reports cooldown, and rejects every
// quality-gated target (no random source to draw from).
type Planner struct {
	Priority PriorityAdapter
	Rand     Rand
}

func (p Planner) adapter() PriorityAdapter {
	if p.Priority == nil {
		return basePriority{}
	}
	return p.Priority
}

// draw returns one uniform sample. Without a source it returns 1, which is
// above both admission thresholds.
func (p Planner) draw() float64 {
	if p.Rand == nil {
		return 1
	}
	return p.Rand.Float64()
}

// Evaluate decides whether t is admitted at now.
//
// Rules are checked in order and the first match wins:
// disabled, pending, explicit hold, cooldown, unstable, degraded, ok.
// Exactly one random sample is drawn when the quality gate is reached
// with UNSTABLE or DEGRADED; none otherwise.
func (p Planner) Evaluate(t Target, pending PendingSet, quality QualityStatus, now time.Time) AdmissionDecision {
	if !t.Enabled {
		return AdmissionDecision{Reason: ReasonDisabled}
	}
	if pending.Has(t.ID) {
		return AdmissionDecision{Reason: ReasonAlreadyPending}
	}
	if !t.HoldUntil.IsZero() && t.HoldUntil.After(now) {
		return AdmissionDecision{Reason: ReasonExplicitHold, CooldownRemaining: t.HoldUntil.Sub(now)}
	}
	if p.adapter().OnCooldown(t, now) {
		return AdmissionDecision{Reason: ReasonCooldown}
	}

	switch quality {
	case QualityUnstable:
		if p.draw() <= UnstableAdmitProbability {
			return AdmissionDecision{Admit: true, Reason: ReasonOK, Quality: quality}
		}
		return AdmissionDecision{Reason: ReasonUnstableQuality, Quality: quality}
	case QualityDegraded:
		if p.draw() <= DegradedAdmitProbability {
			return AdmissionDecision{Admit: true, Reason: ReasonOK, Quality: quality}
		}
		return AdmissionDecision{Reason: ReasonDegradedQuality, Quality: quality}
	}
	return AdmissionDecision{Admit: true, Reason: ReasonOK, Quality: quality}
}
