// Package planner decides which crawl targets are admitted into one
// scheduling run and packs them into a posts budget.
//
// The package is pure: no I/O, no clock reads, no global randomness.
// Callers supply:
//   - the target snapshot and the pending (in-flight) set
//   - the evaluation instant
//   - a PriorityAdapter (effective priority + recurring cooldown)
//   - a Rand used for quality-gated admission
//
// Only one run per owner may execute at a time; that is the caller's job
// (see internal/orchestrator).
package planner
