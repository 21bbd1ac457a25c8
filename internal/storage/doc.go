// Package storage persists the planner's inputs and outputs.
//
// It currently stores:
//   - Targets per owner (configuration plus runtime state: hold, last run)
//   - The pending set (in-flight job counts per target)
//   - Execution outcomes (read back by the quality classifier)
//   - Plan records (audit trail and per-window budget accounting)
package storage
