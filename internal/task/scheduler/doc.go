// Package scheduler fires named triggers (one per owner planning run) on cron
// or interval schedules using robfig/cron.
//
// The scheduler only decides when; the trigger function does the work.
// Overlapping firings of the same trigger are skipped.
package scheduler
