// Package trigger computes fire times for scheduled cells.
//
// A trigger is either a six-field cron expression
//
//	second minute hour day-of-month month day-of-week
//
// or a fixed interval such as "30s", "5m" or "2h". Day-of-week counts from
// Sunday = 0. Day-of-month and day-of-week must both match.
//
// Everything here is pure; the runtime loop lives in internal/scheduler.
package trigger
