// Package scheduler fires registered tasks at the instants given by their
// cron.Schedule.
//
// One loop goroutine owns a min-queue of next fire times. A task has at
// most one run in flight: a fire that finds the previous run still going
// is skipped, recorded and published on the event bus. The next instant is
// always computed from the scheduled time, never from when the loop woke.
package scheduler
