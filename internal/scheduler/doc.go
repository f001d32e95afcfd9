// Package scheduler triggers named jobs on cron or interval schedules.
//
// A job never overlaps itself: a trigger that fires while the previous run
// is still in flight is skipped and counted.
package scheduler
