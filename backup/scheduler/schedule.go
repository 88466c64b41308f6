// Package scheduler implements the run claim/dispatch worker loop
// (C7) and enqueue-on-schedule resolution (C15): a single-consumer
// claim loop that transitions one queued run to running at a time,
// branches to local execution or agent dispatch, and always drives
// the run to a terminal state.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field expression plus the
// "@every"/"@daily" descriptors, matching what a job's Schedule field
// may contain; never reimplements cron syntax itself (Non-goal,
// satisfied by consuming robfig/cron/v3 rather than hand parsing).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextFireTime computes the next time expr should fire at or after
// after, interpreted in the named IANA timezone.
func NextFireTime(expr, timezone string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: loading timezone %q: %w", timezone, err)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parsing schedule %q: %w", expr, err)
	}
	return sched.Next(after.In(loc)), nil
}
