package trigger

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule adapts a Spec to cron.Schedule so triggers can drive anything
// built on robfig/cron, including internal/scheduler.
//
// Next returns the zero time when the trigger can never fire again.
type Schedule struct {
	Spec Spec
	// Location, when set, is the zone cron fields are evaluated in.
	Location *time.Location
}

var _ cron.Schedule = Schedule{}

func (s Schedule) Next(t time.Time) time.Time {
	if s.Location != nil {
		t = t.In(s.Location)
	}
	next, err := NextFireAfter(s.Spec, t)
	if err != nil {
		return time.Time{}
	}
	return next
}
