package trigger

import (
	"fmt"
	"time"
)

// searchHorizon bounds the cron search. Four years covers every leap day.
const searchHorizon = 4

// NextFireAfter returns the earliest fire time strictly after ref.
//
// Intervals add one period to ref and fail with ErrInvalidIntervalSpec
// unless the amount is positive and the unit is s, m or h. Cron searches forward from the next
// whole second in ref's location and fails with ErrNoMatchingTime when no
// instant within four years satisfies every field.
func NextFireAfter(spec Spec, ref time.Time) (time.Time, error) {
	switch s := spec.(type) {
	case Interval:
		d, err := s.period()
		if err != nil {
			return time.Time{}, err
		}
		return ref.Add(d), nil
	case Cron:
		return s.next(ref)
	case nil:
		return time.Time{}, ErrMissingTrigger
	default:
		return time.Time{}, fmt.Errorf("trigger: unsupported spec %T", spec)
	}
}

func (c Cron) next(ref time.Time) (time.Time, error) {
	sec, minute, hour := c.Fields[Second], c.Fields[Minute], c.Fields[Hour]
	month := c.Fields[Month]

	loc := ref.Location()
	t := ref.Add(time.Second - time.Duration(ref.Nanosecond())*time.Nanosecond)
	deadline := ref.AddDate(searchHorizon, 0, 0)

	// Once a field is advanced, every lower field restarts from its minimum.
	added := false

wrap:
	if t.After(deadline) {
		return time.Time{}, fmt.Errorf("%w for %q after %s", ErrNoMatchingTime, c.text, ref.Format(time.RFC3339))
	}

	for !month.Has(int(t.Month())) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		}
		t = t.AddDate(0, 1, 0)
		if t.Month() == time.January {
			goto wrap
		}
	}

	for !c.dayMatches(t) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		}
		t = t.AddDate(0, 0, 1)
		// Midnight may not exist on DST transition days.
		if t.Hour() != 0 {
			if t.Hour() > 12 {
				t = t.Add(time.Duration(24-t.Hour()) * time.Hour)
			} else {
				t = t.Add(time.Duration(-t.Hour()) * time.Hour)
			}
		}
		if t.Day() == 1 {
			goto wrap
		}
	}

	for !hour.Has(t.Hour()) {
		if !added {
			added = true
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
		}
		t = t.Add(time.Hour)
		if t.Hour() == 0 {
			goto wrap
		}
	}

	for !minute.Has(t.Minute()) {
		if !added {
			added = true
			t = t.Truncate(time.Minute)
		}
		t = t.Add(time.Minute)
		if t.Minute() == 0 {
			goto wrap
		}
	}

	for !sec.Has(t.Second()) {
		if !added {
			added = true
			t = t.Truncate(time.Second)
		}
		t = t.Add(time.Second)
		if t.Second() == 0 {
			goto wrap
		}
	}

	if t.After(deadline) {
		return time.Time{}, fmt.Errorf("%w for %q after %s", ErrNoMatchingTime, c.text, ref.Format(time.RFC3339))
	}
	return t, nil
}

func (c Cron) dayMatches(t time.Time) bool {
	return c.Fields[DayOfMonth].Has(t.Day()) && c.Fields[DayOfWeek].Has(int(t.Weekday()))
}
