package trigger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCronField    = errors.New("invalid cron field")
	ErrInvalidIntervalSpec = errors.New("invalid interval spec")
	ErrNoMatchingTime      = errors.New("no matching time")
	ErrConflictingTrigger  = errors.New("cron and interval are mutually exclusive")
	ErrMissingTrigger      = errors.New("cron or interval required")
)

// FieldError reports which cron field failed and why.
type FieldError struct {
	Field  string
	Text   string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v %q: %s", ErrInvalidCronField, e.Text, e.Reason)
	}
	return fmt.Sprintf("%v %s=%q: %s", ErrInvalidCronField, e.Field, e.Text, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidCronField }
