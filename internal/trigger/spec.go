package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Spec is a parsed trigger: either Cron or Interval.
type Spec interface {
	fmt.Stringer
	isSpec()
}

// Interval fires every Amount units after the previous scheduled time.
type Interval struct {
	Amount int
	Unit   byte // 's', 'm' or 'h'
}

func (i Interval) isSpec() {}

func (i Interval) String() string { return strconv.Itoa(i.Amount) + string(i.Unit) }

// Duration is the length of one period, 0 for an unknown unit.
func (i Interval) Duration() time.Duration {
	var u time.Duration
	switch i.Unit {
	case 's':
		u = time.Second
	case 'm':
		u = time.Minute
	case 'h':
		u = time.Hour
	}
	return time.Duration(i.Amount) * u
}

// period is Duration with the amount and unit checked.
func (i Interval) period() (time.Duration, error) {
	if i.Amount <= 0 {
		return 0, fmt.Errorf("%w %q: amount must be positive", ErrInvalidIntervalSpec, i)
	}
	d := i.Duration()
	if d <= 0 {
		return 0, fmt.Errorf("%w %q: unit must be s, m or h", ErrInvalidIntervalSpec, i)
	}
	return d, nil
}

var reInterval = regexp.MustCompile(`^([0-9]+)([smh])$`)

// ParseInterval parses "<n>s", "<n>m" or "<n>h" with n > 0.
func ParseInterval(text string) (Interval, error) {
	s := strings.TrimSpace(text)
	m := reInterval.FindStringSubmatch(s)
	if m == nil {
		return Interval{}, fmt.Errorf("%w %q: expected <n>s, <n>m or <n>h", ErrInvalidIntervalSpec, text)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return Interval{}, fmt.Errorf("%w %q: amount must be positive", ErrInvalidIntervalSpec, text)
	}
	return Interval{Amount: n, Unit: m[2][0]}, nil
}

// NewSpec builds a Spec from the cron and interval annotation values.
// Exactly one must be non-empty.
func NewSpec(cronText, intervalText string) (Spec, error) {
	hasCron := strings.TrimSpace(cronText) != ""
	hasInterval := strings.TrimSpace(intervalText) != ""
	switch {
	case hasCron && hasInterval:
		return nil, ErrConflictingTrigger
	case hasCron:
		return ParseCron(cronText)
	case hasInterval:
		return ParseInterval(intervalText)
	default:
		return nil, ErrMissingTrigger
	}
}

// Parse accepts either form, for command line use.
//
// Optional prefixes force the kind:
//   - "cron:" parses a cron expression
//   - "interval:" or "every:" parses an interval
//
// Without a prefix, text containing whitespace is cron, anything else an
// interval.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch {
	case s == "":
		return nil, ErrMissingTrigger
	case strings.HasPrefix(low, "cron:"):
		return ParseCron(s[len("cron:"):])
	case strings.HasPrefix(low, "interval:"):
		return ParseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return ParseInterval(s[len("every:"):])
	case strings.ContainsAny(s, " \t"):
		return ParseCron(s)
	default:
		return ParseInterval(s)
	}
}
