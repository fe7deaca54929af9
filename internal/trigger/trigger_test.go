package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, m, d, h, mi, s, 0, time.UTC)
}

func TestParseCronErrors(t *testing.T) {
	bad := []string{
		"* * * * *",
		"* * * * * * *",
		"60 * * * * *",
		"* 60 * * * *",
		"* * 24 * * *",
		"* * * 0 * *",
		"* * * 32 * *",
		"* * * * 13 *",
		"* * * * * 7",
		"*/0 * * * * *",
		"*/x * * * * *",
		"5-3 * * * * *",
		"a * * * * *",
		"1,2,x * * * * *",
		"1,70 * * * * *",
		"-1 * * * * *",
		"70/5 * * * * *",
	}
	for _, expr := range bad {
		_, err := ParseCron(expr)
		require.Error(t, err, expr)
		assert.True(t, errors.Is(err, ErrInvalidCronField), "%q: %v", expr, err)
	}
}

func TestParseCronFields(t *testing.T) {
	c, err := ParseCron("*/15  0-5 1,3,5-7 * 2 0")
	require.NoError(t, err)

	assert.Equal(t, FieldStep, c.Field(Second).Kind)
	assert.Equal(t, 4, c.Field(Second).Count())
	assert.True(t, c.Field(Second).Has(45))
	assert.False(t, c.Field(Second).Has(50))

	assert.Equal(t, FieldRange, c.Field(Minute).Kind)
	assert.Equal(t, FieldList, c.Field(Hour).Kind)
	assert.Equal(t, []int{1, 3, 5, 6, 7}, c.Field(Hour).Values)
	assert.Equal(t, FieldAny, c.Field(DayOfMonth).Kind)
	assert.Equal(t, FieldValue, c.Field(Month).Kind)
	assert.Equal(t, 2, c.Field(Month).Value)
	assert.True(t, c.Field(DayOfWeek).Has(0))
	assert.Equal(t, "*/15 0-5 1,3,5-7 * 2 0", c.String())
}

func TestParseInterval(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"30s":  30 * time.Second,
		" 5m ": 5 * time.Minute,
		"2h":   2 * time.Hour,
	} {
		iv, err := ParseInterval(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, iv.Duration(), in)
	}
	for _, in := range []string{"", "0s", "5", "m", "5d", "1.5h", "-5s", "5 s", "5S"} {
		_, err := ParseInterval(in)
		assert.ErrorIs(t, err, ErrInvalidIntervalSpec, in)
	}
}

func TestNewSpec(t *testing.T) {
	_, err := NewSpec("* * * * * *", "5s")
	assert.ErrorIs(t, err, ErrConflictingTrigger)
	_, err = NewSpec(" ", "")
	assert.ErrorIs(t, err, ErrMissingTrigger)

	s, err := NewSpec("", "5s")
	require.NoError(t, err)
	assert.Equal(t, Interval{Amount: 5, Unit: 's'}, s)
}

func TestParse(t *testing.T) {
	s, err := Parse("cron: 0 0 * * * *")
	require.NoError(t, err)
	assert.IsType(t, Cron{}, s)

	s, err = Parse("every: 10m")
	require.NoError(t, err)
	assert.Equal(t, "10m", s.String())

	s, err = Parse("*/5 * * * * *")
	require.NoError(t, err)
	assert.IsType(t, Cron{}, s)

	_, err = Parse("10x")
	assert.ErrorIs(t, err, ErrInvalidIntervalSpec)
}

func TestNextFireAfterInterval(t *testing.T) {
	ref := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	next, err := NextFireAfter(Interval{Amount: 30, Unit: 's'}, ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(30*time.Second), next)
}

func TestNextFireAfterRejectsBadInterval(t *testing.T) {
	ref := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, iv := range []Interval{
		{Amount: 1, Unit: 'x'},
		{Amount: 5},
		{Amount: 1, Unit: 'd'},
		{Amount: 0, Unit: 's'},
		{Amount: -3, Unit: 'm'},
	} {
		next, err := NextFireAfter(iv, ref)
		assert.ErrorIs(t, err, ErrInvalidIntervalSpec, "%+v", iv)
		assert.True(t, next.IsZero(), "%+v", iv)
	}
	assert.Zero(t, Interval{Amount: 1, Unit: 'x'}.Duration())
}

func TestNextFireAfterCron(t *testing.T) {
	cases := []struct {
		expr string
		ref  time.Time
		want time.Time
	}{
		{"0 30 9 * * *", utc(2024, 1, 1, 9, 30, 0), utc(2024, 1, 2, 9, 30, 0)},
		{"0 30 9 * * *", utc(2024, 1, 1, 9, 29, 59), utc(2024, 1, 1, 9, 30, 0)},
		{"*/15 * * * * *", utc(2024, 1, 1, 10, 0, 7), utc(2024, 1, 1, 10, 0, 15)},
		{"*/15 * * * * *", utc(2024, 1, 1, 10, 59, 50), utc(2024, 1, 1, 11, 0, 0)},
		{"0 0 0 1 1 *", utc(2024, 6, 1, 0, 0, 0), utc(2025, 1, 1, 0, 0, 0)},
		{"0 0 0 29 2 *", utc(2023, 3, 1, 0, 0, 0), utc(2024, 2, 29, 0, 0, 0)},
		// Sunday is 0.
		{"0 0 8 * * 0", utc(2024, 1, 1, 0, 0, 0), utc(2024, 1, 7, 8, 0, 0)},
		// Day-of-month and day-of-week must both hold: Friday the 13th.
		{"0 0 12 13 * 5", utc(2024, 1, 1, 0, 0, 0), utc(2024, 9, 13, 12, 0, 0)},
		{"0 0 12 13 * 5", utc(2024, 9, 13, 12, 0, 0), utc(2024, 12, 13, 12, 0, 0)},
	}
	for _, tc := range cases {
		c, err := ParseCron(tc.expr)
		require.NoError(t, err, tc.expr)
		got, err := NextFireAfter(c, tc.ref)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, "%s after %s", tc.expr, tc.ref)
	}
}

func TestNextFireAfterSubSecondRef(t *testing.T) {
	c, err := ParseCron("* * * * * *")
	require.NoError(t, err)
	ref := time.Date(2024, 1, 1, 0, 0, 0, 999_000_000, time.UTC)
	got, err := NextFireAfter(c, ref)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, 1, 1, 0, 0, 1), got)
}

func TestNextFireAfterNoMatch(t *testing.T) {
	for _, expr := range []string{"0 0 0 31 2 *", "0 0 0 30 2 *", "0 0 0 31 4,6,9,11 *"} {
		c, err := ParseCron(expr)
		require.NoError(t, err, expr)
		_, err = NextFireAfter(c, utc(2024, 1, 1, 0, 0, 0))
		assert.ErrorIs(t, err, ErrNoMatchingTime, expr)
	}
}

func TestNextFireAfterMonotonic(t *testing.T) {
	exprs := []string{"*/7 */3 * * * *", "0 0 6-18/4 * * 1-5", "15 45 23 28-31 * *", "0 0 0 * 2 0,6"}
	for _, expr := range exprs {
		c, err := ParseCron(expr)
		require.NoError(t, err)
		ref := utc(2023, 12, 30, 22, 0, 0)
		for i := 0; i < 200; i++ {
			next, err := NextFireAfter(c, ref)
			require.NoError(t, err)
			require.True(t, next.After(ref), "%s: %s not after %s", expr, next, ref)
			assert.True(t, c.Field(Second).Has(next.Second()))
			assert.True(t, c.Field(Minute).Has(next.Minute()))
			assert.True(t, c.Field(Hour).Has(next.Hour()))
			assert.True(t, c.Field(DayOfMonth).Has(next.Day()))
			assert.True(t, c.Field(Month).Has(int(next.Month())))
			assert.True(t, c.Field(DayOfWeek).Has(int(next.Weekday())))
			ref = next
		}
	}
}

// With a wildcard day-of-week robfig/cron applies the same day semantics,
// so both must agree.
func TestNextFireAfterMatchesRobfig(t *testing.T) {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	exprs := []string{
		"*/5 * * * * *",
		"0 */7 3-20 * * *",
		"30 15 10 1,15 * *",
		"0 0 0 * 2 *",
		"10-40/10 5 * 1-10 3,6,9 *",
		"0 0 9 * * 1-5",
		"59 59 23 31 12 *",
	}
	refs := []time.Time{
		utc(2024, 1, 1, 0, 0, 0),
		utc(2024, 2, 28, 23, 59, 58),
		time.Date(2025, 7, 4, 13, 14, 15, 500, time.UTC),
	}
	for _, expr := range exprs {
		ours, err := ParseCron(expr)
		require.NoError(t, err, expr)
		theirs, err := parser.Parse(expr)
		require.NoError(t, err, expr)
		for _, ref := range refs {
			a, b := ref, ref
			for i := 0; i < 25; i++ {
				var err error
				a, err = NextFireAfter(ours, a)
				require.NoError(t, err)
				b = theirs.Next(b)
				require.Equal(t, b, a, "%s from %s step %d", expr, ref, i)
			}
		}
	}
}

func TestScheduleAdapter(t *testing.T) {
	c, err := ParseCron("0 0 9 * * *")
	require.NoError(t, err)

	var s cron.Schedule = Schedule{Spec: c}
	assert.Equal(t, utc(2024, 3, 2, 9, 0, 0), s.Next(utc(2024, 3, 2, 8, 0, 0)))

	tokyo := time.FixedZone("JST", 9*3600)
	s = Schedule{Spec: c, Location: tokyo}
	got := s.Next(utc(2024, 3, 2, 8, 0, 0))
	assert.Equal(t, time.Date(2024, 3, 3, 9, 0, 0, 0, tokyo).Unix(), got.Unix())

	never, err := ParseCron("0 0 0 31 2 *")
	require.NoError(t, err)
	assert.True(t, Schedule{Spec: never}.Next(utc(2024, 1, 1, 0, 0, 0)).IsZero())
}
