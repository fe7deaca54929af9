package trigger

import (
	"math/bits"
	"strconv"
	"strings"
)

// Position is the index of a field in a cron expression.
type Position int

const (
	Second Position = iota
	Minute
	Hour
	DayOfMonth
	Month
	DayOfWeek
)

type bounds struct {
	name     string
	min, max int
}

var positions = [6]bounds{
	{"second", 0, 59},
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"day_of_week", 0, 6},
}

func (p Position) String() string { return positions[p].name }

// Min and Max are the inclusive domain of the position.
func (p Position) Min() int { return positions[p].min }
func (p Position) Max() int { return positions[p].max }

type FieldKind uint8

const (
	FieldAny FieldKind = iota
	FieldValue
	FieldRange
	FieldList
	FieldStep
)

// CronField is one parsed field of a cron expression. Values are validated
// against the position's domain at parse time.
type CronField struct {
	Kind FieldKind
	// Value for FieldValue.
	Value int
	// Lo and Hi for FieldRange; Lo is the start and Hi the end for FieldStep.
	Lo, Hi int
	// Step for FieldStep.
	Step int
	// Values for FieldList, expanded and sorted.
	Values []int

	text string
	set  uint64
}

// Has reports whether v is in the field's expanded set.
func (f CronField) Has(v int) bool {
	if v < 0 || v > 63 {
		return false
	}
	return f.set&(1<<uint(v)) != 0
}

// Count is the size of the expanded set.
func (f CronField) Count() int { return bits.OnesCount64(f.set) }

func (f CronField) String() string { return f.text }

// Cron is a parsed six-field expression.
type Cron struct {
	Fields [6]CronField
	text   string
}

func (c Cron) isSpec() {}

func (c Cron) String() string { return c.text }

// Field returns the field at position p.
func (c Cron) Field(p Position) CronField { return c.Fields[p] }

// ParseCron parses "second minute hour day month day_of_week".
func ParseCron(text string) (Cron, error) {
	parts := strings.Fields(text)
	if len(parts) != 6 {
		return Cron{}, &FieldError{Text: text, Reason: "expected 6 fields (second minute hour day month day_of_week), got " + strconv.Itoa(len(parts))}
	}
	c := Cron{text: strings.Join(parts, " ")}
	for i, part := range parts {
		f, err := parseField(part, Position(i))
		if err != nil {
			return Cron{}, err
		}
		c.Fields[i] = f
	}
	return c, nil
}

func parseField(text string, pos Position) (CronField, error) {
	fail := func(reason string) (CronField, error) {
		return CronField{}, &FieldError{Field: pos.String(), Text: text, Reason: reason}
	}
	lo, hi := pos.Min(), pos.Max()
	num := func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		if err != nil || n < lo || n > hi {
			return 0, false
		}
		return n, true
	}
	rangeOf := func(s string) (int, int, bool) {
		a, b, ok := strings.Cut(s, "-")
		if !ok {
			return 0, 0, false
		}
		x, ok1 := num(a)
		y, ok2 := num(b)
		return x, y, ok1 && ok2
	}
	outOfDomain := "value out of range " + strconv.Itoa(lo) + "-" + strconv.Itoa(hi)

	f := CronField{text: text}
	switch {
	case text == "*":
		f.Kind = FieldAny
		f.set = span(lo, hi, 1)

	case strings.Contains(text, "/"):
		base, stepText, _ := strings.Cut(text, "/")
		step, err := strconv.Atoi(stepText)
		if err != nil || step <= 0 {
			return fail("step must be a positive integer")
		}
		start, end := lo, hi
		switch {
		case base == "*":
		case strings.Contains(base, "-"):
			a, b, ok := rangeOf(base)
			if !ok {
				return fail(outOfDomain)
			}
			if a > b {
				return fail("range start after end")
			}
			start, end = a, b
		default:
			n, ok := num(base)
			if !ok {
				return fail(outOfDomain)
			}
			start = n
		}
		f.Kind = FieldStep
		f.Lo, f.Hi, f.Step = start, end, step
		f.set = span(start, end, step)

	case strings.Contains(text, ","):
		f.Kind = FieldList
		for _, item := range strings.Split(text, ",") {
			if strings.Contains(item, "-") {
				a, b, ok := rangeOf(item)
				if !ok {
					return fail(outOfDomain)
				}
				if a > b {
					return fail("range start after end")
				}
				f.set |= span(a, b, 1)
				continue
			}
			n, ok := num(item)
			if !ok {
				return fail(outOfDomain)
			}
			f.set |= 1 << uint(n)
		}
		for v := lo; v <= hi; v++ {
			if f.Has(v) {
				f.Values = append(f.Values, v)
			}
		}

	case strings.Contains(text, "-"):
		a, b, ok := rangeOf(text)
		if !ok {
			return fail(outOfDomain)
		}
		if a > b {
			return fail("range start after end")
		}
		f.Kind = FieldRange
		f.Lo, f.Hi = a, b
		f.set = span(a, b, 1)

	default:
		n, ok := num(text)
		if !ok {
			return fail(outOfDomain)
		}
		f.Kind = FieldValue
		f.Value = n
		f.set = 1 << uint(n)
	}
	return f, nil
}

func span(lo, hi, step int) uint64 {
	var s uint64
	for v := lo; v <= hi; v += step {
		s |= 1 << uint(v)
	}
	return s
}
