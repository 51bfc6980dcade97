// Package cronexpr compiles 7-field cron expressions into per-field
// admissible-value sets and matches wall-clock times against them.
//
// Field order: second minute hour day-of-month month day-of-week year.
// Each field accepts "*", a value, comma-lists, ranges "a-b", and steps
// "*/n", "a/n", "a-b/n". Months and weekdays accept 3-letter names.
// Day-of-week runs 0-7 with both 0 and 7 meaning Sunday.
//
// When both day-of-month and day-of-week are restricted (non-wildcard), a
// date matches if either field matches. This is the documented cron
// tie-break, not a pure AND.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field indices, in expression order.
const (
	FieldSecond = iota
	FieldMinute
	FieldHour
	FieldDayOfMonth
	FieldMonth
	FieldDayOfWeek
	FieldYear

	numFields
)

// Year bounds for the year field's admissible set.
const (
	MinYear = 1970
	MaxYear = 2199
)

var fieldNames = [numFields]string{
	"second", "minute", "hour", "day-of-month", "month", "day-of-week", "year",
}

// FieldError reports an invalid field: which one (by index and name) and why.
type FieldError struct {
	Index  int
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("cron field %d (%s): %s", e.Index, e.Field, e.Reason)
}

// Expression is a compiled cron expression. Zero value is not usable;
// obtain one from Parse.
type Expression struct {
	source string

	seconds uint64 // bits 0..59
	minutes uint64 // bits 0..59
	hours   uint64 // bits 0..23
	dom     uint64 // bits 1..31
	months  uint64 // bits 1..12
	dow     uint64 // bits 0..6

	years  map[int]struct{} // nil when the year field is a wildcard
	domAll bool
	dowAll bool

	// Sorted admissible values, cached for next-run candidate generation.
	secList  []int
	minList  []int
	hourList []int
}

type fieldBounds struct {
	min, max int
	names    map[string]int
}

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var dowNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

var bounds = [numFields]fieldBounds{
	FieldSecond:     {min: 0, max: 59},
	FieldMinute:     {min: 0, max: 59},
	FieldHour:       {min: 0, max: 23},
	FieldDayOfMonth: {min: 1, max: 31},
	FieldMonth:      {min: 1, max: 12, names: monthNames},
	FieldDayOfWeek:  {min: 0, max: 7, names: dowNames},
	FieldYear:       {min: MinYear, max: MaxYear},
}

// Parse compiles expr. Errors are *FieldError for per-field problems.
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != numFields {
		return nil, fmt.Errorf("cron expression %q: expected %d fields, got %d", expr, numFields, len(fields))
	}

	e := &Expression{source: expr}

	for i, f := range fields {
		if i == FieldYear {
			years, err := parseYearField(f)
			if err != nil {
				return nil, &FieldError{Index: i, Field: fieldNames[i], Reason: err.Error()}
			}
			e.years = years
			continue
		}
		set, all, err := parseField(f, bounds[i])
		if err != nil {
			return nil, &FieldError{Index: i, Field: fieldNames[i], Reason: err.Error()}
		}
		switch i {
		case FieldSecond:
			e.seconds = set
		case FieldMinute:
			e.minutes = set
		case FieldHour:
			e.hours = set
		case FieldDayOfMonth:
			e.dom = set
			e.domAll = all
		case FieldMonth:
			e.months = set
		case FieldDayOfWeek:
			// Fold 7 (Sunday) onto bit 0.
			if set&(1<<7) != 0 {
				set = (set &^ (1 << 7)) | 1
			}
			e.dow = set
			e.dowAll = all
		}
	}

	e.secList = bitsToList(e.seconds, 0, 59)
	e.minList = bitsToList(e.minutes, 0, 59)
	e.hourList = bitsToList(e.hours, 0, 23)
	return e, nil
}

// MustParse is Parse for tests and constants; it panics on error.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expression) String() string { return e.source }

// Matches reports whether the wall-clock components of t satisfy the
// expression. The caller chooses the location; Matches reads t as-is.
func (e *Expression) Matches(t time.Time) bool {
	if e.seconds&(1<<uint(t.Second())) == 0 {
		return false
	}
	if e.minutes&(1<<uint(t.Minute())) == 0 {
		return false
	}
	if e.hours&(1<<uint(t.Hour())) == 0 {
		return false
	}
	return e.DateMatches(t.Year(), t.Month(), t.Day(), t.Weekday())
}

// DateMatches checks the date fields only (day-of-month, month, day-of-week,
// year), applying the dom/dow OR tie-break.
func (e *Expression) DateMatches(year int, month time.Month, day int, wd time.Weekday) bool {
	if e.months&(1<<uint(month)) == 0 {
		return false
	}
	if e.years != nil {
		if _, ok := e.years[year]; !ok {
			return false
		}
	}
	domHit := e.dom&(1<<uint(day)) != 0
	dowHit := e.dow&(1<<uint(wd)) != 0
	switch {
	case e.domAll && e.dowAll:
		return true
	case !e.domAll && !e.dowAll:
		return domHit || dowHit
	case !e.domAll:
		return domHit
	default:
		return dowHit
	}
}

// Seconds, Minutes and Hours return the sorted admissible values for the
// corresponding field. Callers must not mutate the returned slices.
func (e *Expression) Seconds() []int { return e.secList }
func (e *Expression) Minutes() []int { return e.minList }
func (e *Expression) Hours() []int   { return e.hourList }

// YearAdmissible reports whether the year field admits y.
func (e *Expression) YearAdmissible(y int) bool {
	if e.years == nil {
		return y >= MinYear && y <= MaxYear
	}
	_, ok := e.years[y]
	return ok
}

// parseField compiles one field into a bitmask. The bool result reports a
// bare "*" field; a stepped wildcard like "*/2" is a restriction.
func parseField(f string, b fieldBounds) (uint64, bool, error) {
	if f == "" {
		return 0, false, fmt.Errorf("empty field")
	}
	var set uint64
	all := f == "*"
	for _, term := range strings.Split(f, ",") {
		bits, err := parseTerm(term, b)
		if err != nil {
			return 0, false, err
		}
		set |= bits
	}
	if set == 0 {
		return 0, false, fmt.Errorf("no admissible values in %q", f)
	}
	return set, all, nil
}

func parseTerm(term string, b fieldBounds) (uint64, error) {
	if term == "" {
		return 0, fmt.Errorf("empty list entry")
	}

	rangePart := term
	step := 1
	if i := strings.IndexByte(term, '/'); i >= 0 {
		rangePart = term[:i]
		n, err := strconv.Atoi(term[i+1:])
		if err != nil {
			return 0, fmt.Errorf("invalid step %q", term[i+1:])
		}
		if n <= 0 {
			return 0, fmt.Errorf("step must be > 0, got %d", n)
		}
		step = n
	}

	lo, hi := b.min, b.max
	switch {
	case rangePart == "*":
		// full range
	case strings.Contains(rangePart, "-"):
		parts := strings.SplitN(rangePart, "-", 2)
		var err error
		if lo, err = parseValue(parts[0], b); err != nil {
			return 0, err
		}
		if hi, err = parseValue(parts[1], b); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range start %d after end %d", lo, hi)
		}
	default:
		v, err := parseValue(rangePart, b)
		if err != nil {
			return 0, err
		}
		lo = v
		if strings.Contains(term, "/") {
			// "a/n" means: start at a, step n through the field maximum.
			hi = b.max
		} else {
			hi = v
		}
	}

	var bits uint64
	for v := lo; v <= hi; v += step {
		if v < 64 {
			bits |= 1 << uint(v)
		}
	}
	return bits, nil
}

func parseValue(s string, b fieldBounds) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	if b.names != nil {
		if v, ok := b.names[strings.ToUpper(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		if b.names != nil {
			return 0, fmt.Errorf("unknown name %q", s)
		}
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of range (%d-%d)", v, b.min, b.max)
	}
	return v, nil
}

// parseYearField compiles the year field. Years exceed a 64-bit mask, so
// the admissible set is a map; nil means the field is a wildcard.
func parseYearField(f string) (map[int]struct{}, error) {
	if f == "" {
		return nil, fmt.Errorf("empty field")
	}
	if f == "*" {
		return nil, nil
	}
	b := bounds[FieldYear]
	years := make(map[int]struct{})
	for _, term := range strings.Split(f, ",") {
		if term == "" {
			return nil, fmt.Errorf("empty list entry")
		}
		rangePart := term
		step := 1
		if i := strings.IndexByte(term, '/'); i >= 0 {
			rangePart = term[:i]
			n, err := strconv.Atoi(term[i+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid step %q", term[i+1:])
			}
			if n <= 0 {
				return nil, fmt.Errorf("step must be > 0, got %d", n)
			}
			step = n
		}
		lo, hi := b.min, b.max
		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			parts := strings.SplitN(rangePart, "-", 2)
			var err error
			if lo, err = parseValue(parts[0], b); err != nil {
				return nil, err
			}
			if hi, err = parseValue(parts[1], b); err != nil {
				return nil, err
			}
			if lo > hi {
				return nil, fmt.Errorf("range start %d after end %d", lo, hi)
			}
		default:
			v, err := parseValue(rangePart, b)
			if err != nil {
				return nil, err
			}
			lo = v
			if strings.Contains(term, "/") {
				hi = b.max
			} else {
				hi = v
			}
		}
		for y := lo; y <= hi; y += step {
			years[y] = struct{}{}
		}
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("no admissible years in %q", f)
	}
	return years, nil
}

func bitsToList(set uint64, min, max int) []int {
	out := make([]int, 0, 8)
	for v := min; v <= max; v++ {
		if set&(1<<uint(v)) != 0 {
			out = append(out, v)
		}
	}
	return out
}
