// Package trigger computes next fire instants for interval and cron
// schedule specs. Next is a pure function of (spec, from) so scheduling
// stays deterministic and replayable in tests.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chime/internal/cronexpr"
)

// Kind discriminates the schedule spec union.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	if k == KindCron {
		return "cron"
	}
	return "interval"
}

// searchWindow bounds the cron next-run scan. A spec with no admissible
// instant inside the window has no next run.
const searchWindow = 4 // years

// Spec is a validated schedule: either a fixed interval or a compiled cron
// expression evaluated in Loc. Build one with ParseSpec; invalid schedules
// are rejected there, never discovered at run time.
type Spec struct {
	Kind   Kind
	Every  time.Duration        // interval period, KindInterval only
	Expr   *cronexpr.Expression // compiled expression, KindCron only
	Loc    *time.Location
	Source string // raw schedule_param as given at registration
}

// ParseSpec validates jobType ("interval" or "cron"), the schedule parameter
// (whole seconds for interval jobs, a 7-field expression for cron jobs), and
// the IANA timezone (empty means UTC).
func ParseSpec(jobType, param, timezone string) (Spec, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		loc = l
	}

	switch strings.ToLower(strings.TrimSpace(jobType)) {
	case "interval":
		secs, err := strconv.ParseInt(strings.TrimSpace(param), 10, 64)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q: %w", param, err)
		}
		if secs <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0, got %d", secs)
		}
		return Spec{Kind: KindInterval, Every: time.Duration(secs) * time.Second, Loc: loc, Source: param}, nil
	case "cron":
		expr, err := cronexpr.Parse(param)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindCron, Expr: expr, Loc: loc, Source: param}, nil
	default:
		return Spec{}, fmt.Errorf("invalid job type %q (must be \"interval\" or \"cron\")", jobType)
	}
}

// Next returns the first fire instant strictly after from, or false when the
// spec admits none within the search window.
//
// Interval specs are timezone-independent: from + N seconds. Cron specs are
// evaluated against wall clock in the spec's location. Wall-clock times
// erased by a spring-forward gap never match; times repeated by a fall-back
// overlap match their first occurrence.
func (s Spec) Next(from time.Time) (time.Time, bool) {
	if s.Kind == KindInterval {
		return from.Add(s.Every), true
	}
	return s.nextCron(from)
}

func (s Spec) nextCron(from time.Time) (time.Time, bool) {
	loc := s.Loc
	if loc == nil {
		loc = time.UTC
	}
	e := s.Expr

	// First admissible wall-clock second strictly after from.
	start := from.In(loc).Truncate(time.Second).Add(time.Second)
	limit := start.AddDate(searchWindow, 0, 0)

	// Walk civil dates; a noon anchor keeps AddDate stable across DST days.
	anchor := time.Date(start.Year(), start.Month(), start.Day(), 12, 0, 0, 0, loc)
	firstDay := true

	for {
		y, mo, d := anchor.Date()
		if !firstDay && time.Date(y, mo, d, 0, 0, 0, 0, loc).After(limit) {
			return time.Time{}, false
		}
		if e.YearAdmissible(y) && e.DateMatches(y, mo, d, anchor.Weekday()) {
			for _, h := range e.Hours() {
				if firstDay && h < start.Hour() {
					continue
				}
				for _, mi := range e.Minutes() {
					if firstDay && h == start.Hour() && mi < start.Minute() {
						continue
					}
					for _, sec := range e.Seconds() {
						if firstDay && h == start.Hour() && mi == start.Minute() && sec < start.Second() {
							continue
						}
						cand := time.Date(y, mo, d, h, mi, sec, 0, loc)
						// A spring-forward gap shifts nonexistent wall times;
						// the round-trip mismatch identifies and skips them.
						if cand.Day() != d || cand.Hour() != h || cand.Minute() != mi || cand.Second() != sec {
							continue
						}
						if cand.After(from) && !cand.After(limit) {
							return cand, true
						}
					}
				}
			}
		}
		firstDay = false
		anchor = time.Date(y, mo, d+1, 12, 0, 0, 0, loc)
		if anchor.After(limit.AddDate(0, 0, 1)) {
			return time.Time{}, false
		}
	}
}
