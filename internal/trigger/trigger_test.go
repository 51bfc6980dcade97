package trigger

import (
	"testing"
	"time"
)

func mustSpec(t *testing.T, jobType, param, tz string) Spec {
	t.Helper()
	s, err := ParseSpec(jobType, param, tz)
	if err != nil {
		t.Fatalf("ParseSpec(%q, %q, %q) error: %v", jobType, param, tz, err)
	}
	return s
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone database missing %s: %v", name, err)
	}
	return loc
}

func TestParseSpecValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		jobType string
		param   string
		tz      string
		wantErr bool
	}{
		{name: "interval seconds", jobType: "interval", param: "5", tz: "UTC"},
		{name: "interval default tz", jobType: "interval", param: "60", tz: ""},
		{name: "cron", jobType: "cron", param: "0 * * * * * *", tz: "Europe/Berlin"},
		{name: "zero interval", jobType: "interval", param: "0", tz: "UTC", wantErr: true},
		{name: "negative interval", jobType: "interval", param: "-3", tz: "UTC", wantErr: true},
		{name: "non-numeric interval", jobType: "interval", param: "5s", tz: "UTC", wantErr: true},
		{name: "bad cron", jobType: "cron", param: "* * *", tz: "UTC", wantErr: true},
		{name: "bad timezone", jobType: "interval", param: "5", tz: "Mars/Olympus", wantErr: true},
		{name: "bad job type", jobType: "hourly", param: "5", tz: "UTC", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec(tt.jobType, tt.param, tt.tz)
			if tt.wantErr && err == nil {
				t.Fatalf("ParseSpec(%q, %q, %q): expected error", tt.jobType, tt.param, tt.tz)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ParseSpec(%q, %q, %q) error: %v", tt.jobType, tt.param, tt.tz, err)
			}
		})
	}
}

// For any interval job with period N, Next(t) == t + N regardless of timezone.
func TestIntervalNextTimezoneIndependent(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, time.March, 8, 1, 59, 30, 0, time.UTC)
	for _, tz := range []string{"UTC", "America/New_York", "Asia/Tokyo", "Australia/Lord_Howe"} {
		spec := mustSpec(t, "interval", "5", tz)
		next, ok := spec.Next(from)
		if !ok {
			t.Fatalf("%s: expected a next run", tz)
		}
		if want := from.Add(5 * time.Second); !next.Equal(want) {
			t.Fatalf("%s: Next = %v, want %v", tz, next, want)
		}
	}
}

// For cron "0 * * * * * *", Next(t) never precedes t and always has second 0.
func TestCronEveryMinuteTop(t *testing.T) {
	t.Parallel()
	spec := mustSpec(t, "cron", "0 * * * * * *", "UTC")

	from := time.Date(2026, time.May, 4, 10, 15, 42, 123456789, time.UTC)
	for i := 0; i < 5; i++ {
		next, ok := spec.Next(from)
		if !ok {
			t.Fatal("expected a next run")
		}
		if !next.After(from) {
			t.Fatalf("Next(%v) = %v does not advance", from, next)
		}
		if next.Second() != 0 {
			t.Fatalf("Next(%v) = %v, second != 0", from, next)
		}
		from = next
	}
}

func TestCronNextStrictlyAfterExactMatch(t *testing.T) {
	t.Parallel()
	spec := mustSpec(t, "cron", "0 30 12 * * * *", "UTC")
	from := time.Date(2026, time.May, 4, 12, 30, 0, 0, time.UTC)
	next, ok := spec.Next(from)
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := from.AddDate(0, 0, 1); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v (strictly after an exact match)", next, want)
	}
}

// The dom/dow tie-break carries into next-run computation: "0 0 0 1 * MON *"
// fires both on the 1st of the month and on every Monday.
func TestCronNextTieBreak(t *testing.T) {
	t.Parallel()
	spec := mustSpec(t, "cron", "0 0 0 1 * MON *", "UTC")

	from := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC) // Wed the 1st
	want := []time.Time{
		time.Date(2026, time.July, 6, 0, 0, 0, 0, time.UTC),  // Monday
		time.Date(2026, time.July, 13, 0, 0, 0, 0, time.UTC), // Monday
		time.Date(2026, time.July, 20, 0, 0, 0, 0, time.UTC), // Monday
		time.Date(2026, time.July, 27, 0, 0, 0, 0, time.UTC), // Monday
		time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC), // 1st (a Saturday)
	}
	for _, w := range want {
		next, ok := spec.Next(from)
		if !ok {
			t.Fatal("expected a next run")
		}
		if !next.Equal(w) {
			t.Fatalf("Next(%v) = %v, want %v", from, next, w)
		}
		from = next
	}
}

// Wall-clock times erased by the spring-forward gap never match.
func TestCronNextSkipsSpringForwardGap(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	spec := mustSpec(t, "cron", "0 30 2 * * * *", "America/New_York")

	// 2026-03-08 02:30 does not exist in New York; the next 02:30 is on the 9th.
	from := time.Date(2026, time.March, 7, 12, 0, 0, 0, loc)
	next, ok := spec.Next(from)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2026, time.March, 9, 2, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

// Wall-clock times repeated by the fall-back overlap match their first
// occurrence.
func TestCronNextFallBackFirstOccurrence(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	spec := mustSpec(t, "cron", "0 30 1 * * * *", "America/New_York")

	// 2026-11-01: clocks fall back at 02:00 EDT; 01:30 occurs twice.
	from := time.Date(2026, time.November, 1, 0, 0, 0, 0, loc)
	next, ok := spec.Next(from)
	if !ok {
		t.Fatal("expected a next run")
	}
	if next.Hour() != 1 || next.Minute() != 30 {
		t.Fatalf("Next = %v, want wall clock 01:30", next)
	}
	// First occurrence is 90 minutes after midnight EDT, not 150.
	if got := next.Sub(from); got != 90*time.Minute {
		t.Fatalf("Next is %v after midnight, want 90m (first occurrence)", got)
	}
}

func TestCronNoNextRunOutsideWindow(t *testing.T) {
	t.Parallel()
	spec := mustSpec(t, "cron", "0 0 0 1 1 * 2020", "UTC")
	from := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	if next, ok := spec.Next(from); ok {
		t.Fatalf("expected no next run, got %v", next)
	}
}

func TestCronNextHonorsTimezoneWallClock(t *testing.T) {
	t.Parallel()
	tokyo := mustLoc(t, "Asia/Tokyo")
	spec := mustSpec(t, "cron", "0 0 9 * * * *", "Asia/Tokyo")

	from := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	next, ok := spec.Next(from)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2026, time.June, 2, 9, 0, 0, 0, tokyo) // 1 Jun 09:00 JST already passed at 00:00 UTC
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}
