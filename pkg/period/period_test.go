package period

import (
	"testing"
	"time"
)

func TestSame(t *testing.T) {
	utc := time.UTC
	base := time.Date(2024, 3, 10, 10, 0, 0, 0, utc)

	testCases := []struct {
		name   string
		period Period
		a, b   time.Time
		same   bool
	}{
		{"daily same day", New(day, utc), base, base.Add(13 * time.Hour), true},
		{"daily next day", New(day, utc), base, base.Add(14 * time.Hour), false},
		{"hourly same hour", New(time.Hour, utc), base, base.Add(59 * time.Minute), true},
		{"hourly next hour", New(time.Hour, utc), base, base.Add(61 * time.Minute), false},
		{"weekly bucket", New(7*day, utc), base, base.Add(24 * time.Hour), true},
		{"disabled never matches", Disabled(), base, base, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.period.Same(tc.a, tc.b); got != tc.same {
				t.Errorf("Same(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.same)
			}
		})
	}
}

func TestSame_DST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Vienna")
	if err != nil {
		t.Skip("timezone database not available")
	}
	p := New(day, loc)

	// 2024-03-31 is a 23 hour day in Vienna.
	before := time.Date(2024, 3, 31, 0, 30, 0, 0, loc)
	after := time.Date(2024, 3, 31, 23, 30, 0, 0, loc)
	if !p.Same(before, after) {
		t.Error("expected both ends of a DST day to fall into the same bucket")
	}
	next := time.Date(2024, 4, 1, 0, 10, 0, 0, loc)
	if p.Same(after, next) {
		t.Error("expected next calendar day to start a new bucket")
	}
}

func TestStart(t *testing.T) {
	p := New(day, time.UTC)
	ts := time.Date(2024, 5, 17, 15, 4, 5, 0, time.UTC)
	want := time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
	if got := p.Start(ts); !got.Equal(want) {
		t.Errorf("Start = %v, want %v", got, want)
	}

	hp := New(time.Hour, time.UTC)
	if got := hp.Start(ts); !got.Equal(time.Date(2024, 5, 17, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("hourly Start = %v", got)
	}
}

func TestParse(t *testing.T) {
	valid := map[string]time.Duration{
		"":       day,
		"daily":  day,
		"Hourly": time.Hour,
		"weekly": 7 * day,
		"6h":     6 * time.Hour,
		"48h":    2 * day,
		"none":   0,
	}
	for in, want := range valid {
		p, err := Parse(in)
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", in, err)
			continue
		}
		if p.Interval() != want {
			t.Errorf("Parse(%q) interval = %v, want %v", in, p.Interval(), want)
		}
	}

	for _, in := range []string{"fortnightly", "30s", "36h"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error", in)
		}
	}
}
