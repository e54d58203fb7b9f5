// Package period buckets timestamps into scheduling windows. Two runs in the same
// window are considered the same scheduled backup, which is what makes repeated
// invocations by cron or a sleep loop idempotent.
//
// For windows of 24 hours or longer, buckets are anchored at the local system's
// midnight so that "daily" means the user's calendar day, even though all stored
// timestamps are UTC. Shorter windows use plain UTC truncation.
package period

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Period is the length of one idempotency window. Zero disables the check.
type Period struct {
	interval time.Duration
	location *time.Location
}

const day = 24 * time.Hour

var named = map[string]time.Duration{
	"hourly": time.Hour,
	"daily":  day,
	"weekly": 7 * day,
}

// Daily is the default window.
func Daily() Period {
	return Period{interval: day, location: time.Local}
}

// Disabled returns a window that never matches, so every run does work.
func Disabled() Period {
	return Period{}
}

// New creates a window of the given length anchored in loc.
func New(interval time.Duration, loc *time.Location) Period {
	if loc == nil {
		loc = time.Local
	}
	return Period{interval: interval, location: loc}
}

// Parse accepts "hourly", "daily", "weekly", "none" or a Go duration such as "6h".
func Parse(s string) (Period, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return Daily(), nil
	case "none", "off", "disabled":
		return Disabled(), nil
	}
	if d, ok := named[s]; ok {
		return New(d, time.Local), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: must be 'hourly', 'daily', 'weekly', 'none' or a duration like '6h'", s)
	}
	if d < time.Minute {
		return Period{}, fmt.Errorf("invalid period %q: must be at least one minute", s)
	}
	if d >= day && d%day != 0 {
		return Period{}, fmt.Errorf("invalid period %q: periods of a day or longer must be whole days", s)
	}
	return New(d, time.Local), nil
}

// Interval returns the window length.
func (p Period) Interval() time.Duration { return p.interval }

// Enabled reports whether the window is active.
func (p Period) Enabled() bool { return p.interval > 0 }

func (p Period) String() string {
	for name, d := range named {
		if d == p.interval {
			return name
		}
	}
	if p.interval == 0 {
		return "none"
	}
	return p.interval.String()
}

// Same reports whether a and b fall into the same window.
// The DST-safe epoch day counting handles 23h and 25h days.
func (p Period) Same(a, b time.Time) bool {
	if p.interval <= 0 {
		return false
	}
	if p.interval >= day {
		daysInBucket := int64(p.interval / day)
		return epochDays(a, p.location)/daysInBucket == epochDays(b, p.location)/daysInBucket
	}
	return a.UTC().Truncate(p.interval).Equal(b.UTC().Truncate(p.interval))
}

// Start returns the first instant of the window containing t, in UTC.
func (p Period) Start(t time.Time) time.Time {
	if p.interval <= 0 {
		return t.UTC()
	}
	if p.interval >= day {
		daysInBucket := int64(p.interval / day)
		bucketDay := (epochDays(t, p.location) / daysInBucket) * daysInBucket
		anchor := time.Date(1970, 1, 1, 0, 0, 0, 0, p.location)
		return anchor.AddDate(0, 0, int(bucketDay)).UTC()
	}
	return t.UTC().Truncate(p.interval)
}

// epochDays calculates the number of days since the Unix Epoch (1970-01-01)
// for a given time in a specific location. It normalizes the time to midnight
// and adds a 12-hour buffer to handle DST transitions (23h/25h days) robustly.
func epochDays(t time.Time, loc *time.Location) int64 {
	y, m, d := t.In(loc).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	anchor := time.Date(1970, 1, 1, 0, 0, 0, 0, loc)
	return int64(midnight.Sub(anchor).Hours()+12) / 24
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Period) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("period should be a string, got %s", value.Tag)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p Period) MarshalYAML() (any, error) {
	return p.String(), nil
}
