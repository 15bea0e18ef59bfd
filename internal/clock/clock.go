// Package clock provides timezone-aware time, the quiet-hours predicate
// and proactive cycle interval selection.
package clock

import (
	"time"
)

// Clock yields the current time in the configured timezone.
type Clock struct {
	loc *time.Location
	now func() time.Time // overridable for tests
}

// New creates a Clock for the given IANA timezone name.
func New(timezone string) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

// NewFixed creates a Clock pinned to a fixed instant, for tests.
func NewFixed(t time.Time) *Clock {
	return &Clock{loc: t.Location(), now: func() time.Time { return t }}
}

// Now returns the current time in the configured location.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// CurrentHour returns the local hour 0-23.
func (c *Clock) CurrentHour() int {
	return c.Now().Hour()
}

// Location returns the configured location.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// DayKey formats t as a local calendar-day string (YYYY-MM-DD).
// Day bucketing always goes through this, never UTC truncation.
func (c *Clock) DayKey(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// StartOfDay returns local midnight for the day containing t.
func (c *Clock) StartOfDay(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
}

// IsQuietHours reports whether hour h falls inside the quiet window.
// The window wraps past midnight when start > end (e.g. 23..7).
func IsQuietHours(h, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// CycleInterval selects the next proactive wake interval. Urgent work or a
// critical signal forces the base interval regardless of quiet hours.
func CycleInterval(base, quiet time.Duration, quietNow, urgent bool) time.Duration {
	if urgent {
		return base
	}
	if quietNow {
		return quiet
	}
	return base
}
