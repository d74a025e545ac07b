package pawn

import (
	"fmt"
	"time"
)

// =============================================================================
// BUSINESS CALENDAR - Same-day window boundaries
// =============================================================================

// BusinessCalendar decides which business day an instant belongs to.
// A business day starts at CutoverHour in Location, so a payment taken
// at 01:30 before a 04:00 cutover still belongs to the previous day.
type BusinessCalendar struct {
	Location    *time.Location
	CutoverHour int
}

// DefaultCalendar cuts over at 04:00 UTC.
func DefaultCalendar() BusinessCalendar {
	return BusinessCalendar{Location: time.UTC, CutoverHour: 4}
}

// NewBusinessCalendar loads the named zone.
func NewBusinessCalendar(zone string, cutoverHour int) (BusinessCalendar, error) {
	if cutoverHour < 0 || cutoverHour > 23 {
		return BusinessCalendar{}, fmt.Errorf("cutover hour %d out of range 0..23", cutoverHour)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return BusinessCalendar{}, fmt.Errorf("load business time zone %q: %w", zone, err)
	}
	return BusinessCalendar{Location: loc, CutoverHour: cutoverHour}, nil
}

func (c BusinessCalendar) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// DayStart returns the instant the business day containing t began.
func (c BusinessCalendar) DayStart(t time.Time) time.Time {
	local := t.In(c.location())
	start := time.Date(local.Year(), local.Month(), local.Day(), c.CutoverHour, 0, 0, 0, c.location())
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// SameBusinessDay reports whether a and b fall in the same business day.
func (c BusinessCalendar) SameBusinessDay(a, b time.Time) bool {
	return c.DayStart(a).Equal(c.DayStart(b))
}

// WithinToday reports whether ts falls in the business day containing now.
// Zero timestamps are never within today.
func (c BusinessCalendar) WithinToday(ts Timestamp, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return c.SameBusinessDay(ts.Time, now)
}
