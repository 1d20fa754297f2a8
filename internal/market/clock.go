// Package market decides whether the exchange is open.
package market

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the exchange's local timezone.
const DefaultTimezone = "America/New_York"

var (
	openAt  = 9*time.Hour + 30*time.Minute
	closeAt = 16 * time.Hour
)

// Clock reports market hours. It has no state beyond its timezone and the
// time source, which tests replace.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock loads the named timezone. An empty name uses DefaultTimezone.
func NewClock(timezone string, now func() time.Time) (*Clock, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %q: %w", timezone, err)
	}
	if now == nil {
		now = time.Now
	}
	return &Clock{loc: loc, now: now}, nil
}

// IsOpen reports whether the market is open at t: Monday to Friday, local
// time within [09:30, 16:00]. There is no holiday calendar.
func (c *Clock) IsOpen(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	open := midnight.Add(openAt)
	closing := midnight.Add(closeAt)
	return !local.Before(open) && !local.After(closing)
}

// Now returns the current time from the clock's time source.
func (c *Clock) Now() time.Time {
	return c.now()
}

// OpenNow reports whether the market is open at Now.
func (c *Clock) OpenNow() bool {
	return c.IsOpen(c.now())
}

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}
