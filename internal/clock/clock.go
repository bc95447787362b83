// Package clock pins every time-dependent booking rule to one IANA timezone.
package clock

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DefaultTimezone is the canonical zone providers publish their agendas in.
const DefaultTimezone = "America/Sao_Paulo"

// Clock reports the current instant in the booking timezone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// System is the wall clock.
type System struct {
	loc *time.Location
}

// NewSystem returns a wall clock for the named zone.
func NewSystem(timezone string) (*System, error) {
	loc, err := Load(timezone)
	if err != nil {
		return nil, err
	}
	return &System{loc: loc}, nil
}

func (c *System) Now() time.Time           { return time.Now().In(c.loc) }
func (c *System) Location() *time.Location { return c.loc }

// Fixed always returns the same instant. Used by tests and replays.
type Fixed struct {
	t   time.Time
	loc *time.Location
}

// NewFixed returns a clock frozen at t, reported in t's location.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t, loc: t.Location()}
}

func (c *Fixed) Now() time.Time           { return c.t }
func (c *Fixed) Location() *time.Location { return c.loc }

// Advance moves the frozen instant forward.
func (c *Fixed) Advance(d time.Duration) { c.t = c.t.Add(d) }

// Load resolves an IANA zone name, defaulting to DefaultTimezone.
func Load(timezone string) (*time.Location, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("clock: load location %q: %w", timezone, err)
	}
	return loc, nil
}

// StartOfDay truncates t to midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Combine builds the instant for a calendar date and an "HH:MM" time of day in loc.
// Only the year, month and day of date are used.
func Combine(date time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	tod, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock: invalid time of day %q: %w", hhmm, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), tod.Hour(), tod.Minute(), 0, 0, loc), nil
}
