package model

import (
	"fmt"
	"time"
)

// DaysPerCycle is the number of day offsets in a weekly cycle.
const DaysPerCycle = 7

// TimeBand is a coarse part of the day.
type TimeBand string

// Time bands, ordered by time of day.
const (
	Morning   TimeBand = "morning"
	Afternoon TimeBand = "afternoon"
	Evening   TimeBand = "evening"
)

// bandHours holds the inclusive hour window of each band.
var bandHours = map[TimeBand][2]int{
	Morning:   {6, 11},
	Afternoon: {12, 16},
	Evening:   {17, 22},
}

// Valid reports whether b is a known band.
func (b TimeBand) Valid() bool {
	_, ok := bandHours[b]
	return ok
}

// Order is the position of the band within a day.
func (b TimeBand) Order() int {
	switch b {
	case Morning:
		return 0
	case Afternoon:
		return 1
	case Evening:
		return 2
	default:
		return 3
	}
}

// Hours returns the inclusive first and last hour of the band.
func (b TimeBand) Hours() (int, int) {
	h := bandHours[b]
	return h[0], h[1]
}

// Contains reports whether hour falls inside the band.
func (b TimeBand) Contains(hour int) bool {
	if !b.Valid() {
		return false
	}
	first, last := b.Hours()
	return hour >= first && hour <= last
}

// AvailabilitySlot is a (day offset, band) tuple a partner marks as open.
type AvailabilitySlot struct {
	DayOffset int      `json:"day_offset"`
	TimeBand  TimeBand `json:"time_band"`
}

// Validate checks the slot lies within the cycle week.
func (s AvailabilitySlot) Validate() error {
	if s.DayOffset < 0 || s.DayOffset >= DaysPerCycle {
		return fmt.Errorf("day_offset %d out of range 0..%d", s.DayOffset, DaysPerCycle-1)
	}
	if !s.TimeBand.Valid() {
		return fmt.Errorf("unknown time_band %q", s.TimeBand)
	}
	return nil
}

// Before orders slots by day, then by band.
func (s AvailabilitySlot) Before(o AvailabilitySlot) bool {
	if s.DayOffset != o.DayOffset {
		return s.DayOffset < o.DayOffset
	}
	return s.TimeBand.Order() < o.TimeBand.Order()
}

// WeekStartOf returns Monday 00:00 of the week containing t in loc.
func WeekStartOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	// time.Weekday has Sunday = 0; shift so Monday = 0.
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -offset)
}

// DateFor formats the calendar date of a day offset within the cycle.
func DateFor(weekStart time.Time, dayOffset int) string {
	return weekStart.AddDate(0, 0, dayOffset).Format(time.DateOnly)
}
