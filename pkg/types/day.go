package types

import (
	"fmt"
	"time"
)

// Day is a calendar date with no time or location attached.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar date of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return DayOf(t, time.UTC), nil
}

// Start returns midnight at the beginning of the day in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// End returns midnight at the beginning of the following day in loc.
func (d Day) End(loc *time.Location) time.Time {
	return d.Next().Start(loc)
}

// AddDays returns the day n days after d. n may be negative.
func (d Day) AddDays(n int) Day {
	// noon avoids DST edges moving us onto the wrong date
	t := time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return DayOf(t, time.UTC)
}

func (d Day) Next() Day { return d.AddDays(1) }
func (d Day) Prev() Day { return d.AddDays(-1) }

// Before returns true if d is strictly before o.
func (d Day) Before(o Day) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// SameMonth returns true if both days fall in the same calendar month.
func (d Day) SameMonth(o Day) bool {
	return d.Year == o.Year && d.Month == o.Month
}

// FirstOfMonth returns the first day of d's month.
func (d Day) FirstOfMonth() Day {
	return Day{Year: d.Year, Month: d.Month, Day: 1}
}

// NextMonth returns the first day of the month after d's.
func (d Day) NextMonth() Day {
	t := time.Date(d.Year, d.Month+1, 1, 12, 0, 0, 0, time.UTC)
	return DayOf(t, time.UTC)
}

// IsZero returns true for the zero Day.
func (d Day) IsZero() bool {
	return d == Day{}
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Format formats the day using a time layout.
func (d Day) Format(layout string) string {
	return d.Start(time.UTC).Format(layout)
}

// ScheduleState is the ingestion progress of one scheduler.
type ScheduleState struct {
	LastProcessedDay Day
}
