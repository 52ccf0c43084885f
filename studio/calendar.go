package studio

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar date at the venue, no time zone attached
// =============================================================================

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf returns the calendar date of t as seen in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	t = t.In(loc)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day) }

func (d Date) IsZero() bool { return d == Date{} }

// Midnight returns the start of d in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC), time.UTC)
}

func (d Date) Weekday() time.Weekday { return d.Midnight(time.UTC).Weekday() }

func (d Date) Before(o Date) bool { return d.Midnight(time.UTC).Before(o.Midnight(time.UTC)) }
func (d Date) After(o Date) bool  { return d.Midnight(time.UTC).After(o.Midnight(time.UTC)) }

// DaysUntil counts whole calendar days from d to o.
func (d Date) DaysUntil(o Date) int {
	return int(o.Midnight(time.UTC).Sub(d.Midnight(time.UTC)).Hours() / 24)
}

// =============================================================================
// CLOCK TIME - Local time-of-day, minute precision
// =============================================================================

type ClockTime struct {
	Hour   int
	Minute int
}

func NewClockTime(hour, minute int) ClockTime { return ClockTime{Hour: hour, Minute: minute} }

func ParseClockTime(s string) (ClockTime, error) {
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || n != 2 || len(s) != 5 {
		return ClockTime{}, &ValidationError{Field: "time", Reason: fmt.Sprintf("expected HH:MM, got %q", s)}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, &ValidationError{Field: "time", Reason: fmt.Sprintf("out of range: %q", s)}
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// Minutes returns minutes since midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func ClockTimeFromMinutes(m int) ClockTime { return ClockTime{Hour: m / 60, Minute: m % 60} }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// =============================================================================
// SLOT - A bookable date and start time
// =============================================================================

type Slot struct {
	Date Date
	Time ClockTime
}

func NewSlot(d Date, t ClockTime) Slot { return Slot{Date: d, Time: t} }

func ParseSlot(date, clock string) (Slot, error) {
	d, err := ParseDate(date)
	if err != nil {
		return Slot{}, err
	}
	t, err := ParseClockTime(clock)
	if err != nil {
		return Slot{}, err
	}
	return Slot{Date: d, Time: t}, nil
}

// Start returns the wall-clock instant the slot begins at the venue.
func (s Slot) Start(loc *time.Location) time.Time {
	return time.Date(s.Date.Year, s.Date.Month, s.Date.Day, s.Time.Hour, s.Time.Minute, 0, 0, loc)
}

func (s Slot) String() string { return s.Date.String() + " " + s.Time.String() }
