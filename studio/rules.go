package studio

import (
	"fmt"
	"time"
)

// =============================================================================
// RULES - Venue configuration shared by every engine
// =============================================================================

// Rules is built once from configuration and passed by value.
type Rules struct {
	// Location is the venue time zone. Dates and times are read in it.
	Location *time.Location

	// TotalCapacity is the hard number of seats per slot.
	TotalCapacity int
	// BaseCap is the personal-training cap while the slot is still far away.
	BaseCap int
	// NearSlotThreshold is how close to start the personal-training cap may grow.
	NearSlotThreshold time.Duration

	Hours ServiceHours

	// AdvanceBookingDays is how far ahead, in calendar days, a slot may be booked.
	AdvanceBookingDays int
	// MedicalGrace is how long a new account may book without a clearance on file.
	MedicalGrace time.Duration
	// CancellationWindow is the rolling period the cancellation quota applies to.
	CancellationWindow time.Duration
	// ClaimTokenTTL caps how long a waitlist claim token stays valid.
	ClaimTokenTTL time.Duration
	// ReminderLead is how long before start a reminder goes out.
	ReminderLead time.Duration
}

// ServiceHours describes when slots start. A slot starts every SlotMinutes
// from Open (inclusive) up to Close (exclusive).
type ServiceHours struct {
	Open        ClockTime
	Close       ClockTime
	SlotMinutes int
	Closed      []time.Weekday
}

func DefaultRules() Rules {
	return Rules{
		Location:          time.UTC,
		TotalCapacity:     6,
		BaseCap:           4,
		NearSlotThreshold: 2 * time.Hour,
		Hours: ServiceHours{
			Open:        NewClockTime(7, 0),
			Close:       NewClockTime(21, 0),
			SlotMinutes: 60,
			Closed:      []time.Weekday{time.Sunday},
		},
		AdvanceBookingDays: 31,
		MedicalGrace:       20 * 24 * time.Hour,
		CancellationWindow: 30 * 24 * time.Hour,
		ClaimTokenTTL:      48 * time.Hour,
		ReminderLead:       24 * time.Hour,
	}
}

// Validate checks the invariants the engines rely on.
func (r Rules) Validate() error {
	switch {
	case r.Location == nil:
		return &ValidationError{Field: "location", Reason: "venue time zone required"}
	case r.TotalCapacity < 1:
		return &ValidationError{Field: "total_capacity", Reason: "must be at least 1"}
	case r.BaseCap < 0 || r.BaseCap > r.TotalCapacity:
		return &ValidationError{Field: "base_cap", Reason: fmt.Sprintf("must be within [0, %d]", r.TotalCapacity)}
	case r.NearSlotThreshold < 0:
		return &ValidationError{Field: "near_slot_threshold", Reason: "must not be negative"}
	case r.Hours.SlotMinutes <= 0:
		return &ValidationError{Field: "slot_minutes", Reason: "must be positive"}
	case r.Hours.Close.Minutes() <= r.Hours.Open.Minutes():
		return &ValidationError{Field: "close_time", Reason: "must be after open time"}
	case r.AdvanceBookingDays < 0:
		return &ValidationError{Field: "advance_booking_days", Reason: "must not be negative"}
	case r.ClaimTokenTTL <= 0:
		return &ValidationError{Field: "claim_token_ttl", Reason: "must be positive"}
	}
	return nil
}

// SlotTimes lists every slot start time of a regular day.
func (h ServiceHours) SlotTimes() []ClockTime {
	var out []ClockTime
	for m := h.Open.Minutes(); m < h.Close.Minutes(); m += h.SlotMinutes {
		out = append(out, ClockTimeFromMinutes(m))
	}
	return out
}

func (h ServiceHours) isClosed(d time.Weekday) bool {
	for _, c := range h.Closed {
		if c == d {
			return true
		}
	}
	return false
}

// ValidateSlotShape checks the slot lands on a service-hours boundary,
// ignoring when it is.
func (r Rules) ValidateSlotShape(s Slot) error {
	if r.Hours.isClosed(s.Date.Weekday()) {
		return &ValidationError{Field: "date", Reason: fmt.Sprintf("studio closed on %s", s.Date.Weekday())}
	}
	m := s.Time.Minutes()
	if m < r.Hours.Open.Minutes() || m >= r.Hours.Close.Minutes() {
		return &ValidationError{Field: "time", Reason: fmt.Sprintf("%s outside service hours %s-%s",
			s.Time, r.Hours.Open, r.Hours.Close)}
	}
	if (m-r.Hours.Open.Minutes())%r.Hours.SlotMinutes != 0 {
		return &ValidationError{Field: "time", Reason: fmt.Sprintf("%s is not a slot start", s.Time)}
	}
	return nil
}

// ValidateBookable checks service hours, the advance-booking window and that
// the slot has not started yet.
func (r Rules) ValidateBookable(s Slot, now time.Time) error {
	if err := r.ValidateSlotShape(s); err != nil {
		return err
	}
	today := DateOf(now, r.Location)
	if today.DaysUntil(s.Date) > r.AdvanceBookingDays {
		return &ValidationError{Field: "date", Reason: fmt.Sprintf("bookings open %d days ahead", r.AdvanceBookingDays)}
	}
	if !s.Start(r.Location).After(now) {
		return &ValidationError{Field: "date", Reason: "slot is in the past"}
	}
	return nil
}

// SlotStart is Slot.Start in the venue time zone.
func (r Rules) SlotStart(s Slot) time.Time { return s.Start(r.Location) }
