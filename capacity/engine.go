/*
Package capacity decides how many seats of each service a slot can still take.

PURPOSE:
  Pure computation. Given the reserved appointments of one slot and the
  current time, report per-service counts, the personal-training cap and
  whether a booking of a given service fits. No I/O.

MODEL:
  - The slot has TotalCapacity seats.
  - Single-seat services (RA, RF, NU) take at most one seat each.
  - Personal training (EP) is elastic: its cap starts at BaseCap and grows
    once the slot is within NearSlotThreshold of starting:
        no single-seat reserved    -> TotalCapacity
        one single-seat reserved   -> TotalCapacity - 1
        two or more reserved       -> BaseCap
  - The cap is always clamped to TotalCapacity - singleSeatReserved and to
    zero from below.

TIME DEPENDENCE:
  The cap moves as the slot approaches, so Metrics are never cached.
  Booking, cancellation-triggered notification and claim re-validation
  each call Analyze at their own decision point.

EXAMPLE (TotalCapacity 6, BaseCap 4, threshold 2h):
  ElasticCap(3h, 1) == 4   // still far away: min(4, 6-1)
  ElasticCap(1h, 1) == 5   // near: 6-1
*/
package capacity

import (
	"time"

	"github.com/warp/studio-engine/studio"
)

type Engine struct {
	rules studio.Rules
}

func NewEngine(rules studio.Rules) *Engine {
	return &Engine{rules: rules}
}

// ElasticCap returns how many personal-training seats the slot allows.
func (e *Engine) ElasticCap(untilStart time.Duration, singleSeatReserved int) int {
	total := e.rules.TotalCapacity
	limit := e.rules.BaseCap
	if untilStart <= e.rules.NearSlotThreshold {
		switch singleSeatReserved {
		case 0:
			limit = total
		case 1:
			limit = total - 1
		}
	}
	limit = min(limit, total-singleSeatReserved)
	return max(limit, 0)
}

// Metrics is the occupancy of one slot at one instant.
type Metrics struct {
	Slot               studio.Slot
	AsOf               time.Time
	UntilStart         time.Duration
	Counts             map[studio.ServiceKey]int
	TotalReserved      int
	ElasticReserved    int
	SingleSeatReserved int
	ElasticCap         int
	TotalCapacity      int
}

// HasRoom reports whether any seat is left.
func (m Metrics) HasRoom() bool { return m.TotalReserved < m.TotalCapacity }

// ElasticHasRoom reports whether personal training can take one more.
func (m Metrics) ElasticHasRoom() bool { return m.HasRoom() && m.ElasticReserved < m.ElasticCap }

// Available returns how many more bookings of service fit right now.
func (m Metrics) Available(service studio.ServiceKey) int {
	free := m.TotalCapacity - m.TotalReserved
	if free <= 0 {
		return 0
	}
	if service.IsElastic() {
		return max(min(free, m.ElasticCap-m.ElasticReserved), 0)
	}
	if m.Counts[service] > 0 {
		return 0
	}
	return 1
}

// CanBook explains why one more booking of service does not fit, or returns
// nil. The error wraps ErrSlotFull, ErrServiceSlotTaken or ErrElasticCapReached.
func (m Metrics) CanBook(service studio.ServiceKey) error {
	var reason error
	switch {
	case !m.HasRoom():
		reason = studio.ErrSlotFull
	case !service.IsElastic() && m.Counts[service] > 0:
		reason = studio.ErrServiceSlotTaken
	case service.IsElastic() && m.ElasticReserved >= m.ElasticCap:
		reason = studio.ErrElasticCapReached
	default:
		return nil
	}
	return &studio.SlotUnavailableError{
		Reason:        reason,
		Slot:          m.Slot,
		Service:       service,
		TotalReserved: m.TotalReserved,
		ElasticCap:    m.ElasticCap,
	}
}

// Analyze computes Metrics for the slot from its reserved appointments.
// Appointments of other slots or in cancelled status are ignored.
func (e *Engine) Analyze(slot studio.Slot, reserved []studio.Appointment, now time.Time) Metrics {
	m := Metrics{
		Slot:          slot,
		AsOf:          now,
		UntilStart:    e.rules.SlotStart(slot).Sub(now),
		Counts:        make(map[studio.ServiceKey]int),
		TotalCapacity: e.rules.TotalCapacity,
	}
	for _, a := range reserved {
		if !a.IsReserved() || a.Slot != slot {
			continue
		}
		m.Counts[a.Service]++
		m.TotalReserved++
		if a.Service.IsElastic() {
			m.ElasticReserved++
		}
	}
	m.SingleSeatReserved = m.TotalReserved - m.ElasticReserved
	m.ElasticCap = e.ElasticCap(m.UntilStart, m.SingleSeatReserved)
	return m
}
