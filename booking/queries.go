package booking

import (
	"context"

	"github.com/warp/studio-engine/capacity"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, actor studio.Actor, id studio.AppointmentID) (*studio.Appointment, error) {
	a, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, studio.Internal("get appointment", err)
	}
	if !actor.CanActFor(a.UserID) {
		return nil, studio.ErrForbidden
	}
	return a, nil
}

// ListForUser returns the user's appointments ordered by slot. Zero-valued
// filter fields other than UserID are ignored.
func (s *Service) ListForUser(ctx context.Context, actor studio.Actor, userID studio.UserID, filter studio.AppointmentFilter) ([]studio.Appointment, error) {
	if !actor.CanActFor(userID) {
		return nil, studio.ErrForbidden
	}
	filter.UserID = &userID
	filter.ReminderPending = false
	out, err := s.store.ListAppointments(ctx, filter)
	if err != nil {
		return nil, studio.Internal("list appointments", err)
	}
	return out, nil
}

// ListAll is the admin view of every appointment matching filter.
func (s *Service) ListAll(ctx context.Context, actor studio.Actor, filter studio.AppointmentFilter) ([]studio.Appointment, error) {
	if !actor.IsAdmin() && actor.Role != studio.RoleProfessor {
		return nil, studio.ErrForbidden
	}
	out, err := s.store.ListAppointments(ctx, filter)
	if err != nil {
		return nil, studio.Internal("list appointments", err)
	}
	return out, nil
}

// SlotAvailability reports the occupancy of one slot right now.
func (s *Service) SlotAvailability(ctx context.Context, slot studio.Slot) (capacity.Metrics, error) {
	if err := s.rules.ValidateSlotShape(slot); err != nil {
		return capacity.Metrics{}, err
	}
	reserved, err := s.store.ListReserved(ctx, slot)
	if err != nil {
		return capacity.Metrics{}, studio.Internal("list reserved", err)
	}
	return s.capacity.Analyze(slot, reserved, s.clock.Now()), nil
}

// DayAvailability reports every slot of date, in order.
func (s *Service) DayAvailability(ctx context.Context, date studio.Date) ([]capacity.Metrics, error) {
	times := s.rules.Hours.SlotTimes()
	if len(times) == 0 {
		return nil, nil
	}
	if err := s.rules.ValidateSlotShape(studio.NewSlot(date, times[0])); err != nil {
		return nil, err
	}

	status := studio.AppointmentReserved
	reserved, err := s.store.ListAppointments(ctx, studio.AppointmentFilter{Status: &status, From: &date, To: &date})
	if err != nil {
		return nil, studio.Internal("list reserved", err)
	}

	now := s.clock.Now()
	out := make([]capacity.Metrics, 0, len(times))
	for _, t := range times {
		// Analyze skips appointments of other slots.
		out = append(out, s.capacity.Analyze(studio.NewSlot(date, t), reserved, now))
	}
	return out, nil
}
