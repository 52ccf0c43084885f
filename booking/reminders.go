package booking

import (
	"context"
	"log"
	"time"

	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/studio"
)

// releaseTimeout bounds the marker release run after a failed delivery.
const releaseTimeout = 10 * time.Second

// SendReminders dispatches a reminder for every reserved appointment that
// starts within the reminder lead and has not had one yet. Each appointment
// is claimed with MarkReminderSent before dispatch. The claim is released
// when dispatch is refused or when delivery fails later, so the next run
// retries exactly those and never sends one twice.
func (s *Service) SendReminders(ctx context.Context) (int, error) {
	now := s.clock.Now()
	until := now.Add(s.rules.ReminderLead)
	from := studio.DateOf(now, s.rules.Location)
	to := studio.DateOf(until, s.rules.Location)
	status := studio.AppointmentReserved

	pending, err := s.store.ListAppointments(ctx, studio.AppointmentFilter{
		Status:          &status,
		From:            &from,
		To:              &to,
		ReminderPending: true,
	})
	if err != nil {
		return 0, studio.Internal("list pending reminders", err)
	}

	sent := 0
	for i := range pending {
		a := &pending[i]
		start := s.rules.SlotStart(a.Slot)
		if !start.After(now) || start.After(until) {
			continue
		}

		claimed, err := s.store.MarkReminderSent(ctx, a.ID, now)
		if err != nil {
			log.Printf("[Reminders] failed to claim %s: %v", a.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		if err := s.remind(ctx, a); err != nil {
			log.Printf("[Reminders] %s: %v", a.ID, err)
			s.releaseReminder(ctx, a.ID)
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *Service) remind(ctx context.Context, a *studio.Appointment) error {
	if s.events == nil {
		return nil
	}
	u, err := s.store.GetUser(ctx, a.UserID)
	if err != nil {
		return err
	}
	e := notify.NewEvent(notify.EventAppointmentReminder, notify.RecipientOf(u), appointmentPayload(a), s.clock.Now())
	id := a.ID
	e.OnFailure = func(err error) {
		log.Printf("[Reminders] delivery for %s failed, releasing: %v", id, err)
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		s.releaseReminder(ctx, id)
	}
	return s.events.Dispatch(ctx, e)
}

func (s *Service) releaseReminder(ctx context.Context, id studio.AppointmentID) {
	if err := s.store.ClearReminderSent(ctx, id); err != nil {
		log.Printf("[Reminders] failed to release %s: %v", id, err)
	}
}
