/*
Package booking turns a request for a seat into a reserved appointment and
back.

PURPOSE:
  Orchestrates eligibility, capacity and the credit ledger so that a booking
  or a cancellation either happens completely or not at all.

STATE MACHINE:
  reserved -> cancelled

  A cancelled appointment is terminal. Booking the same slot again creates a
  new appointment.

BOOKING (Book):
  1. Slot shape, advance window and "not in the past"      -> ValidationError
  2. Suspension, medical clearance, credit for the service  -> skipped for admins
  3. User already holds a reserved seat in this slot        -> DuplicateBooking
  4. Capacity (capacity.Engine on a fresh snapshot)          -> SlotFull / ServiceSlotTaken / ElasticCapReached
  5. Appointment + credit debit + consumption transaction, one store transaction

  Steps 3-5 run under the slot lock. The unique index on reserved single-seat
  appointments backs step 4; a violation at write time is reported as SlotFull.

CANCELLATION (Cancel):
  Owner or admin only. Non-admins must cancel at least CancelMinHours before
  start and are limited to CancelLimit cancellations per rolling window. The
  credit goes back to the lot it came from, then waiting users are told the
  seat is free. Telling them is best effort and never fails the cancellation.

SEE ALSO:
  - capacity/engine.go: seat math
  - credits/ledger.go: lot selection and refunds
  - waitlist/service.go: claims reuse Materialize
*/
package booking

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/warp/studio-engine/capacity"
	"github.com/warp/studio-engine/credits"
	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/studio"
)

// SlotFreedNotifier hears about seats given back by a cancellation.
// Implementations must return quickly.
type SlotFreedNotifier interface {
	SlotFreed(ctx context.Context, slot studio.Slot, service studio.ServiceKey)
}

type Service struct {
	store    studio.TxStore
	ledger   *credits.Ledger
	capacity *capacity.Engine
	rules    studio.Rules
	clock    studio.Clock
	events   notify.Dispatcher
	freed    SlotFreedNotifier
}

func NewService(store studio.TxStore, ledger *credits.Ledger, engine *capacity.Engine, rules studio.Rules, clock studio.Clock, events notify.Dispatcher) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		capacity: engine,
		rules:    rules,
		clock:    clock,
		events:   events,
	}
}

// OnSlotFreed registers the listener for cancellations. Call before serving.
func (s *Service) OnSlotFreed(n SlotFreedNotifier) { s.freed = n }

// =============================================================================
// BOOK
// =============================================================================

func (s *Service) Book(ctx context.Context, actor studio.Actor, userID studio.UserID, slot studio.Slot, service studio.ServiceKey) (*studio.Appointment, error) {
	if !actor.CanActFor(userID) {
		return nil, studio.ErrForbidden
	}
	if _, err := studio.ParseServiceKey(string(service)); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.rules.ValidateBookable(slot, now); err != nil {
		return nil, err
	}

	var (
		appt *studio.Appointment
		user *studio.User
	)
	err := s.store.WithTx(ctx, func(tx studio.Store) error {
		if err := tx.LockSlot(ctx, slot); err != nil {
			return err
		}
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() {
			if err := s.CheckEligibility(u, service, now); err != nil {
				return err
			}
		}

		reserved, err := tx.ListReserved(ctx, slot)
		if err != nil {
			return err
		}
		for _, r := range reserved {
			if r.UserID == u.ID {
				return studio.ErrDuplicateBooking
			}
		}
		if err := s.capacity.Analyze(slot, reserved, now).CanBook(service); err != nil {
			return err
		}

		appt, err = s.Materialize(ctx, tx, actor, u, slot, service, now)
		user = u
		return err
	})
	if errors.Is(err, studio.ErrUserSlotTaken) {
		return nil, studio.ErrDuplicateBooking
	}
	if errors.Is(err, studio.ErrUniqueViolation) {
		return nil, &studio.SlotUnavailableError{Reason: studio.ErrSlotFull, Slot: slot, Service: service}
	}
	if err != nil {
		return nil, studio.Internal("book appointment", err)
	}

	log.Printf("[Booking] %s booked %s at %s (by %s)", appt.UserID, appt.Service, appt.Slot, actor.UserID)
	s.emit(ctx, notify.NewEvent(notify.EventAppointmentBooked, notify.RecipientOf(user), appointmentPayload(appt), now))
	return appt, nil
}

// Materialize writes a reserved appointment for u and, unless actor is an
// admin, debits one credit and records the consumption. Callers have
// already checked eligibility and capacity inside tx.
func (s *Service) Materialize(ctx context.Context, tx studio.Store, actor studio.Actor, u *studio.User, slot studio.Slot, service studio.ServiceKey, now time.Time) (*studio.Appointment, error) {
	appt := &studio.Appointment{
		ID:        studio.NewAppointmentID(),
		UserID:    u.ID,
		Slot:      slot,
		Service:   service,
		Status:    studio.AppointmentReserved,
		BookedBy:  actor.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var debits []credits.Debit
	if !actor.IsAdmin() {
		var err error
		if debits, err = s.ledger.Consume(u, 1, service); err != nil {
			return nil, err
		}
		lotID := debits[0].LotID
		appt.CreditLotID = &lotID
	}

	if err := tx.CreateAppointment(ctx, appt); err != nil {
		return nil, err
	}
	if len(debits) == 0 {
		return appt, nil
	}

	u.UpdatedAt = now
	if err := tx.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	lotID := debits[0].LotID
	return appt, tx.AppendTransaction(ctx, studio.Transaction{
		ID:             studio.NewTransactionID(),
		UserID:         u.ID,
		LotID:          &lotID,
		Type:           studio.TxConsumption,
		Delta:          -debits[0].Amount,
		Service:        service,
		ReferenceID:    string(appt.ID),
		Reason:         "booking " + slot.String(),
		IdempotencyKey: "consume:" + string(appt.ID),
		CreatedBy:      actor.UserID,
		CreatedAt:      now,
	})
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancellation is the outcome of a successful Cancel.
type Cancellation struct {
	Appointment studio.Appointment
	Refunded    int
}

func (s *Service) Cancel(ctx context.Context, actor studio.Actor, id studio.AppointmentID) (*Cancellation, error) {
	now := s.clock.Now()

	var (
		out  Cancellation
		user *studio.User
	)
	err := s.store.WithTx(ctx, func(tx studio.Store) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanActFor(a.UserID) {
			return studio.ErrForbidden
		}
		if !a.IsReserved() {
			return studio.ErrAppointmentAlreadyCancelled
		}
		u, err := tx.GetUser(ctx, a.UserID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() {
			if err := s.checkCancellable(u, a, now); err != nil {
				return err
			}
		}

		ok, err := tx.CancelAppointment(ctx, a.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return studio.ErrAppointmentAlreadyCancelled
		}
		a.Status = studio.AppointmentCancelled
		a.CancelledAt = &now
		a.UpdatedAt = now

		if a.CreditLotID != nil {
			refunded, err := s.ledger.Refund(u, *a.CreditLotID, 1)
			if err != nil {
				return err
			}
			out.Refunded = refunded
			lotID := *a.CreditLotID
			err = tx.AppendTransaction(ctx, studio.Transaction{
				ID:             studio.NewTransactionID(),
				UserID:         u.ID,
				LotID:          &lotID,
				Type:           studio.TxRefund,
				Delta:          refunded,
				Service:        a.Service,
				ReferenceID:    string(a.ID),
				Reason:         "cancellation " + a.Slot.String(),
				IdempotencyKey: "refund:" + string(a.ID),
				CreatedBy:      actor.UserID,
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
		}

		u.UpdatedAt = now
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		out.Appointment = *a
		user = u
		return nil
	})
	if err != nil {
		return nil, studio.Internal("cancel appointment", err)
	}

	a := out.Appointment
	log.Printf("[Booking] %s cancelled %s at %s (by %s, refunded %d)", a.UserID, a.Service, a.Slot, actor.UserID, out.Refunded)
	if s.freed != nil {
		s.freed.SlotFreed(ctx, a.Slot, a.Service)
	}
	payload := appointmentPayload(&a)
	if out.Refunded > 0 {
		payload["refunded"] = "true"
	}
	s.emit(ctx, notify.NewEvent(notify.EventAppointmentCancelled, notify.RecipientOf(user), payload, now))
	return &out, nil
}

// checkCancellable applies the cutoff and the rolling quota, and counts the
// cancellation against the quota on u.
func (s *Service) checkCancellable(u *studio.User, a *studio.Appointment, now time.Time) error {
	policy := u.Membership.Policy(now)

	until := s.rules.SlotStart(a.Slot).Sub(now)
	if until < time.Duration(policy.CancelMinHours)*time.Hour {
		return &studio.CancellationWindowError{HoursUntil: until.Hours(), MinHours: policy.CancelMinHours}
	}

	window := u.Cancellations
	if window.WindowStart.IsZero() || !now.Before(window.WindowStart.Add(s.rules.CancellationWindow)) {
		window = studio.CancellationWindow{WindowStart: now}
	}
	if window.Used >= policy.CancelLimit {
		return &studio.CancellationQuotaExceededError{
			Used:       window.Used,
			Limit:      policy.CancelLimit,
			WindowEnds: window.WindowStart.Add(s.rules.CancellationWindow),
		}
	}
	window.Used++
	u.Cancellations = window
	return nil
}

// emit hands e to the dispatcher. Failures are logged only.
func (s *Service) emit(ctx context.Context, e notify.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Dispatch(ctx, e); err != nil {
		log.Printf("[Booking] failed to dispatch %s for %s: %v", e.Type, e.Recipient.UserID, err)
	}
}

func appointmentPayload(a *studio.Appointment) map[string]string {
	p := notify.SlotPayload(a.Slot, a.Service)
	p["appointment_id"] = string(a.ID)
	return p
}
