/*
Package waitlist lets users queue for a full slot and turns freed seats into
at most one booking per seat.

STATE MACHINE:
  waiting -> notified -> claimed
  waiting/notified -> cancelled      (withdrawn, or the slot started)
  notified -> waiting                (token expired, sweep re-queues)

PROTOCOL:
  1. Enroll: only when the service cannot be booked right now.
  2. NotifySlot: when the service has room again, every waiting entry gets
     its own single-use token, valid until the earlier of slot start and
     now + ClaimTokenTTL. Everyone is told; the race is settled at claim.
  3. Claim: one store transaction that validates the token, re-reads the
     slot under the slot lock, re-runs booking eligibility and materializes
     the appointment through booking.Service. When one seat is left and N
     users claim it, exactly one wins; the rest get SlotNoLongerAvailable.

TRIGGERS:
  - booking.Service calls SlotFreed after each cancellation. The work runs
    in a goroutine and its failures are only logged.
  - Sweep runs on a timer and catches whatever the trigger missed.

SEE ALSO:
  - booking/service.go: Materialize, CheckEligibility
  - scheduler/runner.go: periodic sweep
*/
package waitlist

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/capacity"
	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/studio"
)

const maxWithdrawAttempts = 3

// slotFreedTimeout bounds the background notification started by SlotFreed.
const slotFreedTimeout = 30 * time.Second

type Service struct {
	store    studio.TxStore
	bookings *booking.Service
	capacity *capacity.Engine
	rules    studio.Rules
	clock    studio.Clock
	events   notify.Dispatcher

	wg sync.WaitGroup
}

var _ booking.SlotFreedNotifier = (*Service)(nil)

func NewService(store studio.TxStore, bookings *booking.Service, engine *capacity.Engine, rules studio.Rules, clock studio.Clock, events notify.Dispatcher) *Service {
	return &Service{
		store:    store,
		bookings: bookings,
		capacity: engine,
		rules:    rules,
		clock:    clock,
		events:   events,
	}
}

// =============================================================================
// ENROLL / WITHDRAW
// =============================================================================

func (s *Service) Enroll(ctx context.Context, actor studio.Actor, userID studio.UserID, slot studio.Slot, service studio.ServiceKey) (*studio.WaitlistEntry, error) {
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

	entry := &studio.WaitlistEntry{
		ID:        studio.NewWaitlistEntryID(),
		UserID:    userID,
		Slot:      slot,
		Service:   service,
		Status:    studio.WaitlistWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithTx(ctx, func(tx studio.Store) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		reserved, err := tx.ListReserved(ctx, slot)
		if err != nil {
			return err
		}
		for _, r := range reserved {
			if r.UserID == userID {
				return studio.ErrAlreadyBooked
			}
		}
		if s.capacity.Analyze(slot, reserved, now).CanBook(service) == nil {
			return &studio.ValidationError{Field: "slot", Reason: "slot has room, book it directly"}
		}
		return tx.CreateWaitlistEntry(ctx, entry)
	})
	if errors.Is(err, studio.ErrUniqueViolation) {
		return nil, studio.ErrDuplicateWaitlist
	}
	if err != nil {
		return nil, studio.Internal("join waitlist", err)
	}
	log.Printf("[Waitlist] %s joined %s at %s", userID, service, slot)
	return entry, nil
}

// Withdraw cancels an active entry.
func (s *Service) Withdraw(ctx context.Context, actor studio.Actor, id studio.WaitlistEntryID) (*studio.WaitlistEntry, error) {
	e, err := s.store.GetWaitlistEntry(ctx, id)
	if err != nil {
		return nil, studio.Internal("get waitlist entry", err)
	}
	if !actor.CanActFor(e.UserID) {
		return nil, studio.ErrForbidden
	}
	if !e.Status.Active() {
		return nil, alreadyDone(e)
	}

	now := s.clock.Now()
	for attempt := 1; ; attempt++ {
		ok, err := s.store.TransitionWaitlist(ctx, e.ID, studio.WaitlistTransition{
			From: e.Status,
			To:   studio.WaitlistCancelled,
			At:   now,
		})
		if err != nil {
			return nil, studio.Internal("withdraw from waitlist", err)
		}
		if ok {
			break
		}
		// The entry moved since it was read
		if e, err = s.store.GetWaitlistEntry(ctx, id); err != nil {
			return nil, studio.Internal("get waitlist entry", err)
		}
		if !e.Status.Active() {
			return nil, alreadyDone(e)
		}
		if attempt == maxWithdrawAttempts {
			return nil, studio.ErrConflict
		}
	}
	e.Status = studio.WaitlistCancelled
	e.NotifyToken = ""
	e.NotifyTokenExpiresAt = nil
	e.UpdatedAt = now
	return e, nil
}

func alreadyDone(e *studio.WaitlistEntry) error {
	return &studio.ValidationError{Field: "status", Reason: "entry is already " + string(e.Status)}
}

func (s *Service) ListForUser(ctx context.Context, actor studio.Actor, userID studio.UserID) ([]studio.WaitlistEntry, error) {
	if !actor.CanActFor(userID) {
		return nil, studio.ErrForbidden
	}
	out, err := s.store.ListWaitlist(ctx, studio.WaitlistFilter{UserID: &userID})
	if err != nil {
		return nil, studio.Internal("list waitlist", err)
	}
	return out, nil
}

// =============================================================================
// NOTIFY
// =============================================================================

// NotifySlot tells every waiting user of (slot, service) that a seat is free,
// provided one is. It returns how many entries moved to notified.
func (s *Service) NotifySlot(ctx context.Context, slot studio.Slot, service studio.ServiceKey) (int, error) {
	now := s.clock.Now()
	start := s.rules.SlotStart(slot)
	if !start.After(now) {
		return 0, nil
	}

	reserved, err := s.store.ListReserved(ctx, slot)
	if err != nil {
		return 0, studio.Internal("list reserved", err)
	}
	if s.capacity.Analyze(slot, reserved, now).CanBook(service) != nil {
		return 0, nil
	}

	waiting, err := s.store.ListWaitlist(ctx, studio.WaitlistFilter{
		Slot:     &slot,
		Service:  &service,
		Statuses: []studio.WaitlistStatus{studio.WaitlistWaiting},
	})
	if err != nil {
		return 0, studio.Internal("list waitlist", err)
	}

	expires := now.Add(s.rules.ClaimTokenTTL)
	if start.Before(expires) {
		expires = start
	}

	notified := 0
	for i := range waiting {
		if s.notifyEntry(ctx, &waiting[i], expires, now) {
			notified++
		}
	}
	if notified > 0 {
		log.Printf("[Waitlist] notified %d for %s at %s", notified, service, slot)
	}
	return notified, nil
}

// notifyEntry mints a token for e, moves it to notified and dispatches the
// email. The entry goes back to waiting if the event is not accepted.
func (s *Service) notifyEntry(ctx context.Context, e *studio.WaitlistEntry, expires, now time.Time) bool {
	token := uuid.NewString()
	ok, err := s.store.TransitionWaitlist(ctx, e.ID, studio.WaitlistTransition{
		From:           studio.WaitlistWaiting,
		To:             studio.WaitlistNotified,
		Token:          token,
		TokenExpiresAt: &expires,
		At:             now,
	})
	if err != nil {
		log.Printf("[Waitlist] failed to notify entry %s: %v", e.ID, err)
		return false
	}
	if !ok {
		return false
	}

	if err := s.dispatchSlotOpen(ctx, e, token, expires, now); err != nil {
		log.Printf("[Waitlist] failed to dispatch to %s for entry %s: %v", e.UserID, e.ID, err)
		_, err := s.store.TransitionWaitlist(ctx, e.ID, studio.WaitlistTransition{
			From: studio.WaitlistNotified,
			To:   studio.WaitlistWaiting,
			At:   now,
		})
		if err != nil {
			log.Printf("[Waitlist] failed to re-queue entry %s: %v", e.ID, err)
		}
		return false
	}
	return true
}

func (s *Service) dispatchSlotOpen(ctx context.Context, e *studio.WaitlistEntry, token string, expires, now time.Time) error {
	if s.events == nil {
		return nil
	}
	u, err := s.store.GetUser(ctx, e.UserID)
	if err != nil {
		return err
	}
	payload := notify.SlotPayload(e.Slot, e.Service)
	payload["waitlist_entry_id"] = string(e.ID)
	payload["token"] = token
	payload["expires_at"] = expires.In(s.rules.Location).Format(time.RFC3339)
	return s.events.Dispatch(ctx, notify.NewEvent(notify.EventWaitlistSlotOpen, notify.RecipientOf(u), payload, now))
}

// SlotFreed notifies the waiting users of every service in slot in the
// background. A single-seat cancellation can open room for personal training
// too, so the freed service alone is not enough.
func (s *Service) SlotFreed(ctx context.Context, slot studio.Slot, _ studio.ServiceKey) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), slotFreedTimeout)
		defer cancel()
		if _, err := s.notifyWholeSlot(ctx, slot); err != nil {
			log.Printf("[Waitlist] notification for %s failed: %v", slot, err)
		}
	}()
}

// Wait blocks until background notifications started by SlotFreed finish.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) notifyWholeSlot(ctx context.Context, slot studio.Slot) (int, error) {
	waiting, err := s.store.ListWaitlist(ctx, studio.WaitlistFilter{
		Slot:     &slot,
		Statuses: []studio.WaitlistStatus{studio.WaitlistWaiting},
	})
	if err != nil {
		return 0, err
	}
	seen := make(map[studio.ServiceKey]bool)
	total := 0
	for _, e := range waiting {
		if seen[e.Service] {
			continue
		}
		seen[e.Service] = true
		n, err := s.NotifySlot(ctx, slot, e.Service)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// =============================================================================
// CLAIM
// =============================================================================

// Claim redeems a token for an appointment.
func (s *Service) Claim(ctx context.Context, actor studio.Actor, token string) (*studio.Appointment, error) {
	if token == "" {
		return nil, studio.ErrTokenInvalid
	}
	now := s.clock.Now()

	var (
		appt  *studio.Appointment
		entry *studio.WaitlistEntry
		user  *studio.User
	)
	err := s.store.WithTx(ctx, func(tx studio.Store) error {
		e, err := tx.GetWaitlistEntryByToken(ctx, token)
		if errors.Is(err, studio.ErrNotFound) {
			return studio.ErrTokenInvalid
		}
		if err != nil {
			return err
		}
		if e.Status != studio.WaitlistNotified || e.NotifyTokenExpiresAt == nil || !now.Before(*e.NotifyTokenExpiresAt) {
			return studio.ErrTokenInvalid
		}
		if !actor.CanActFor(e.UserID) {
			return studio.ErrTokenInvalid
		}

		if err := tx.LockSlot(ctx, e.Slot); err != nil {
			return err
		}
		reserved, err := tx.ListReserved(ctx, e.Slot)
		if err != nil {
			return err
		}
		for _, r := range reserved {
			if r.UserID == e.UserID {
				return studio.ErrAlreadyBooked
			}
		}
		m := s.capacity.Analyze(e.Slot, reserved, now)
		if m.CanBook(e.Service) != nil {
			return noLongerAvailable(e, m.TotalReserved, m.ElasticCap)
		}

		u, err := tx.GetUser(ctx, e.UserID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() {
			if err := s.bookings.CheckEligibility(u, e.Service, now); err != nil {
				return err
			}
		}

		a, err := s.bookings.Materialize(ctx, tx, actor, u, e.Slot, e.Service, now)
		if err != nil {
			return err
		}
		ok, err := tx.TransitionWaitlist(ctx, e.ID, studio.WaitlistTransition{
			From:          studio.WaitlistNotified,
			To:            studio.WaitlistClaimed,
			AppointmentID: &a.ID,
			At:            now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return studio.ErrTokenInvalid
		}
		appt, entry, user = a, e, u
		return nil
	})
	if errors.Is(err, studio.ErrUserSlotTaken) {
		return nil, studio.ErrAlreadyBooked
	}
	if errors.Is(err, studio.ErrUniqueViolation) {
		return nil, studio.ErrSlotNoLongerAvailable
	}
	if err != nil {
		return nil, studio.Internal("claim waitlist spot", err)
	}

	log.Printf("[Waitlist] %s claimed %s at %s", entry.UserID, entry.Service, entry.Slot)
	if s.events != nil {
		payload := notify.SlotPayload(appt.Slot, appt.Service)
		payload["appointment_id"] = string(appt.ID)
		e := notify.NewEvent(notify.EventWaitlistClaimed, notify.RecipientOf(user), payload, now)
		if err := s.events.Dispatch(ctx, e); err != nil {
			log.Printf("[Waitlist] failed to dispatch %s for %s: %v", e.Type, user.ID, err)
		}
	}
	return appt, nil
}

func noLongerAvailable(e *studio.WaitlistEntry, total, elasticCap int) error {
	return &studio.SlotUnavailableError{
		Reason:        studio.ErrSlotNoLongerAvailable,
		Slot:          e.Slot,
		Service:       e.Service,
		TotalReserved: total,
		ElasticCap:    elasticCap,
	}
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepResult counts what one Sweep did.
type SweepResult struct {
	Expired  int // entries whose slot already started
	Requeued int // notified entries whose token ran out
	Notified int
}

// Sweep expires entries of started slots, re-queues notified entries with
// expired tokens and runs NotifySlot for every future slot with waiting
// entries. Running it twice in a row changes nothing the second time.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.clock.Now()

	active, err := s.store.ListWaitlist(ctx, studio.WaitlistFilter{
		Statuses: []studio.WaitlistStatus{studio.WaitlistWaiting, studio.WaitlistNotified},
	})
	if err != nil {
		return res, studio.Internal("list waitlist", err)
	}

	type key struct {
		slot    studio.Slot
		service studio.ServiceKey
	}
	pending := make(map[key]bool)

	for _, e := range active {
		if !s.rules.SlotStart(e.Slot).After(now) {
			if s.transition(ctx, e, studio.WaitlistCancelled, now) {
				res.Expired++
			}
			continue
		}
		status := e.Status
		if status == studio.WaitlistNotified && e.NotifyTokenExpiresAt != nil && !now.Before(*e.NotifyTokenExpiresAt) {
			if s.transition(ctx, e, studio.WaitlistWaiting, now) {
				res.Requeued++
				status = studio.WaitlistWaiting
			}
		}
		if status == studio.WaitlistWaiting {
			pending[key{e.Slot, e.Service}] = true
		}
	}

	keys := make([]key, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].slot != keys[j].slot {
			return keys[i].slot.String() < keys[j].slot.String()
		}
		return keys[i].service < keys[j].service
	})
	for _, k := range keys {
		n, err := s.NotifySlot(ctx, k.slot, k.service)
		if err != nil {
			return res, err
		}
		res.Notified += n
	}
	return res, nil
}

func (s *Service) transition(ctx context.Context, e studio.WaitlistEntry, to studio.WaitlistStatus, now time.Time) bool {
	ok, err := s.store.TransitionWaitlist(ctx, e.ID, studio.WaitlistTransition{From: e.Status, To: to, At: now})
	if err != nil {
		log.Printf("[Waitlist] failed to move entry %s to %s: %v", e.ID, to, err)
		return false
	}
	return ok
}
