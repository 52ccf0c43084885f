// Package storetest holds the behaviour every studio.TxStore must share.
// Each store package runs Run against its own constructor.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/studio"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) studio.TxStore

var (
	base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	slot = studio.NewSlot(studio.NewDate(2026, time.March, 10), studio.NewClockTime(10, 0))
)

func Run(t *testing.T, newStore Factory) {
	t.Run("UserRoundTrip", func(t *testing.T) { testUserRoundTrip(t, newStore(t)) })
	t.Run("UserNotFound", func(t *testing.T) { testUserNotFound(t, newStore(t)) })
	t.Run("DeleteUserCascades", func(t *testing.T) { testDeleteUserCascades(t, newStore(t)) })
	t.Run("ReservedSeatUnique", func(t *testing.T) { testReservedSeatUnique(t, newStore(t)) })
	t.Run("UserSlotUnique", func(t *testing.T) { testUserSlotUnique(t, newStore(t)) })
	t.Run("CancelAppointmentOnce", func(t *testing.T) { testCancelAppointmentOnce(t, newStore(t)) })
	t.Run("AppointmentFilters", func(t *testing.T) { testAppointmentFilters(t, newStore(t)) })
	t.Run("ReminderMarker", func(t *testing.T) { testReminderMarker(t, newStore(t)) })
	t.Run("WaitlistUniqueAndTokens", func(t *testing.T) { testWaitlist(t, newStore(t)) })
	t.Run("TransactionIdempotency", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
}

// NewUser saves a client with one EP lot and returns it.
func NewUser(t *testing.T, s studio.Store, name string) *studio.User {
	t.Helper()
	expires := base.Add(30 * 24 * time.Hour)
	u := &studio.User{
		ID:         studio.NewUserID(),
		Name:       name,
		Email:      name + "@example.com",
		Role:       studio.RoleClient,
		Membership: studio.BasicMembership(),
		CreatedAt:  base,
		UpdatedAt:  base,
	}
	u.CreditLots = []studio.CreditLot{{
		ID:        studio.NewLotID(),
		UserID:    u.ID,
		Scope:     studio.ScopeFor(studio.ServicePersonalTraining),
		Amount:    4,
		Remaining: 4,
		ExpiresAt: &expires,
		Source:    "purchase:test",
		CreatedAt: base,
	}}
	u.Credits = 4
	require.NoError(t, s.SaveUser(context.Background(), u))
	return u
}

func appointment(u *studio.User, service studio.ServiceKey) *studio.Appointment {
	return &studio.Appointment{
		ID:        studio.NewAppointmentID(),
		UserID:    u.ID,
		Slot:      slot,
		Service:   service,
		Status:    studio.AppointmentReserved,
		BookedBy:  u.ID,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func testUserRoundTrip(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "ana")

	clearance := base.Add(time.Hour)
	plusUntil := base.Add(90 * 24 * time.Hour)
	u.MedicalClearanceAt = &clearance
	u.Membership = studio.PlusMembership(plusUntil)
	u.Cancellations = studio.CancellationWindow{WindowStart: base, Used: 1}
	u.CreditLots[0].Remaining = 2
	u.Credits = 2
	require.NoError(t, s.SaveUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Name, got.Name)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, studio.TierPlus, got.Membership.Tier)
	require.NotNil(t, got.Membership.ExpiresAt)
	assert.True(t, plusUntil.Equal(*got.Membership.ExpiresAt))
	require.NotNil(t, got.MedicalClearanceAt)
	assert.True(t, clearance.Equal(*got.MedicalClearanceAt))
	assert.True(t, base.Equal(got.Cancellations.WindowStart))
	assert.Equal(t, 1, got.Cancellations.Used)
	assert.Equal(t, 2, got.Credits)
	require.Len(t, got.CreditLots, 1)
	assert.Equal(t, 2, got.CreditLots[0].Remaining)
	assert.Equal(t, 4, got.CreditLots[0].Amount)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func testUserNotFound(t *testing.T, s studio.TxStore) {
	_, err := s.GetUser(context.Background(), "missing")
	assert.True(t, errors.Is(err, studio.ErrNotFound))
}

func testDeleteUserCascades(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "bea")
	require.NoError(t, s.CreateAppointment(ctx, appointment(u, studio.ServiceNutrition)))
	require.NoError(t, s.AppendTransaction(ctx, studio.Transaction{
		ID: studio.NewTransactionID(), UserID: u.ID, Type: studio.TxGrant, Delta: 4,
		IdempotencyKey: "grant:x", CreatedAt: base,
	}))

	require.NoError(t, s.DeleteUser(ctx, u.ID))

	_, err := s.GetUser(ctx, u.ID)
	assert.True(t, errors.Is(err, studio.ErrNotFound))
	reserved, err := s.ListReserved(ctx, slot)
	require.NoError(t, err)
	assert.Empty(t, reserved)
	txs, err := s.ListTransactions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)

	assert.True(t, errors.Is(s.DeleteUser(ctx, u.ID), studio.ErrNotFound))
}

func testReservedSeatUnique(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	a, b, c := NewUser(t, s, "a"), NewUser(t, s, "b"), NewUser(t, s, "c")

	// Single-seat service: second reserved row for the slot is rejected
	require.NoError(t, s.CreateAppointment(ctx, appointment(a, studio.ServiceActiveRehab)))
	err := s.CreateAppointment(ctx, appointment(b, studio.ServiceActiveRehab))
	assert.True(t, errors.Is(err, studio.ErrUniqueViolation), "got %v", err)

	// Personal training is not limited by the index
	require.NoError(t, s.CreateAppointment(ctx, appointment(b, studio.ServicePersonalTraining)))
	require.NoError(t, s.CreateAppointment(ctx, appointment(c, studio.ServicePersonalTraining)))

	reserved, err := s.ListReserved(ctx, slot)
	require.NoError(t, err)
	assert.Len(t, reserved, 3)
}

func testUserSlotUnique(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "u")

	// GIVEN: a reserved appointment for the user
	first := appointment(u, studio.ServiceNutrition)
	require.NoError(t, s.CreateAppointment(ctx, first))

	// WHEN: a second one for the same slot is written, any service
	err := s.CreateAppointment(ctx, appointment(u, studio.ServicePersonalTraining))

	// THEN: it is refused as the user's own duplicate, not a full slot
	assert.True(t, errors.Is(err, studio.ErrUserSlotTaken), "got %v", err)
	assert.False(t, errors.Is(err, studio.ErrUniqueViolation))
	reserved, err := s.ListReserved(ctx, slot)
	require.NoError(t, err)
	assert.Len(t, reserved, 1)

	// Another slot, or the same slot after cancelling, is fine
	other := appointment(u, studio.ServicePersonalTraining)
	other.Slot = studio.NewSlot(slot.Date, studio.NewClockTime(11, 0))
	require.NoError(t, s.CreateAppointment(ctx, other))

	ok, err := s.CancelAppointment(ctx, first.ID, base)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.CreateAppointment(ctx, appointment(u, studio.ServicePersonalTraining)))
}

func testCancelAppointmentOnce(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "c")
	first := appointment(u, studio.ServiceActiveRehab)
	require.NoError(t, s.CreateAppointment(ctx, first))

	ok, err := s.CancelAppointment(ctx, first.ID, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CancelAppointment(ctx, first.ID, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")

	got, err := s.GetAppointment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.AppointmentCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, base.Add(time.Hour).Equal(*got.CancelledAt))

	// The seat is free again for a new appointment
	require.NoError(t, s.CreateAppointment(ctx, appointment(u, studio.ServiceActiveRehab)))
}

func testAppointmentFilters(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	a, b := NewUser(t, s, "a"), NewUser(t, s, "b")

	lot := a.CreditLots[0].ID
	withLot := appointment(a, studio.ServicePersonalTraining)
	withLot.CreditLotID = &lot
	require.NoError(t, s.CreateAppointment(ctx, withLot))

	later := appointment(b, studio.ServicePersonalTraining)
	later.Slot = studio.NewSlot(slot.Date.AddDays(3), slot.Time)
	require.NoError(t, s.CreateAppointment(ctx, later))

	got, err := s.ListAppointments(ctx, studio.AppointmentFilter{UserID: &a.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].CreditLotID)
	assert.Equal(t, lot, *got[0].CreditLotID)
	assert.Equal(t, slot, got[0].Slot)

	from := slot.Date.AddDays(1)
	got, err = s.ListAppointments(ctx, studio.AppointmentFilter{From: &from})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, later.ID, got[0].ID)

	to := slot.Date
	cancelled := studio.AppointmentCancelled
	got, err = s.ListAppointments(ctx, studio.AppointmentFilter{To: &to, Status: &cancelled})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testReminderMarker(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "r")
	a := appointment(u, studio.ServiceNutrition)
	require.NoError(t, s.CreateAppointment(ctx, a))

	ok, err := s.MarkReminderSent(ctx, a.ID, base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkReminderSent(ctx, a.ID, base)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	pending, err := s.ListAppointments(ctx, studio.AppointmentFilter{ReminderPending: true})
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.ClearReminderSent(ctx, a.ID))
	pending, err = s.ListAppointments(ctx, studio.AppointmentFilter{ReminderPending: true})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testWaitlist(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "w")
	entry := &studio.WaitlistEntry{
		ID: studio.NewWaitlistEntryID(), UserID: u.ID, Slot: slot, Service: studio.ServicePersonalTraining,
		Status: studio.WaitlistWaiting, CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.CreateWaitlistEntry(ctx, entry))

	dup := *entry
	dup.ID = studio.NewWaitlistEntryID()
	assert.True(t, errors.Is(s.CreateWaitlistEntry(ctx, &dup), studio.ErrUniqueViolation))

	// waiting -> notified with a token
	expires := base.Add(48 * time.Hour)
	ok, err := s.TransitionWaitlist(ctx, entry.ID, studio.WaitlistTransition{
		From: studio.WaitlistWaiting, To: studio.WaitlistNotified, Token: "tok-1", TokenExpiresAt: &expires, At: base,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// stale From loses
	ok, err = s.TransitionWaitlist(ctx, entry.ID, studio.WaitlistTransition{
		From: studio.WaitlistWaiting, To: studio.WaitlistNotified, Token: "tok-2", TokenExpiresAt: &expires, At: base,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetWaitlistEntryByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, studio.WaitlistNotified, got.Status)
	require.NotNil(t, got.NotifyTokenExpiresAt)
	assert.True(t, expires.Equal(*got.NotifyTokenExpiresAt))

	// claimed clears the token and records the appointment
	apptID := studio.NewAppointmentID()
	ok, err = s.TransitionWaitlist(ctx, entry.ID, studio.WaitlistTransition{
		From: studio.WaitlistNotified, To: studio.WaitlistClaimed, AppointmentID: &apptID, At: base,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetWaitlistEntryByToken(ctx, "tok-1")
	assert.True(t, errors.Is(err, studio.ErrNotFound))
	got, err = s.GetWaitlistEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, got.NotifyToken)
	assert.Nil(t, got.NotifyTokenExpiresAt)
	require.NotNil(t, got.AppointmentID)
	assert.Equal(t, apptID, *got.AppointmentID)

	// no active entry left, so the user may queue again
	require.NoError(t, s.CreateWaitlistEntry(ctx, &dup))

	service := studio.ServicePersonalTraining
	active, err := s.ListWaitlist(ctx, studio.WaitlistFilter{
		Slot: &slot, Service: &service, Statuses: []studio.WaitlistStatus{studio.WaitlistWaiting, studio.WaitlistNotified},
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, dup.ID, active[0].ID)

	mine, err := s.ListWaitlist(ctx, studio.WaitlistFilter{UserID: &u.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func testTransactions(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "t")
	lot := u.CreditLots[0].ID
	tx := studio.Transaction{
		ID:             studio.NewTransactionID(),
		UserID:         u.ID,
		LotID:          &lot,
		Type:           studio.TxConsumption,
		Delta:          -1,
		Service:        studio.ServicePersonalTraining,
		ReferenceID:    "appt-1",
		IdempotencyKey: "consume:appt-1",
		Metadata:       map[string]string{"package": "ep-4"},
		CreatedBy:      u.ID,
		CreatedAt:      base,
	}
	require.NoError(t, s.AppendTransaction(ctx, tx))

	again := tx
	again.ID = studio.NewTransactionID()
	assert.True(t, errors.Is(s.AppendTransaction(ctx, again), studio.ErrDuplicateIdempotencyKey))

	txs, err := s.ListTransactions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, -1, txs[0].Delta)
	assert.Equal(t, "ep-4", txs[0].Metadata["package"])
	require.NotNil(t, txs[0].LotID)
	assert.Equal(t, lot, *txs[0].LotID)
}

func testWithTxRollback(t *testing.T, s studio.TxStore) {
	ctx := context.Background()
	u := NewUser(t, s, "x")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx studio.Store) error {
		require.NoError(t, tx.LockSlot(ctx, slot))
		require.NoError(t, tx.CreateAppointment(ctx, appointment(u, studio.ServiceNutrition)))
		got, err := tx.GetUser(ctx, u.ID)
		require.NoError(t, err)
		got.CreditLots[0].Remaining = 0
		require.NoError(t, tx.SaveUser(ctx, got))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	reserved, err := s.ListReserved(ctx, slot)
	require.NoError(t, err)
	assert.Empty(t, reserved)
	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.CreditLots[0].Remaining)
}
