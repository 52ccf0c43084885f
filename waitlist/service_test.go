package waitlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/capacity"
	"github.com/warp/studio-engine/credits"
	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio"
)

// Monday 2026-03-02 09:00 UTC
var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Wednesday 10:00, 49 hours after start
var wednesday = studio.NewSlot(studio.NewDate(2026, time.March, 4), studio.NewClockTime(10, 0))

type env struct {
	store    *sqlite.Store
	clock    *studio.ManualClock
	ledger   *credits.Ledger
	events   *notify.Recorder
	bookings *booking.Service
	svc      *Service
	rules    studio.Rules
}

func newEnv(t *testing.T) *env {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rules := studio.DefaultRules()
	clock := studio.NewManualClock(start)
	ledger := credits.NewLedger(clock)
	events := notify.NewRecorder()
	engine := capacity.NewEngine(rules)
	bookings := booking.NewService(store, ledger, engine, rules, clock, events)
	svc := NewService(store, bookings, engine, rules, clock, events)
	bookings.OnSlotFreed(svc)
	t.Cleanup(svc.Wait)

	return &env{store: store, clock: clock, ledger: ledger, events: events, bookings: bookings, svc: svc, rules: rules}
}

func (e *env) client(t *testing.T, name string, n int) *studio.User {
	t.Helper()
	now := e.clock.Now()
	u := &studio.User{
		ID:                 studio.NewUserID(),
		Name:               name,
		Email:              name + "@example.com",
		Role:               studio.RoleClient,
		Membership:         studio.BasicMembership(),
		MedicalClearanceAt: &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if n > 0 {
		_, err := e.ledger.AddLot(u, n, studio.ScopeAll, "test")
		require.NoError(t, err)
	}
	require.NoError(t, e.store.SaveUser(context.Background(), u))
	return u
}

func (e *env) book(t *testing.T, u *studio.User, service studio.ServiceKey) *studio.Appointment {
	t.Helper()
	a, err := e.bookings.Book(context.Background(), actorOf(u), u.ID, wednesday, service)
	require.NoError(t, err)
	return a
}

func (e *env) entry(t *testing.T, id studio.WaitlistEntryID) *studio.WaitlistEntry {
	t.Helper()
	got, err := e.store.GetWaitlistEntry(context.Background(), id)
	require.NoError(t, err)
	return got
}

func actorOf(u *studio.User) studio.Actor { return studio.Actor{UserID: u.ID, Role: u.Role} }

// fillPersonalTraining books the four personal-training seats open 49h out.
func (e *env) fillPersonalTraining(t *testing.T) []*studio.Appointment {
	var out []*studio.Appointment
	for i := 0; i < e.rules.BaseCap; i++ {
		out = append(out, e.book(t, e.client(t, "holder", 1), studio.ServicePersonalTraining))
	}
	return out
}

// =============================================================================
// ENROLL
// =============================================================================

func TestEnroll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	holder := e.client(t, "holder", 1)
	e.book(t, holder, studio.ServiceNutrition)

	u := e.client(t, "ana", 1)
	entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServiceNutrition)
	require.NoError(t, err)
	assert.Equal(t, studio.WaitlistWaiting, entry.Status)
	assert.Empty(t, entry.NotifyToken)

	t.Run("duplicate", func(t *testing.T) {
		_, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServiceNutrition)
		assert.True(t, errors.Is(err, studio.ErrDuplicateWaitlist))
	})

	t.Run("slot has room", func(t *testing.T) {
		_, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
		assert.True(t, errors.Is(err, studio.ErrValidation))
	})

	t.Run("already booked in the slot", func(t *testing.T) {
		_, err := e.svc.Enroll(ctx, actorOf(holder), holder.ID, wednesday, studio.ServiceNutrition)
		assert.True(t, errors.Is(err, studio.ErrAlreadyBooked))
	})

	t.Run("past slot", func(t *testing.T) {
		past := studio.NewSlot(studio.NewDate(2026, time.March, 2), studio.NewClockTime(8, 0))
		_, err := e.svc.Enroll(ctx, actorOf(u), u.ID, past, studio.ServiceNutrition)
		assert.True(t, errors.Is(err, studio.ErrValidation))
	})

	t.Run("withdraw then rejoin", func(t *testing.T) {
		withdrawn, err := e.svc.Withdraw(ctx, actorOf(u), entry.ID)
		require.NoError(t, err)
		assert.Equal(t, studio.WaitlistCancelled, withdrawn.Status)

		_, err = e.svc.Withdraw(ctx, actorOf(u), entry.ID)
		assert.True(t, errors.Is(err, studio.ErrValidation))

		_, err = e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServiceNutrition)
		assert.NoError(t, err)
	})
}

// movingStore runs move once, right before the first waitlist transition,
// so the entry changes between being read and being updated.
type movingStore struct {
	studio.TxStore
	once sync.Once
	move func()
}

func (m *movingStore) TransitionWaitlist(ctx context.Context, id studio.WaitlistEntryID, tr studio.WaitlistTransition) (bool, error) {
	m.once.Do(m.move)
	return m.TxStore.TransitionWaitlist(ctx, id, tr)
}

func TestWithdraw_EntryMovedMeanwhile(t *testing.T) {
	ctx := context.Background()
	expires := wednesday.Start(time.UTC)

	tests := []struct {
		name    string
		to      studio.WaitlistStatus
		wantErr bool
	}{
		// Expired by the sweep: report what it became
		{"cancelled meanwhile", studio.WaitlistCancelled, true},
		// Still active: withdraw from the new status
		{"notified meanwhile", studio.WaitlistNotified, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: a waiting entry for a full nutrition seat
			e := newEnv(t)
			e.book(t, e.client(t, "holder", 1), studio.ServiceNutrition)
			u := e.client(t, "ana", 1)
			entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServiceNutrition)
			require.NoError(t, err)

			moving := &movingStore{TxStore: e.store}
			moving.move = func() {
				tr := studio.WaitlistTransition{From: studio.WaitlistWaiting, To: tt.to, At: start}
				if tt.to == studio.WaitlistNotified {
					tr.Token = "tok-moved"
					tr.TokenExpiresAt = &expires
				}
				ok, err := e.store.TransitionWaitlist(ctx, entry.ID, tr)
				require.NoError(t, err)
				require.True(t, ok)
			}
			svc := NewService(moving, e.bookings, capacity.NewEngine(e.rules), e.rules, e.clock, e.events)

			// WHEN: the user withdraws while the entry moves
			got, err := svc.Withdraw(ctx, actorOf(u), entry.ID)

			// THEN
			if tt.wantErr {
				var ve *studio.ValidationError
				require.True(t, errors.As(err, &ve), "got %v", err)
				assert.Equal(t, "entry is already cancelled", ve.Reason)
				assert.False(t, errors.Is(err, studio.ErrConflict))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, studio.WaitlistCancelled, got.Status)
			assert.Equal(t, studio.WaitlistCancelled, e.entry(t, entry.ID).Status)
		})
	}
}

// =============================================================================
// NOTIFY
// =============================================================================

func TestCancellationNotifiesEveryWaiter(t *testing.T) {
	// GIVEN: a full personal-training slot with three people waiting
	e := newEnv(t)
	ctx := context.Background()
	held := e.fillPersonalTraining(t)
	var entries []*studio.WaitlistEntry
	for _, name := range []string{"ana", "bea", "cia"} {
		u := e.client(t, name, 1)
		entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
		require.NoError(t, err)
		entries = append(entries, entry)
	}

	// WHEN: one seat is cancelled
	_, err := e.bookings.Cancel(ctx, studio.Actor{UserID: held[0].UserID, Role: studio.RoleClient}, held[0].ID)
	require.NoError(t, err)
	e.svc.Wait()

	// THEN: all three are notified with their own token
	tokens := map[string]bool{}
	expected := start.Add(e.rules.ClaimTokenTTL)
	for _, en := range entries {
		got := e.entry(t, en.ID)
		assert.Equal(t, studio.WaitlistNotified, got.Status)
		require.NotEmpty(t, got.NotifyToken)
		tokens[got.NotifyToken] = true
		require.NotNil(t, got.NotifyTokenExpiresAt)
		assert.True(t, expected.Equal(*got.NotifyTokenExpiresAt), "48h is earlier than slot start")
	}
	assert.Len(t, tokens, 3)

	open := e.events.OfType(notify.EventWaitlistSlotOpen)
	require.Len(t, open, 3)
	assert.NotEmpty(t, open[0].Payload["token"])

	// AND: notifying again does nothing
	n, err := e.svc.NotifySlot(ctx, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNotifySlot_TokenExpiresAtSlotStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	held := e.fillPersonalTraining(t)
	u := e.client(t, "ana", 1)
	entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)

	// A client can no longer cancel this late, so free the seat as admin
	e.clock.Set(e.rules.SlotStart(wednesday).Add(-3 * time.Hour))
	_, err = e.bookings.Cancel(ctx, studio.Actor{UserID: "admin", Role: studio.RoleAdmin}, held[0].ID)
	require.NoError(t, err)
	e.svc.Wait()

	got := e.entry(t, entry.ID)
	require.NotNil(t, got.NotifyTokenExpiresAt)
	assert.True(t, e.rules.SlotStart(wednesday).Equal(*got.NotifyTokenExpiresAt))
}

func TestNotifySlot_NoRoomNoNotification(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fillPersonalTraining(t)
	u := e.client(t, "ana", 1)
	entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)

	n, err := e.svc.NotifySlot(ctx, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, studio.WaitlistWaiting, e.entry(t, entry.ID).Status)
}

func TestNotifySlot_DispatchFailureRequeues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	held := e.fillPersonalTraining(t)
	u := e.client(t, "ana", 1)
	entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)

	e.events.Fail(errors.New("broker down"))
	_, err = e.bookings.Cancel(ctx, studio.Actor{UserID: held[0].UserID, Role: studio.RoleClient}, held[0].ID)
	require.NoError(t, err, "notification trouble never fails the cancellation")
	e.svc.Wait()

	got := e.entry(t, entry.ID)
	assert.Equal(t, studio.WaitlistWaiting, got.Status)
	assert.Empty(t, got.NotifyToken)

	// The sweep picks it up once dispatch works again
	e.events.Fail(nil)
	res, err := e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, studio.WaitlistNotified, e.entry(t, entry.ID).Status)
}

// =============================================================================
// CLAIM
// =============================================================================

func TestClaim_TwoUsersOneSeat(t *testing.T) {
	// GIVEN: two users notified for the same freed nutrition seat
	e := newEnv(t)
	ctx := context.Background()
	holder := e.client(t, "holder", 1)
	held := e.book(t, holder, studio.ServiceNutrition)

	a, b := e.client(t, "ana", 1), e.client(t, "bea", 1)
	ea, err := e.svc.Enroll(ctx, actorOf(a), a.ID, wednesday, studio.ServiceNutrition)
	require.NoError(t, err)
	eb, err := e.svc.Enroll(ctx, actorOf(b), b.ID, wednesday, studio.ServiceNutrition)
	require.NoError(t, err)

	_, err = e.bookings.Cancel(ctx, actorOf(holder), held.ID)
	require.NoError(t, err)
	e.svc.Wait()
	tokA, tokB := e.entry(t, ea.ID).NotifyToken, e.entry(t, eb.ID).NotifyToken
	require.NotEmpty(t, tokA)
	require.NotEmpty(t, tokB)

	// WHEN: both claim at once
	var wg sync.WaitGroup
	var errA, errB error
	var apptA, apptB *studio.Appointment
	wg.Add(2)
	go func() { defer wg.Done(); apptA, errA = e.svc.Claim(ctx, actorOf(a), tokA) }()
	go func() { defer wg.Done(); apptB, errB = e.svc.Claim(ctx, actorOf(b), tokB) }()
	wg.Wait()

	// THEN: exactly one gets the appointment
	if errA == nil {
		require.NotNil(t, apptA)
		assert.True(t, errors.Is(errB, studio.ErrSlotNoLongerAvailable), "got %v", errB)
	} else {
		require.NoError(t, errB)
		require.NotNil(t, apptB)
		assert.True(t, errors.Is(errA, studio.ErrSlotNoLongerAvailable), "got %v", errA)
	}

	// AND: only one credit was debited in total
	ua, err := e.store.GetUser(ctx, a.ID)
	require.NoError(t, err)
	ub, err := e.store.GetUser(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, 2-ua.Credits-ub.Credits)

	reserved, err := e.store.ListReserved(ctx, wednesday)
	require.NoError(t, err)
	assert.Len(t, reserved, 1)
}

func TestClaim_ManyUsersOneElasticSeat(t *testing.T) {
	// GIVEN: a full personal-training slot and six notified waiters
	e := newEnv(t)
	ctx := context.Background()
	held := e.fillPersonalTraining(t)

	const n = 6
	users := make([]*studio.User, n)
	entries := make([]*studio.WaitlistEntry, n)
	for i := range users {
		users[i] = e.client(t, "waiter", 1)
		var err error
		entries[i], err = e.svc.Enroll(ctx, actorOf(users[i]), users[i].ID, wednesday, studio.ServicePersonalTraining)
		require.NoError(t, err)
	}
	_, err := e.bookings.Cancel(ctx, studio.Actor{UserID: held[0].UserID, Role: studio.RoleClient}, held[0].ID)
	require.NoError(t, err)
	e.svc.Wait()

	// WHEN: all claim concurrently
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range users {
		token := e.entry(t, entries[i].ID).NotifyToken
		require.NotEmpty(t, token)
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			_, errs[i] = e.svc.Claim(ctx, actorOf(users[i]), token)
		}(i, token)
	}
	wg.Wait()

	// THEN: one wins, everyone else is told the seat is gone
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, studio.ErrSlotNoLongerAvailable), "got %v", err)
	}
	assert.Equal(t, 1, wins)

	reserved, err := e.store.ListReserved(ctx, wednesday)
	require.NoError(t, err)
	assert.Len(t, reserved, e.rules.BaseCap)
}

func TestClaim_Success(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	held := e.fillPersonalTraining(t)
	u := e.client(t, "ana", 2)
	entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	_, err = e.bookings.Cancel(ctx, studio.Actor{UserID: held[0].UserID, Role: studio.RoleClient}, held[0].ID)
	require.NoError(t, err)
	e.svc.Wait()
	token := e.entry(t, entry.ID).NotifyToken

	appt, err := e.svc.Claim(ctx, actorOf(u), token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, appt.UserID)
	require.NotNil(t, appt.CreditLotID)

	got := e.entry(t, entry.ID)
	assert.Equal(t, studio.WaitlistClaimed, got.Status)
	assert.Empty(t, got.NotifyToken)
	require.NotNil(t, got.AppointmentID)
	assert.Equal(t, appt.ID, *got.AppointmentID)

	user, err := e.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, user.Credits)
	assert.Len(t, e.events.OfType(notify.EventWaitlistClaimed), 1)

	// Tokens are single use
	_, err = e.svc.Claim(ctx, actorOf(u), token)
	assert.True(t, errors.Is(err, studio.ErrTokenInvalid))
}

func TestClaim_Rejections(t *testing.T) {
	ctx := context.Background()

	// notified returns an env with one notified entry for ana.
	notified := func(t *testing.T) (*env, *studio.User, string) {
		e := newEnv(t)
		held := e.fillPersonalTraining(t)
		u := e.client(t, "ana", 1)
		entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
		require.NoError(t, err)
		_, err = e.bookings.Cancel(ctx, studio.Actor{UserID: held[0].UserID, Role: studio.RoleClient}, held[0].ID)
		require.NoError(t, err)
		e.svc.Wait()
		return e, u, e.entry(t, entry.ID).NotifyToken
	}

	t.Run("unknown token", func(t *testing.T) {
		e, u, _ := notified(t)
		_, err := e.svc.Claim(ctx, actorOf(u), "not-a-token")
		assert.True(t, errors.Is(err, studio.ErrTokenInvalid))
		_, err = e.svc.Claim(ctx, actorOf(u), "")
		assert.True(t, errors.Is(err, studio.ErrTokenInvalid))
	})

	t.Run("expired token", func(t *testing.T) {
		e, u, token := notified(t)
		e.clock.Advance(e.rules.ClaimTokenTTL)
		_, err := e.svc.Claim(ctx, actorOf(u), token)
		assert.True(t, errors.Is(err, studio.ErrTokenInvalid))
	})

	t.Run("someone else's token", func(t *testing.T) {
		e, _, token := notified(t)
		other := e.client(t, "bea", 1)
		_, err := e.svc.Claim(ctx, actorOf(other), token)
		assert.True(t, errors.Is(err, studio.ErrTokenInvalid))
	})

	t.Run("already booked in the slot", func(t *testing.T) {
		e, u, token := notified(t)
		_, err := e.bookings.Book(ctx, actorOf(u), u.ID, wednesday, studio.ServiceNutrition)
		require.NoError(t, err)
		_, err = e.svc.Claim(ctx, actorOf(u), token)
		assert.True(t, errors.Is(err, studio.ErrAlreadyBooked))
	})

	t.Run("suspended since notification", func(t *testing.T) {
		e, u, token := notified(t)
		got, err := e.store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		got.Suspended = true
		require.NoError(t, e.store.SaveUser(ctx, got))

		_, err = e.svc.Claim(ctx, actorOf(u), token)
		assert.True(t, errors.Is(err, studio.ErrAccountSuspended))
	})

	t.Run("out of credits", func(t *testing.T) {
		e := newEnv(t)
		held := e.fillPersonalTraining(t)
		u := e.client(t, "ana", 0)
		entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
		require.NoError(t, err)
		_, err = e.bookings.Cancel(ctx, studio.Actor{UserID: held[0].UserID, Role: studio.RoleClient}, held[0].ID)
		require.NoError(t, err)
		e.svc.Wait()

		_, err = e.svc.Claim(ctx, actorOf(u), e.entry(t, entry.ID).NotifyToken)
		assert.True(t, errors.Is(err, studio.ErrInsufficientCredits))
		assert.Equal(t, studio.WaitlistNotified, e.entry(t, entry.ID).Status)
	})
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep(t *testing.T) {
	// GIVEN: one notified waiter whose token will run out
	e := newEnv(t)
	ctx := context.Background()
	held := e.fillPersonalTraining(t)
	u := e.client(t, "ana", 1)
	entry, err := e.svc.Enroll(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	_, err = e.bookings.Cancel(ctx, studio.Actor{UserID: held[0].UserID, Role: studio.RoleClient}, held[0].ID)
	require.NoError(t, err)
	e.svc.Wait()
	first := e.entry(t, entry.ID).NotifyToken

	// WHEN: the sweep runs after the token expired but before the slot
	e.clock.Set(start.Add(e.rules.ClaimTokenTTL))
	res, err := e.svc.Sweep(ctx)
	require.NoError(t, err)

	// THEN: the entry is re-queued and, with the seat still free, notified afresh
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Notified)
	got := e.entry(t, entry.ID)
	assert.Equal(t, studio.WaitlistNotified, got.Status)
	assert.NotEqual(t, first, got.NotifyToken)

	// AND: running it again changes nothing
	res, err = e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	// WHEN: the slot starts
	e.clock.Set(e.rules.SlotStart(wednesday))
	res, err = e.svc.Sweep(ctx)
	require.NoError(t, err)

	// THEN: the entry is closed
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, studio.WaitlistCancelled, e.entry(t, entry.ID).Status)
}

func TestListForUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fillPersonalTraining(t)
	a, b := e.client(t, "ana", 1), e.client(t, "bea", 1)
	_, err := e.svc.Enroll(ctx, actorOf(a), a.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)

	mine, err := e.svc.ListForUser(ctx, actorOf(a), a.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	_, err = e.svc.ListForUser(ctx, actorOf(b), a.ID)
	assert.True(t, errors.Is(err, studio.ErrForbidden))
}
