package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/capacity"
	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/studio"
)

func TestSendReminders(t *testing.T) {
	// GIVEN: one booking 49h out and one a week out
	e := newEnv(t)
	ctx := context.Background()
	u := e.client(t, "ana", 4, studio.ScopeAll)
	soon, err := e.svc.Book(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	nextWeek := studio.NewSlot(wednesday.Date.AddDays(7), wednesday.Time)
	_, err = e.svc.Book(ctx, actorOf(u), u.ID, nextWeek, studio.ServicePersonalTraining)
	require.NoError(t, err)

	// WHEN: the sweep runs while both are more than a day away
	sent, err := e.svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// WHEN: it runs 20 hours before the first
	e.clock.Set(e.rules.SlotStart(wednesday).Add(-20 * time.Hour))
	sent, err = e.svc.SendReminders(ctx)
	require.NoError(t, err)

	// THEN: only that one is reminded
	assert.Equal(t, 1, sent)
	reminders := e.events.OfType(notify.EventAppointmentReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, string(soon.ID), reminders[0].Payload["appointment_id"])

	// AND: re-running the tick sends nothing new
	sent, err = e.svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Len(t, e.events.OfType(notify.EventAppointmentReminder), 1)
}

func TestSendReminders_RetriesFailedDispatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.client(t, "ana", 4, studio.ScopeAll)
	appt, err := e.svc.Book(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	e.clock.Set(e.rules.SlotStart(wednesday).Add(-2 * time.Hour))

	// GIVEN: the dispatcher refuses events
	e.events.Fail(errors.New("queue full"))
	sent, err := e.svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// THEN: the marker was released
	got, err := e.store.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReminderSentAt)

	// WHEN: dispatch recovers, the next tick sends it
	e.events.Fail(nil)
	sent, err = e.svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

// mailbox is a notify.Sender that counts attempts and fails while err is set.
type mailbox struct {
	mu       sync.Mutex
	attempts int
	err      error
}

func (m *mailbox) Send(_ context.Context, _ notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.err
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func TestSendReminders_RetriesFailedDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.client(t, "ana", 4, studio.ScopeAll)
	appt, err := e.svc.Book(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	e.clock.Set(e.rules.SlotStart(wednesday).Add(-2 * time.Hour))

	// GIVEN: a queue that accepts the reminder but whose mail server is down
	mail := &mailbox{err: errors.New("smtp down")}
	q := notify.NewQueue(mail, 8, 1)
	svc := NewService(e.store, e.ledger, capacity.NewEngine(e.rules), e.rules, e.clock, q)

	sent, err := svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	q.Close()

	// THEN: the failed delivery released the marker
	assert.Equal(t, 1, mail.count())
	got, err := e.store.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReminderSentAt)

	// WHEN: the mail server recovers, the next tick sends it once
	mail.err = nil
	q = notify.NewQueue(mail, 8, 1)
	svc = NewService(e.store, e.ledger, capacity.NewEngine(e.rules), e.rules, e.clock, q)
	sent, err = svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	q.Close()
	assert.Equal(t, 2, mail.count())

	got, err = e.store.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReminderSentAt)

	sent, err = svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestSendReminders_SkipsCancelled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.client(t, "ana", 4, studio.ScopeAll)
	appt, err := e.svc.Book(ctx, actorOf(u), u.ID, wednesday, studio.ServicePersonalTraining)
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, actorOf(u), appt.ID)
	require.NoError(t, err)

	e.clock.Set(e.rules.SlotStart(wednesday).Add(-2 * time.Hour))
	sent, err := e.svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}
