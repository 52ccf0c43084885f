package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/studio"
)

var slot = studio.NewSlot(studio.NewDate(2026, time.March, 4), studio.NewClockTime(10, 0))

var ana = Recipient{UserID: "u1", Name: "Ana", Email: "ana@example.com"}

// captureSender records messages and can block until released.
type captureSender struct {
	mu       sync.Mutex
	messages []Message
	release  chan struct{}
	fail     error
}

func (s *captureSender) Send(_ context.Context, m Message) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return s.fail
}

func (s *captureSender) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func TestRender(t *testing.T) {
	payload := SlotPayload(slot, studio.ServiceNutrition)
	payload["token"] = "tok-123"
	payload["expires_at"] = "2026-03-04T10:00:00Z"

	m := Render(NewEvent(EventWaitlistSlotOpen, ana, payload, time.Now()))

	assert.Equal(t, "ana@example.com", m.To)
	assert.Equal(t, "A spot opened up: Nutrition 2026-03-04 10:00", m.Subject)
	assert.Contains(t, m.Body, "Hi Ana,")
	assert.Contains(t, m.Body, "tok-123")
	assert.Contains(t, m.Body, "first to claim gets it")
}

func TestRender_CancelledMentionsRefund(t *testing.T) {
	payload := SlotPayload(slot, studio.ServicePersonalTraining)

	plain := Render(NewEvent(EventAppointmentCancelled, Recipient{Email: "x@example.com"}, payload, time.Now()))
	assert.NotContains(t, plain.Body, "credit is back")
	assert.Contains(t, plain.Body, "Hi there,")

	payload["refunded"] = "true"
	refunded := Render(NewEvent(EventAppointmentCancelled, ana, payload, time.Now()))
	assert.Contains(t, refunded.Body, "credit is back")
}

func TestQueue_DeliversAndDrains(t *testing.T) {
	// GIVEN a queue with two workers
	sender := &captureSender{}
	q := NewQueue(sender, 10, 2)

	// WHEN events are dispatched and the queue closed
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Dispatch(context.Background(), NewEvent(EventAppointmentBooked, ana, SlotPayload(slot, studio.ServicePersonalTraining), time.Now())))
	}
	q.Close()

	// THEN every event was delivered before Close returned
	assert.Len(t, sender.sent(), 5)
	assert.ErrorIs(t, q.Dispatch(context.Background(), Event{}), ErrQueueClosed)
	q.Close()
}

func TestQueue_FullRefuses(t *testing.T) {
	sender := &captureSender{release: make(chan struct{})}
	q := NewQueue(sender, 1, 1)
	ev := NewEvent(EventAppointmentReminder, ana, SlotPayload(slot, studio.ServiceActiveRehab), time.Now())

	// One event may sit in the worker, one in the buffer. Keep going until refused.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = q.Dispatch(context.Background(), ev)
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(sender.release)
	q.Close()
}

func TestQueue_DropsWithoutEmail(t *testing.T) {
	sender := &captureSender{fail: errors.New("smtp down")}
	q := NewQueue(sender, 4, 1)

	require.NoError(t, q.Dispatch(context.Background(), NewEvent(EventAppointmentBooked, Recipient{UserID: "u2"}, nil, time.Now())))
	// Delivery failures are logged, never surfaced to the caller
	require.NoError(t, q.Dispatch(context.Background(), NewEvent(EventAppointmentBooked, ana, nil, time.Now())))
	q.Close()

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ana.Email, sent[0].To)
}

func TestQueue_ReportsFailedDelivery(t *testing.T) {
	sender := &captureSender{fail: errors.New("smtp down")}
	q := NewQueue(sender, 4, 1)

	var mu sync.Mutex
	var failures []error
	ev := NewEvent(EventAppointmentReminder, ana, SlotPayload(slot, studio.ServiceNutrition), time.Now())
	ev.OnFailure = func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	require.NoError(t, q.Dispatch(context.Background(), ev))
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.EqualError(t, failures[0], "smtp down")
}

func TestQueue_NoFailureOnSuccess(t *testing.T) {
	sender := &captureSender{}
	q := NewQueue(sender, 4, 1)

	called := false
	ev := NewEvent(EventAppointmentBooked, ana, nil, time.Now())
	ev.OnFailure = func(error) { called = true }

	require.NoError(t, q.Dispatch(context.Background(), ev))
	q.Close()

	assert.False(t, called)
	assert.Len(t, sender.sent(), 1)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	require.NoError(t, r.Dispatch(ctx, NewEvent(EventAppointmentBooked, ana, nil, time.Now())))
	require.NoError(t, r.Dispatch(ctx, NewEvent(EventWaitlistClaimed, ana, nil, time.Now())))

	r.Fail(errors.New("broker down"))
	assert.Error(t, r.Dispatch(ctx, NewEvent(EventAppointmentBooked, ana, nil, time.Now())))
	r.Fail(nil)

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(EventWaitlistClaimed), 1)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "notify.waitlist_slot_open", RoutingKey(EventWaitlistSlotOpen))
}
