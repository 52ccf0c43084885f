/*
Package notify is the outbound side of the engine: every email the studio
sends starts life here as an Event.

PURPOSE:
  Business operations never talk to a mail server. They hand an Event to a
  Dispatcher and move on. Delivery happens elsewhere, asynchronously, and a
  delivery failure never fails the operation that requested it.

DISPATCHERS:
  Queue:          in-process buffered queue with worker goroutines that
                  render events and hand them to a Sender
  AMQPPublisher:  publishes events to a RabbitMQ topic exchange for an
                  external mail worker
  Recorder:       keeps events in memory (tests, dry runs)

SENDERS (used by Queue):
  LogSender, SMTPSender (gomail), SendGridSender

DISPATCH vs DELIVERY:
  Dispatch returning an error means the event was NOT accepted (queue full,
  broker down). A Queue that accepts an event and then fails to send it
  logs the failure and calls Event.OnFailure. Sweeps hook both paths to
  revert their "processed" marker so the next tick retries.
*/
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventAppointmentBooked    EventType = "appointment_booked"
	EventAppointmentCancelled EventType = "appointment_cancelled"
	EventAppointmentReminder  EventType = "appointment_reminder"
	EventWaitlistSlotOpen     EventType = "waitlist_slot_open"
	EventWaitlistClaimed      EventType = "waitlist_claimed"
)

type Recipient struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

func RecipientOf(u *studio.User) Recipient {
	return Recipient{UserID: string(u.ID), Name: u.Name, Email: u.Email}
}

// SlotPayload holds the keys every slot-related template reads.
func SlotPayload(slot studio.Slot, service studio.ServiceKey) map[string]string {
	return map[string]string{
		"date":         slot.Date.String(),
		"time":         slot.Time.String(),
		"service":      string(service),
		"service_name": service.Name(),
	}
}

// Event is a request to tell someone something.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Recipient Recipient         `json:"recipient"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`

	// OnFailure, when set, runs once if an accepted event cannot be sent.
	// It is called from a delivery goroutine.
	OnFailure func(error) `json:"-"`
}

func (e Event) failed(err error) {
	if e.OnFailure != nil {
		e.OnFailure(err)
	}
}

func NewEvent(t EventType, to Recipient, payload map[string]string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Recipient: to,
		Payload:   payload,
		CreatedAt: at,
	}
}

// Dispatcher accepts events for asynchronous delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// =============================================================================
// MESSAGES
// =============================================================================

// Message is a rendered email.
type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Render turns an event into a plain-text email.
func Render(e Event) Message {
	p := e.Payload
	when := strings.TrimSpace(p["date"] + " " + p["time"])
	var subject, body string
	switch e.Type {
	case EventAppointmentBooked:
		subject = fmt.Sprintf("Booking confirmed: %s %s", p["service_name"], when)
		body = fmt.Sprintf("Your %s session on %s is confirmed.", p["service_name"], when)
	case EventAppointmentCancelled:
		subject = fmt.Sprintf("Booking cancelled: %s %s", p["service_name"], when)
		body = fmt.Sprintf("Your %s session on %s was cancelled.", p["service_name"], when)
		if p["refunded"] == "true" {
			body += " The credit is back in your account."
		}
	case EventAppointmentReminder:
		subject = fmt.Sprintf("Reminder: %s %s", p["service_name"], when)
		body = fmt.Sprintf("See you on %s for %s.", when, p["service_name"])
	case EventWaitlistSlotOpen:
		subject = fmt.Sprintf("A spot opened up: %s %s", p["service_name"], when)
		body = fmt.Sprintf("A %s spot on %s is free. Claim it before %s with code %s. "+
			"Other people on the waitlist were notified too; first to claim gets it.",
			p["service_name"], when, p["expires_at"], p["token"])
	case EventWaitlistClaimed:
		subject = fmt.Sprintf("Waitlist spot booked: %s %s", p["service_name"], when)
		body = fmt.Sprintf("You claimed the %s spot on %s.", p["service_name"], when)
	default:
		subject = string(e.Type)
		body = fmt.Sprintf("%v", p)
	}
	name := e.Recipient.Name
	if name == "" {
		name = "there"
	}
	return Message{
		To:      e.Recipient.Email,
		ToName:  e.Recipient.Name,
		Subject: subject,
		Body:    fmt.Sprintf("Hi %s,\n\n%s\n", name, body),
	}
}
