/*
store.go - Persistence contracts the engines depend on

PURPOSE:
  Defines the interface between the booking engines and the database.
  Implementations live in store/sqlite (default, tests) and store/postgres.

WHAT THE ENGINES NEED:
  1. Transactional read-modify-write across users, lots, appointments,
     waitlist entries and credit transactions (TxStore.WithTx)
  2. A uniqueness constraint on (date, time, service) for reserved
     single-seat appointments, surfaced as ErrUniqueViolation
  3. A per-slot write lock so capacity checks and inserts for the same
     slot serialize (LockSlot)
  4. Filtered queries over appointments and waitlist entries
  5. Conditional updates for sweep work claiming (MarkReminderSent,
     TransitionWaitlist)

APPEND-ONLY:
  Credit transactions are append-only. Appointments are never deleted,
  only moved to cancelled.

SEE ALSO:
  - store/sqlite/sqlite.go
  - store/postgres/postgres.go
*/
package studio

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Everything the engines read and write
// =============================================================================

type Store interface {
	UserStore
	AppointmentStore
	WaitlistStore
	TransactionStore

	// LockSlot blocks other writers of the same slot until the surrounding
	// transaction ends. Outside WithTx it is a no-op.
	LockSlot(ctx context.Context, slot Slot) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type UserStore interface {
	// GetUser returns the user with all credit lots, or a NotFoundError.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// SaveUser upserts the user row and every lot in CreditLots.
	SaveUser(ctx context.Context, u *User) error

	// DeleteUser removes the user, its lots, waitlist entries, appointments
	// and credit transactions.
	DeleteUser(ctx context.Context, id UserID) error

	ListUsers(ctx context.Context) ([]User, error)
}

type AppointmentStore interface {
	// CreateAppointment inserts a new appointment. Returns ErrUniqueViolation
	// when a reserved single-seat appointment already exists for the slot.
	CreateAppointment(ctx context.Context, a *Appointment) error

	GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error)

	// CancelAppointment flips a reserved appointment to cancelled. Returns
	// false if it was not reserved anymore.
	CancelAppointment(ctx context.Context, id AppointmentID, at time.Time) (bool, error)

	// ListReserved returns reserved appointments in the slot, any service.
	ListReserved(ctx context.Context, slot Slot) ([]Appointment, error)

	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)

	// MarkReminderSent sets reminder_sent_at only if it is still unset.
	MarkReminderSent(ctx context.Context, id AppointmentID, at time.Time) (bool, error)

	// ClearReminderSent unsets reminder_sent_at so a later sweep retries.
	ClearReminderSent(ctx context.Context, id AppointmentID) error
}

type AppointmentFilter struct {
	UserID *UserID
	Status *AppointmentStatus
	From   *Date
	To     *Date

	// ReminderPending selects appointments with no reminder sent yet.
	ReminderPending bool
}

type WaitlistStore interface {
	// CreateWaitlistEntry inserts an entry. Returns ErrUniqueViolation if the
	// user already has an active entry for the slot and service.
	CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error

	GetWaitlistEntry(ctx context.Context, id WaitlistEntryID) (*WaitlistEntry, error)

	// GetWaitlistEntryByToken finds the entry holding a claim token.
	GetWaitlistEntryByToken(ctx context.Context, token string) (*WaitlistEntry, error)

	ListWaitlist(ctx context.Context, filter WaitlistFilter) ([]WaitlistEntry, error)

	// TransitionWaitlist applies t only if the entry is still in t.From.
	// Returns false when another writer got there first.
	TransitionWaitlist(ctx context.Context, id WaitlistEntryID, t WaitlistTransition) (bool, error)
}

type WaitlistFilter struct {
	UserID   *UserID
	Slot     *Slot
	Service  *ServiceKey
	Statuses []WaitlistStatus
}

// WaitlistTransition moves an entry between statuses. Token fields are
// written as given, so a zero Token clears it.
type WaitlistTransition struct {
	From           WaitlistStatus
	To             WaitlistStatus
	Token          string
	TokenExpiresAt *time.Time
	AppointmentID  *AppointmentID
	At             time.Time
}

// TransactionStore is append-only.
type TransactionStore interface {
	// AppendTransaction persists a credit transaction. Returns
	// ErrDuplicateIdempotencyKey if the key was used before.
	AppendTransaction(ctx context.Context, tx Transaction) error

	ListTransactions(ctx context.Context, userID UserID) ([]Transaction, error)
}
