/*
errors.go - Business-rule taxonomy and infrastructure errors

PURPOSE:
  Every rule the engines enforce fails with one of the sentinels below,
  usually wrapped in a structured error that carries the numbers a client
  needs to render a specific message.

ERROR CATEGORIES:
  1. Business-rule failures - expected, user-facing, never logged as errors
  2. Storage signals - unique violations, idempotency clashes, conflicts
  3. OperationFailed - infrastructure trouble, logged for operators

USAGE:
  if errors.Is(err, studio.ErrSlotFull) { ... }

  var qe *studio.CancellationQuotaExceededError
  if errors.As(err, &qe) { fmt.Println(qe.Limit) }
*/
package studio

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation                  = errors.New("validation failed")
	ErrAccountSuspended            = errors.New("account suspended")
	ErrMedicalClearanceRequired    = errors.New("medical clearance required")
	ErrInsufficientCredits         = errors.New("insufficient credits")
	ErrDuplicateBooking            = errors.New("already booked at this time")
	ErrSlotFull                    = errors.New("slot full")
	ErrServiceSlotTaken            = errors.New("service already taken in this slot")
	ErrElasticCapReached           = errors.New("personal training cap reached")
	ErrTokenInvalid                = errors.New("claim token invalid or expired")
	ErrAlreadyBooked               = errors.New("already holds a reservation in this slot")
	ErrSlotNoLongerAvailable       = errors.New("slot no longer available")
	ErrCancellationWindow          = errors.New("too close to appointment to cancel")
	ErrCancellationQuotaExceeded   = errors.New("cancellation limit reached")
	ErrNotFound                    = errors.New("not found")
	ErrDuplicateWaitlist           = errors.New("already on the waitlist for this slot")
	ErrForbidden                   = errors.New("not allowed")
	ErrAppointmentAlreadyCancelled = errors.New("appointment already cancelled")

	// ErrOperationFailed marks infrastructure failures. Never shown verbatim to clients.
	ErrOperationFailed = errors.New("operation failed")
)

// Storage-level signals. Engines translate these into business errors.
var (
	// ErrUniqueViolation is returned when a write trips a uniqueness constraint
	// (reserved appointment per single-seat slot, active waitlist entry).
	ErrUniqueViolation = errors.New("unique constraint violated")

	// ErrUserSlotTaken is returned when the user already holds a reserved
	// appointment at the same slot.
	ErrUserSlotTaken = errors.New("user already holds this slot")

	// ErrDuplicateIdempotencyKey is returned when a credit transaction with the
	// same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConflict is returned when a transaction lost a serialization race.
	ErrConflict = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientCreditsError reports the spendable balance for the service.
type InsufficientCreditsError struct {
	UserID    UserID
	Service   ServiceKey
	Available int
	Requested int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: available %d, requested %d",
		e.Service, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// SlotUnavailableError wraps one of ErrSlotFull, ErrServiceSlotTaken,
// ErrElasticCapReached or ErrSlotNoLongerAvailable.
type SlotUnavailableError struct {
	Reason        error
	Slot          Slot
	Service       ServiceKey
	TotalReserved int
	ElasticCap    int
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("%v: %s %s (reserved %d, personal training cap %d)",
		e.Reason, e.Slot, e.Service, e.TotalReserved, e.ElasticCap)
}

func (e *SlotUnavailableError) Unwrap() error { return e.Reason }

type CancellationWindowError struct {
	HoursUntil float64
	MinHours   int
}

func (e *CancellationWindowError) Error() string {
	return fmt.Sprintf("cancellation requires at least %dh notice, %.1fh left", e.MinHours, e.HoursUntil)
}

func (e *CancellationWindowError) Unwrap() error { return ErrCancellationWindow }

type CancellationQuotaExceededError struct {
	Used       int
	Limit      int
	WindowEnds time.Time
}

func (e *CancellationQuotaExceededError) Error() string {
	return fmt.Sprintf("cancellation limit %d reached (used %d) until %s",
		e.Limit, e.Used, e.WindowEnds.Format(time.RFC3339))
}

func (e *CancellationQuotaExceededError) Unwrap() error { return ErrCancellationQuotaExceeded }

// LotMissingError is returned when a refund targets a lot that no longer
// exists. Treated as data corruption: the refund is refused, never re-issued.
type LotMissingError struct {
	UserID UserID
	LotID  LotID
}

func (e *LotMissingError) Error() string {
	return fmt.Sprintf("credit lot %s of user %s is missing", e.LotID, e.UserID)
}

func (e *LotMissingError) Unwrap() error { return ErrOperationFailed }

// OperationFailedError wraps an infrastructure failure with the operation name.
type OperationFailedError struct {
	Op  string
	Err error
}

func (e *OperationFailedError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *OperationFailedError) Unwrap() []error { return []error{ErrOperationFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

var clientErrors = []error{
	ErrValidation,
	ErrAccountSuspended,
	ErrMedicalClearanceRequired,
	ErrInsufficientCredits,
	ErrDuplicateBooking,
	ErrSlotFull,
	ErrServiceSlotTaken,
	ErrElasticCapReached,
	ErrTokenInvalid,
	ErrAlreadyBooked,
	ErrSlotNoLongerAvailable,
	ErrCancellationWindow,
	ErrCancellationQuotaExceeded,
	ErrNotFound,
	ErrDuplicateWaitlist,
	ErrForbidden,
	ErrAppointmentAlreadyCancelled,
}

// IsClientError reports whether err is an expected business-rule failure.
func IsClientError(err error) bool {
	if err == nil || errors.Is(err, ErrOperationFailed) {
		return false
	}
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Internal passes business errors through untouched and wraps anything else
// as an OperationFailedError.
func Internal(op string, err error) error {
	if err == nil || IsClientError(err) || errors.Is(err, ErrOperationFailed) {
		return err
	}
	return &OperationFailedError{Op: op, Err: err}
}
