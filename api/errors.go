package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// ERROR MAPPING
// =============================================================================

// errorKind ties a sentinel to the code and status clients see. Order
// matters: the first match wins, so specific reasons come before the
// generic ones they might also wrap.
type errorKind struct {
	target error
	status int
	code   string
}

var errorKinds = []errorKind{
	{studio.ErrValidation, http.StatusBadRequest, "validation_error"},
	{studio.ErrAccountSuspended, http.StatusForbidden, "account_suspended"},
	{studio.ErrMedicalClearanceRequired, http.StatusForbidden, "medical_clearance_required"},
	{studio.ErrForbidden, http.StatusForbidden, "forbidden"},
	{studio.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{studio.ErrNotFound, http.StatusNotFound, "not_found"},
	{studio.ErrDuplicateBooking, http.StatusConflict, "duplicate_booking"},
	{studio.ErrSlotNoLongerAvailable, http.StatusConflict, "slot_no_longer_available"},
	{studio.ErrSlotFull, http.StatusConflict, "slot_full"},
	{studio.ErrServiceSlotTaken, http.StatusConflict, "service_slot_taken"},
	{studio.ErrElasticCapReached, http.StatusConflict, "elastic_cap_reached"},
	{studio.ErrTokenInvalid, http.StatusConflict, "token_invalid"},
	{studio.ErrAlreadyBooked, http.StatusConflict, "already_booked"},
	{studio.ErrCancellationWindow, http.StatusConflict, "cancellation_window"},
	{studio.ErrCancellationQuotaExceeded, http.StatusConflict, "cancellation_quota_exceeded"},
	{studio.ErrDuplicateWaitlist, http.StatusConflict, "duplicate_waitlist"},
	{studio.ErrAppointmentAlreadyCancelled, http.StatusConflict, "already_cancelled"},
	{studio.ErrConflict, http.StatusConflict, "conflict"},
}

// respondError writes err with the status its kind maps to. Anything not in
// the taxonomy is an internal failure: logged here and hidden from the client.
func respondError(w http.ResponseWriter, err error) {
	if !errors.Is(err, studio.ErrOperationFailed) {
		for _, k := range errorKinds {
			if errors.Is(err, k.target) {
				writeError(w, k.status, k.code, err.Error(), errorDetails(err))
				return
			}
		}
	}
	log.Printf("[API] internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "operation_failed", "Internal error", nil)
}

// errorDetails pulls the numbers out of structured errors.
func errorDetails(err error) map[string]any {
	var (
		ve *studio.ValidationError
		ie *studio.InsufficientCreditsError
		se *studio.SlotUnavailableError
		we *studio.CancellationWindowError
		qe *studio.CancellationQuotaExceededError
		ne *studio.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return map[string]any{"field": ve.Field, "reason": ve.Reason}
	case errors.As(err, &ie):
		return map[string]any{"service": ie.Service, "available": ie.Available, "requested": ie.Requested}
	case errors.As(err, &se):
		return map[string]any{
			"date":           se.Slot.Date.String(),
			"time":           se.Slot.Time.String(),
			"service":        se.Service,
			"total_reserved": se.TotalReserved,
			"elastic_cap":    se.ElasticCap,
		}
	case errors.As(err, &we):
		return map[string]any{"hours_until": we.HoursUntil, "min_hours": we.MinHours}
	case errors.As(err, &qe):
		return map[string]any{"used": qe.Used, "limit": qe.Limit, "window_ends": qe.WindowEnds.Format(time.RFC3339)}
	case errors.As(err, &ne):
		return map[string]any{"kind": ne.Kind, "id": ne.ID}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message, Details: details})
}

// decode reads a JSON body into dst, reporting malformed input as a
// validation error.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &studio.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}
