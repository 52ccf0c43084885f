/*
handlers.go - HTTP API handlers for the studio engine

PURPOSE:
  Exposes booking, waitlist and credit operations via REST API. Handles
  HTTP request/response and JSON serialization, and delegates every rule
  to the engines. The caller's identity comes from the token middleware.

ENDPOINTS:
  Availability:
    GET    /api/availability?date=          Every slot of a day
    GET    /api/availability/slot?date=&time= One slot

  Appointments:
    POST   /api/appointments                Book (user_id defaults to caller)
    GET    /api/appointments                Staff view, filters status/from/to
    GET    /api/appointments/{id}           One appointment
    POST   /api/appointments/{id}/cancel    Cancel and refund

  Waitlist:
    POST   /api/waitlist                    Join the waitlist of a full slot
    POST   /api/waitlist/claim              Redeem a claim token
    DELETE /api/waitlist/{id}               Withdraw

  Users:
    GET    /api/me                          Caller's account
    GET    /api/users/{id}/appointments
    GET    /api/users/{id}/waitlist
    GET    /api/users/{id}/credits          Balance per service
    GET    /api/users/{id}/transactions     Credit history
    GET    /api/packages                    Credit package catalog

  Admin:
    GET    /api/admin/users
    POST   /api/admin/users
    DELETE /api/admin/users/{id}
    POST   /api/admin/users/{id}/suspend
    POST   /api/admin/users/{id}/medical-clearance
    PUT    /api/admin/users/{id}/membership
    POST   /api/admin/users/{id}/credits    Grant a lot
    POST   /api/admin/users/{id}/purchases  Apply a paid package
    GET    /api/admin/tasks
    POST   /api/admin/tasks/{name}/run      Run a sweep now

ERROR HANDLING:
  Errors are returned as {"error", "message", "details"} with:
  - 400: validation
  - 401: missing or bad token
  - 402: insufficient credits
  - 403: suspended, medical clearance, forbidden
  - 404: not found
  - 409: capacity, duplicates, tokens, cancellation rules, conflicts
  - 500: operation failed (logged, never detailed)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/credits"
	"github.com/warp/studio-engine/scheduler"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/waitlist"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// TaskRunner is the part of the scheduler the admin endpoints drive.
type TaskRunner interface {
	RunNow(ctx context.Context, name string) error
	Tasks() []string
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    studio.TxStore
	Bookings *booking.Service
	Waitlist *waitlist.Service
	Credits  *credits.Service
	Ledger   *credits.Ledger
	Rules    studio.Rules
	Clock    studio.Clock
	Tasks    TaskRunner

	// Track currently loaded scenario
	currentScenario string
}

func actor(r *http.Request) studio.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

// targetUser resolves an optional user_id, defaulting to the caller.
func targetUser(r *http.Request, id string) studio.UserID {
	if id == "" {
		return actor(r).UserID
	}
	return studio.UserID(id)
}

func parseSlot(date, clock string) (studio.Slot, error) {
	if date == "" || clock == "" {
		return studio.Slot{}, &studio.ValidationError{Field: "slot", Reason: "date and time are required"}
	}
	return studio.ParseSlot(date, clock)
}

func parseTimestamp(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &studio.ValidationError{Field: field, Reason: "use RFC3339"}
	}
	return t, nil
}

// =============================================================================
// AVAILABILITY
// =============================================================================

func (h *Handler) DayAvailability(w http.ResponseWriter, r *http.Request) {
	date, err := studio.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		respondError(w, err)
		return
	}
	metrics, err := h.Bookings.DayAvailability(r.Context(), date)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]SlotAvailabilityDTO, len(metrics))
	for i, m := range metrics {
		out[i] = toSlotAvailabilityDTO(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SlotAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	slot, err := parseSlot(q.Get("date"), q.Get("time"))
	if err != nil {
		respondError(w, err)
		return
	}
	m, err := h.Bookings.SlotAvailability(r.Context(), slot)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotAvailabilityDTO(m))
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req SlotRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	slot, err := parseSlot(req.Date, req.Time)
	if err != nil {
		respondError(w, err)
		return
	}
	appt, err := h.Bookings.Book(r.Context(), actor(r), targetUser(r, req.UserID), slot, studio.ServiceKey(req.Service))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(appt))
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.Bookings.Get(r.Context(), actor(r), studio.AppointmentID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Bookings.Cancel(r.Context(), actor(r), studio.AppointmentID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancellationDTO{
		Appointment: toAppointmentDTO(&res.Appointment),
		Refunded:    res.Refunded,
	})
}

// ListAppointments is the staff view across all users.
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	filter, err := appointmentFilter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := h.Bookings.ListAll(r.Context(), actor(r), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(out))
}

func (h *Handler) ListUserAppointments(w http.ResponseWriter, r *http.Request) {
	filter, err := appointmentFilter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := h.Bookings.ListForUser(r.Context(), actor(r), studio.UserID(chi.URLParam(r, "id")), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(out))
}

func appointmentFilter(r *http.Request) (studio.AppointmentFilter, error) {
	var f studio.AppointmentFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := studio.AppointmentStatus(s)
		if status != studio.AppointmentReserved && status != studio.AppointmentCancelled {
			return f, &studio.ValidationError{Field: "status", Reason: "must be reserved or cancelled"}
		}
		f.Status = &status
	}
	for _, p := range []struct {
		name string
		dst  **studio.Date
	}{{"from", &f.From}, {"to", &f.To}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		d, err := studio.ParseDate(s)
		if err != nil {
			return f, err
		}
		*p.dst = &d
	}
	return f, nil
}

// =============================================================================
// WAITLIST HANDLERS
// =============================================================================

func (h *Handler) JoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req SlotRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	slot, err := parseSlot(req.Date, req.Time)
	if err != nil {
		respondError(w, err)
		return
	}
	entry, err := h.Waitlist.Enroll(r.Context(), actor(r), targetUser(r, req.UserID), slot, studio.ServiceKey(req.Service))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWaitlistEntryDTO(entry))
}

func (h *Handler) ClaimWaitlist(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	appt, err := h.Waitlist.Claim(r.Context(), actor(r), strings.TrimSpace(req.Token))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(appt))
}

func (h *Handler) WithdrawWaitlist(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Waitlist.Withdraw(r.Context(), actor(r), studio.WaitlistEntryID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWaitlistEntryDTO(entry))
}

func (h *Handler) ListUserWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Waitlist.ListForUser(r.Context(), actor(r), studio.UserID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]WaitlistEntryDTO, len(entries))
	for i := range entries {
		out[i] = toWaitlistEntryDTO(&entries[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Credits.Balance(r.Context(), actor(r), studio.UserID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Credits.History(r.Context(), actor(r), studio.UserID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs := h.Credits.Catalog().List()
	out := make([]PackageDTO, len(pkgs))
	for i, p := range pkgs {
		out[i] = toPackageDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	scope, err := studio.ParseServiceScope(req.Scope)
	if err != nil {
		respondError(w, err)
		return
	}
	lot, err := h.Credits.Grant(r.Context(), actor(r), studio.UserID(chi.URLParam(r, "id")), req.Amount, scope, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTOs([]studio.CreditLot{*lot})[0])
}

func (h *Handler) PurchasePackage(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	lot, err := h.Credits.Purchase(r.Context(), actor(r), studio.UserID(chi.URLParam(r, "id")), req.PackageID, req.PaymentRef)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTOs([]studio.CreditLot{*lot})[0])
}

func (h *Handler) SetMembership(w http.ResponseWriter, r *http.Request) {
	var req MembershipRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tier, err := studio.ParseMembershipTier(req.Tier)
	if err != nil {
		respondError(w, err)
		return
	}
	m := studio.Membership{Tier: tier}
	if req.ExpiresAt != nil {
		t, err := parseTimestamp("expires_at", *req.ExpiresAt)
		if err != nil {
			respondError(w, err)
			return
		}
		m.ExpiresAt = &t
	}
	u, err := h.Credits.SetMembership(r.Context(), actor(r), studio.UserID(chi.URLParam(r, "id")), m)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.Store.GetUser(r.Context(), actor(r).UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	h.Ledger.Recalc(u)
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		respondError(w, studio.Internal("list users", err))
		return
	}
	out := make([]UserDTO, len(users))
	for i := range users {
		h.Ledger.Recalc(&users[i])
		out[i] = toUserDTO(&users[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateUser provisions an account. New clients start on basic membership
// with no credits.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || !strings.Contains(req.Email, "@") {
		respondError(w, &studio.ValidationError{Field: "user", Reason: "name and a valid email are required"})
		return
	}
	if req.Role == "" {
		req.Role = string(studio.RoleClient)
	}
	role, err := studio.ParseRole(req.Role)
	if err != nil {
		respondError(w, err)
		return
	}

	now := h.Clock.Now()
	u := &studio.User{
		ID:         studio.NewUserID(),
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		Role:       role,
		Membership: studio.BasicMembership(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.MedicalClearanceAt != nil {
		t, err := parseTimestamp("medical_clearance_at", *req.MedicalClearanceAt)
		if err != nil {
			respondError(w, err)
			return
		}
		u.MedicalClearanceAt = &t
	}
	if err := h.Store.SaveUser(r.Context(), u); err != nil {
		respondError(w, studio.Internal("create user", err))
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := studio.UserID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetUser(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	if err := h.Store.DeleteUser(r.Context(), id); err != nil {
		respondError(w, studio.Internal("delete user", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SuspendUser(w http.ResponseWriter, r *http.Request) {
	var req SuspendRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	h.updateUser(w, r, func(u *studio.User) error {
		u.Suspended = req.Suspended
		return nil
	})
}

func (h *Handler) RecordMedicalClearance(w http.ResponseWriter, r *http.Request) {
	var req MedicalClearanceRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	at := h.Clock.Now()
	if req.At != "" {
		t, err := parseTimestamp("at", req.At)
		if err != nil {
			respondError(w, err)
			return
		}
		at = t
	}
	h.updateUser(w, r, func(u *studio.User) error {
		u.MedicalClearanceAt = &at
		return nil
	})
}

// updateUser applies fn to the user named in the URL inside a transaction.
func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request, fn func(*studio.User) error) {
	ctx := r.Context()
	id := studio.UserID(chi.URLParam(r, "id"))
	var out *studio.User
	err := h.Store.WithTx(ctx, func(tx studio.Store) error {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		u.UpdatedAt = h.Clock.Now()
		h.Ledger.Recalc(u)
		out = u
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		respondError(w, studio.Internal("update user", err))
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(out))
}

// =============================================================================
// TASKS
// =============================================================================

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	names := h.Tasks.Tasks()
	out := make([]TaskDTO, len(names))
	for i, n := range names {
		out[i] = TaskDTO{Name: n}
	}
	writeJSON(w, http.StatusOK, out)
}

// RunTask runs a periodic sweep immediately and waits for it.
func (h *Handler) RunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.Tasks.RunNow(r.Context(), name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			respondError(w, &studio.NotFoundError{Kind: "task", ID: name})
			return
		}
		respondError(w, studio.Internal("run "+name, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "task": name})
}
