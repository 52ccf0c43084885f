/*
Package studio holds the core domain model of the studio booking engine.

PURPOSE:
  Users buy credits, credits are spent on appointments, appointments occupy
  seats in hourly slots. Everything in this package is plain data plus the
  rules that describe it; the engines that move data around live in the
  credits, capacity, booking and waitlist packages.

KEY CONCEPTS IN THIS FILE (types.go):
  - ServiceKey: closed set of bookable services (one elastic, the rest single-seat)
  - Membership: tier value object (basic / plus) with its own policy table
  - CreditLot: a grant of credits with a frozen expiry and a service scope
  - Appointment: a reserved or cancelled seat in a slot
  - WaitlistEntry: a user's place in line for a full slot
  - Transaction: append-only record of every credit movement

SEE ALSO:
  - calendar.go: Date, ClockTime and Slot
  - rules.go: venue configuration (capacity, service hours, windows)
  - errors.go: business-rule taxonomy
  - store.go: persistence contracts
*/
package studio

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LotID string
type AppointmentID string
type WaitlistEntryID string
type TransactionID string

// =============================================================================
// SERVICES
// =============================================================================

// ServiceKey identifies a bookable service. The set is closed: use
// ParseServiceKey at the boundary instead of converting raw strings.
type ServiceKey string

const (
	ServicePersonalTraining      ServiceKey = "EP"
	ServiceActiveRehab           ServiceKey = "RA"
	ServiceFunctionalReeducation ServiceKey = "RF"
	ServiceNutrition             ServiceKey = "NU"
)

var serviceNames = map[ServiceKey]string{
	ServicePersonalTraining:      "Personal Training",
	ServiceActiveRehab:           "Active Rehab",
	ServiceFunctionalReeducation: "Functional Re-education",
	ServiceNutrition:             "Nutrition",
}

// Services returns every bookable service in display order.
func Services() []ServiceKey {
	return []ServiceKey{
		ServicePersonalTraining,
		ServiceActiveRehab,
		ServiceFunctionalReeducation,
		ServiceNutrition,
	}
}

func ParseServiceKey(s string) (ServiceKey, error) {
	k := ServiceKey(s)
	if _, ok := serviceNames[k]; !ok {
		return "", &ValidationError{Field: "service", Reason: fmt.Sprintf("unknown service %q", s)}
	}
	return k, nil
}

func (k ServiceKey) Name() string { return serviceNames[k] }

// IsElastic reports whether the service shares the slot with a time-dependent
// seat cap instead of occupying a single seat.
func (k ServiceKey) IsElastic() bool { return k == ServicePersonalTraining }

// ServiceScope is what a credit lot may be spent on: one service or all of them.
type ServiceScope string

const ScopeAll ServiceScope = "ALL"

func ScopeFor(k ServiceKey) ServiceScope { return ServiceScope(k) }

func ParseServiceScope(s string) (ServiceScope, error) {
	if ServiceScope(s) == ScopeAll {
		return ScopeAll, nil
	}
	k, err := ParseServiceKey(s)
	if err != nil {
		return "", &ValidationError{Field: "service_scope", Reason: fmt.Sprintf("unknown scope %q", s)}
	}
	return ScopeFor(k), nil
}

// Covers reports whether credits in this scope can pay for the service.
func (s ServiceScope) Covers(k ServiceKey) bool {
	return s == ScopeAll || s == ServiceScope(k)
}

// =============================================================================
// USERS
// =============================================================================

type Role string

const (
	RoleClient    Role = "client"
	RoleProfessor Role = "professor"
	RoleAdmin     Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleClient, RoleProfessor, RoleAdmin:
		return Role(s), nil
	}
	return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
}

// Actor is the authenticated identity behind a request. The auth layer
// produces it; the engines trust it as-is.
type Actor struct {
	UserID UserID
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanActFor reports whether the actor may act on the user's behalf.
func (a Actor) CanActFor(id UserID) bool { return a.IsAdmin() || a.UserID == id }

// User is the account that owns credit lots and waitlist entries.
type User struct {
	ID         UserID
	Name       string
	Email      string
	Role       Role
	Suspended  bool
	Membership Membership

	// MedicalClearanceAt is when the medical-clearance document was filed.
	MedicalClearanceAt *time.Time

	// Credits is the cached sum of spendable lots. Only credits.Ledger writes it.
	Credits    int
	CreditLots []CreditLot

	Cancellations CancellationWindow

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lot returns a pointer into CreditLots so callers can mutate it in place.
func (u *User) Lot(id LotID) *CreditLot {
	for i := range u.CreditLots {
		if u.CreditLots[i].ID == id {
			return &u.CreditLots[i]
		}
	}
	return nil
}

// CancellationWindow tracks cancellations inside the current rolling window.
// The window is reset lazily by the first cancellation after it elapses.
type CancellationWindow struct {
	WindowStart time.Time
	Used        int
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

type MembershipTier string

const (
	TierBasic MembershipTier = "basic"
	TierPlus  MembershipTier = "plus"
)

func ParseMembershipTier(s string) (MembershipTier, error) {
	switch MembershipTier(s) {
	case TierBasic, TierPlus:
		return MembershipTier(s), nil
	}
	return "", &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown membership tier %q", s)}
}

// Membership is the tier a user is on. A plus membership with an expiry in
// the past behaves exactly like basic.
type Membership struct {
	Tier      MembershipTier
	ExpiresAt *time.Time
}

func BasicMembership() Membership { return Membership{Tier: TierBasic} }

func PlusMembership(expiresAt time.Time) Membership {
	return Membership{Tier: TierPlus, ExpiresAt: &expiresAt}
}

func (m Membership) Validate() error {
	if _, err := ParseMembershipTier(string(m.Tier)); err != nil {
		return err
	}
	if m.Tier == TierBasic && m.ExpiresAt != nil {
		return &ValidationError{Field: "tier_expires_at", Reason: "basic membership does not expire"}
	}
	return nil
}

// ActivePlus reports whether plus benefits apply at now.
func (m Membership) ActivePlus(now time.Time) bool {
	if m.Tier != TierPlus {
		return false
	}
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}

// MembershipPolicy holds what a tier grants.
type MembershipPolicy struct {
	CreditExpiry   time.Duration
	CancelMinHours int
	CancelLimit    int
}

var (
	basicPolicy = MembershipPolicy{CreditExpiry: 30 * 24 * time.Hour, CancelMinHours: 24, CancelLimit: 1}
	plusPolicy  = MembershipPolicy{CreditExpiry: 40 * 24 * time.Hour, CancelMinHours: 12, CancelLimit: 2}
)

// Policy returns the tier policy in effect at now.
func (m Membership) Policy(now time.Time) MembershipPolicy {
	if m.ActivePlus(now) {
		return plusPolicy
	}
	return basicPolicy
}

// =============================================================================
// CREDIT LOTS
// =============================================================================

// CreditLot is one grant of credits. Expiry is absolute and frozen at grant time.
type CreditLot struct {
	ID        LotID
	UserID    UserID
	Scope     ServiceScope
	Amount    int
	Remaining int
	ExpiresAt *time.Time
	Source    string
	CreatedAt time.Time
}

// Spendable reports whether the lot still has credits that have not expired at now.
func (l CreditLot) Spendable(now time.Time) bool {
	if l.Remaining <= 0 {
		return false
	}
	return l.ExpiresAt == nil || l.ExpiresAt.After(now)
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type AppointmentStatus string

const (
	AppointmentReserved  AppointmentStatus = "reserved"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is never deleted; cancelling flips Status.
type Appointment struct {
	ID      AppointmentID
	UserID  UserID
	Slot    Slot
	Service ServiceKey
	Status  AppointmentStatus

	// CreditLotID is the lot debited for this booking. Nil for admin bookings.
	CreditLotID *LotID

	BookedBy       UserID
	ReminderSentAt *time.Time
	CancelledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Appointment) IsReserved() bool { return a.Status == AppointmentReserved }

// =============================================================================
// WAITLIST
// =============================================================================

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistClaimed   WaitlistStatus = "claimed"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

// Active reports whether the entry still holds the user's place in line.
func (s WaitlistStatus) Active() bool {
	return s == WaitlistWaiting || s == WaitlistNotified
}

type WaitlistEntry struct {
	ID      WaitlistEntryID
	UserID  UserID
	Slot    Slot
	Service ServiceKey
	Status  WaitlistStatus

	NotifyToken          string
	NotifyTokenExpiresAt *time.Time

	AppointmentID *AppointmentID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// CREDIT TRANSACTIONS - Append-only history of credit movements
// =============================================================================

type TransactionType string

const (
	TxGrant       TransactionType = "grant"       // lot created (purchase, admin grant)
	TxConsumption TransactionType = "consumption" // credit spent on a booking
	TxRefund      TransactionType = "refund"      // credit returned to its lot on cancellation
	TxAdjustment  TransactionType = "adjustment"  // manual admin correction
)

// Transaction is immutable once written. IdempotencyKey is unique across the
// table, which makes a second debit or refund for the same appointment fail.
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	LotID          *LotID
	Type           TransactionType
	Delta          int
	Service        ServiceKey
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
	CreatedBy      UserID
	CreatedAt      time.Time
}
