/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  Dates are YYYY-MM-DD and times HH:MM in the venue time zone.
  Timestamps are RFC3339. Prices are decimal strings.

VALIDATION:
  Validation is done in handlers and engines, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/studio-engine/capacity"
	"github.com/warp/studio-engine/credits"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SlotRequest names a service in a slot. UserID defaults to the caller.
type SlotRequest struct {
	UserID  string `json:"user_id,omitempty"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Service string `json:"service"`
}

type ClaimRequest struct {
	Token string `json:"token"`
}

type CreateUserRequest struct {
	Name               string  `json:"name"`
	Email              string  `json:"email"`
	Role               string  `json:"role"`
	MedicalClearanceAt *string `json:"medical_clearance_at,omitempty"`
}

type SuspendRequest struct {
	Suspended bool `json:"suspended"`
}

// MedicalClearanceRequest records the filing time. An empty At means now.
type MedicalClearanceRequest struct {
	At string `json:"at,omitempty"`
}

type MembershipRequest struct {
	Tier      string  `json:"tier"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

type GrantRequest struct {
	Amount int    `json:"amount"`
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
}

type PurchaseRequest struct {
	PackageID  string `json:"package_id"`
	PaymentRef string `json:"payment_ref"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type MembershipDTO struct {
	Tier      string  `json:"tier"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

type UserDTO struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Email              string        `json:"email"`
	Role               string        `json:"role"`
	Suspended          bool          `json:"suspended"`
	Membership         MembershipDTO `json:"membership"`
	MedicalClearanceAt *string       `json:"medical_clearance_at,omitempty"`
	Credits            int           `json:"credits"`
	CreatedAt          string        `json:"created_at"`
}

type LotDTO struct {
	ID        string  `json:"id"`
	Scope     string  `json:"scope"`
	Amount    int     `json:"amount"`
	Remaining int     `json:"remaining"`
	ExpiresAt *string `json:"expires_at,omitempty"`
	Source    string  `json:"source"`
	CreatedAt string  `json:"created_at"`
}

// BalanceDTO shows spendable credits per service at request time.
type BalanceDTO struct {
	UserID     string         `json:"user_id"`
	Total      int            `json:"total"`
	ByService  map[string]int `json:"by_service"`
	Lots       []LotDTO       `json:"lots"`
	Membership MembershipDTO  `json:"membership"`
}

type AppointmentDTO struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	Date           string  `json:"date"`
	Time           string  `json:"time"`
	Service        string  `json:"service"`
	ServiceName    string  `json:"service_name"`
	Status         string  `json:"status"`
	CreditLotID    *string `json:"credit_lot_id,omitempty"`
	BookedBy       string  `json:"booked_by"`
	ReminderSentAt *string `json:"reminder_sent_at,omitempty"`
	CancelledAt    *string `json:"cancelled_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type CancellationDTO struct {
	Appointment AppointmentDTO `json:"appointment"`
	Refunded    int            `json:"refunded"`
}

// SlotAvailabilityDTO is capacity.Metrics flattened for clients.
type SlotAvailabilityDTO struct {
	Date            string         `json:"date"`
	Time            string         `json:"time"`
	TotalCapacity   int            `json:"total_capacity"`
	TotalReserved   int            `json:"total_reserved"`
	ElasticCap      int            `json:"elastic_cap"`
	ElasticReserved int            `json:"elastic_reserved"`
	Available       map[string]int `json:"available"`
}

type WaitlistEntryDTO struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	Date           string  `json:"date"`
	Time           string  `json:"time"`
	Service        string  `json:"service"`
	Status         string  `json:"status"`
	TokenExpiresAt *string `json:"token_expires_at,omitempty"`
	AppointmentID  *string `json:"appointment_id,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type TransactionDTO struct {
	ID          string            `json:"id"`
	LotID       *string           `json:"lot_id,omitempty"`
	Type        string            `json:"type"`
	Delta       int               `json:"delta"`
	Service     string            `json:"service,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   string            `json:"created_at"`
}

type PackageDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Credits   int    `json:"credits"`
	Scope     string `json:"scope"`
	Price     string `json:"price"`
	UnitPrice string `json:"unit_price"`
	Currency  string `json:"currency"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type TaskDTO struct {
	Name string `json:"name"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.Format(time.RFC3339) }

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toMembershipDTO(m studio.Membership) MembershipDTO {
	return MembershipDTO{Tier: string(m.Tier), ExpiresAt: formatOptional(m.ExpiresAt)}
}

func toUserDTO(u *studio.User) UserDTO {
	return UserDTO{
		ID:                 string(u.ID),
		Name:               u.Name,
		Email:              u.Email,
		Role:               string(u.Role),
		Suspended:          u.Suspended,
		Membership:         toMembershipDTO(u.Membership),
		MedicalClearanceAt: formatOptional(u.MedicalClearanceAt),
		Credits:            u.Credits,
		CreatedAt:          formatTime(u.CreatedAt),
	}
}

func toLotDTOs(lots []studio.CreditLot) []LotDTO {
	out := make([]LotDTO, len(lots))
	for i, l := range lots {
		out[i] = LotDTO{
			ID:        string(l.ID),
			Scope:     string(l.Scope),
			Amount:    l.Amount,
			Remaining: l.Remaining,
			ExpiresAt: formatOptional(l.ExpiresAt),
			Source:    l.Source,
			CreatedAt: formatTime(l.CreatedAt),
		}
	}
	return out
}

func toBalanceDTO(b *credits.Balance) BalanceDTO {
	by := make(map[string]int, len(b.ByService))
	for k, v := range b.ByService {
		by[string(k)] = v
	}
	return BalanceDTO{
		UserID:     string(b.UserID),
		Total:      b.Total,
		ByService:  by,
		Lots:       toLotDTOs(b.Lots),
		Membership: toMembershipDTO(b.Membership),
	}
}

func toAppointmentDTO(a *studio.Appointment) AppointmentDTO {
	dto := AppointmentDTO{
		ID:             string(a.ID),
		UserID:         string(a.UserID),
		Date:           a.Slot.Date.String(),
		Time:           a.Slot.Time.String(),
		Service:        string(a.Service),
		ServiceName:    a.Service.Name(),
		Status:         string(a.Status),
		BookedBy:       string(a.BookedBy),
		ReminderSentAt: formatOptional(a.ReminderSentAt),
		CancelledAt:    formatOptional(a.CancelledAt),
		CreatedAt:      formatTime(a.CreatedAt),
	}
	if a.CreditLotID != nil {
		id := string(*a.CreditLotID)
		dto.CreditLotID = &id
	}
	return dto
}

func toAppointmentDTOs(as []studio.Appointment) []AppointmentDTO {
	out := make([]AppointmentDTO, len(as))
	for i := range as {
		out[i] = toAppointmentDTO(&as[i])
	}
	return out
}

func toSlotAvailabilityDTO(m capacity.Metrics) SlotAvailabilityDTO {
	avail := make(map[string]int)
	for _, k := range studio.Services() {
		avail[string(k)] = m.Available(k)
	}
	return SlotAvailabilityDTO{
		Date:            m.Slot.Date.String(),
		Time:            m.Slot.Time.String(),
		TotalCapacity:   m.TotalCapacity,
		TotalReserved:   m.TotalReserved,
		ElasticCap:      m.ElasticCap,
		ElasticReserved: m.ElasticReserved,
		Available:       avail,
	}
}

func toWaitlistEntryDTO(e *studio.WaitlistEntry) WaitlistEntryDTO {
	dto := WaitlistEntryDTO{
		ID:             string(e.ID),
		UserID:         string(e.UserID),
		Date:           e.Slot.Date.String(),
		Time:           e.Slot.Time.String(),
		Service:        string(e.Service),
		Status:         string(e.Status),
		TokenExpiresAt: formatOptional(e.NotifyTokenExpiresAt),
		CreatedAt:      formatTime(e.CreatedAt),
	}
	if e.AppointmentID != nil {
		id := string(*e.AppointmentID)
		dto.AppointmentID = &id
	}
	return dto
}

func toTransactionDTO(tx studio.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:          string(tx.ID),
		Type:        string(tx.Type),
		Delta:       tx.Delta,
		Service:     string(tx.Service),
		ReferenceID: tx.ReferenceID,
		Reason:      tx.Reason,
		Metadata:    tx.Metadata,
		CreatedBy:   string(tx.CreatedBy),
		CreatedAt:   formatTime(tx.CreatedAt),
	}
	if tx.LotID != nil {
		id := string(*tx.LotID)
		dto.LotID = &id
	}
	return dto
}

func toPackageDTO(p credits.Package) PackageDTO {
	return PackageDTO{
		ID:        p.ID,
		Name:      p.Name,
		Credits:   p.Credits,
		Scope:     string(p.Scope),
		Price:     p.Price.StringFixed(2),
		UnitPrice: p.UnitPrice().StringFixed(2),
		Currency:  p.Currency,
	}
}
