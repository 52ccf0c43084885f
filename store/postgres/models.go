package postgres

import (
	"encoding/json"
	"time"

	"github.com/warp/studio-engine/studio"
)

// Row types mirror the sqlite schema. Timestamps are written by the engines'
// clock, so gorm's auto timestamps are off.

type userRow struct {
	ID                  string     `gorm:"column:id;primaryKey"`
	Name                string     `gorm:"column:name;not null"`
	Email               string     `gorm:"column:email"`
	Role                string     `gorm:"column:role;not null"`
	Suspended           bool       `gorm:"column:suspended;not null"`
	MembershipTier      string     `gorm:"column:membership_tier;not null"`
	MembershipExpiresAt *time.Time `gorm:"column:membership_expires_at"`
	MedicalClearanceAt  *time.Time `gorm:"column:medical_clearance_at"`
	Credits             int        `gorm:"column:credits;not null"`
	CancelWindowStart   *time.Time `gorm:"column:cancel_window_start"`
	CancelUsed          int        `gorm:"column:cancel_used;not null"`
	CreatedAt           time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (userRow) TableName() string { return "users" }

type lotRow struct {
	ID        string     `gorm:"column:id;primaryKey"`
	UserID    string     `gorm:"column:user_id;not null;index:idx_credit_lots_user"`
	Scope     string     `gorm:"column:scope;not null"`
	Amount    int        `gorm:"column:amount;not null;check:amount > 0"`
	Remaining int        `gorm:"column:remaining;not null;check:remaining >= 0 AND remaining <= amount"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	Source    string     `gorm:"column:source"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
}

func (lotRow) TableName() string { return "credit_lots" }

type appointmentRow struct {
	ID             string     `gorm:"column:id;primaryKey"`
	UserID         string     `gorm:"column:user_id;not null;index:idx_appointments_user"`
	SlotDate       string     `gorm:"column:slot_date;not null;index:idx_appointments_slot"`
	SlotTime       string     `gorm:"column:slot_time;not null;index:idx_appointments_slot"`
	Service        string     `gorm:"column:service;not null"`
	Status         string     `gorm:"column:status;not null;index:idx_appointments_slot"`
	CreditLotID    *string    `gorm:"column:credit_lot_id"`
	BookedBy       string     `gorm:"column:booked_by"`
	ReminderSentAt *time.Time `gorm:"column:reminder_sent_at"`
	CancelledAt    *time.Time `gorm:"column:cancelled_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (appointmentRow) TableName() string { return "appointments" }

type waitlistRow struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	UserID               string     `gorm:"column:user_id;not null"`
	SlotDate             string     `gorm:"column:slot_date;not null;index:idx_waitlist_slot"`
	SlotTime             string     `gorm:"column:slot_time;not null;index:idx_waitlist_slot"`
	Service              string     `gorm:"column:service;not null;index:idx_waitlist_slot"`
	Status               string     `gorm:"column:status;not null;index:idx_waitlist_slot"`
	NotifyToken          *string    `gorm:"column:notify_token"`
	NotifyTokenExpiresAt *time.Time `gorm:"column:notify_token_expires_at"`
	AppointmentID        *string    `gorm:"column:appointment_id"`
	CreatedAt            time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (waitlistRow) TableName() string { return "waitlist_entries" }

type transactionRow struct {
	ID             string    `gorm:"column:id;primaryKey"`
	UserID         string    `gorm:"column:user_id;not null;index:idx_credit_transactions_user"`
	LotID          *string   `gorm:"column:lot_id"`
	TxType         string    `gorm:"column:tx_type;not null"`
	Delta          int       `gorm:"column:delta;not null"`
	Service        string    `gorm:"column:service"`
	ReferenceID    string    `gorm:"column:reference_id"`
	Reason         string    `gorm:"column:reason"`
	IdempotencyKey *string   `gorm:"column:idempotency_key;uniqueIndex"`
	MetadataJSON   string    `gorm:"column:metadata_json;type:text"`
	CreatedBy      string    `gorm:"column:created_by"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_credit_transactions_user;autoCreateTime:false"`
}

func (transactionRow) TableName() string { return "credit_transactions" }

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserRow(u *studio.User) userRow {
	var start *time.Time
	if !u.Cancellations.WindowStart.IsZero() {
		t := u.Cancellations.WindowStart
		start = &t
	}
	return userRow{
		ID:                  string(u.ID),
		Name:                u.Name,
		Email:               u.Email,
		Role:                string(u.Role),
		Suspended:           u.Suspended,
		MembershipTier:      string(u.Membership.Tier),
		MembershipExpiresAt: u.Membership.ExpiresAt,
		MedicalClearanceAt:  u.MedicalClearanceAt,
		Credits:             u.Credits,
		CancelWindowStart:   start,
		CancelUsed:          u.Cancellations.Used,
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
	}
}

func (r userRow) toDomain() studio.User {
	u := studio.User{
		ID:                 studio.UserID(r.ID),
		Name:               r.Name,
		Email:              r.Email,
		Role:               studio.Role(r.Role),
		Suspended:          r.Suspended,
		Membership:         studio.Membership{Tier: studio.MembershipTier(r.MembershipTier), ExpiresAt: r.MembershipExpiresAt},
		MedicalClearanceAt: r.MedicalClearanceAt,
		Credits:            r.Credits,
		Cancellations:      studio.CancellationWindow{Used: r.CancelUsed},
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.CancelWindowStart != nil {
		u.Cancellations.WindowStart = *r.CancelWindowStart
	}
	return u
}

func toLotRow(userID studio.UserID, l studio.CreditLot) lotRow {
	return lotRow{
		ID:        string(l.ID),
		UserID:    string(userID),
		Scope:     string(l.Scope),
		Amount:    l.Amount,
		Remaining: l.Remaining,
		ExpiresAt: l.ExpiresAt,
		Source:    l.Source,
		CreatedAt: l.CreatedAt,
	}
}

func (r lotRow) toDomain() studio.CreditLot {
	return studio.CreditLot{
		ID:        studio.LotID(r.ID),
		UserID:    studio.UserID(r.UserID),
		Scope:     studio.ServiceScope(r.Scope),
		Amount:    r.Amount,
		Remaining: r.Remaining,
		ExpiresAt: r.ExpiresAt,
		Source:    r.Source,
		CreatedAt: r.CreatedAt,
	}
}

func toAppointmentRow(a *studio.Appointment) appointmentRow {
	row := appointmentRow{
		ID:             string(a.ID),
		UserID:         string(a.UserID),
		SlotDate:       a.Slot.Date.String(),
		SlotTime:       a.Slot.Time.String(),
		Service:        string(a.Service),
		Status:         string(a.Status),
		BookedBy:       string(a.BookedBy),
		ReminderSentAt: a.ReminderSentAt,
		CancelledAt:    a.CancelledAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if a.CreditLotID != nil {
		id := string(*a.CreditLotID)
		row.CreditLotID = &id
	}
	return row
}

func (r appointmentRow) toDomain() (studio.Appointment, error) {
	slot, err := studio.ParseSlot(r.SlotDate, r.SlotTime)
	if err != nil {
		return studio.Appointment{}, err
	}
	a := studio.Appointment{
		ID:             studio.AppointmentID(r.ID),
		UserID:         studio.UserID(r.UserID),
		Slot:           slot,
		Service:        studio.ServiceKey(r.Service),
		Status:         studio.AppointmentStatus(r.Status),
		BookedBy:       studio.UserID(r.BookedBy),
		ReminderSentAt: r.ReminderSentAt,
		CancelledAt:    r.CancelledAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.CreditLotID != nil {
		id := studio.LotID(*r.CreditLotID)
		a.CreditLotID = &id
	}
	return a, nil
}

func toWaitlistRow(e *studio.WaitlistEntry) waitlistRow {
	row := waitlistRow{
		ID:                   string(e.ID),
		UserID:               string(e.UserID),
		SlotDate:             e.Slot.Date.String(),
		SlotTime:             e.Slot.Time.String(),
		Service:              string(e.Service),
		Status:               string(e.Status),
		NotifyToken:          optional(e.NotifyToken),
		NotifyTokenExpiresAt: e.NotifyTokenExpiresAt,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
	if e.AppointmentID != nil {
		id := string(*e.AppointmentID)
		row.AppointmentID = &id
	}
	return row
}

func (r waitlistRow) toDomain() (studio.WaitlistEntry, error) {
	slot, err := studio.ParseSlot(r.SlotDate, r.SlotTime)
	if err != nil {
		return studio.WaitlistEntry{}, err
	}
	e := studio.WaitlistEntry{
		ID:                   studio.WaitlistEntryID(r.ID),
		UserID:               studio.UserID(r.UserID),
		Slot:                 slot,
		Service:              studio.ServiceKey(r.Service),
		Status:               studio.WaitlistStatus(r.Status),
		NotifyTokenExpiresAt: r.NotifyTokenExpiresAt,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.NotifyToken != nil {
		e.NotifyToken = *r.NotifyToken
	}
	if r.AppointmentID != nil {
		id := studio.AppointmentID(*r.AppointmentID)
		e.AppointmentID = &id
	}
	return e, nil
}

func toTransactionRow(tx studio.Transaction) (transactionRow, error) {
	meta, err := json.Marshal(tx.Metadata)
	if err != nil {
		return transactionRow{}, err
	}
	row := transactionRow{
		ID:             string(tx.ID),
		UserID:         string(tx.UserID),
		TxType:         string(tx.Type),
		Delta:          tx.Delta,
		Service:        string(tx.Service),
		ReferenceID:    tx.ReferenceID,
		Reason:         tx.Reason,
		IdempotencyKey: optional(tx.IdempotencyKey),
		MetadataJSON:   string(meta),
		CreatedBy:      string(tx.CreatedBy),
		CreatedAt:      tx.CreatedAt,
	}
	if tx.LotID != nil {
		id := string(*tx.LotID)
		row.LotID = &id
	}
	return row, nil
}

func (r transactionRow) toDomain() (studio.Transaction, error) {
	tx := studio.Transaction{
		ID:          studio.TransactionID(r.ID),
		UserID:      studio.UserID(r.UserID),
		Type:        studio.TransactionType(r.TxType),
		Delta:       r.Delta,
		Service:     studio.ServiceKey(r.Service),
		ReferenceID: r.ReferenceID,
		Reason:      r.Reason,
		CreatedBy:   studio.UserID(r.CreatedBy),
		CreatedAt:   r.CreatedAt,
	}
	if r.LotID != nil {
		id := studio.LotID(*r.LotID)
		tx.LotID = &id
	}
	if r.IdempotencyKey != nil {
		tx.IdempotencyKey = *r.IdempotencyKey
	}
	if r.MetadataJSON != "" && r.MetadataJSON != "null" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &tx.Metadata); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
