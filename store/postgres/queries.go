package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/studio-engine/studio"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// queries is shared by Store and the per-transaction store handed to WithTx.
type queries struct {
	db   *gorm.DB
	inTx bool
}

// LockSlot takes a transaction-scoped advisory lock keyed by the slot.
func (q *queries) LockSlot(ctx context.Context, slot studio.Slot) error {
	if !q.inTx {
		return nil
	}
	return q.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "slot:"+slot.String()).Error
}

// =============================================================================
// USERS
// =============================================================================

func (q *queries) GetUser(ctx context.Context, id studio.UserID) (*studio.User, error) {
	var row userRow
	err := q.db.WithContext(ctx).First(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &studio.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}

	var lots []lotRow
	err = q.db.WithContext(ctx).Where("user_id = ?", row.ID).Order("created_at ASC, id ASC").Find(&lots).Error
	if err != nil {
		return nil, err
	}

	u := row.toDomain()
	for _, l := range lots {
		u.CreditLots = append(u.CreditLots, l.toDomain())
	}
	return &u, nil
}

func (q *queries) ListUsers(ctx context.Context) ([]studio.User, error) {
	var rows []userRow
	if err := q.db.WithContext(ctx).Order("name ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]studio.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toDomain())
	}
	return users, nil
}

func (q *queries) SaveUser(ctx context.Context, u *studio.User) error {
	row := toUserRow(u)
	db := q.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "email", "role", "suspended", "membership_tier", "membership_expires_at",
			"medical_clearance_at", "credits", "cancel_window_start", "cancel_used", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	for _, lot := range u.CreditLots {
		lr := toLotRow(u.ID, lot)
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"remaining", "expires_at"}),
		}).Create(&lr).Error
		if err != nil {
			return fmt.Errorf("failed to save credit lot %s: %w", lot.ID, err)
		}
	}
	return nil
}

func (q *queries) DeleteUser(ctx context.Context, id studio.UserID) error {
	db := q.db.WithContext(ctx)
	for _, model := range []any{&transactionRow{}, &waitlistRow{}, &appointmentRow{}, &lotRow{}} {
		if err := db.Where("user_id = ?", string(id)).Delete(model).Error; err != nil {
			return fmt.Errorf("failed to delete user data: %w", err)
		}
	}
	res := db.Where("id = ?", string(id)).Delete(&userRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &studio.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

// userSlotConflict skips an insert that would give the user a second
// reserved appointment in the slot (idx_unique_user_slot).
var userSlotConflict = clause.OnConflict{
	Columns:     []clause.Column{{Name: "user_id"}, {Name: "slot_date"}, {Name: "slot_time"}},
	TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "status = 'reserved'"}}},
	DoNothing:   true,
}

func (q *queries) CreateAppointment(ctx context.Context, a *studio.Appointment) error {
	row := toAppointmentRow(a)
	res := q.db.WithContext(ctx).Clauses(userSlotConflict).Create(&row)
	if err := res.Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return studio.ErrUniqueViolation
		}
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	if res.RowsAffected == 0 {
		return studio.ErrUserSlotTaken
	}
	return nil
}

func (q *queries) GetAppointment(ctx context.Context, id studio.AppointmentID) (*studio.Appointment, error) {
	var row appointmentRow
	err := q.db.WithContext(ctx).First(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &studio.NotFoundError{Kind: "appointment", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	a, err := row.toDomain()
	return &a, err
}

func (q *queries) CancelAppointment(ctx context.Context, id studio.AppointmentID, at time.Time) (bool, error) {
	res := q.db.WithContext(ctx).Model(&appointmentRow{}).
		Where("id = ? AND status = ?", string(id), string(studio.AppointmentReserved)).
		Updates(map[string]any{
			"status":       string(studio.AppointmentCancelled),
			"cancelled_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to cancel appointment: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (q *queries) ListReserved(ctx context.Context, slot studio.Slot) ([]studio.Appointment, error) {
	return q.findAppointments(q.db.WithContext(ctx).
		Where("slot_date = ? AND slot_time = ? AND status = ?",
			slot.Date.String(), slot.Time.String(), string(studio.AppointmentReserved)).
		Order("created_at ASC"))
}

func (q *queries) ListAppointments(ctx context.Context, f studio.AppointmentFilter) ([]studio.Appointment, error) {
	db := q.db.WithContext(ctx)
	if f.UserID != nil {
		db = db.Where("user_id = ?", string(*f.UserID))
	}
	if f.Status != nil {
		db = db.Where("status = ?", string(*f.Status))
	}
	if f.From != nil {
		db = db.Where("slot_date >= ?", f.From.String())
	}
	if f.To != nil {
		db = db.Where("slot_date <= ?", f.To.String())
	}
	if f.ReminderPending {
		db = db.Where("reminder_sent_at IS NULL")
	}
	return q.findAppointments(db.Order("slot_date ASC, slot_time ASC, created_at ASC"))
}

func (q *queries) MarkReminderSent(ctx context.Context, id studio.AppointmentID, at time.Time) (bool, error) {
	res := q.db.WithContext(ctx).Model(&appointmentRow{}).
		Where("id = ? AND reminder_sent_at IS NULL AND status = ?", string(id), string(studio.AppointmentReserved)).
		Updates(map[string]any{"reminder_sent_at": at, "updated_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark reminder: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (q *queries) ClearReminderSent(ctx context.Context, id studio.AppointmentID) error {
	return q.db.WithContext(ctx).Model(&appointmentRow{}).
		Where("id = ?", string(id)).
		Update("reminder_sent_at", nil).Error
}

func (q *queries) findAppointments(db *gorm.DB) ([]studio.Appointment, error) {
	var rows []appointmentRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]studio.Appointment, 0, len(rows))
	for _, r := range rows {
		a, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// =============================================================================
// WAITLIST
// =============================================================================

func (q *queries) CreateWaitlistEntry(ctx context.Context, e *studio.WaitlistEntry) error {
	row := toWaitlistRow(e)
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return studio.ErrUniqueViolation
		}
		return fmt.Errorf("failed to create waitlist entry: %w", err)
	}
	return nil
}

func (q *queries) GetWaitlistEntry(ctx context.Context, id studio.WaitlistEntryID) (*studio.WaitlistEntry, error) {
	return q.firstWaitlist(ctx, "waitlist entry", string(id), "id = ?")
}

func (q *queries) GetWaitlistEntryByToken(ctx context.Context, token string) (*studio.WaitlistEntry, error) {
	return q.firstWaitlist(ctx, "waitlist token", token, "notify_token = ?")
}

func (q *queries) firstWaitlist(ctx context.Context, kind, key, where string) (*studio.WaitlistEntry, error) {
	var row waitlistRow
	err := q.db.WithContext(ctx).First(&row, where, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &studio.NotFoundError{Kind: kind, ID: key}
	}
	if err != nil {
		return nil, err
	}
	e, err := row.toDomain()
	return &e, err
}

func (q *queries) ListWaitlist(ctx context.Context, f studio.WaitlistFilter) ([]studio.WaitlistEntry, error) {
	db := q.db.WithContext(ctx)
	if f.UserID != nil {
		db = db.Where("user_id = ?", string(*f.UserID))
	}
	if f.Slot != nil {
		db = db.Where("slot_date = ? AND slot_time = ?", f.Slot.Date.String(), f.Slot.Time.String())
	}
	if f.Service != nil {
		db = db.Where("service = ?", string(*f.Service))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		db = db.Where("status IN ?", statuses)
	}

	var rows []waitlistRow
	if err := db.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]studio.WaitlistEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *queries) TransitionWaitlist(ctx context.Context, id studio.WaitlistEntryID, t studio.WaitlistTransition) (bool, error) {
	updates := map[string]any{
		"status":                  string(t.To),
		"notify_token":            optional(t.Token),
		"notify_token_expires_at": t.TokenExpiresAt,
		"updated_at":              t.At,
	}
	if t.AppointmentID != nil {
		updates["appointment_id"] = string(*t.AppointmentID)
	}
	res := q.db.WithContext(ctx).Model(&waitlistRow{}).
		Where("id = ? AND status = ?", string(id), string(t.From)).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, studio.ErrUniqueViolation
		}
		return false, fmt.Errorf("failed to update waitlist entry: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// =============================================================================
// CREDIT TRANSACTIONS (append-only)
// =============================================================================

func (q *queries) AppendTransaction(ctx context.Context, tx studio.Transaction) error {
	row, err := toTransactionRow(tx)
	if err != nil {
		return err
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return studio.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, userID studio.UserID) ([]studio.Transaction, error) {
	var rows []transactionRow
	err := q.db.WithContext(ctx).Where("user_id = ?", string(userID)).Order("created_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]studio.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", r.ID, err)
		}
		out = append(out, tx)
	}
	return out, nil
}
