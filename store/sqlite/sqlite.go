/*
Package sqlite provides a SQLite-backed implementation of studio.TxStore.

PURPOSE:
  Default store for development and tests. Production deployments on
  PostgreSQL use store/postgres; the schema and constraints are the same.

KEY TABLES:
  users:               accounts, membership, cancellation window, cached credits
  credit_lots:         one row per lot, owned by a user (cascade delete)
  appointments:        reserved/cancelled seats, never deleted by the engine
  waitlist_entries:    queue positions and claim tokens
  credit_transactions: append-only credit history

CRITICAL INDEXES:
  - idx_unique_reserved_seat: at most one RESERVED appointment per
    (date, time, service) for every single-seat service. This is the last
    line of defence against double booking; a violation surfaces as
    studio.ErrUniqueViolation.
  - idx_unique_user_slot: at most one RESERVED appointment per user and
    slot, any service. CreateAppointment reports it as
    studio.ErrUserSlotTaken.
  - idx_unique_active_waitlist: one waiting/notified entry per user and slot.
  - credit_transactions.idempotency_key UNIQUE: one debit and one refund per
    appointment, one application per payment.

CONCURRENCY:
  SQLite has a single writer. The store keeps one open connection and
  WithTx holds a mutex for the whole transaction, so read-check-write
  sequences inside WithTx are serializable. LockSlot is therefore a no-op.

WAL MODE:
  The database is opened with WAL and foreign keys on, as before.

USAGE:
  store, err := sqlite.New("./data/studio.db")   // or ":memory:"
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/studio-engine/studio"
)

// Store implements studio.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var _ studio.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// only has one writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

var schema = fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL,
		suspended INTEGER NOT NULL DEFAULT 0,
		membership_tier TEXT NOT NULL DEFAULT 'basic',
		membership_expires_at TEXT,
		medical_clearance_at TEXT,
		credits INTEGER NOT NULL DEFAULT 0,
		cancel_window_start TEXT,
		cancel_used INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_lots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		scope TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		remaining INTEGER NOT NULL CHECK (remaining >= 0 AND remaining <= amount),
		expires_at TEXT,
		source TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_lots_user
		ON credit_lots(user_id);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		service TEXT NOT NULL,
		status TEXT NOT NULL,
		credit_lot_id TEXT,
		booked_by TEXT,
		reminder_sent_at TEXT,
		cancelled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one reserved seat per single-seat service and slot
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_reserved_seat
		ON appointments(date, time, service)
		WHERE status = 'reserved' AND service <> '%[1]s';

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_user_slot
		ON appointments(user_id, date, time)
		WHERE status = 'reserved';

	CREATE INDEX IF NOT EXISTS idx_appointments_slot
		ON appointments(date, time, status);
	CREATE INDEX IF NOT EXISTS idx_appointments_user
		ON appointments(user_id, date);

	CREATE TABLE IF NOT EXISTS waitlist_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		service TEXT NOT NULL,
		status TEXT NOT NULL,
		notify_token TEXT,
		notify_token_expires_at TEXT,
		appointment_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_waitlist
		ON waitlist_entries(user_id, date, time, service)
		WHERE status IN ('waiting', 'notified');
	CREATE UNIQUE INDEX IF NOT EXISTS idx_waitlist_token
		ON waitlist_entries(notify_token) WHERE notify_token IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_waitlist_slot
		ON waitlist_entries(date, time, service, status);

	-- Append-only credit history
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		lot_id TEXT,
		tx_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		service TEXT,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user
		ON credit_transactions(user_id, created_at);
`, studio.ServicePersonalTraining)

// =============================================================================
// TRANSACTIONAL STORE (studio.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store studio.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: &queries{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isUniqueConstraintError(err) {
			return studio.ErrUniqueViolation
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	*queries
}

// DeleteUser removes the user and everything it owns in one transaction.
func (s *Store) DeleteUser(ctx context.Context, id studio.UserID) error {
	return s.WithTx(ctx, func(tx studio.Store) error {
		return tx.DeleteUser(ctx, id)
	})
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

// LockSlot is a no-op: WithTx already serializes writers.
func (s *queries) LockSlot(context.Context, studio.Slot) error { return nil }

// =============================================================================
// USERS
// =============================================================================

func (s *queries) GetUser(ctx context.Context, id studio.UserID) (*studio.User, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, email, role, suspended, membership_tier, membership_expires_at,
		       medical_clearance_at, credits, cancel_window_start, cancel_used, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &studio.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}

	lots, err := s.lotsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	u.CreditLots = lots
	return u, nil
}

func (s *queries) ListUsers(ctx context.Context) ([]studio.User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, email, role, suspended, membership_tier, membership_expires_at,
		       medical_clearance_at, credits, cancel_window_start, cancel_used, created_at, updated_at
		FROM users ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []studio.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *queries) SaveUser(ctx context.Context, u *studio.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users
		(id, name, email, role, suspended, membership_tier, membership_expires_at,
		 medical_clearance_at, credits, cancel_window_start, cancel_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			suspended = excluded.suspended,
			membership_tier = excluded.membership_tier,
			membership_expires_at = excluded.membership_expires_at,
			medical_clearance_at = excluded.medical_clearance_at,
			credits = excluded.credits,
			cancel_window_start = excluded.cancel_window_start,
			cancel_used = excluded.cancel_used,
			updated_at = excluded.updated_at
	`,
		u.ID, u.Name, nullString(u.Email), u.Role, u.Suspended,
		u.Membership.Tier, nullTime(u.Membership.ExpiresAt), nullTime(u.MedicalClearanceAt),
		u.Credits, nullTime(zeroToNil(u.Cancellations.WindowStart)), u.Cancellations.Used,
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	for _, lot := range u.CreditLots {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO credit_lots (id, user_id, scope, amount, remaining, expires_at, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				remaining = excluded.remaining,
				expires_at = excluded.expires_at
		`,
			lot.ID, u.ID, lot.Scope, lot.Amount, lot.Remaining,
			nullTime(lot.ExpiresAt), lot.Source, formatTime(lot.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save credit lot %s: %w", lot.ID, err)
		}
	}
	return nil
}

func (s *queries) DeleteUser(ctx context.Context, id studio.UserID) error {
	for _, q := range []string{
		`DELETE FROM credit_transactions WHERE user_id = ?`,
		`DELETE FROM waitlist_entries WHERE user_id = ?`,
		`DELETE FROM appointments WHERE user_id = ?`,
		`DELETE FROM credit_lots WHERE user_id = ?`,
	} {
		if _, err := s.q.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete user data: %w", err)
		}
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &studio.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

func (s *queries) lotsFor(ctx context.Context, userID studio.UserID) ([]studio.CreditLot, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, scope, amount, remaining, expires_at, source, created_at
		FROM credit_lots WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []studio.CreditLot
	for rows.Next() {
		var (
			lot       studio.CreditLot
			expiresAt sql.NullString
			source    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&lot.ID, &lot.UserID, &lot.Scope, &lot.Amount, &lot.Remaining,
			&expiresAt, &source, &createdAt); err != nil {
			return nil, err
		}
		lot.Source = source.String
		if lot.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
			return nil, err
		}
		if lot.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*studio.User, error) {
	var (
		u                                 studio.User
		email                             sql.NullString
		tierExpires, medical, cancelStart sql.NullString
		createdAt, updatedAt              string
	)
	err := row.Scan(&u.ID, &u.Name, &email, &u.Role, &u.Suspended, &u.Membership.Tier, &tierExpires,
		&medical, &u.Credits, &cancelStart, &u.Cancellations.Used, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	if u.Membership.ExpiresAt, err = parseNullTime(tierExpires); err != nil {
		return nil, err
	}
	if u.MedicalClearanceAt, err = parseNullTime(medical); err != nil {
		return nil, err
	}
	start, err := parseNullTime(cancelStart)
	if err != nil {
		return nil, err
	}
	if start != nil {
		u.Cancellations.WindowStart = *start
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `id, user_id, date, time, service, status, credit_lot_id, booked_by,
	reminder_sent_at, cancelled_at, created_at, updated_at`

func (s *queries) CreateAppointment(ctx context.Context, a *studio.Appointment) error {
	var lotID sql.NullString
	if a.CreditLotID != nil {
		lotID = nullString(string(*a.CreditLotID))
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date, time) WHERE status = 'reserved' DO NOTHING
	`,
		a.ID, a.UserID, a.Slot.Date.String(), a.Slot.Time.String(), a.Service, a.Status,
		lotID, nullString(string(a.BookedBy)), nullTime(a.ReminderSentAt), nullTime(a.CancelledAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return studio.ErrUniqueViolation
		}
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	if n == 0 {
		return studio.ErrUserSlotTaken
	}
	return nil
}

func (s *queries) GetAppointment(ctx context.Context, id studio.AppointmentID) (*studio.Appointment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &studio.NotFoundError{Kind: "appointment", ID: string(id)}
	}
	return a, err
}

func (s *queries) CancelAppointment(ctx context.Context, id studio.AppointmentID, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE appointments SET status = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, studio.AppointmentCancelled, formatTime(at), formatTime(at), id, studio.AppointmentReserved)
	if err != nil {
		return false, fmt.Errorf("failed to cancel appointment: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *queries) ListReserved(ctx context.Context, slot studio.Slot) ([]studio.Appointment, error) {
	return s.queryAppointments(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE date = ? AND time = ? AND status = ?
		ORDER BY created_at ASC
	`, slot.Date.String(), slot.Time.String(), studio.AppointmentReserved)
}

func (s *queries) ListAppointments(ctx context.Context, f studio.AppointmentFilter) ([]studio.Appointment, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.From != nil {
		where = append(where, "date >= ?")
		args = append(args, f.From.String())
	}
	if f.To != nil {
		where = append(where, "date <= ?")
		args = append(args, f.To.String())
	}
	if f.ReminderPending {
		where = append(where, "reminder_sent_at IS NULL")
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC, time ASC, created_at ASC"
	return s.queryAppointments(ctx, query, args...)
}

func (s *queries) MarkReminderSent(ctx context.Context, id studio.AppointmentID, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE appointments SET reminder_sent_at = ?, updated_at = ?
		WHERE id = ? AND reminder_sent_at IS NULL AND status = ?
	`, formatTime(at), formatTime(at), id, studio.AppointmentReserved)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *queries) ClearReminderSent(ctx context.Context, id studio.AppointmentID) error {
	_, err := s.q.ExecContext(ctx, `UPDATE appointments SET reminder_sent_at = NULL WHERE id = ?`, id)
	return err
}

func (s *queries) queryAppointments(ctx context.Context, query string, args ...any) ([]studio.Appointment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []studio.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAppointment(row scanner) (*studio.Appointment, error) {
	var (
		a                    studio.Appointment
		date, clock          string
		lotID, bookedBy      sql.NullString
		reminder, cancelled  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.UserID, &date, &clock, &a.Service, &a.Status, &lotID, &bookedBy,
		&reminder, &cancelled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if a.Slot, err = studio.ParseSlot(date, clock); err != nil {
		return nil, err
	}
	if lotID.Valid {
		id := studio.LotID(lotID.String)
		a.CreditLotID = &id
	}
	a.BookedBy = studio.UserID(bookedBy.String)
	if a.ReminderSentAt, err = parseNullTime(reminder); err != nil {
		return nil, err
	}
	if a.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// =============================================================================
// WAITLIST
// =============================================================================

const waitlistColumns = `id, user_id, date, time, service, status, notify_token,
	notify_token_expires_at, appointment_id, created_at, updated_at`

func (s *queries) CreateWaitlistEntry(ctx context.Context, e *studio.WaitlistEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO waitlist_entries (`+waitlistColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, e.Slot.Date.String(), e.Slot.Time.String(), e.Service, e.Status,
		nullString(e.NotifyToken), nullTime(e.NotifyTokenExpiresAt), nullAppointmentID(e.AppointmentID),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return studio.ErrUniqueViolation
		}
		return fmt.Errorf("failed to create waitlist entry: %w", err)
	}
	return nil
}

func (s *queries) GetWaitlistEntry(ctx context.Context, id studio.WaitlistEntryID) (*studio.WaitlistEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE id = ?`, id)
	e, err := scanWaitlistEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &studio.NotFoundError{Kind: "waitlist entry", ID: string(id)}
	}
	return e, err
}

func (s *queries) GetWaitlistEntryByToken(ctx context.Context, token string) (*studio.WaitlistEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE notify_token = ?`, token)
	e, err := scanWaitlistEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &studio.NotFoundError{Kind: "waitlist token", ID: token}
	}
	return e, err
}

func (s *queries) ListWaitlist(ctx context.Context, f studio.WaitlistFilter) ([]studio.WaitlistEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Slot != nil {
		where = append(where, "date = ? AND time = ?")
		args = append(args, f.Slot.Date.String(), f.Slot.Time.String())
	}
	if f.Service != nil {
		where = append(where, "service = ?")
		args = append(args, *f.Service)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []studio.WaitlistEntry
	for rows.Next() {
		e, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *queries) TransitionWaitlist(ctx context.Context, id studio.WaitlistEntryID, t studio.WaitlistTransition) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE waitlist_entries
		SET status = ?, notify_token = ?, notify_token_expires_at = ?,
		    appointment_id = COALESCE(?, appointment_id), updated_at = ?
		WHERE id = ? AND status = ?
	`,
		t.To, nullString(t.Token), nullTime(t.TokenExpiresAt), nullAppointmentID(t.AppointmentID),
		formatTime(t.At), id, t.From,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, studio.ErrUniqueViolation
		}
		return false, fmt.Errorf("failed to update waitlist entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func scanWaitlistEntry(row scanner) (*studio.WaitlistEntry, error) {
	var (
		e                    studio.WaitlistEntry
		date, clock          string
		token, expires, appt sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &e.UserID, &date, &clock, &e.Service, &e.Status, &token, &expires, &appt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if e.Slot, err = studio.ParseSlot(date, clock); err != nil {
		return nil, err
	}
	e.NotifyToken = token.String
	if e.NotifyTokenExpiresAt, err = parseNullTime(expires); err != nil {
		return nil, err
	}
	if appt.Valid {
		id := studio.AppointmentID(appt.String)
		e.AppointmentID = &id
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// CREDIT TRANSACTIONS (append-only)
// =============================================================================

func (s *queries) AppendTransaction(ctx context.Context, tx studio.Transaction) error {
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of %s: %w", tx.ID, err)
	}
	var lotID sql.NullString
	if tx.LotID != nil {
		lotID = nullString(string(*tx.LotID))
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, user_id, lot_id, tx_type, delta, service, reference_id, reason,
		 idempotency_key, metadata_json, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.UserID, lotID, tx.Type, tx.Delta, nullString(string(tx.Service)),
		nullString(tx.ReferenceID), nullString(tx.Reason), nullString(tx.IdempotencyKey),
		string(metadataJSON), nullString(string(tx.CreatedBy)), formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return studio.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *queries) ListTransactions(ctx context.Context, userID studio.UserID) ([]studio.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, lot_id, tx_type, delta, service, reference_id, reason,
		       idempotency_key, metadata_json, created_by, created_at
		FROM credit_transactions WHERE user_id = ?
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []studio.Transaction
	for rows.Next() {
		var (
			tx                                     studio.Transaction
			lotID, service, ref, reason, key, meta sql.NullString
			createdBy                              sql.NullString
			createdAt                              string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &lotID, &tx.Type, &tx.Delta, &service, &ref, &reason,
			&key, &meta, &createdBy, &createdAt); err != nil {
			return nil, err
		}
		if lotID.Valid {
			id := studio.LotID(lotID.String)
			tx.LotID = &id
		}
		tx.Service = studio.ServiceKey(service.String)
		tx.ReferenceID = ref.String
		tx.Reason = reason.String
		tx.IdempotencyKey = key.String
		tx.CreatedBy = studio.UserID(createdBy.String)
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
			}
		}
		if tx.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAppointmentID(id *studio.AppointmentID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func zeroToNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
