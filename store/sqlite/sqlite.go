/*
Package sqlite provides a SQLite-backed implementation of booking.Store.

PURPOSE:
  Embedded, file-based persistence for a single clinic. Every repository of
  booking.Store is implemented on one *sql.DB; WithTx binds the same
  repositories to a *sql.Tx.

KEY TABLES:
  patients:           Patient records
  appointments:       Calendar rows (times as fixed-width UTC text)
  credit_packs:       Pack balances and paid flags
  credit_redemptions: Pack <-> appointment ledger entries

CONCURRENCY:
  Units of work are serialized twice: a process mutex, and BEGIN IMMEDIATE
  (_txlock=immediate) so the database write lock is taken before the
  overlap check reads the calendar. A second process opening the same file
  waits on busy_timeout; a lock still held after that surfaces as
  booking.ErrConcurrentModification and is retried by the manager.

TIME ENCODING:
  Instants are stored as "2006-01-02T15:04:05.000Z" in UTC. The fixed width
  makes lexicographic comparison equal to chronological comparison, which
  the overlap query relies on.

USAGE:
  store, err := sqlite.New("./data/clinic.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  mgr := booking.NewManager(store, logger)

SEE ALSO:
  - booking/store.go: Interface definitions
  - booking/store/memory.go: In-memory implementation for testing
  - store/postgres: Server deployment with an exclusion constraint
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/clinic-engine/booking"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// Store implements booking.Store using SQLite.
type Store struct {
	repos
	db *sql.DB
	mu sync.Mutex
}

var _ booking.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{repos: repos{q: db}, db: db}
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

// Migrate creates the database schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		patient_id TEXT REFERENCES patients(id),
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		status TEXT NOT NULL,
		consumes_credit INTEGER NOT NULL DEFAULT 0,
		notes TEXT,
		price_cents INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (end_at > start_at)
	);

	-- Overlap query (hot path)
	CREATE INDEX IF NOT EXISTS idx_appointments_status_start
		ON appointments(status, start_at, end_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_patient
		ON appointments(patient_id, start_at);

	CREATE TABLE IF NOT EXISTS credit_packs (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		label TEXT NOT NULL,
		kind TEXT,
		units_total INTEGER NOT NULL,
		units_remaining INTEGER NOT NULL,
		unit_minutes INTEGER,
		paid INTEGER NOT NULL DEFAULT 0,
		price_cents INTEGER NOT NULL DEFAULT 0,
		notes TEXT,
		created_at TEXT NOT NULL,
		CHECK (units_remaining >= 0 AND units_remaining <= units_total)
	);

	CREATE INDEX IF NOT EXISTS idx_credit_packs_patient
		ON credit_packs(patient_id, created_at);

	CREATE TABLE IF NOT EXISTS credit_redemptions (
		id TEXT PRIMARY KEY,
		credit_pack_id TEXT NOT NULL REFERENCES credit_packs(id),
		appointment_id TEXT NOT NULL REFERENCES appointments(id),
		units_used INTEGER NOT NULL CHECK (units_used > 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_appointment
		ON credit_redemptions(appointment_id);
	CREATE INDEX IF NOT EXISTS idx_redemptions_pack
		ON credit_redemptions(credit_pack_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(booking.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(repos{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Reset deletes all data.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx booking.Repos) error {
		q := tx.(repos)
		for _, table := range []string{"credit_redemptions", "credit_packs", "appointments", "patients"} {
			if err := q.exec(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// mapError converts lock contention into a retryable error.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", booking.ErrConcurrentModification, err)
	}
	return err
}

// =============================================================================
// QUERIER
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repos struct{ q querier }

func (r repos) Patients() booking.PatientRepository         { return patientRepo(r) }
func (r repos) Appointments() booking.AppointmentRepository { return appointmentRepo(r) }
func (r repos) Packs() booking.CreditPackRepository         { return packRepo(r) }
func (r repos) Redemptions() booking.RedemptionRepository   { return redemptionRepo(r) }

func (r repos) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.q.ExecContext(ctx, query, args...)
	return mapError(err)
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may carry full RFC3339.
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return booking.ToUTC(t), nil
}

// parseTimes parses raw column values into their destinations, stopping
// at the first malformed one.
func parseTimes(fields ...timeField) error {
	for _, f := range fields {
		t, err := parseTime(f.raw)
		if err != nil {
			return err
		}
		*f.dst = t
	}
	return nil
}

type timeField struct {
	raw string
	dst *time.Time
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// PATIENTS
// =============================================================================

type patientRepo repos

const patientColumns = `id, name, phone, email, created_at`

func scanPatient(row scanner) (booking.Patient, error) {
	var (
		p            booking.Patient
		phone, email sql.NullString
		createdAt    string
	)
	if err := row.Scan(&p.ID, &p.Name, &phone, &email, &createdAt); err != nil {
		return booking.Patient{}, err
	}
	p.Phone = phone.String
	p.Email = email.String
	if err := parseTimes(timeField{createdAt, &p.CreatedAt}); err != nil {
		return booking.Patient{}, fmt.Errorf("patient %s: %w", p.ID, err)
	}
	return p, nil
}

func (r patientRepo) Get(ctx context.Context, id booking.PatientID) (*booking.Patient, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r patientRepo) List(ctx context.Context) ([]booking.Patient, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r patientRepo) Create(ctx context.Context, p booking.Patient) error {
	return repos(r).exec(ctx, `INSERT INTO patients (`+patientColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullString(p.Phone), nullString(p.Email), formatTime(p.CreatedAt))
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type appointmentRepo repos

const appointmentColumns = `id, patient_id, start_at, end_at, duration_minutes, status,
	consumes_credit, notes, price_cents, created_at, updated_at`

func scanAppointment(row scanner) (booking.Appointment, error) {
	var (
		a                    booking.Appointment
		patientID, notes     sql.NullString
		start, end           string
		createdAt, updatedAt string
		status               string
	)
	err := row.Scan(&a.ID, &patientID, &start, &end, &a.DurationMinutes, &status,
		&a.ConsumesCredit, &notes, &a.PriceCents, &createdAt, &updatedAt)
	if err != nil {
		return booking.Appointment{}, err
	}
	a.PatientID = booking.PatientID(patientID.String)
	a.Status = booking.AppointmentStatus(status)
	a.Notes = notes.String
	err = parseTimes(
		timeField{start, &a.Start},
		timeField{end, &a.End},
		timeField{createdAt, &a.CreatedAt},
		timeField{updatedAt, &a.UpdatedAt},
	)
	if err != nil {
		return booking.Appointment{}, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	return a, nil
}

func (r appointmentRepo) query(ctx context.Context, query string, args ...any) ([]booking.Appointment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r appointmentRepo) Get(ctx context.Context, id booking.AppointmentID) (*booking.Appointment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func whereAppointments(f booking.AppointmentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.PatientID != "" {
		conds = append(conds, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		conds = append(conds, "start_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "end_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r appointmentRepo) List(ctx context.Context, f booking.AppointmentFilter) ([]booking.Appointment, error) {
	where, args := whereAppointments(f)
	query := `SELECT ` + appointmentColumns + ` FROM appointments` + where + ` ORDER BY start_at, id`
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, f.Offset)
	}
	return r.query(ctx, query, args...)
}

func (r appointmentRepo) Count(ctx context.Context, f booking.AppointmentFilter) (int, error) {
	where, args := whereAppointments(f)
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&n)
	return n, err
}

func (r appointmentRepo) FindOverlapping(ctx context.Context, start, end time.Time, excludeID booking.AppointmentID) (*booking.Appointment, error) {
	list, err := r.query(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE status = ? AND id != ? AND start_at < ? AND end_at > ?
		ORDER BY start_at, id
		LIMIT 1`,
		booking.StatusBooked, excludeID, formatTime(end), formatTime(start))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (r appointmentRepo) Create(ctx context.Context, a booking.Appointment) error {
	return repos(r).exec(ctx, `INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullString(string(a.PatientID)), formatTime(a.Start), formatTime(a.End), a.DurationMinutes,
		a.Status, a.ConsumesCredit, nullString(a.Notes), a.PriceCents,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
}

func (r appointmentRepo) Update(ctx context.Context, a booking.Appointment) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE appointments SET patient_id = ?, start_at = ?, end_at = ?, duration_minutes = ?,
			status = ?, consumes_credit = ?, notes = ?, price_cents = ?, updated_at = ?
		WHERE id = ?`,
		nullString(string(a.PatientID)), formatTime(a.Start), formatTime(a.End), a.DurationMinutes,
		a.Status, a.ConsumesCredit, nullString(a.Notes), a.PriceCents, formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %s: %w", a.ID, booking.ErrNotFound)
	}
	return nil
}

func (r appointmentRepo) Delete(ctx context.Context, id booking.AppointmentID) error {
	return repos(r).exec(ctx, `DELETE FROM appointments WHERE id = ?`, id)
}

// =============================================================================
// CREDIT PACKS
// =============================================================================

type packRepo repos

const packColumns = `id, patient_id, label, kind, units_total, units_remaining, unit_minutes,
	paid, price_cents, notes, created_at`

func scanPack(row scanner) (booking.CreditPack, error) {
	var (
		p           booking.CreditPack
		kind, notes sql.NullString
		unitMinutes sql.NullInt64
		createdAt   string
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.Label, &kind, &p.UnitsTotal, &p.UnitsRemaining,
		&unitMinutes, &p.Paid, &p.PriceCents, &notes, &createdAt)
	if err != nil {
		return booking.CreditPack{}, err
	}
	p.Kind = booking.PackKind(kind.String)
	p.UnitMinutes = int(unitMinutes.Int64)
	p.Notes = notes.String
	if err := parseTimes(timeField{createdAt, &p.CreatedAt}); err != nil {
		return booking.CreditPack{}, fmt.Errorf("credit pack %s: %w", p.ID, err)
	}
	return p, nil
}

func normalizeAll(packs []booking.CreditPack, err error) ([]booking.CreditPack, error) {
	if err != nil {
		return nil, err
	}
	for i := range packs {
		packs[i] = booking.NormalizePack(packs[i])
	}
	return packs, nil
}

func (r packRepo) query(ctx context.Context, query string, args ...any) ([]booking.CreditPack, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.CreditPack
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r packRepo) Get(ctx context.Context, id booking.PackID) (*booking.CreditPack, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+packColumns+` FROM credit_packs WHERE id = ?`, id)
	p, err := scanPack(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p = booking.NormalizePack(p)
	return &p, nil
}

func (r packRepo) ListByPatient(ctx context.Context, patientID booking.PatientID) ([]booking.CreditPack, error) {
	return normalizeAll(r.query(ctx, `SELECT `+packColumns+` FROM credit_packs WHERE patient_id = ? ORDER BY created_at, id`, patientID))
}

func (r packRepo) ListAll(ctx context.Context) ([]booking.CreditPack, error) {
	return r.query(ctx, `SELECT `+packColumns+` FROM credit_packs ORDER BY created_at, id`)
}

func (r packRepo) Create(ctx context.Context, p booking.CreditPack) error {
	return repos(r).exec(ctx, `INSERT INTO credit_packs (`+packColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PatientID, p.Label, p.Kind, p.UnitsTotal, p.UnitsRemaining, p.UnitMinutes,
		p.Paid, p.PriceCents, nullString(p.Notes), formatTime(p.CreatedAt))
}

func (r packRepo) SetUnitsRemaining(ctx context.Context, id booking.PackID, units int) error {
	res, err := r.q.ExecContext(ctx, `UPDATE credit_packs SET units_remaining = ? WHERE id = ?`, units, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credit pack %s: %w", id, booking.ErrNotFound)
	}
	return nil
}

func (r packRepo) SetPaid(ctx context.Context, id booking.PackID, paid bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE credit_packs SET paid = ? WHERE id = ?`, paid, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credit pack %s: %w", id, booking.ErrNotFound)
	}
	return nil
}

func (r packRepo) Delete(ctx context.Context, id booking.PackID) error {
	return repos(r).exec(ctx, `DELETE FROM credit_packs WHERE id = ?`, id)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type redemptionRepo repos

const redemptionColumns = `r.id, r.credit_pack_id, r.appointment_id, r.units_used, r.created_at`

func scanRedemption(row scanner) (booking.CreditRedemption, error) {
	var (
		red       booking.CreditRedemption
		createdAt string
	)
	if err := row.Scan(&red.ID, &red.PackID, &red.AppointmentID, &red.UnitsUsed, &createdAt); err != nil {
		return booking.CreditRedemption{}, err
	}
	if err := parseTimes(timeField{createdAt, &red.CreatedAt}); err != nil {
		return booking.CreditRedemption{}, fmt.Errorf("redemption %s: %w", red.ID, err)
	}
	return red, nil
}

func (r redemptionRepo) query(ctx context.Context, query string, args ...any) ([]booking.CreditRedemption, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.CreditRedemption
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, red)
	}
	return out, rows.Err()
}

func (r redemptionRepo) ListByAppointment(ctx context.Context, id booking.AppointmentID) ([]booking.CreditRedemption, error) {
	return r.query(ctx, `SELECT `+redemptionColumns+` FROM credit_redemptions r
		WHERE r.appointment_id = ? ORDER BY r.created_at, r.id`, id)
}

func (r redemptionRepo) ListByPack(ctx context.Context, id booking.PackID) ([]booking.CreditRedemption, error) {
	return r.query(ctx, `SELECT `+redemptionColumns+` FROM credit_redemptions r
		WHERE r.credit_pack_id = ? ORDER BY r.created_at, r.id`, id)
}

func (r redemptionRepo) ListByPatient(ctx context.Context, patientID booking.PatientID, limit, offset int) ([]booking.CreditRedemption, int, error) {
	var total int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_redemptions r
		JOIN credit_packs p ON p.id = r.credit_pack_id
		WHERE p.patient_id = ?`, patientID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = -1
	}
	list, err := r.query(ctx, `
		SELECT `+redemptionColumns+` FROM credit_redemptions r
		JOIN credit_packs p ON p.id = r.credit_pack_id
		WHERE p.patient_id = ?
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT ? OFFSET ?`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r redemptionRepo) Create(ctx context.Context, red booking.CreditRedemption) error {
	return repos(r).exec(ctx, `INSERT INTO credit_redemptions (id, credit_pack_id, appointment_id, units_used, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		red.ID, red.PackID, red.AppointmentID, red.UnitsUsed, formatTime(red.CreatedAt))
}

func (r redemptionRepo) DeleteByAppointment(ctx context.Context, id booking.AppointmentID) error {
	return repos(r).exec(ctx, `DELETE FROM credit_redemptions WHERE appointment_id = ?`, id)
}

func (r redemptionRepo) DeleteByPack(ctx context.Context, id booking.PackID) error {
	return repos(r).exec(ctx, `DELETE FROM credit_redemptions WHERE credit_pack_id = ?`, id)
}
