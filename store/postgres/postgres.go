/*
Package postgres provides a PostgreSQL implementation of booking.Store.

PURPOSE:
  Server deployment where several API processes share one database. The
  process-local locks of the other stores do not help there, so isolation
  comes from the database itself.

CONCURRENCY:
  - Every unit of work runs SERIALIZABLE. A serialization failure (40001)
    or deadlock (40P01) is returned as booking.ErrConcurrentModification;
    the manager retries it.
  - appointments carries an exclusion constraint over the half-open range
    [start_at, end_at) of BOOKED rows. Even a bug in the overlap check
    cannot commit a double booking; a violation (23P01) is returned as
    booking.ErrOverlapConstraint.

USAGE:
  pool, err := postgres.NewPool(ctx, url, 10, 2)
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/clinic-engine/booking"
)

// NewPool opens a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Store implements booking.Store on a pgx pool.
type Store struct {
	repos
	pool *pgxpool.Pool
}

var _ booking.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{repos: repos{q: pool}, pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT,
	email TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS appointments (
	id TEXT PRIMARY KEY,
	patient_id TEXT REFERENCES patients(id),
	start_at TIMESTAMPTZ NOT NULL,
	end_at TIMESTAMPTZ NOT NULL,
	duration_minutes INTEGER NOT NULL,
	status TEXT NOT NULL,
	consumes_credit BOOLEAN NOT NULL DEFAULT FALSE,
	notes TEXT,
	price_cents BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (end_at > start_at)
);

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'appointments_no_overlap') THEN
		ALTER TABLE appointments ADD CONSTRAINT appointments_no_overlap
			EXCLUDE USING gist (tstzrange(start_at, end_at, '[)') WITH &&)
			WHERE (status = 'BOOKED');
	END IF;
END $$;

CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments(patient_id, start_at);

CREATE TABLE IF NOT EXISTS credit_packs (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL REFERENCES patients(id),
	label TEXT NOT NULL,
	kind TEXT,
	units_total INTEGER NOT NULL,
	units_remaining INTEGER NOT NULL,
	unit_minutes INTEGER,
	paid BOOLEAN NOT NULL DEFAULT FALSE,
	price_cents BIGINT NOT NULL DEFAULT 0,
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	CHECK (units_remaining >= 0 AND units_remaining <= units_total)
);

CREATE INDEX IF NOT EXISTS idx_credit_packs_patient ON credit_packs(patient_id, created_at);

CREATE TABLE IF NOT EXISTS credit_redemptions (
	id TEXT PRIMARY KEY,
	credit_pack_id TEXT NOT NULL REFERENCES credit_packs(id),
	appointment_id TEXT NOT NULL REFERENCES appointments(id),
	units_used INTEGER NOT NULL CHECK (units_used > 0),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_redemptions_appointment ON credit_redemptions(appointment_id);
CREATE INDEX IF NOT EXISTS idx_redemptions_pack ON credit_redemptions(credit_pack_id);
`

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// WithTx runs fn in a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(booking.Repos) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(repos{q: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Reset deletes all data.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE credit_redemptions, credit_packs, appointments, patients`)
	return err
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", booking.ErrConcurrentModification, err)
	case "23P01":
		return fmt.Errorf("%w: %v", booking.ErrOverlapConstraint, err)
	}
	return err
}

// =============================================================================
// QUERIER
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repos struct{ q querier }

func (r repos) Patients() booking.PatientRepository         { return patientRepo(r) }
func (r repos) Appointments() booking.AppointmentRepository { return appointmentRepo(r) }
func (r repos) Packs() booking.CreditPackRepository         { return packRepo(r) }
func (r repos) Redemptions() booking.RedemptionRepository   { return redemptionRepo(r) }

func (r repos) exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := r.q.Exec(ctx, sql, args...)
	return mapError(err)
}

func (r repos) execOne(ctx context.Context, what string, sql string, args ...interface{}) error {
	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, booking.ErrNotFound)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// =============================================================================
// PATIENTS
// =============================================================================

type patientRepo repos

const patientCols = `id, name, phone, email, created_at`

func scanPatient(row pgx.Row) (booking.Patient, error) {
	var (
		p            booking.Patient
		phone, email *string
	)
	if err := row.Scan(&p.ID, &p.Name, &phone, &email, &p.CreatedAt); err != nil {
		return booking.Patient{}, err
	}
	p.Phone = deref(phone)
	p.Email = deref(email)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (r patientRepo) Get(ctx context.Context, id booking.PatientID) (*booking.Patient, error) {
	p, err := scanPatient(r.q.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r patientRepo) List(ctx context.Context) ([]booking.Patient, error) {
	rows, err := r.q.Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY name, id`)
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
	return repos(r).exec(ctx, `INSERT INTO patients (`+patientCols+`) VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.Name, nullable(p.Phone), nullable(p.Email), p.CreatedAt.UTC())
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type appointmentRepo repos

const appointmentCols = `id, patient_id, start_at, end_at, duration_minutes, status,
	consumes_credit, notes, price_cents, created_at, updated_at`

func scanAppointment(row pgx.Row) (booking.Appointment, error) {
	var (
		a                booking.Appointment
		patientID, notes *string
		status           string
	)
	err := row.Scan(&a.ID, &patientID, &a.Start, &a.End, &a.DurationMinutes, &status,
		&a.ConsumesCredit, &notes, &a.PriceCents, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return booking.Appointment{}, err
	}
	a.PatientID = booking.PatientID(deref(patientID))
	a.Status = booking.AppointmentStatus(status)
	a.Notes = deref(notes)
	a.Start, a.End = a.Start.UTC(), a.End.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a, nil
}

func (r appointmentRepo) query(ctx context.Context, sql string, args ...interface{}) ([]booking.Appointment, error) {
	rows, err := r.q.Query(ctx, sql, args...)
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
	a, err := scanAppointment(r.q.QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func whereAppointments(f booking.AppointmentFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.From != nil {
		add("start_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("end_at <= $%d", f.To.UTC())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r appointmentRepo) List(ctx context.Context, f booking.AppointmentFilter) ([]booking.Appointment, error) {
	where, args := whereAppointments(f)
	sql := `SELECT ` + appointmentCols + ` FROM appointments` + where + ` ORDER BY start_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.query(ctx, sql, args...)
}

func (r appointmentRepo) Count(ctx context.Context, f booking.AppointmentFilter) (int, error) {
	where, args := whereAppointments(f)
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&n)
	return n, err
}

func (r appointmentRepo) FindOverlapping(ctx context.Context, start, end time.Time, excludeID booking.AppointmentID) (*booking.Appointment, error) {
	list, err := r.query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE status = $1 AND id <> $2 AND start_at < $3 AND end_at > $4
		ORDER BY start_at, id
		LIMIT 1`,
		booking.StatusBooked, excludeID, end.UTC(), start.UTC())
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (r appointmentRepo) Create(ctx context.Context, a booking.Appointment) error {
	return repos(r).exec(ctx, `INSERT INTO appointments (`+appointmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, nullable(string(a.PatientID)), a.Start.UTC(), a.End.UTC(), a.DurationMinutes,
		a.Status, a.ConsumesCredit, nullable(a.Notes), a.PriceCents, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
}

func (r appointmentRepo) Update(ctx context.Context, a booking.Appointment) error {
	return repos(r).execOne(ctx, "appointment "+string(a.ID), `
		UPDATE appointments SET patient_id = $2, start_at = $3, end_at = $4, duration_minutes = $5,
			status = $6, consumes_credit = $7, notes = $8, price_cents = $9, updated_at = $10
		WHERE id = $1`,
		a.ID, nullable(string(a.PatientID)), a.Start.UTC(), a.End.UTC(), a.DurationMinutes,
		a.Status, a.ConsumesCredit, nullable(a.Notes), a.PriceCents, a.UpdatedAt.UTC())
}

func (r appointmentRepo) Delete(ctx context.Context, id booking.AppointmentID) error {
	return repos(r).exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
}

// =============================================================================
// CREDIT PACKS
// =============================================================================

type packRepo repos

const packCols = `id, patient_id, label, kind, units_total, units_remaining, unit_minutes,
	paid, price_cents, notes, created_at`

func scanPack(row pgx.Row) (booking.CreditPack, error) {
	var (
		p           booking.CreditPack
		kind, notes *string
		unitMinutes *int32
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.Label, &kind, &p.UnitsTotal, &p.UnitsRemaining,
		&unitMinutes, &p.Paid, &p.PriceCents, &notes, &p.CreatedAt)
	if err != nil {
		return booking.CreditPack{}, err
	}
	p.Kind = booking.PackKind(deref(kind))
	if unitMinutes != nil {
		p.UnitMinutes = int(*unitMinutes)
	}
	p.Notes = deref(notes)
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

func (r packRepo) query(ctx context.Context, sql string, args ...interface{}) ([]booking.CreditPack, error) {
	rows, err := r.q.Query(ctx, sql, args...)
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
	p, err := scanPack(r.q.QueryRow(ctx, `SELECT `+packCols+` FROM credit_packs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p = booking.NormalizePack(p)
	return &p, nil
}

func (r packRepo) ListByPatient(ctx context.Context, patientID booking.PatientID) ([]booking.CreditPack, error) {
	return normalizeAll(r.query(ctx, `SELECT `+packCols+` FROM credit_packs WHERE patient_id = $1 ORDER BY created_at, id`, patientID))
}

func (r packRepo) ListAll(ctx context.Context) ([]booking.CreditPack, error) {
	return r.query(ctx, `SELECT `+packCols+` FROM credit_packs ORDER BY created_at, id`)
}

func (r packRepo) Create(ctx context.Context, p booking.CreditPack) error {
	return repos(r).exec(ctx, `INSERT INTO credit_packs (`+packCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.PatientID, p.Label, p.Kind, p.UnitsTotal, p.UnitsRemaining, p.UnitMinutes,
		p.Paid, p.PriceCents, nullable(p.Notes), p.CreatedAt.UTC())
}

func (r packRepo) SetUnitsRemaining(ctx context.Context, id booking.PackID, units int) error {
	return repos(r).execOne(ctx, "credit pack "+string(id),
		`UPDATE credit_packs SET units_remaining = $2 WHERE id = $1`, id, units)
}

func (r packRepo) SetPaid(ctx context.Context, id booking.PackID, paid bool) error {
	return repos(r).execOne(ctx, "credit pack "+string(id),
		`UPDATE credit_packs SET paid = $2 WHERE id = $1`, id, paid)
}

func (r packRepo) Delete(ctx context.Context, id booking.PackID) error {
	return repos(r).exec(ctx, `DELETE FROM credit_packs WHERE id = $1`, id)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type redemptionRepo repos

const redemptionCols = `r.id, r.credit_pack_id, r.appointment_id, r.units_used, r.created_at`

func (r redemptionRepo) query(ctx context.Context, sql string, args ...interface{}) ([]booking.CreditRedemption, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.CreditRedemption
	for rows.Next() {
		var red booking.CreditRedemption
		if err := rows.Scan(&red.ID, &red.PackID, &red.AppointmentID, &red.UnitsUsed, &red.CreatedAt); err != nil {
			return nil, err
		}
		red.CreatedAt = red.CreatedAt.UTC()
		out = append(out, red)
	}
	return out, rows.Err()
}

func (r redemptionRepo) ListByAppointment(ctx context.Context, id booking.AppointmentID) ([]booking.CreditRedemption, error) {
	return r.query(ctx, `SELECT `+redemptionCols+` FROM credit_redemptions r
		WHERE r.appointment_id = $1 ORDER BY r.created_at, r.id`, id)
}

func (r redemptionRepo) ListByPack(ctx context.Context, id booking.PackID) ([]booking.CreditRedemption, error) {
	return r.query(ctx, `SELECT `+redemptionCols+` FROM credit_redemptions r
		WHERE r.credit_pack_id = $1 ORDER BY r.created_at, r.id`, id)
}

func (r redemptionRepo) ListByPatient(ctx context.Context, patientID booking.PatientID, limit, offset int) ([]booking.CreditRedemption, int, error) {
	var total int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_redemptions r
		JOIN credit_packs p ON p.id = r.credit_pack_id
		WHERE p.patient_id = $1`, patientID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	list, err := r.query(ctx, `
		SELECT `+redemptionCols+` FROM credit_redemptions r
		JOIN credit_packs p ON p.id = r.credit_pack_id
		WHERE p.patient_id = $1
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $2 OFFSET $3`, patientID, lim, offset)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (r redemptionRepo) Create(ctx context.Context, red booking.CreditRedemption) error {
	return repos(r).exec(ctx, `INSERT INTO credit_redemptions (id, credit_pack_id, appointment_id, units_used, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		red.ID, red.PackID, red.AppointmentID, red.UnitsUsed, red.CreatedAt.UTC())
}

func (r redemptionRepo) DeleteByAppointment(ctx context.Context, id booking.AppointmentID) error {
	return repos(r).exec(ctx, `DELETE FROM credit_redemptions WHERE appointment_id = $1`, id)
}

func (r redemptionRepo) DeleteByPack(ctx context.Context, id booking.PackID) error {
	return repos(r).exec(ctx, `DELETE FROM credit_redemptions WHERE credit_pack_id = $1`, id)
}
