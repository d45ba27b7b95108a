/*
store.go - Persistence interfaces for patients, appointments, packs and
redemptions

PURPOSE:
  The engine depends only on these typed repositories, never on a concrete
  database. Each store implementation injects them; there is no global
  client.

KEY INTERFACES:
  PatientRepository:     Patient lookup and creation
  AppointmentRepository: Calendar rows and the overlap query
  CreditPackRepository:  Pack balances and paid flags
  RedemptionRepository:  The redemption ledger
  Repos:                 All four, bound to one connection or transaction
  Store:                 Repos + WithTx

ATOMIC UNITS OF WORK:
  Every ledger mutation goes through WithTx. fn receives a Repos view bound
  to the transaction; returning an error rolls back every write made
  through it. Implementations must also serialize concurrent units of work
  that touch the calendar (single writer, BEGIN IMMEDIATE, or SERIALIZABLE
  isolation) so that an overlap check and the following insert cannot
  interleave with another booking.

NORMALIZATION:
  Stores call NormalizePack on every pack returned by Get and
  ListByPatient, so the engine always receives well-formed numeric and
  boolean fields. ListAll returns rows as stored, so the ledger audit sees
  balances that drifted out of bounds.

IMPLEMENTATIONS:
  - booking/store/memory.go: In-memory, for tests and demos
  - store/sqlite/sqlite.go:  Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL with an exclusion constraint
*/
package booking

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// AppointmentFilter narrows List/Count. Zero values mean "no filter".
// From/To select appointments with Start >= From and End <= To.
type AppointmentFilter struct {
	PatientID PatientID
	Status    AppointmentStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// =============================================================================
// REPOSITORIES
// =============================================================================

type PatientRepository interface {
	// Get returns nil, nil when the patient does not exist.
	Get(ctx context.Context, id PatientID) (*Patient, error)
	List(ctx context.Context) ([]Patient, error)
	Create(ctx context.Context, p Patient) error
}

type AppointmentRepository interface {
	// Get returns nil, nil when the appointment does not exist.
	Get(ctx context.Context, id AppointmentID) (*Appointment, error)

	// List returns appointments ordered by Start ascending.
	List(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	Count(ctx context.Context, filter AppointmentFilter) (int, error)

	// FindOverlapping returns the first BOOKED appointment intersecting
	// [start, end), ignoring excludeID. nil, nil when the slot is free.
	FindOverlapping(ctx context.Context, start, end time.Time, excludeID AppointmentID) (*Appointment, error)

	Create(ctx context.Context, a Appointment) error
	Update(ctx context.Context, a Appointment) error
	Delete(ctx context.Context, id AppointmentID) error
}

type CreditPackRepository interface {
	// Get returns nil, nil when the pack does not exist.
	Get(ctx context.Context, id PackID) (*CreditPack, error)

	// ListByPatient returns every pack of the patient, oldest first.
	ListByPatient(ctx context.Context, patientID PatientID) ([]CreditPack, error)

	// ListAll returns every pack as stored, without NormalizePack; used by
	// the ledger audit.
	ListAll(ctx context.Context) ([]CreditPack, error)

	Create(ctx context.Context, p CreditPack) error
	SetUnitsRemaining(ctx context.Context, id PackID, units int) error
	SetPaid(ctx context.Context, id PackID, paid bool) error
	Delete(ctx context.Context, id PackID) error
}

type RedemptionRepository interface {
	ListByAppointment(ctx context.Context, appointmentID AppointmentID) ([]CreditRedemption, error)
	ListByPack(ctx context.Context, packID PackID) ([]CreditRedemption, error)

	// ListByPatient pages through the patient's redemptions, newest first,
	// and returns the total count.
	ListByPatient(ctx context.Context, patientID PatientID, limit, offset int) ([]CreditRedemption, int, error)

	Create(ctx context.Context, r CreditRedemption) error
	DeleteByAppointment(ctx context.Context, appointmentID AppointmentID) error
	DeleteByPack(ctx context.Context, packID PackID) error
}

// =============================================================================
// STORE
// =============================================================================

// Repos groups the repositories bound to one connection or transaction.
type Repos interface {
	Patients() PatientRepository
	Appointments() AppointmentRepository
	Packs() CreditPackRepository
	Redemptions() RedemptionRepository
}

// Store is a Repos with transaction support.
type Store interface {
	Repos

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Repos) error) error
}
