/*
errors.go - Centralized error types for the booking engine

ERROR CATEGORIES:
  1. Business outcomes (4xx): overlap, insufficient credits, not found,
     invalid input
  2. Server faults (5xx): allocation inconsistency
  3. Store errors: concurrent modification, constraint backstops

USAGE:
  var overlap *booking.OverlapConflictError
  if errors.As(err, &overlap) {
      fmt.Println("slot taken by", overlap.Conflict.ID)
  }
  if errors.Is(err, booking.ErrInsufficientCredits) { ... }
*/
package booking

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrOverlapConflict         = errors.New("appointment overlaps an existing booking")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrAllocationInconsistency = errors.New("credit allocation inconsistency")
	ErrNotFound                = errors.New("not found")

	ErrInvalidDuration = errors.New("duration must be 30 or 60 minutes")
	ErrInvalidInterval = errors.New("invalid interval: end must be after start")
	ErrInvalidStatus   = errors.New("invalid appointment status")
	ErrInvalidPack     = errors.New("invalid credit pack")
	ErrInvalidPatient  = errors.New("invalid patient")
	ErrPatientMismatch = errors.New("appointment does not belong to patient")

	// ErrConcurrentModification is returned by stores when the database
	// aborted the unit of work because of a concurrent writer. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrOverlapConstraint is returned by stores whose schema enforces
	// non-overlapping bookings themselves.
	ErrOverlapConstraint = errors.New("booking overlap constraint violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OverlapConflictError carries the booked appointment that blocks the slot.
type OverlapConflictError struct {
	Conflict Appointment
}

func (e *OverlapConflictError) Error() string {
	return fmt.Sprintf("slot %s - %s overlaps appointment %s",
		e.Conflict.Start.Format("2006-01-02 15:04"), e.Conflict.End.Format("15:04"), e.Conflict.ID)
}

func (e *OverlapConflictError) Unwrap() error { return ErrOverlapConflict }

// InsufficientCreditsError is raised when the patient's packs cannot fund
// the requested duration.
type InsufficientCreditsError struct {
	PatientID PatientID
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// AllocationInconsistencyError signals a broken ledger invariant found
// while allocating or reverting, usually a race. The unit of work is
// always rolled back.
type AllocationInconsistencyError struct {
	AppointmentID AppointmentID
	Reason        string
}

func (e *AllocationInconsistencyError) Error() string {
	return fmt.Sprintf("allocation inconsistency for appointment %s: %s", e.AppointmentID, e.Reason)
}

func (e *AllocationInconsistencyError) Unwrap() error { return ErrAllocationInconsistency }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "patient", "appointment", "credit pack"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func patientNotFound(id PatientID) error {
	return &NotFoundError{Kind: "patient", ID: string(id)}
}

func appointmentNotFound(id AppointmentID) error {
	return &NotFoundError{Kind: "appointment", ID: string(id)}
}

func packNotFound(id PackID) error {
	return &NotFoundError{Kind: "credit pack", ID: string(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the unit of work might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true for expected business outcomes and bad input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrOverlapConflict) ||
		errors.Is(err, ErrOverlapConstraint) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidDuration) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidPack) ||
		errors.Is(err, ErrInvalidPatient) ||
		errors.Is(err, ErrPatientMismatch)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsServerFault returns true for invariant violations that must surface
// as internal errors rather than business outcomes.
func IsServerFault(err error) bool {
	return errors.Is(err, ErrAllocationInconsistency)
}
