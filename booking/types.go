/*
Package booking provides the appointment-booking and credit-ledger engine.

PURPOSE:
  A clinic sells prepaid time in credit packs (single sessions or bundles).
  Every booked appointment that consumes credit draws units from the
  patient's packs. This package owns the rules that keep the calendar free
  of double bookings and the packs' balances consistent with the
  redemptions recorded against them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Unit: 30 minutes of billable session time
  - Appointment: a calendar slot, optionally funded by credit
  - CreditPack: a purchased allotment of units with a paid flag
  - CreditRedemption: immutable join between a pack and an appointment
  - PackKind: explicit pack type set at purchase time

LEDGER INVARIANTS:
  1. 0 <= UnitsRemaining <= UnitsTotal for every pack
  2. UnitsRemaining + sum(redemption.UnitsUsed) == UnitsTotal per pack
  3. A credit-consuming appointment has no redemptions, or exactly
     RequiredUnits(DurationMinutes) units redeemed
  4. No two BOOKED appointments overlap
  5. Appointment.Paid iff it has redemptions and all their packs are paid

SEE ALSO:
  - redemption.go: Allocation and reversal
  - lifecycle.go: Create/update/cancel orchestration
  - store.go: Repository interfaces
*/
package booking

import (
	"fmt"
	"time"
)

// =============================================================================
// UNITS
// =============================================================================

// UnitMinutes is the length of one ledger unit.
const UnitMinutes = 30

// RequiredUnits returns the number of units an appointment of the given
// duration consumes: ceil(duration/30). A 30-minute slot needs 1, a
// 60-minute slot needs 2.
func RequiredUnits(durationMinutes int) int {
	if durationMinutes <= 0 {
		return 0
	}
	return (durationMinutes + UnitMinutes - 1) / UnitMinutes
}

// FormatUnits renders units as remaining session time, e.g. "2h 30m".
func FormatUnits(units int) string {
	hours := units / 2
	minutes := (units % 2) * UnitMinutes
	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type AppointmentID string
type PackID string
type RedemptionID string

// =============================================================================
// PATIENT
// =============================================================================

// Patient is the minimal patient record the engine needs: it must exist
// before packs can be bought or appointments assigned to it.
type Patient struct {
	ID        PatientID
	Name      string
	Phone     string
	Email     string
	CreatedAt time.Time
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "BOOKED"
	StatusCancelled AppointmentStatus = "CANCELLED"
	StatusNoShow    AppointmentStatus = "NO_SHOW"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusBooked, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type Appointment struct {
	ID              AppointmentID
	PatientID       PatientID // empty when the slot has no patient
	Start           time.Time // UTC
	End             time.Time // UTC
	DurationMinutes int
	Status          AppointmentStatus
	ConsumesCredit  bool
	Notes           string
	PriceCents      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Paid is derived from the appointment's redemptions on every read.
	// Stores never persist it.
	Paid bool
}

// HasPatient reports whether a patient is assigned.
func (a Appointment) HasPatient() bool { return a.PatientID != "" }

// RequiredUnits returns the units this appointment consumes.
func (a Appointment) RequiredUnits() int { return RequiredUnits(a.DurationMinutes) }

// =============================================================================
// CREDIT PACK
// =============================================================================

// PackKind is set at purchase time and drives the allocation rules.
type PackKind string

const (
	KindSession30 PackKind = "session_30"
	KindSession60 PackKind = "session_60"
	KindBundle30  PackKind = "bundle_30"
	KindBundle60  PackKind = "bundle_60"
)

func (k PackKind) Valid() bool {
	switch k {
	case KindSession30, KindSession60, KindBundle30, KindBundle60:
		return true
	}
	return false
}

// UnitMinutes is the session length the pack was sold for.
func (k PackKind) UnitMinutes() int {
	if k == KindSession60 || k == KindBundle60 {
		return 60
	}
	return 30
}

// UnitsPerPack is the number of 30-minute units one purchased pack holds.
func (k PackKind) UnitsPerPack() int {
	switch k {
	case KindSession30:
		return 1
	case KindSession60:
		return 2
	case KindBundle30:
		return 5
	case KindBundle60:
		return 10
	}
	return 0
}

// Label is the display name generated for new packs.
func (k PackKind) Label() string {
	switch k {
	case KindSession30:
		return "Session 30m"
	case KindSession60:
		return "Session 60m"
	case KindBundle30:
		return "Bundle 5×30m"
	case KindBundle60:
		return "Bundle 5×60m"
	}
	return string(k)
}

type CreditPack struct {
	ID             PackID
	PatientID      PatientID
	Label          string
	Kind           PackKind
	UnitsTotal     int
	UnitsRemaining int
	UnitMinutes    int
	Paid           bool
	PriceCents     int64
	Notes          string
	CreatedAt      time.Time
}

// IsSixtyMinute reports whether the pack is dedicated to 60-minute
// sessions. A 60-minute appointment is funded atomically from one such pack.
func (p CreditPack) IsSixtyMinute() bool {
	return p.Kind == KindSession60 || p.Kind == KindBundle60 || p.UnitMinutes == 60
}

// UnitsUsed is the number of units already redeemed from the pack.
func (p CreditPack) UnitsUsed() int { return p.UnitsTotal - p.UnitsRemaining }

// =============================================================================
// CREDIT REDEMPTION
// =============================================================================

// CreditRedemption records that UnitsUsed units of one pack funded one
// appointment. Redemptions are never modified, only deleted on reversal.
type CreditRedemption struct {
	ID            RedemptionID
	PackID        PackID
	AppointmentID AppointmentID
	UnitsUsed     int
	CreatedAt     time.Time
}

// =============================================================================
// TIME
// =============================================================================

// TimeResolution is the finest instant every store keeps. Instants are
// truncated to it before comparison or storage, so the interval checked
// for overlap is exactly the interval persisted.
const TimeResolution = time.Millisecond

// ToUTC normalizes a zone-aware instant before comparison or storage.
func ToUTC(t time.Time) time.Time { return t.UTC().Truncate(TimeResolution) }

// Overlaps reports whether the half-open intervals [s1,e1) and [s2,e2)
// intersect.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}
