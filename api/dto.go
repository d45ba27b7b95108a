/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the booking domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TIMES:
  Request times are RFC3339 or clinic-local wall time ("2025-03-10T10:00").
  Response times are RFC3339 in the clinic timezone.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/clinic-engine/booking"
)

// =============================================================================
// PATIENTS
// =============================================================================

type PatientDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CreatePatientRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type AppointmentDTO struct {
	ID              string `json:"id"`
	PatientID       string `json:"patient_id,omitempty"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
	ConsumesCredit  bool   `json:"consumes_credit"`
	Notes           string `json:"notes,omitempty"`
	Price           string `json:"price"`
	PriceCents      int64  `json:"price_cents"`
	Paid            bool   `json:"paid"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	Warning         string `json:"warning,omitempty"`
}

// CreateAppointmentRequest creates a booking. ConsumesCredit defaults to
// true when a patient is given. AllowWithoutCredit books the slot unfunded
// when the patient's credits are insufficient.
type CreateAppointmentRequest struct {
	PatientID          string `json:"patient_id"`
	Start              string `json:"start"`
	End                string `json:"end"`
	DurationMinutes    int    `json:"duration_minutes"`
	ConsumesCredit     *bool  `json:"consumes_credit"`
	Notes              string `json:"notes"`
	AllowWithoutCredit bool   `json:"allow_without_credit"`
}

// UpdateAppointmentRequest is a partial update; absent fields are kept.
type UpdateAppointmentRequest struct {
	PatientID       *string `json:"patient_id"`
	Start           *string `json:"start"`
	End             *string `json:"end"`
	DurationMinutes *int    `json:"duration_minutes"`
	ConsumesCredit  *bool   `json:"consumes_credit"`
	Notes           *string `json:"notes"`
	Status          *string `json:"status"`
	Paid            *bool   `json:"paid"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentDTO `json:"appointments"`
	Total        int              `json:"total"`
}

type ConflictCheckResponse struct {
	HasConflict bool            `json:"has_conflict"`
	Conflict    *AppointmentDTO `json:"conflict,omitempty"`
}

// =============================================================================
// CREDITS
// =============================================================================

type CreditPackDTO struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id"`
	Label          string `json:"label"`
	Kind           string `json:"kind"`
	UnitsTotal     int    `json:"units_total"`
	UnitsRemaining int    `json:"units_remaining"`
	UnitsUsed      int    `json:"units_used"`
	UnitMinutes    int    `json:"unit_minutes"`
	Paid           bool   `json:"paid"`
	Price          string `json:"price"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type CreditSummaryDTO struct {
	PatientID      string          `json:"patient_id"`
	Packs          []CreditPackDTO `json:"packs"`
	UnitsTotal     int             `json:"units_total"`
	UnitsRemaining int             `json:"units_remaining"`
	UnitsUsed      int             `json:"units_used"`
	RemainingTime  string          `json:"remaining_time"`
}

type AvailableCreditsDTO struct {
	PatientID      string `json:"patient_id"`
	UnitsAvailable int    `json:"units_available"`
	RemainingTime  string `json:"remaining_time"`
}

type PurchasePacksRequest struct {
	PatientID string `json:"patient_id"`
	Kind      string `json:"kind"`
	Quantity  int    `json:"quantity"`
	Paid      bool   `json:"paid"`
	Notes     string `json:"notes"`
}

type PackPaymentRequest struct {
	Paid *bool `json:"paid"`
}

type RedeemRequest struct {
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id"`
}

type RevertRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type RedemptionDTO struct {
	ID            string `json:"id"`
	PackID        string `json:"pack_id"`
	AppointmentID string `json:"appointment_id"`
	UnitsUsed     int    `json:"units_used"`
	CreatedAt     string `json:"created_at"`
}

type RevertResponse struct {
	AppointmentID string `json:"appointment_id"`
	UnitsRestored int    `json:"units_restored"`
}

type HistoryEntryDTO struct {
	RedemptionDTO
	PackLabel        string `json:"pack_label,omitempty"`
	AppointmentStart string `json:"appointment_start,omitempty"`
	AppointmentState string `json:"appointment_status,omitempty"`
}

type HistoryResponse struct {
	Entries []HistoryEntryDTO `json:"entries"`
	Page    int               `json:"page"`
	Limit   int               `json:"limit"`
	Total   int               `json:"total"`
	Pages   int               `json:"pages"`
}

// =============================================================================
// ADMIN & SCENARIOS
// =============================================================================

type ViolationDTO struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

type AuditResponse struct {
	Consistent bool           `json:"consistent"`
	Violations []ViolationDTO `json:"violations"`
}

// AuditReportDTO is a scheduled audit run.
type AuditReportDTO struct {
	AuditResponse
	RanAt      string `json:"ran_at"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code,omitempty"`
	Details   string          `json:"details,omitempty"`
	Conflict  *AppointmentDTO `json:"conflict,omitempty"`
	Required  *int            `json:"required_units,omitempty"`
	Available *int            `json:"available_units,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(time.RFC3339)
}

func toPatientDTO(p booking.Patient, loc *time.Location) PatientDTO {
	return PatientDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Phone:     p.Phone,
		Email:     p.Email,
		CreatedAt: formatTime(p.CreatedAt, loc),
	}
}

func toAppointmentDTO(a booking.Appointment, loc *time.Location) AppointmentDTO {
	return AppointmentDTO{
		ID:              string(a.ID),
		PatientID:       string(a.PatientID),
		Start:           formatTime(a.Start, loc),
		End:             formatTime(a.End, loc),
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		ConsumesCredit:  a.ConsumesCredit,
		Notes:           a.Notes,
		Price:           booking.FormatCents(a.PriceCents),
		PriceCents:      a.PriceCents,
		Paid:            a.Paid,
		CreatedAt:       formatTime(a.CreatedAt, loc),
		UpdatedAt:       formatTime(a.UpdatedAt, loc),
	}
}

func toPackDTO(p booking.CreditPack, loc *time.Location) CreditPackDTO {
	return CreditPackDTO{
		ID:             string(p.ID),
		PatientID:      string(p.PatientID),
		Label:          p.Label,
		Kind:           string(p.Kind),
		UnitsTotal:     p.UnitsTotal,
		UnitsRemaining: p.UnitsRemaining,
		UnitsUsed:      p.UnitsUsed(),
		UnitMinutes:    p.UnitMinutes,
		Paid:           p.Paid,
		Price:          booking.FormatCents(p.PriceCents),
		Notes:          p.Notes,
		CreatedAt:      formatTime(p.CreatedAt, loc),
	}
}

func toRedemptionDTO(r booking.CreditRedemption, loc *time.Location) RedemptionDTO {
	return RedemptionDTO{
		ID:            string(r.ID),
		PackID:        string(r.PackID),
		AppointmentID: string(r.AppointmentID),
		UnitsUsed:     r.UnitsUsed,
		CreatedAt:     formatTime(r.CreatedAt, loc),
	}
}

func toViolationDTOs(vs []booking.Violation) []ViolationDTO {
	out := make([]ViolationDTO, len(vs))
	for i, v := range vs {
		out[i] = ViolationDTO{Kind: v.Kind, Subject: v.Subject, Detail: v.Detail}
	}
	return out
}
