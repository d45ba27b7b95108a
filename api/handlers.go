/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes booking.Manager via REST. Handles HTTP request/response, JSON
  serialization and time-zone conversion, and delegates everything else to
  the manager.

ENDPOINTS:
  Patients:
    GET    /api/patients                        List patients
    POST   /api/patients                        Create patient

  Appointments:
    GET    /api/appointments                    List (from, to, patient_id, status, limit, offset)
    POST   /api/appointments                    Book a slot
    GET    /api/appointments/{id}               Get one
    PUT    /api/appointments/{id}               Partial update, payment toggle
    DELETE /api/appointments/{id}?action=cancel Soft cancel (default)
    DELETE /api/appointments/{id}?action=delete Hard delete
    GET    /api/appointments/conflicts/check    Overlap probe

  Credits:
    GET    /api/credits?patient_id=             Pack summary
    GET    /api/credits/available?patient_id=   Spendable units
    GET    /api/credits/history?patient_id=     Redemption history (page, limit)
    POST   /api/credits/packs                   Purchase packs
    DELETE /api/credits/packs/{id}              Delete pack and its redemptions
    PATCH  /api/credits/packs/{id}/payment      Set pack paid flag
    POST   /api/credits/redeem                  Manual consume
    POST   /api/credits/revert                  Manual revert

  Admin:
    GET    /api/admin/audit                     Ledger invariant check
    GET    /api/admin/audit/latest              Last scheduled audit report

ERROR HANDLING:
  Domain errors are mapped in errors.go. Malformed JSON and unparsable
  times are 400 before the manager is called.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/clinic-engine/booking"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can be wiped for demo scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager *booking.Manager
	Loc     *time.Location
	Logger  zerolog.Logger

	// Resetter is nil when the store cannot be wiped; scenarios are then
	// unavailable.
	Resetter Resetter

	// Audits is nil when periodic auditing is disabled.
	Audits *AuditScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler rendering times in loc.
func NewHandler(mgr *booking.Manager, loc *time.Location, logger zerolog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{Manager: mgr, Loc: loc, Logger: logger}
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseTime accepts RFC3339 with an offset, or wall time in the clinic
// timezone.
func (h *Handler) parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, h.Loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DDTHH:MM", s)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.Manager.ListPatients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list patients", err)
		return
	}

	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p, h.Loc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Manager.CreatePatient(r.Context(), booking.Patient{
		ID:    booking.PatientID(req.ID),
		Name:  strings.TrimSpace(req.Name),
		Phone: req.Phone,
		Email: req.Email,
	})
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientDTO(*p, h.Loc))
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := booking.AppointmentFilter{
		PatientID: booking.PatientID(q.Get("patient_id")),
		Status:    booking.AppointmentStatus(q.Get("status")),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeDomainError(w, booking.ErrInvalidStatus, h.Loc)
		return
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(key); v != "" {
			t, err := h.parseTime(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+key, err)
				return
			}
			*dst = &t
		}
	}

	list, total, err := h.Manager.ListAppointments(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	resp := AppointmentListResponse{Appointments: make([]AppointmentDTO, len(list)), Total: total}
	for i, a := range list {
		resp.Appointments[i] = toAppointmentDTO(a, h.Loc)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Manager.GetAppointment(r.Context(), booking.AppointmentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*a, h.Loc))
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := h.parseTime(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start", err)
		return
	}
	in := booking.CreateAppointmentInput{
		PatientID:       booking.PatientID(req.PatientID),
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		ConsumesCredit:  req.PatientID != "",
		Notes:           req.Notes,
	}
	if req.End != "" {
		if in.End, err = h.parseTime(req.End); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end", err)
			return
		}
	}
	if req.ConsumesCredit != nil && req.PatientID != "" {
		in.ConsumesCredit = *req.ConsumesCredit
	}

	appt, err := h.Manager.CreateAppointment(r.Context(), in)
	warning := ""
	if errors.Is(err, booking.ErrInsufficientCredits) && req.AllowWithoutCredit {
		in.ConsumesCredit = false
		in.Notes = strings.TrimSpace(in.Notes + "\n[Booked without sufficient credits]")
		appt, err = h.Manager.CreateAppointment(r.Context(), in)
		warning = "Appointment booked without consuming credits: insufficient balance"
	}
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}

	dto := toAppointmentDTO(*appt, h.Loc)
	dto.Warning = warning
	writeJSON(w, http.StatusCreated, dto)
}

func (h *Handler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	var req UpdateAppointmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	u := booking.AppointmentUpdate{
		DurationMinutes: req.DurationMinutes,
		ConsumesCredit:  req.ConsumesCredit,
		Notes:           req.Notes,
		Paid:            req.Paid,
	}
	if req.PatientID != nil {
		pid := booking.PatientID(*req.PatientID)
		u.PatientID = &pid
	}
	if req.Status != nil {
		s := booking.AppointmentStatus(strings.ToUpper(*req.Status))
		u.Status = &s
	}
	for _, f := range []struct {
		name string
		raw  *string
		dst  **time.Time
	}{{"start", req.Start, &u.Start}, {"end", req.End, &u.End}} {
		if f.raw == nil {
			continue
		}
		t, err := h.parseTime(*f.raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+f.name, err)
			return
		}
		*f.dst = &t
	}

	appt, err := h.Manager.UpdateAppointment(r.Context(), booking.AppointmentID(chi.URLParam(r, "id")), u)
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt, h.Loc))
}

// DeleteAppointment cancels by default; ?action=delete removes the row.
func (h *Handler) DeleteAppointment(w http.ResponseWriter, r *http.Request) {
	id := booking.AppointmentID(chi.URLParam(r, "id"))

	switch action := r.URL.Query().Get("action"); action {
	case "", "cancel":
		appt, err := h.Manager.CancelAppointment(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, h.Loc)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentDTO(*appt, h.Loc))
	case "delete":
		if err := h.Manager.DeleteAppointment(r.Context(), id); err != nil {
			writeDomainError(w, err, h.Loc)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusBadRequest, "Invalid action", fmt.Errorf("unknown action %q", action))
	}
}

func (h *Handler) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := h.parseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start", err)
		return
	}
	end, err := h.parseTime(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end", err)
		return
	}

	conflict, err := h.Manager.CheckOverlap(r.Context(), start, end, booking.AppointmentID(q.Get("exclude_id")))
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	resp := ConflictCheckResponse{HasConflict: conflict != nil}
	if conflict != nil {
		dto := toAppointmentDTO(*conflict, h.Loc)
		resp.Conflict = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

func requirePatient(w http.ResponseWriter, r *http.Request) (booking.PatientID, bool) {
	id := r.URL.Query().Get("patient_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "patient_id is required", nil)
		return "", false
	}
	return booking.PatientID(id), true
}

func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	patientID, ok := requirePatient(w, r)
	if !ok {
		return
	}
	summary, err := h.Manager.PatientCredits(r.Context(), patientID)
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}

	resp := CreditSummaryDTO{
		PatientID:      string(summary.PatientID),
		Packs:          make([]CreditPackDTO, len(summary.Packs)),
		UnitsTotal:     summary.UnitsTotal,
		UnitsRemaining: summary.UnitsRemaining,
		UnitsUsed:      summary.UnitsUsed,
		RemainingTime:  summary.RemainingTime(),
	}
	for i, p := range summary.Packs {
		resp.Packs[i] = toPackDTO(p, h.Loc)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetAvailableCredits(w http.ResponseWriter, r *http.Request) {
	patientID, ok := requirePatient(w, r)
	if !ok {
		return
	}
	units, err := h.Manager.AvailableCredits(r.Context(), patientID)
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	writeJSON(w, http.StatusOK, AvailableCreditsDTO{
		PatientID:      string(patientID),
		UnitsAvailable: units,
		RemainingTime:  booking.FormatUnits(units),
	})
}

func (h *Handler) GetCreditHistory(w http.ResponseWriter, r *http.Request) {
	patientID, ok := requirePatient(w, r)
	if !ok {
		return
	}
	page, err := h.Manager.CreditHistory(r.Context(), patientID, queryInt(r, "page", 1), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}

	resp := HistoryResponse{
		Entries: make([]HistoryEntryDTO, len(page.Entries)),
		Page:    page.Page,
		Limit:   page.Limit,
		Total:   page.Total,
		Pages:   page.Pages,
	}
	for i, e := range page.Entries {
		dto := HistoryEntryDTO{RedemptionDTO: toRedemptionDTO(e.Redemption, h.Loc)}
		if e.Pack != nil {
			dto.PackLabel = e.Pack.Label
		}
		if e.Appointment != nil {
			dto.AppointmentStart = formatTime(e.Appointment.Start, h.Loc)
			dto.AppointmentState = string(e.Appointment.Status)
		}
		resp.Entries[i] = dto
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) PurchasePacks(w http.ResponseWriter, r *http.Request) {
	var req PurchasePacksRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	packs, err := h.Manager.PurchasePacks(r.Context(), booking.PurchaseInput{
		PatientID: booking.PatientID(req.PatientID),
		Kind:      booking.PackKind(req.Kind),
		Quantity:  req.Quantity,
		Paid:      req.Paid,
		Notes:     req.Notes,
	})
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}

	dtos := make([]CreditPackDTO, len(packs))
	for i, p := range packs {
		dtos[i] = toPackDTO(p, h.Loc)
	}
	writeJSON(w, http.StatusCreated, dtos)
}

func (h *Handler) DeletePack(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.DeletePack(r.Context(), booking.PackID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetPackPayment(w http.ResponseWriter, r *http.Request) {
	var req PackPaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Paid == nil {
		writeError(w, http.StatusBadRequest, "paid is required", nil)
		return
	}

	pack, err := h.Manager.SetPackPaid(r.Context(), booking.PackID(chi.URLParam(r, "id")), *req.Paid)
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	writeJSON(w, http.StatusOK, toPackDTO(*pack, h.Loc))
}

func (h *Handler) RedeemCredits(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	redemptions, err := h.Manager.ConsumeCredits(r.Context(),
		booking.PatientID(req.PatientID), booking.AppointmentID(req.AppointmentID))
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}

	dtos := make([]RedemptionDTO, len(redemptions))
	for i, red := range redemptions {
		dtos[i] = toRedemptionDTO(red, h.Loc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RevertCredits(w http.ResponseWriter, r *http.Request) {
	var req RevertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	restored, err := h.Manager.RevertCredits(r.Context(), booking.AppointmentID(req.AppointmentID))
	if err != nil {
		writeDomainError(w, err, h.Loc)
		return
	}
	writeJSON(w, http.StatusOK, RevertResponse{AppointmentID: req.AppointmentID, UnitsRestored: restored})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) AuditLedger(w http.ResponseWriter, r *http.Request) {
	violations, err := h.Manager.Audit(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit failed", err)
		return
	}

	writeJSON(w, http.StatusOK, AuditResponse{Consistent: len(violations) == 0, Violations: toViolationDTOs(violations)})
}
