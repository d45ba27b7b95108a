package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/warp/clinic-engine/booking"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps booking errors to HTTP statuses:
//
//	overlap                    409
//	insufficient credits       422
//	not found                  404
//	invalid input              400
//	concurrent modification    503
//	allocation inconsistency   500
func writeDomainError(w http.ResponseWriter, err error, loc *time.Location) {
	var (
		overlap      *booking.OverlapConflictError
		insufficient *booking.InsufficientCreditsError
	)
	switch {
	case errors.As(err, &overlap):
		dto := toAppointmentDTO(overlap.Conflict, loc)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "Appointment overlaps an existing booking",
			Code:     "OVERLAP_CONFLICT",
			Details:  err.Error(),
			Conflict: &dto,
		})
	case errors.Is(err, booking.ErrOverlapConstraint):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Appointment overlaps an existing booking", Code: "OVERLAP_CONFLICT", Details: err.Error(),
		})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "Insufficient credits",
			Code:      "INSUFFICIENT_CREDITS",
			Details:   err.Error(),
			Required:  &insufficient.Required,
			Available: &insufficient.Available,
		})
	case booking.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Code: "NOT_FOUND", Details: err.Error()})
	case booking.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "INVALID_INPUT", Details: err.Error()})
	case booking.IsRetryable(err):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "Concurrent modification, please retry", Code: "CONCURRENT_MODIFICATION", Details: err.Error(),
		})
	case booking.IsServerFault(err):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Credit allocation inconsistency", Code: "ALLOCATION_INCONSISTENCY", Details: err.Error(),
		})
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
