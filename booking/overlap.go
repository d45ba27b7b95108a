package booking

import (
	"context"
	"time"
)

// CheckOverlap returns the BOOKED appointment that intersects [start, end),
// ignoring excludeID, or nil when the slot is free. Times are normalized to
// UTC before the query.
func CheckOverlap(ctx context.Context, appts AppointmentRepository, start, end time.Time, excludeID AppointmentID) (*Appointment, error) {
	return appts.FindOverlapping(ctx, ToUTC(start), ToUTC(end), excludeID)
}

// guardSlot runs the overlap check and converts a hit into an
// OverlapConflictError.
func guardSlot(ctx context.Context, appts AppointmentRepository, start, end time.Time, excludeID AppointmentID) error {
	conflict, err := CheckOverlap(ctx, appts, start, end, excludeID)
	if err != nil {
		return err
	}
	if conflict != nil {
		return &OverlapConflictError{Conflict: *conflict}
	}
	return nil
}
