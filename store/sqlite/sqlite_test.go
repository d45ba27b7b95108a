package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/booking"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var day = time.Date(2026, time.May, 4, 9, 0, 0, 0, time.UTC)

func TestStore_BookingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mgr := booking.NewManager(s, zerolog.Nop())

	patient, err := mgr.CreatePatient(ctx, booking.Patient{Name: "Ana", Phone: "+34 600 000 000"})
	require.NoError(t, err)
	packs, err := mgr.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patient.ID, Kind: booking.KindBundle30, Paid: true})
	require.NoError(t, err)
	packID := packs[0].ID

	appt, err := mgr.CreateAppointment(ctx, booking.CreateAppointmentInput{
		PatientID: patient.ID, Start: day, DurationMinutes: 60, ConsumesCredit: true, Notes: "first visit",
	})
	require.NoError(t, err)
	assert.True(t, appt.Paid)

	got, err := mgr.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, day, got.Start)
	assert.Equal(t, day.Add(time.Hour), got.End)
	assert.Equal(t, "first visit", got.Notes)
	assert.True(t, got.ConsumesCredit)
	assert.True(t, got.Paid)

	p, err := s.Packs().Get(ctx, packID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.UnitsRemaining)
	assert.True(t, p.Paid)
	assert.Equal(t, booking.KindBundle30, p.Kind)

	_, err = mgr.CreateAppointment(ctx, booking.CreateAppointmentInput{Start: day.Add(30 * time.Minute), DurationMinutes: 30})
	assert.ErrorIs(t, err, booking.ErrOverlapConflict)

	_, err = mgr.CancelAppointment(ctx, appt.ID)
	require.NoError(t, err)
	p, err = s.Packs().Get(ctx, packID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.UnitsRemaining)

	violations, err := mgr.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestStore_TimesRoundTripAsUTC(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cest := time.FixedZone("CEST", 2*60*60)
	start := time.Date(2026, time.May, 4, 11, 0, 0, 0, cest)

	require.NoError(t, s.Appointments().Create(ctx, booking.Appointment{
		ID: "a1", Start: start, End: start.Add(30 * time.Minute), DurationMinutes: 30,
		Status: booking.StatusBooked, CreatedAt: day, UpdatedAt: day,
	}))

	got, err := s.Appointments().Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(day))
	assert.Equal(t, time.UTC, got.Start.Location())

	overlap, err := s.Appointments().FindOverlapping(ctx, day.Add(29*time.Minute), day.Add(time.Hour), "")
	require.NoError(t, err)
	require.NotNil(t, overlap)

	overlap, err = s.Appointments().FindOverlapping(ctx, day.Add(30*time.Minute), day.Add(time.Hour), "")
	require.NoError(t, err)
	assert.Nil(t, overlap)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	errAbort := errors.New("abort")

	err := s.WithTx(ctx, func(r booking.Repos) error {
		if err := r.Patients().Create(ctx, booking.Patient{ID: "p1", Name: "Ana", CreatedAt: day}); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	p, err := s.Patients().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestStore_PackBoundsEnforced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Patients().Create(ctx, booking.Patient{ID: "p1", Name: "Ana", CreatedAt: day}))
	require.NoError(t, s.Packs().Create(ctx, booking.CreditPack{
		ID: "pk1", PatientID: "p1", Label: "Bundle", Kind: booking.KindBundle30,
		UnitsTotal: 5, UnitsRemaining: 5, UnitMinutes: 30, CreatedAt: day,
	}))

	assert.Error(t, s.Packs().SetUnitsRemaining(ctx, "pk1", 6))
	assert.Error(t, s.Packs().SetUnitsRemaining(ctx, "pk1", -1))
	assert.ErrorIs(t, s.Packs().SetUnitsRemaining(ctx, "missing", 1), booking.ErrNotFound)
	assert.ErrorIs(t, s.Packs().SetPaid(ctx, "missing", true), booking.ErrNotFound)
}

func TestStore_NormalizesLegacyPacks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Patients().Create(ctx, booking.Patient{ID: "p1", Name: "Ana", CreatedAt: day}))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_packs (id, patient_id, label, kind, units_total, units_remaining, unit_minutes, paid, created_at)
		VALUES ('legacy', 'p1', '', NULL, 10, 10, 60, 1, '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)

	p, err := s.Packs().Get(ctx, "legacy")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, booking.KindBundle60, p.Kind)
	assert.Equal(t, "Bundle 5×60m", p.Label)
	assert.True(t, p.IsSixtyMinute())
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.CreatedAt)
}

func TestStore_RedemptionHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mgr := booking.NewManager(s, zerolog.Nop())
	clock := day
	mgr.Engine.Clock = func() time.Time { clock = clock.Add(time.Minute); return clock }

	patient, err := mgr.CreatePatient(ctx, booking.Patient{Name: "Ana"})
	require.NoError(t, err)
	_, err = mgr.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patient.ID, Kind: booking.KindBundle30})
	require.NoError(t, err)

	var last booking.AppointmentID
	for i := 0; i < 3; i++ {
		appt, err := mgr.CreateAppointment(ctx, booking.CreateAppointmentInput{
			PatientID: patient.ID, Start: day.Add(time.Duration(i) * time.Hour), ConsumesCredit: true,
		})
		require.NoError(t, err)
		last = appt.ID
	}

	page, err := mgr.CreditHistory(ctx, patient.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, last, page.Entries[0].Redemption.AppointmentID)
	require.NotNil(t, page.Entries[0].Appointment)
	assert.False(t, page.Entries[0].Appointment.Paid)
}

func TestStore_ConcurrentBookingsOnFile(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "clinic.db"))
	require.NoError(t, err)
	defer s.Close()
	mgr := booking.NewManager(s, zerolog.Nop())

	patient, err := mgr.CreatePatient(ctx, booking.Patient{Name: "Ana"})
	require.NoError(t, err)
	_, err = mgr.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patient.ID, Kind: booking.KindBundle30, Quantity: 2})
	require.NoError(t, err)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.CreateAppointment(ctx, booking.CreateAppointmentInput{
				PatientID: patient.ID, Start: day, DurationMinutes: 30, ConsumesCredit: true,
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, booking.ErrOverlapConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	available, err := mgr.AvailableCredits(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, available)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mgr := booking.NewManager(s, zerolog.Nop())

	patient, err := mgr.CreatePatient(ctx, booking.Patient{Name: "Ana"})
	require.NoError(t, err)
	_, err = mgr.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patient.ID, Kind: booking.KindSession30})
	require.NoError(t, err)
	_, err = mgr.CreateAppointment(ctx, booking.CreateAppointmentInput{PatientID: patient.ID, Start: day, ConsumesCredit: true})
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	patients, err := s.Patients().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, patients)
	packs, err := s.Packs().ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, packs)
	n, err := s.Appointments().Count(ctx, booking.AppointmentFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_SubMillisecondBoundaries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mgr := booking.NewManager(s, zerolog.Nop())

	// GIVEN: a booking ending 900µs past the half hour
	first, err := mgr.CreateAppointment(ctx, booking.CreateAppointmentInput{
		Start: day, End: day.Add(30*time.Minute + 900*time.Microsecond), DurationMinutes: 30,
	})
	require.NoError(t, err)

	// WHEN: the next one starts 500µs past the half hour
	second, err := mgr.CreateAppointment(ctx, booking.CreateAppointmentInput{
		Start: day.Add(30*time.Minute + 500*time.Microsecond), DurationMinutes: 30,
	})
	require.NoError(t, err)

	// THEN: the stored rows touch without overlapping
	assert.True(t, first.End.Equal(second.Start))
	got, err := mgr.GetAppointment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.End, got.End)

	violations, err := mgr.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestStore_MalformedTimestampIsAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// GIVEN: a row whose start cannot be parsed
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, start_at, end_at, duration_minutes, status, created_at, updated_at)
		VALUES ('bad', '2026-05-04 nine', '2026-05-04T09:30:00.000Z', 30, 'BOOKED',
			'2026-05-04T08:00:00.000Z', '2026-05-04T08:00:00.000Z')`)
	require.NoError(t, err)

	// WHEN / THEN: reads fail instead of returning a zero instant
	_, err = s.Appointments().Get(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2026-05-04 nine")

	_, err = s.Appointments().List(ctx, booking.AppointmentFilter{})
	assert.Error(t, err)
}

func TestStore_AuditSeesRawPackBalances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mgr := booking.NewManager(s, zerolog.Nop())
	require.NoError(t, s.Patients().Create(ctx, booking.Patient{ID: "p1", Name: "Ana", CreatedAt: day}))
	require.NoError(t, s.Packs().Create(ctx, booking.CreditPack{
		ID: "pk1", PatientID: "p1", Label: "Bundle", Kind: booking.KindBundle30,
		UnitsTotal: 5, UnitsRemaining: 5, UnitMinutes: 30, CreatedAt: day,
	}))

	// GIVEN: a balance above the total written past the schema check
	_, err := s.db.ExecContext(ctx, `PRAGMA ignore_check_constraints = ON`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE credit_packs SET units_remaining = 7 WHERE id = 'pk1'`)
	require.NoError(t, err)

	// WHEN
	violations, err := mgr.Audit(ctx)
	require.NoError(t, err)

	// THEN: the audit reports the raw balance
	var kinds []string
	for _, v := range violations {
		kinds = append(kinds, v.Kind)
	}
	assert.ElementsMatch(t, []string{"pack_bounds", "conservation"}, kinds)

	// AND: engine reads still see the clamped balance
	p, err := s.Packs().Get(ctx, "pk1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.UnitsRemaining)
}
