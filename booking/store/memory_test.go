package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/booking"
	"github.com/warp/clinic-engine/booking/store"
)

var t0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, m *store.Memory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Patients().Create(ctx, booking.Patient{ID: "p1", Name: "Ana", CreatedAt: t0}))
	require.NoError(t, m.Packs().Create(ctx, booking.CreditPack{
		ID: "pk1", PatientID: "p1", Kind: booking.KindBundle30, UnitsTotal: 5, UnitsRemaining: 5, UnitMinutes: 30, CreatedAt: t0,
	}))
	require.NoError(t, m.Appointments().Create(ctx, booking.Appointment{
		ID: "a1", PatientID: "p1", Start: t0, End: t0.Add(30 * time.Minute), DurationMinutes: 30, Status: booking.StatusBooked,
	}))
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	m := store.NewMemory()
	seed(t, m)
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := m.WithTx(ctx, func(r booking.Repos) error {
		require.NoError(t, r.Packs().SetUnitsRemaining(ctx, "pk1", 4))
		require.NoError(t, r.Redemptions().Create(ctx, booking.CreditRedemption{
			ID: "r1", PackID: "pk1", AppointmentID: "a1", UnitsUsed: 1, CreatedAt: t0,
		}))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	p, err := m.Packs().Get(ctx, "pk1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.UnitsRemaining)
	reds, err := m.Redemptions().ListByAppointment(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, reds)
}

func TestMemory_WithTxCommits(t *testing.T) {
	m := store.NewMemory()
	seed(t, m)
	ctx := context.Background()

	require.NoError(t, m.WithTx(ctx, func(r booking.Repos) error {
		return r.Packs().SetPaid(ctx, "pk1", true)
	}))

	p, err := m.Packs().Get(ctx, "pk1")
	require.NoError(t, err)
	assert.True(t, p.Paid)
}

func TestMemory_WithTxHonoursCancelledContext(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.WithTx(ctx, func(booking.Repos) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemory_FindOverlapping(t *testing.T) {
	m := store.NewMemory()
	seed(t, m)
	ctx := context.Background()

	got, err := m.Appointments().FindOverlapping(ctx, t0.Add(15*time.Minute), t0.Add(45*time.Minute), "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, booking.AppointmentID("a1"), got.ID)

	got, err = m.Appointments().FindOverlapping(ctx, t0.Add(15*time.Minute), t0.Add(45*time.Minute), "a1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = m.Appointments().FindOverlapping(ctx, t0.Add(30*time.Minute), t0.Add(60*time.Minute), "")
	require.NoError(t, err)
	assert.Nil(t, got, "touching intervals do not overlap")
}

func TestMemory_RedemptionsNeedPackAndAppointment(t *testing.T) {
	m := store.NewMemory()
	seed(t, m)
	ctx := context.Background()

	err := m.Redemptions().Create(ctx, booking.CreditRedemption{ID: "r1", PackID: "nope", AppointmentID: "a1", UnitsUsed: 1})
	assert.ErrorIs(t, err, booking.ErrNotFound)

	err = m.Redemptions().Create(ctx, booking.CreditRedemption{ID: "r1", PackID: "pk1", AppointmentID: "nope", UnitsUsed: 1})
	assert.ErrorIs(t, err, booking.ErrNotFound)

	err = m.Packs().SetUnitsRemaining(ctx, "pk1", 6)
	assert.Error(t, err, "balance above total is rejected")
}

func TestMemory_RedemptionHistoryNewestFirst(t *testing.T) {
	m := store.NewMemory()
	seed(t, m)
	ctx := context.Background()

	for i, id := range []booking.RedemptionID{"r1", "r2", "r3"} {
		require.NoError(t, m.Redemptions().Create(ctx, booking.CreditRedemption{
			ID: id, PackID: "pk1", AppointmentID: "a1", UnitsUsed: 1, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, total, err := m.Redemptions().ListByPatient(ctx, "p1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, booking.RedemptionID("r3"), page[0].ID)
	assert.Equal(t, booking.RedemptionID("r2"), page[1].ID)

	page, _, err = m.Redemptions().ListByPatient(ctx, "p1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, booking.RedemptionID("r1"), page[0].ID)

	page, total, err = m.Redemptions().ListByPatient(ctx, "p2", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Zero(t, total)
}

func TestMemory_NormalizesPacksOnRead(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Packs().Create(ctx, booking.CreditPack{ID: "legacy", PatientID: "p1", UnitsTotal: 10, UnitsRemaining: 12, UnitMinutes: 60}))

	p, err := m.Packs().Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, booking.KindBundle60, p.Kind)
	assert.Equal(t, 10, p.UnitsRemaining)

	missing, err := m.Packs().Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory()
	seed(t, m)
	ctx := context.Background()

	require.NoError(t, m.Reset(ctx))

	patients, err := m.Patients().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, patients)
	n, err := m.Appointments().Count(ctx, booking.AppointmentFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	packs, err := m.Packs().ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, packs)
}
