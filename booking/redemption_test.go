package booking_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/booking"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	jan = time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)
	feb = time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	mar = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
)

func pack(id string, kind booking.PackKind, remaining int, paid bool, created time.Time) booking.CreditPack {
	return booking.CreditPack{
		ID:             booking.PackID(id),
		PatientID:      "p1",
		Kind:           kind,
		Label:          kind.Label(),
		UnitsTotal:     kind.UnitsPerPack(),
		UnitsRemaining: remaining,
		UnitMinutes:    kind.UnitMinutes(),
		Paid:           paid,
		CreatedAt:      created,
	}
}

type debit struct {
	pack  string
	units int
}

func debits(a *booking.Allocation) []debit {
	var out []debit
	for _, d := range a.Debits {
		out = append(out, debit{string(d.Pack.ID), d.Units})
	}
	return out
}

// =============================================================================
// UNITS
// =============================================================================

func TestRequiredUnits(t *testing.T) {
	assert.Equal(t, 0, booking.RequiredUnits(0))
	assert.Equal(t, 0, booking.RequiredUnits(-30))
	assert.Equal(t, 1, booking.RequiredUnits(30))
	assert.Equal(t, 2, booking.RequiredUnits(60))
	assert.Equal(t, 2, booking.RequiredUnits(45), "partial units round up")
	assert.Equal(t, 3, booking.RequiredUnits(90))
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "30m", booking.FormatUnits(1))
	assert.Equal(t, "1h", booking.FormatUnits(2))
	assert.Equal(t, "2h 30m", booking.FormatUnits(5))
	assert.Equal(t, "0m", booking.FormatUnits(0))
}

// =============================================================================
// ORDERING
// =============================================================================

func TestSortPacks_PaidThenOldestThenID(t *testing.T) {
	packs := []booking.CreditPack{
		pack("c", booking.KindBundle30, 5, false, jan),
		pack("b", booking.KindSession30, 1, true, mar),
		pack("a", booking.KindSession30, 1, true, mar),
		pack("empty", booking.KindBundle30, 0, true, jan),
		pack("d", booking.KindBundle30, 2, true, feb),
	}

	sorted := booking.SortPacks(packs)

	var ids []booking.PackID
	for _, p := range sorted {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []booking.PackID{"d", "a", "b", "c"}, ids)
}

// =============================================================================
// PLAN
// =============================================================================

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		packs     []booking.CreditPack
		required  int
		want      []debit
		shortfall int
	}{
		{
			name: "paid single session before older unpaid bundle",
			packs: []booking.CreditPack{
				pack("A", booking.KindBundle30, 3, false, jan),
				pack("B", booking.KindSession30, 1, true, mar),
			},
			required: 1,
			want:     []debit{{"B", 1}},
		},
		{
			name: "60 minutes skips packs with a single unit",
			packs: []booking.CreditPack{
				pack("A", booking.KindBundle30, 3, false, jan),
				pack("B", booking.KindSession30, 1, true, mar),
			},
			required: 2,
			want:     []debit{{"A", 2}},
		},
		{
			name: "single leftovers never combine into 60 minutes",
			packs: []booking.CreditPack{
				pack("A", booking.KindBundle30, 1, false, jan),
				pack("B", booking.KindSession30, 1, true, mar),
			},
			required:  2,
			shortfall: 2,
		},
		{
			name: "60-minute pack funds the whole slot",
			packs: []booking.CreditPack{
				pack("S60", booking.KindSession60, 2, true, mar),
				pack("B30", booking.KindBundle30, 5, false, jan),
			},
			required: 2,
			want:     []debit{{"S60", 2}},
		},
		{
			name: "oldest first among equally paid packs",
			packs: []booking.CreditPack{
				pack("new", booking.KindBundle30, 5, true, mar),
				pack("old", booking.KindBundle30, 4, true, jan),
			},
			required: 1,
			want:     []debit{{"old", 1}},
		},
		{
			name: "long session takes whole pairs from several pools",
			packs: []booking.CreditPack{
				pack("A", booking.KindBundle30, 3, true, jan),
				pack("B", booking.KindBundle30, 2, true, feb),
			},
			required: 4,
			want:     []debit{{"A", 2}, {"B", 2}},
		},
		{
			name:      "no packs",
			required:  1,
			shortfall: 1,
		},
		{
			name: "exhausted packs are ignored",
			packs: []booking.CreditPack{
				pack("A", booking.KindBundle30, 0, true, jan),
			},
			required:  1,
			shortfall: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := booking.Plan(tt.packs, tt.required)

			assert.Equal(t, tt.required, plan.Required)
			assert.Equal(t, tt.want, debits(plan))
			assert.Equal(t, tt.shortfall, plan.Shortfall)
			assert.Equal(t, tt.shortfall == 0, plan.IsSatisfied())
			assert.Equal(t, tt.required-tt.shortfall, plan.Allocatable())
		})
	}
}

func TestPlan_Deterministic(t *testing.T) {
	packs := []booking.CreditPack{
		pack("x", booking.KindSession30, 1, true, jan),
		pack("y", booking.KindSession30, 1, true, jan),
		pack("z", booking.KindBundle30, 5, false, jan),
	}
	first := booking.Plan(packs, 1)
	for i := 0; i < 20; i++ {
		require.Equal(t, debits(first), debits(booking.Plan(packs, 1)))
	}
	assert.Equal(t, []debit{{"x", 1}}, debits(first))
}

// =============================================================================
// NORMALIZATION
// =============================================================================

func TestNormalizePack(t *testing.T) {
	t.Run("clamps balances", func(t *testing.T) {
		p := booking.NormalizePack(booking.CreditPack{UnitsTotal: 5, UnitsRemaining: 9, UnitMinutes: 30, Kind: booking.KindBundle30})
		assert.Equal(t, 5, p.UnitsRemaining)

		p = booking.NormalizePack(booking.CreditPack{UnitsTotal: 5, UnitsRemaining: -1, UnitMinutes: 30, Kind: booking.KindBundle30})
		assert.Equal(t, 0, p.UnitsRemaining)
	})

	t.Run("infers kind of legacy rows", func(t *testing.T) {
		p := booking.NormalizePack(booking.CreditPack{UnitsTotal: 10, UnitsRemaining: 10, UnitMinutes: 60})
		assert.Equal(t, booking.KindBundle60, p.Kind)
		assert.Equal(t, "Bundle 5×60m", p.Label)
		assert.True(t, p.IsSixtyMinute())

		p = booking.NormalizePack(booking.CreditPack{UnitsTotal: 1, UnitsRemaining: 1})
		assert.Equal(t, booking.KindSession30, p.Kind)
		assert.Equal(t, 30, p.UnitMinutes)
	})
}
