package booking_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/booking"
)

func TestPriceList_Defaults(t *testing.T) {
	pl := booking.DefaultPriceList()

	assert.Equal(t, int64(3500), pl.PackPriceCents(booking.KindSession30))
	assert.Equal(t, int64(6500), pl.PackPriceCents(booking.KindSession60))
	assert.Equal(t, int64(10000), pl.PackPriceCents(booking.KindBundle30))
	assert.Equal(t, int64(18000), pl.PackPriceCents(booking.KindBundle60))
	assert.True(t, pl.PackPrice("unknown").IsZero())

	assert.Equal(t, int64(3500), pl.SessionPriceCents(30))
	assert.Equal(t, int64(6500), pl.SessionPriceCents(60))
	assert.Equal(t, int64(6500), pl.SessionPriceCents(90))
}

func TestParsePriceList(t *testing.T) {
	pl, err := booking.ParsePriceList("40.50", "70", "110.00", "190.99")
	require.NoError(t, err)
	assert.True(t, pl.Session30.Equal(decimal.RequireFromString("40.5")))
	assert.Equal(t, int64(19099), pl.PackPriceCents(booking.KindBundle60))

	_, err = booking.ParsePriceList("-1", "70", "110", "190")
	assert.ErrorContains(t, err, "session_30")

	_, err = booking.ParsePriceList("35", "abc", "110", "190")
	assert.ErrorContains(t, err, "session_60")
}

func TestAppointmentPriceCents(t *testing.T) {
	pl := booking.DefaultPriceList()

	bundle := pack("B", booking.KindBundle30, 5, true, jan)
	bundle.PriceCents = 10000
	bundle60 := pack("B60", booking.KindBundle60, 10, false, feb)
	bundle60.PriceCents = 18000
	free := pack("F", booking.KindBundle30, 5, true, jan)
	olderFree := pack("Z", booking.KindBundle30, 5, true, jan.AddDate(0, 0, -1))

	tests := []struct {
		name     string
		packs    []booking.CreditPack
		duration int
		consumes bool
		want     int64
	}{
		{"share of bundle", []booking.CreditPack{bundle}, 30, true, 2000},
		{"share of 60-minute bundle", []booking.CreditPack{bundle60}, 60, true, 3600},
		{"paid pack priced first", []booking.CreditPack{bundle60, bundle}, 60, true, 4000},
		{"walk-in when not consuming", []booking.CreditPack{bundle}, 30, false, 3500},
		{"walk-in without packs", nil, 60, true, 6500},
		{"unpriced pack prices as a session", []booking.CreditPack{free}, 30, true, 3500},
		{"first covering pack decides even when unpriced", []booking.CreditPack{bundle, olderFree}, 30, true, 3500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pl.AppointmentPriceCents(tt.packs, tt.duration, tt.consumes))
		})
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "35.00", booking.FormatCents(3500))
	assert.Equal(t, "20.05", booking.FormatCents(2005))
	assert.Equal(t, "0.00", booking.FormatCents(0))
}
