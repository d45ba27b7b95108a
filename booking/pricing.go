/*
pricing.go - Prices for packs and appointments

PURPOSE:
  Prices are configured in euros as decimals and stored in cents. An
  appointment funded from a priced pack costs its share of that pack;
  otherwise it costs the configured single-session price.

  Example: a 100.00 EUR bundle of 5 units funding a 30-minute slot
           prices the slot at round(1 * 10000 / 5) = 2000 cents.
*/
package booking

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PriceList holds the clinic's prices in euros.
type PriceList struct {
	Session30 decimal.Decimal
	Session60 decimal.Decimal
	Bundle30  decimal.Decimal
	Bundle60  decimal.Decimal
}

func DefaultPriceList() PriceList {
	return PriceList{
		Session30: decimal.NewFromInt(35),
		Session60: decimal.NewFromInt(65),
		Bundle30:  decimal.NewFromInt(100),
		Bundle60:  decimal.NewFromInt(180),
	}
}

// ParsePriceList builds a PriceList from decimal strings such as "35.00".
func ParsePriceList(session30, session60, bundle30, bundle60 string) (PriceList, error) {
	var pl PriceList
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"session_30", session30, &pl.Session30},
		{"session_60", session60, &pl.Session60},
		{"bundle_30", bundle30, &pl.Bundle30},
		{"bundle_60", bundle60, &pl.Bundle60},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return PriceList{}, fmt.Errorf("invalid %s price %q: %w", f.name, f.raw, err)
		}
		if d.IsNegative() {
			return PriceList{}, fmt.Errorf("invalid %s price %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return pl, nil
}

// PackPrice returns the price of one pack of the given kind.
func (pl PriceList) PackPrice(kind PackKind) decimal.Decimal {
	switch kind {
	case KindSession30:
		return pl.Session30
	case KindSession60:
		return pl.Session60
	case KindBundle30:
		return pl.Bundle30
	case KindBundle60:
		return pl.Bundle60
	}
	return decimal.Zero
}

func (pl PriceList) PackPriceCents(kind PackKind) int64 {
	return toCents(pl.PackPrice(kind))
}

// SessionPriceCents is the walk-in price for a duration. Anything from 60
// minutes up is charged as a 60-minute session.
func (pl PriceList) SessionPriceCents(durationMinutes int) int64 {
	if durationMinutes >= 60 {
		return toCents(pl.Session60)
	}
	return toCents(pl.Session30)
}

// AppointmentPriceCents prices an appointment. A credit-funded appointment
// is priced from the first pack, in allocation order, that can cover it
// alone: a proportional share of that pack's price, or the session price
// when the pack has none.
func (pl PriceList) AppointmentPriceCents(packs []CreditPack, durationMinutes int, consumesCredit bool) int64 {
	required := RequiredUnits(durationMinutes)
	if consumesCredit && required > 0 {
		for _, p := range SortPacks(packs) {
			if p.UnitsRemaining < required {
				continue
			}
			if p.PriceCents <= 0 || p.UnitsTotal <= 0 {
				break
			}
			share := decimal.NewFromInt(int64(required)).
				Mul(decimal.NewFromInt(p.PriceCents)).
				Div(decimal.NewFromInt(int64(p.UnitsTotal)))
			return share.Round(0).IntPart()
		}
	}
	return pl.SessionPriceCents(durationMinutes)
}

// FormatCents renders cents as a euro amount, e.g. "35.00".
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func toCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}
