/*
ledger.go - Read access to a patient's credit packs

PURPOSE:
  The credit ledger answers "how many units can this patient spend?" and
  provides the normalized pack view every other component works from.
  Pack balances are only written by the redemption engine and the
  lifecycle manager.

NORMALIZATION:
  Stores may hand back loosely typed rows (NULL columns, legacy rows
  without a kind, balances drifting past their total). NormalizePack is the
  single place that turns such a row into a well-formed CreditPack; stores
  call it on every read except the raw ListAll used by the audit.
*/
package booking

import (
	"context"
	"sort"
)

// =============================================================================
// NORMALIZATION
// =============================================================================

// NormalizePack returns p with defensive defaults applied.
func NormalizePack(p CreditPack) CreditPack {
	if p.UnitsTotal < 0 {
		p.UnitsTotal = 0
	}
	if p.UnitsRemaining < 0 {
		p.UnitsRemaining = 0
	}
	if p.UnitsRemaining > p.UnitsTotal {
		p.UnitsRemaining = p.UnitsTotal
	}
	if !p.Kind.Valid() {
		p.Kind = inferKind(p.UnitMinutes, p.UnitsTotal)
	}
	if p.UnitMinutes != 30 && p.UnitMinutes != 60 {
		p.UnitMinutes = p.Kind.UnitMinutes()
	}
	if p.Label == "" {
		p.Label = p.Kind.Label()
	}
	if p.PriceCents < 0 {
		p.PriceCents = 0
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p
}

// inferKind classifies legacy rows that were stored without a kind.
func inferKind(unitMinutes, unitsTotal int) PackKind {
	if unitMinutes == 60 {
		if unitsTotal <= KindSession60.UnitsPerPack() {
			return KindSession60
		}
		return KindBundle60
	}
	if unitsTotal <= KindSession30.UnitsPerPack() {
		return KindSession30
	}
	return KindBundle30
}

// =============================================================================
// BALANCES
// =============================================================================

// AvailableUnits sums UnitsRemaining over the patient's non-empty packs.
// An unknown patient has 0 units.
func AvailableUnits(ctx context.Context, packs CreditPackRepository, patientID PatientID) (int, error) {
	if patientID == "" {
		return 0, nil
	}
	list, err := packs.ListByPatient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	return sumRemaining(list), nil
}

func sumRemaining(packs []CreditPack) int {
	total := 0
	for _, p := range packs {
		if p.UnitsRemaining > 0 {
			total += p.UnitsRemaining
		}
	}
	return total
}

// findUpgradePack returns the oldest 60-minute pack that still holds a full
// 60-minute session, or nil.
func findUpgradePack(packs []CreditPack) *CreditPack {
	var best *CreditPack
	for i := range packs {
		p := &packs[i]
		if p.UnitMinutes != 60 || p.UnitsRemaining < 2 {
			continue
		}
		if best == nil || p.CreatedAt.Before(best.CreatedAt) {
			best = p
		}
	}
	return best
}

// =============================================================================
// SUMMARY
// =============================================================================

// PatientCredits is the user-facing view of a patient's packs.
type PatientCredits struct {
	PatientID      PatientID
	Packs          []CreditPack // newest first
	UnitsTotal     int
	UnitsRemaining int
	UnitsUsed      int
}

// RemainingTime renders the remaining units as session time.
func (pc PatientCredits) RemainingTime() string { return FormatUnits(pc.UnitsRemaining) }

// Summarize aggregates packs into a PatientCredits view.
func Summarize(patientID PatientID, packs []CreditPack) PatientCredits {
	sorted := append([]CreditPack(nil), packs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	pc := PatientCredits{PatientID: patientID, Packs: sorted}
	for _, p := range sorted {
		pc.UnitsTotal += p.UnitsTotal
		pc.UnitsRemaining += p.UnitsRemaining
	}
	pc.UnitsUsed = pc.UnitsTotal - pc.UnitsRemaining
	return pc
}
