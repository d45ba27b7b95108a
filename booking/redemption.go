/*
redemption.go - Turning a unit requirement into concrete pack debits

PURPOSE:
  A patient can hold several packs at once: an old unpaid bundle, a paid
  single session, a 60-minute bundle bought last week. Booking a slot must
  decide which packs pay for it. This file holds that policy and the
  writes that apply it.

PRIORITY ORDERING:
  Over packs with UnitsRemaining > 0:
  1. Paid packs before unpaid packs (use money already collected first)
  2. Oldest pack first (FIFO)
  3. Pack ID, so equal timestamps still give one deterministic order

PER-PACK DEBIT RULE:
  30-minute appointment (1 unit):
    take min(need, remaining)
  60-minute appointment (2 units):
    - skip packs with fewer than 2 units
    - 60-minute packs (Session60, Bundle60) pay the whole slot: min(2, need)
    - 30-minute pools only pay in whole pairs: min(floor(remaining/2)*2, need)
      A single leftover 30-minute unit never funds half of a 60-minute slot.

EXAMPLE:
  Packs: A(unpaid, Jan, 3 left)  B(paid, Mar, 1 left)
  30-minute booking -> B:1             (paid first)
  60-minute booking -> A:2             (B has < 2 units)
  60-minute booking -> insufficient    (A has 1 unit, 0 pairs)

ALL-OR-NOTHING:
  Plan computes the whole allocation in memory before any write. If it
  cannot cover the requirement nothing is written. Consume must run inside
  Store.WithTx so a failing write also discards the earlier ones.

SEE ALSO:
  - lifecycle.go: Calls Consume/Revert inside units of work
  - ledger.go: Pack normalization and balances
*/
package booking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// ALLOCATION PLAN
// =============================================================================

// PackDebit is the amount taken from a single pack.
type PackDebit struct {
	Pack  CreditPack
	Units int
}

// Allocation describes how a unit requirement is split across packs.
type Allocation struct {
	Required  int
	Debits    []PackDebit
	Shortfall int // units the packs could not cover
}

// IsSatisfied reports whether the packs cover the requirement exactly.
func (a *Allocation) IsSatisfied() bool { return a.Shortfall == 0 }

// Allocatable is the number of units the packs could cover under the
// debit rules.
func (a *Allocation) Allocatable() int { return a.Required - a.Shortfall }

// SortPacks returns the packs with units left, in consumption order.
func SortPacks(packs []CreditPack) []CreditPack {
	var eligible []CreditPack
	for _, p := range packs {
		if p.UnitsRemaining > 0 {
			eligible = append(eligible, p)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Paid != b.Paid {
			return a.Paid
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return eligible
}

// Plan splits required units across packs by priority. It is pure: the
// same packs always produce the same allocation.
func Plan(packs []CreditPack, required int) *Allocation {
	alloc := &Allocation{Required: required}
	need := required

	for _, p := range SortPacks(packs) {
		if need <= 0 {
			break
		}
		units := unitsToDebit(p, need, required)
		if units <= 0 {
			continue
		}
		alloc.Debits = append(alloc.Debits, PackDebit{Pack: p, Units: units})
		need -= units
	}

	alloc.Shortfall = need
	return alloc
}

func unitsToDebit(p CreditPack, need, required int) int {
	if required >= 2 {
		if p.UnitsRemaining < 2 {
			return 0
		}
		if p.IsSixtyMinute() {
			return min(2, need)
		}
		pairs := p.UnitsRemaining / 2
		if pairs == 0 {
			return 0
		}
		return min(pairs*2, need)
	}
	return min(need, p.UnitsRemaining)
}

// =============================================================================
// REDEMPTION ENGINE
// =============================================================================

// RedemptionEngine applies allocation plans to the ledger.
type RedemptionEngine struct {
	Clock  func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

func NewRedemptionEngine(logger zerolog.Logger) *RedemptionEngine {
	return &RedemptionEngine{
		Clock:  time.Now,
		NewID:  uuid.NewString,
		Logger: logger,
	}
}

// Consume debits the patient's packs for an appointment of the given
// duration and records one redemption per pack touched.
//
// Idempotent: when the appointment already has redemptions nothing is
// written and the existing redemptions are returned. Must run inside a
// unit of work so the idempotency check and the inserts are atomic.
func (e *RedemptionEngine) Consume(
	ctx context.Context,
	repos Repos,
	patientID PatientID,
	appointmentID AppointmentID,
	durationMinutes int,
) ([]CreditRedemption, error) {
	log := e.Logger.With().Str("appointment_id", string(appointmentID)).Logger()

	existing, err := repos.Redemptions().ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load redemptions: %w", err)
	}
	if len(existing) > 0 {
		log.Debug().Int("redemptions", len(existing)).Msg("credits already consumed, skipping")
		return existing, nil
	}

	required := RequiredUnits(durationMinutes)
	if required == 0 {
		return nil, ErrInvalidDuration
	}

	packs, err := repos.Packs().ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit packs: %w", err)
	}

	plan := Plan(packs, required)
	if !plan.IsSatisfied() {
		return nil, &InsufficientCreditsError{
			PatientID: patientID,
			Required:  required,
			Available: plan.Allocatable(),
		}
	}

	now := ToUTC(e.Clock())
	redemptions := make([]CreditRedemption, 0, len(plan.Debits))
	for _, d := range plan.Debits {
		r := CreditRedemption{
			ID:            RedemptionID(e.NewID()),
			PackID:        d.Pack.ID,
			AppointmentID: appointmentID,
			UnitsUsed:     d.Units,
			CreatedAt:     now,
		}
		if err := repos.Redemptions().Create(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to record redemption: %w", err)
		}
		if err := repos.Packs().SetUnitsRemaining(ctx, d.Pack.ID, d.Pack.UnitsRemaining-d.Units); err != nil {
			return nil, fmt.Errorf("failed to debit pack %s: %w", d.Pack.ID, err)
		}
		redemptions = append(redemptions, r)

		log.Info().
			Str("pack_id", string(d.Pack.ID)).
			Str("pack", d.Pack.Label).
			Bool("pack_paid", d.Pack.Paid).
			Int("units", d.Units).
			Msg("credits consumed")
	}

	return redemptions, nil
}

// Revert gives every redeemed unit of the appointment back to its pack and
// deletes the appointment's redemptions. Returns the number of units
// restored. Safe to call when nothing was redeemed.
func (e *RedemptionEngine) Revert(ctx context.Context, repos Repos, appointmentID AppointmentID) (int, error) {
	log := e.Logger.With().Str("appointment_id", string(appointmentID)).Logger()

	redemptions, err := repos.Redemptions().ListByAppointment(ctx, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("failed to load redemptions: %w", err)
	}
	if len(redemptions) == 0 {
		return 0, nil
	}

	restored := 0
	for _, r := range redemptions {
		pack, err := repos.Packs().Get(ctx, r.PackID)
		if err != nil {
			return 0, fmt.Errorf("failed to load pack %s: %w", r.PackID, err)
		}
		if pack == nil {
			log.Warn().Str("pack_id", string(r.PackID)).Str("redemption_id", string(r.ID)).
				Msg("pack missing for redemption, skipping")
			continue
		}

		units := pack.UnitsRemaining + r.UnitsUsed
		if units > pack.UnitsTotal {
			return 0, &AllocationInconsistencyError{
				AppointmentID: appointmentID,
				Reason: fmt.Sprintf("reverting %d units would raise pack %s to %d of %d",
					r.UnitsUsed, pack.ID, units, pack.UnitsTotal),
			}
		}
		if err := repos.Packs().SetUnitsRemaining(ctx, pack.ID, units); err != nil {
			return 0, fmt.Errorf("failed to credit pack %s: %w", pack.ID, err)
		}
		restored += r.UnitsUsed

		log.Info().Str("pack_id", string(pack.ID)).Int("units", r.UnitsUsed).Msg("credits reverted")
	}

	if err := repos.Redemptions().DeleteByAppointment(ctx, appointmentID); err != nil {
		return 0, fmt.Errorf("failed to delete redemptions: %w", err)
	}
	return restored, nil
}
