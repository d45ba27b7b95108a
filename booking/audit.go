package booking

import (
	"context"
	"fmt"
	"sort"
)

// Violation is one broken ledger or calendar invariant found by AuditLedger.
type Violation struct {
	Kind    string // "pack_bounds", "conservation", "redeemed_units", "overlap"
	Subject string // pack or appointment ID
	Detail  string
}

func (v Violation) String() string { return fmt.Sprintf("%s %s: %s", v.Kind, v.Subject, v.Detail) }

// AuditLedger re-checks every pack balance against its redemptions, every
// credit-funded appointment against its duration, and the booked calendar
// for overlaps. An empty result means the ledger is consistent.
func AuditLedger(ctx context.Context, repos Repos) ([]Violation, error) {
	var out []Violation

	packs, err := repos.Packs().ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list packs: %w", err)
	}
	for _, p := range packs {
		if p.UnitsRemaining < 0 || p.UnitsRemaining > p.UnitsTotal {
			out = append(out, Violation{
				Kind:    "pack_bounds",
				Subject: string(p.ID),
				Detail:  fmt.Sprintf("remaining %d outside [0, %d]", p.UnitsRemaining, p.UnitsTotal),
			})
		}
		redemptions, err := repos.Redemptions().ListByPack(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list redemptions of pack %s: %w", p.ID, err)
		}
		redeemed := 0
		for _, r := range redemptions {
			redeemed += r.UnitsUsed
		}
		if p.UnitsRemaining+redeemed != p.UnitsTotal {
			out = append(out, Violation{
				Kind:    "conservation",
				Subject: string(p.ID),
				Detail:  fmt.Sprintf("remaining %d + redeemed %d != total %d", p.UnitsRemaining, redeemed, p.UnitsTotal),
			})
		}
	}

	appts, err := repos.Appointments().List(ctx, AppointmentFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	var booked []Appointment
	for _, a := range appts {
		if a.Status == StatusBooked {
			booked = append(booked, a)
		}
		redemptions, err := repos.Redemptions().ListByAppointment(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list redemptions of appointment %s: %w", a.ID, err)
		}
		if len(redemptions) == 0 {
			continue
		}
		units := 0
		for _, r := range redemptions {
			units += r.UnitsUsed
		}
		if units != a.RequiredUnits() {
			out = append(out, Violation{
				Kind:    "redeemed_units",
				Subject: string(a.ID),
				Detail:  fmt.Sprintf("redeemed %d units, duration %dm requires %d", units, a.DurationMinutes, a.RequiredUnits()),
			})
		}
	}

	sort.Slice(booked, func(i, j int) bool { return booked[i].Start.Before(booked[j].Start) })
	// reach is the booked appointment seen so far with the latest end.
	var reach Appointment
	for i, cur := range booked {
		if i == 0 {
			reach = cur
			continue
		}
		if Overlaps(reach.Start, reach.End, cur.Start, cur.End) {
			out = append(out, Violation{
				Kind:    "overlap",
				Subject: string(cur.ID),
				Detail:  fmt.Sprintf("overlaps booked appointment %s", reach.ID),
			})
		}
		if cur.End.After(reach.End) {
			reach = cur
		}
	}

	return out, nil
}
