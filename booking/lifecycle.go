/*
lifecycle.go - Appointment lifecycle manager

PURPOSE:
  Orchestrates the overlap guard and the redemption engine inside atomic
  units of work, and owns the derived "paid" state of appointments.

OPERATIONS:
  CreateAppointment  validate -> auto-upgrade -> overlap -> pre-validate
                     -> price -> insert -> allocate
  UpdateAppointment  revert (structural, unpaid) -> apply -> payment toggle
                     -> re-allocate (structural, still unpaid)
  CancelAppointment  revert -> status CANCELLED (row kept)
  DeleteAppointment  revert -> delete row
  ConsumeCredits / RevertCredits for manual redemption.

STRUCTURAL CHANGE:
  A change to duration, consumesCredit or patient. Moving start/end alone
  is not structural: the allocation stays, only the overlap guard re-runs.

RETRIES:
  Units of work that fail with a retryable store error (serialization
  failure) are re-run up to MaxRetries times. fn closures must therefore
  not leak state between attempts.

SEE ALSO:
  - redemption.go: Plan/Consume/Revert
  - overlap.go: Slot checks
  - pricing.go: Appointment and pack prices
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultDurationMinutes = 30
	DefaultMaxRetries      = 3
	MaxPacksPerPurchase    = 20
	DefaultHistoryLimit    = 20
	MaxHistoryLimit        = 100
)

// Manager is the entry point for every booking and ledger operation.
type Manager struct {
	Store      Store
	Engine     *RedemptionEngine
	Prices     PriceList
	Clock      func() time.Time
	NewID      func() string
	Logger     zerolog.Logger
	MaxRetries int
}

func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		Store:      store,
		Engine:     NewRedemptionEngine(logger),
		Prices:     DefaultPriceList(),
		Clock:      time.Now,
		NewID:      uuid.NewString,
		Logger:     logger,
		MaxRetries: DefaultMaxRetries,
	}
}

// atomic runs fn in a unit of work, retrying on retryable store errors.
func (m *Manager) atomic(ctx context.Context, op string, fn func(Repos) error) error {
	for attempt := 0; ; attempt++ {
		err := m.Store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt >= m.MaxRetries || ctx.Err() != nil {
			return err
		}
		m.Logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("retrying unit of work")
	}
}

func (m *Manager) now() time.Time { return ToUTC(m.Clock()) }

// =============================================================================
// PAID STATE
// =============================================================================

// paidFor reports whether the appointment has redemptions and every pack
// they reference is paid. A missing pack counts as unpaid.
func paidFor(ctx context.Context, repos Repos, id AppointmentID) (bool, error) {
	redemptions, err := repos.Redemptions().ListByAppointment(ctx, id)
	if err != nil {
		return false, err
	}
	if len(redemptions) == 0 {
		return false, nil
	}
	for _, r := range redemptions {
		pack, err := repos.Packs().Get(ctx, r.PackID)
		if err != nil {
			return false, err
		}
		if pack == nil || !pack.Paid {
			return false, nil
		}
	}
	return true, nil
}

func withPaid(ctx context.Context, repos Repos, a *Appointment) error {
	paid, err := paidFor(ctx, repos, a.ID)
	if err != nil {
		return fmt.Errorf("failed to derive paid state: %w", err)
	}
	a.Paid = paid
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// CheckOverlap returns the booked appointment blocking [start, end), or nil.
func (m *Manager) CheckOverlap(ctx context.Context, start, end time.Time, excludeID AppointmentID) (*Appointment, error) {
	if start.IsZero() || !end.After(start) {
		return nil, ErrInvalidInterval
	}
	return CheckOverlap(ctx, m.Store.Appointments(), start, end, excludeID)
}

// AvailableCredits returns the patient's spendable units; 0 when unknown.
func (m *Manager) AvailableCredits(ctx context.Context, patientID PatientID) (int, error) {
	return AvailableUnits(ctx, m.Store.Packs(), patientID)
}

func (m *Manager) GetAppointment(ctx context.Context, id AppointmentID) (*Appointment, error) {
	a, err := m.Store.Appointments().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, appointmentNotFound(id)
	}
	if err := withPaid(ctx, m.Store, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (m *Manager) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, int, error) {
	list, err := m.Store.Appointments().List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.Store.Appointments().Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	for i := range list {
		if err := withPaid(ctx, m.Store, &list[i]); err != nil {
			return nil, 0, err
		}
	}
	return list, total, nil
}

// =============================================================================
// CREATE
// =============================================================================

type CreateAppointmentInput struct {
	PatientID       PatientID
	Start           time.Time
	End             time.Time // zero: Start + DurationMinutes
	DurationMinutes int       // zero: DefaultDurationMinutes
	ConsumesCredit  bool
	Notes           string
}

// validDuration accepts the two session lengths packs are sold in. The
// allocation and upgrade rules are defined for one or two units only.
func validDuration(minutes int) bool {
	return minutes == 30 || minutes == 60
}

// CreateAppointment books a slot and, for credit-consuming appointments
// with a patient, allocates its units. Nothing is written on failure.
func (m *Manager) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*Appointment, error) {
	duration := in.DurationMinutes
	if duration == 0 {
		duration = DefaultDurationMinutes
	}
	if !validDuration(duration) {
		return nil, ErrInvalidDuration
	}
	if in.Start.IsZero() {
		return nil, ErrInvalidInterval
	}
	start := ToUTC(in.Start)
	end := ToUTC(in.End)
	if in.End.IsZero() {
		end = start.Add(time.Duration(duration) * time.Minute)
	}
	if !end.After(start) {
		return nil, ErrInvalidInterval
	}

	var created Appointment
	err := m.atomic(ctx, "create_appointment", func(repos Repos) error {
		appt := Appointment{
			ID:              AppointmentID(m.NewID()),
			PatientID:       in.PatientID,
			Start:           start,
			End:             end,
			DurationMinutes: duration,
			Status:          StatusBooked,
			ConsumesCredit:  in.ConsumesCredit,
			Notes:           in.Notes,
		}
		log := m.Logger.With().Str("appointment_id", string(appt.ID)).Logger()

		var packs []CreditPack
		if appt.HasPatient() {
			patient, err := repos.Patients().Get(ctx, appt.PatientID)
			if err != nil {
				return err
			}
			if patient == nil {
				return patientNotFound(appt.PatientID)
			}
			if packs, err = repos.Packs().ListByPatient(ctx, appt.PatientID); err != nil {
				return err
			}
		}
		funded := appt.ConsumesCredit && appt.HasPatient()

		// A 60-minute pack never goes unused on a shorter request.
		if funded && appt.DurationMinutes != 60 {
			if pack := findUpgradePack(packs); pack != nil {
				log.Info().Str("pack_id", string(pack.ID)).Int("from", appt.DurationMinutes).
					Msg("upgrading appointment to 60 minutes")
				appt.DurationMinutes = 60
				appt.End = appt.Start.Add(60 * time.Minute)
			}
		}

		if err := guardSlot(ctx, repos.Appointments(), appt.Start, appt.End, ""); err != nil {
			return err
		}

		if funded {
			if err := prevalidate(appt.PatientID, packs, appt.RequiredUnits()); err != nil {
				return err
			}
		}

		now := m.now()
		appt.PriceCents = m.Prices.AppointmentPriceCents(packs, appt.DurationMinutes, funded)
		appt.CreatedAt = now
		appt.UpdatedAt = now
		if err := repos.Appointments().Create(ctx, appt); err != nil {
			return fmt.Errorf("failed to insert appointment: %w", err)
		}

		if funded {
			if err := m.allocate(ctx, repos, appt); err != nil {
				return err
			}
		}
		if err := withPaid(ctx, repos, &appt); err != nil {
			return err
		}

		log.Info().Str("patient_id", string(appt.PatientID)).Time("start", appt.Start).
			Int("duration", appt.DurationMinutes).Bool("consumes_credit", appt.ConsumesCredit).
			Msg("appointment created")
		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// prevalidate fails with InsufficientCreditsError when the raw balance or
// the allocation plan cannot cover required units.
func prevalidate(patientID PatientID, packs []CreditPack, required int) error {
	available := sumRemaining(packs)
	if available < required {
		return &InsufficientCreditsError{PatientID: patientID, Required: required, Available: available}
	}
	if plan := Plan(packs, required); !plan.IsSatisfied() {
		return &InsufficientCreditsError{PatientID: patientID, Required: required, Available: plan.Allocatable()}
	}
	return nil
}

// allocate pre-validates against the packs visible in this unit of work
// and consumes. A consume shortfall after a passing pre-validation is an
// inconsistency, not a business outcome.
func (m *Manager) allocate(ctx context.Context, repos Repos, appt Appointment) error {
	existing, err := repos.Redemptions().ListByAppointment(ctx, appt.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	packs, err := repos.Packs().ListByPatient(ctx, appt.PatientID)
	if err != nil {
		return err
	}
	if err := prevalidate(appt.PatientID, packs, appt.RequiredUnits()); err != nil {
		return err
	}

	_, err = m.Engine.Consume(ctx, repos, appt.PatientID, appt.ID, appt.DurationMinutes)
	if errors.Is(err, ErrInsufficientCredits) {
		return &AllocationInconsistencyError{AppointmentID: appt.ID, Reason: err.Error()}
	}
	return err
}

// =============================================================================
// UPDATE
// =============================================================================

// AppointmentUpdate carries the fields to change; nil means unchanged.
// An empty PatientID unassigns the patient.
type AppointmentUpdate struct {
	Start           *time.Time
	End             *time.Time
	DurationMinutes *int
	PatientID       *PatientID
	ConsumesCredit  *bool
	Notes           *string
	Status          *AppointmentStatus
	Paid            *bool
}

func (m *Manager) UpdateAppointment(ctx context.Context, id AppointmentID, u AppointmentUpdate) (*Appointment, error) {
	if u.DurationMinutes != nil && !validDuration(*u.DurationMinutes) {
		return nil, ErrInvalidDuration
	}
	if u.Status != nil && !u.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	var updated Appointment
	err := m.atomic(ctx, "update_appointment", func(repos Repos) error {
		cur, err := repos.Appointments().Get(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return appointmentNotFound(id)
		}
		log := m.Logger.With().Str("appointment_id", string(id)).Logger()

		next := *cur
		structural := false
		if u.DurationMinutes != nil && *u.DurationMinutes != cur.DurationMinutes {
			next.DurationMinutes = *u.DurationMinutes
			structural = true
		}
		if u.ConsumesCredit != nil && *u.ConsumesCredit != cur.ConsumesCredit {
			next.ConsumesCredit = *u.ConsumesCredit
			structural = true
		}
		if u.PatientID != nil && *u.PatientID != cur.PatientID {
			next.PatientID = *u.PatientID
			structural = true
			if next.HasPatient() {
				patient, err := repos.Patients().Get(ctx, next.PatientID)
				if err != nil {
					return err
				}
				if patient == nil {
					return patientNotFound(next.PatientID)
				}
			}
		}
		if u.Notes != nil {
			next.Notes = *u.Notes
		}
		if u.Status != nil {
			next.Status = *u.Status
		}

		if u.Start != nil {
			next.Start = ToUTC(*u.Start)
		}
		switch {
		case u.End != nil:
			next.End = ToUTC(*u.End)
		case u.Start != nil || next.DurationMinutes != cur.DurationMinutes:
			next.End = next.Start.Add(time.Duration(next.DurationMinutes) * time.Minute)
		}
		if !next.End.After(next.Start) {
			return ErrInvalidInterval
		}

		moved := !next.Start.Equal(cur.Start) || !next.End.Equal(cur.End)
		reactivated := cur.Status != StatusBooked && next.Status == StatusBooked
		if next.Status == StatusBooked && (moved || reactivated) {
			if err := guardSlot(ctx, repos.Appointments(), next.Start, next.End, id); err != nil {
				return err
			}
		}

		currentPaid, err := paidFor(ctx, repos, id)
		if err != nil {
			return err
		}

		// a. The old allocation size may no longer be valid.
		cancelled := next.Status == StatusCancelled && cur.Status != StatusCancelled
		if (structural && cur.ConsumesCredit && !currentPaid) || cancelled {
			if _, err := m.Engine.Revert(ctx, repos, id); err != nil {
				return err
			}
		}

		// b.
		if structural {
			packs, err := m.packsOf(ctx, repos, next.PatientID)
			if err != nil {
				return err
			}
			next.PriceCents = m.Prices.AppointmentPriceCents(packs, next.DurationMinutes,
				next.ConsumesCredit && next.HasPatient())
		}
		next.UpdatedAt = m.now()
		if err := repos.Appointments().Update(ctx, next); err != nil {
			return fmt.Errorf("failed to update appointment: %w", err)
		}

		// c.
		if u.Paid != nil {
			if err := m.togglePayment(ctx, repos, next, *u.Paid); err != nil {
				return err
			}
		}

		// d.
		finalPaid, err := paidFor(ctx, repos, id)
		if err != nil {
			return err
		}
		callerPaid := u.Paid != nil && *u.Paid
		if structural && next.ConsumesCredit && next.HasPatient() && next.Status == StatusBooked &&
			!finalPaid && !callerPaid {
			if err := m.allocate(ctx, repos, next); err != nil {
				return err
			}
		}

		if err := withPaid(ctx, repos, &next); err != nil {
			return err
		}
		log.Info().Bool("structural", structural).Bool("moved", moved).Str("status", string(next.Status)).
			Msg("appointment updated")
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (m *Manager) packsOf(ctx context.Context, repos Repos, patientID PatientID) ([]CreditPack, error) {
	if patientID == "" {
		return nil, nil
	}
	return repos.Packs().ListByPatient(ctx, patientID)
}

// togglePayment resolves an explicit paid flag. Marking a booked
// appointment paid allocates first when nothing is redeemed yet, then
// marks every referenced pack paid; marking unpaid clears the flag on
// those packs. Units never move on the unpaid path.
func (m *Manager) togglePayment(ctx context.Context, repos Repos, appt Appointment, paid bool) error {
	log := m.Logger.With().Str("appointment_id", string(appt.ID)).Logger()

	current, err := paidFor(ctx, repos, appt.ID)
	if err != nil {
		return err
	}
	if current == paid {
		log.Info().Bool("paid", paid).Msg("payment state already holds, nothing to do")
		return nil
	}

	if paid && appt.ConsumesCredit && appt.HasPatient() && appt.Status == StatusBooked {
		if err := m.allocate(ctx, repos, appt); err != nil {
			return err
		}
	}

	redemptions, err := repos.Redemptions().ListByAppointment(ctx, appt.ID)
	if err != nil {
		return err
	}
	for _, r := range redemptions {
		if err := repos.Packs().SetPaid(ctx, r.PackID, paid); err != nil {
			return fmt.Errorf("failed to set pack %s paid=%t: %w", r.PackID, paid, err)
		}
		log.Info().Str("pack_id", string(r.PackID)).Bool("paid", paid).Msg("pack payment updated")
	}
	return nil
}

// =============================================================================
// CANCEL / DELETE
// =============================================================================

// CancelAppointment reverts the appointment's credits and marks it
// CANCELLED. The row is kept.
func (m *Manager) CancelAppointment(ctx context.Context, id AppointmentID) (*Appointment, error) {
	var cancelled Appointment
	err := m.atomic(ctx, "cancel_appointment", func(repos Repos) error {
		a, err := repos.Appointments().Get(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return appointmentNotFound(id)
		}
		restored, err := m.Engine.Revert(ctx, repos, id)
		if err != nil {
			return err
		}
		a.Status = StatusCancelled
		a.UpdatedAt = m.now()
		if err := repos.Appointments().Update(ctx, *a); err != nil {
			return fmt.Errorf("failed to cancel appointment: %w", err)
		}
		a.Paid = false
		m.Logger.Info().Str("appointment_id", string(id)).Int("units_restored", restored).Msg("appointment cancelled")
		cancelled = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cancelled, nil
}

// DeleteAppointment reverts the appointment's credits and removes the row.
func (m *Manager) DeleteAppointment(ctx context.Context, id AppointmentID) error {
	return m.atomic(ctx, "delete_appointment", func(repos Repos) error {
		a, err := repos.Appointments().Get(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return appointmentNotFound(id)
		}
		restored, err := m.Engine.Revert(ctx, repos, id)
		if err != nil {
			return err
		}
		if err := repos.Appointments().Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete appointment: %w", err)
		}
		m.Logger.Info().Str("appointment_id", string(id)).Int("units_restored", restored).Msg("appointment deleted")
		return nil
	})
}

// =============================================================================
// MANUAL REDEMPTION
// =============================================================================

// ConsumeCredits allocates units for an existing appointment of the
// patient. Returns the existing redemptions when already allocated.
func (m *Manager) ConsumeCredits(ctx context.Context, patientID PatientID, appointmentID AppointmentID) ([]CreditRedemption, error) {
	var out []CreditRedemption
	err := m.atomic(ctx, "consume_credits", func(repos Repos) error {
		patient, err := repos.Patients().Get(ctx, patientID)
		if err != nil {
			return err
		}
		if patient == nil {
			return patientNotFound(patientID)
		}
		a, err := repos.Appointments().Get(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a == nil {
			return appointmentNotFound(appointmentID)
		}
		if a.PatientID != patientID {
			return ErrPatientMismatch
		}
		if err := m.allocate(ctx, repos, *a); err != nil {
			return err
		}
		out, err = repos.Redemptions().ListByAppointment(ctx, appointmentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RevertCredits returns the appointment's redeemed units to their packs.
func (m *Manager) RevertCredits(ctx context.Context, appointmentID AppointmentID) (int, error) {
	var restored int
	err := m.atomic(ctx, "revert_credits", func(repos Repos) error {
		a, err := repos.Appointments().Get(ctx, appointmentID)
		if err != nil {
			return err
		}
		if a == nil {
			return appointmentNotFound(appointmentID)
		}
		restored, err = m.Engine.Revert(ctx, repos, appointmentID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}

// =============================================================================
// PATIENTS
// =============================================================================

func (m *Manager) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	if p.Name == "" {
		return nil, ErrInvalidPatient
	}
	if p.ID == "" {
		p.ID = PatientID(m.NewID())
	}
	p.CreatedAt = m.now()
	err := m.atomic(ctx, "create_patient", func(repos Repos) error {
		return repos.Patients().Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Manager) ListPatients(ctx context.Context) ([]Patient, error) {
	return m.Store.Patients().List(ctx)
}

// =============================================================================
// PACKS
// =============================================================================

type PurchaseInput struct {
	PatientID PatientID
	Kind      PackKind
	Quantity  int // zero: 1
	Paid      bool
	Notes     string
}

// PurchasePacks creates Quantity independent packs of one kind.
func (m *Manager) PurchasePacks(ctx context.Context, in PurchaseInput) ([]CreditPack, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPack, in.Kind)
	}
	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 1 || qty > MaxPacksPerPurchase {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalidPack, MaxPacksPerPurchase)
	}

	var packs []CreditPack
	err := m.atomic(ctx, "purchase_packs", func(repos Repos) error {
		packs = packs[:0]
		patient, err := repos.Patients().Get(ctx, in.PatientID)
		if err != nil {
			return err
		}
		if patient == nil {
			return patientNotFound(in.PatientID)
		}

		now := m.now()
		units := in.Kind.UnitsPerPack()
		for i := 0; i < qty; i++ {
			p := CreditPack{
				ID:             PackID(m.NewID()),
				PatientID:      in.PatientID,
				Label:          in.Kind.Label(),
				Kind:           in.Kind,
				UnitsTotal:     units,
				UnitsRemaining: units,
				UnitMinutes:    in.Kind.UnitMinutes(),
				Paid:           in.Paid,
				PriceCents:     m.Prices.PackPriceCents(in.Kind),
				Notes:          in.Notes,
				// Packs of one purchase are drawn down in purchase order.
				CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			}
			if err := repos.Packs().Create(ctx, p); err != nil {
				return fmt.Errorf("failed to create pack: %w", err)
			}
			packs = append(packs, p)
		}
		m.Logger.Info().Str("patient_id", string(in.PatientID)).Str("kind", string(in.Kind)).
			Int("quantity", qty).Bool("paid", in.Paid).Msg("packs purchased")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return packs, nil
}

// PatientCredits summarizes the patient's packs.
func (m *Manager) PatientCredits(ctx context.Context, patientID PatientID) (PatientCredits, error) {
	patient, err := m.Store.Patients().Get(ctx, patientID)
	if err != nil {
		return PatientCredits{}, err
	}
	if patient == nil {
		return PatientCredits{}, patientNotFound(patientID)
	}
	packs, err := m.Store.Packs().ListByPatient(ctx, patientID)
	if err != nil {
		return PatientCredits{}, err
	}
	return Summarize(patientID, packs), nil
}

// SetPackPaid sets the paid flag of one pack.
func (m *Manager) SetPackPaid(ctx context.Context, id PackID, paid bool) (*CreditPack, error) {
	var out CreditPack
	err := m.atomic(ctx, "set_pack_paid", func(repos Repos) error {
		p, err := repos.Packs().Get(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return packNotFound(id)
		}
		if err := repos.Packs().SetPaid(ctx, id, paid); err != nil {
			return err
		}
		p.Paid = paid
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Logger.Info().Str("pack_id", string(id)).Bool("paid", paid).Msg("pack payment updated")
	return &out, nil
}

// DeletePack removes a pack together with its redemptions.
func (m *Manager) DeletePack(ctx context.Context, id PackID) error {
	return m.atomic(ctx, "delete_pack", func(repos Repos) error {
		p, err := repos.Packs().Get(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return packNotFound(id)
		}
		if err := repos.Redemptions().DeleteByPack(ctx, id); err != nil {
			return fmt.Errorf("failed to delete redemptions of pack: %w", err)
		}
		if err := repos.Packs().Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete pack: %w", err)
		}
		m.Logger.Info().Str("pack_id", string(id)).Int("units_used", p.UnitsUsed()).Msg("pack deleted")
		return nil
	})
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryEntry is a redemption with the pack and appointment it joins.
// Either side may be nil if it was deleted since.
type HistoryEntry struct {
	Redemption  CreditRedemption
	Pack        *CreditPack
	Appointment *Appointment
}

type HistoryPage struct {
	Entries []HistoryEntry
	Page    int
	Limit   int
	Total   int
	Pages   int
}

// CreditHistory pages through the patient's redemptions, newest first.
func (m *Manager) CreditHistory(ctx context.Context, patientID PatientID, page, limit int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	redemptions, total, err := m.Store.Redemptions().ListByPatient(ctx, patientID, limit, (page-1)*limit)
	if err != nil {
		return HistoryPage{}, err
	}

	out := HistoryPage{Page: page, Limit: limit, Total: total, Pages: (total + limit - 1) / limit}
	for _, r := range redemptions {
		entry := HistoryEntry{Redemption: r}
		if entry.Pack, err = m.Store.Packs().Get(ctx, r.PackID); err != nil {
			return HistoryPage{}, err
		}
		if entry.Appointment, err = m.Store.Appointments().Get(ctx, r.AppointmentID); err != nil {
			return HistoryPage{}, err
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// Audit checks the whole ledger inside one unit of work, so a booking
// committing mid-audit cannot show up as a half-applied allocation.
func (m *Manager) Audit(ctx context.Context) ([]Violation, error) {
	var violations []Violation
	err := m.atomic(ctx, "audit", func(repos Repos) error {
		var err error
		violations, err = AuditLedger(ctx, repos)
		return err
	})
	if err != nil {
		return nil, err
	}
	return violations, nil
}
