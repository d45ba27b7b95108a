/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with patients, packs
  and appointments showing one allocation rule each.

AVAILABLE SCENARIOS:
  paid-first:    A paid session is used before an older unpaid bundle
  pairing:       A 30-minute bundle funds 60-minute slots only in pairs
  auto-upgrade:  A 30-minute request becomes 60 minutes for 60-minute packs
  shared-pack:   Paying one appointment marks its whole pack paid

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create patients and purchase packs with a stepped clock, so pack age
    is deterministic
 3. Book appointments through the manager, exactly as the API would

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "paid-first"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/clinic-engine/booking"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "paid-first",
		Name:        "Paid First",
		Description: "Unpaid bundle bought in January, paid session in March: a 30-minute booking uses the paid session",
	},
	{
		ID:          "pairing",
		Name:        "Pairing",
		Description: "A 5x30m bundle funds two 60-minute sessions; the last single unit cannot fund a third",
	},
	{
		ID:          "auto-upgrade",
		Name:        "Auto Upgrade",
		Description: "A patient with a 60-minute bundle books 30 minutes and gets 60",
	},
	{
		ID:          "shared-pack",
		Name:        "Shared Pack Payment",
		Description: "Two appointments drawn from one unpaid bundle; paying one marks both paid",
	},
}

type scenarioLoader func(ctx context.Context, m *booking.Manager, day time.Time) error

var scenarioLoaders = map[string]scenarioLoader{
	"paid-first":   loadPaidFirstScenario,
	"pairing":      loadPairingScenario,
	"auto-upgrade": loadAutoUpgradeScenario,
	"shared-pack":  loadSharedPackScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if h.Resetter == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support scenarios", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	// Appointments go on the next day at clinic opening time.
	now := time.Now().In(h.Loc)
	day := time.Date(now.Year(), now.Month(), now.Day()+1, 10, 0, 0, 0, h.Loc)

	m := *h.Manager
	m.Clock = steppedClock(now.AddDate(0, -3, 0), 24*time.Hour)
	if err := load(ctx, &m, day); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// steppedClock returns base, base+step, base+2*step, ... on successive calls.
func steppedClock(base time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := base.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func createPatient(ctx context.Context, m *booking.Manager, id, name string) (booking.PatientID, error) {
	p, err := m.CreatePatient(ctx, booking.Patient{ID: booking.PatientID(id), Name: name})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func book(ctx context.Context, m *booking.Manager, patientID booking.PatientID, start time.Time, minutes int) (*booking.Appointment, error) {
	return m.CreateAppointment(ctx, booking.CreateAppointmentInput{
		PatientID:       patientID,
		Start:           start,
		DurationMinutes: minutes,
		ConsumesCredit:  true,
	})
}

func loadPaidFirstScenario(ctx context.Context, m *booking.Manager, day time.Time) error {
	patientID, err := createPatient(ctx, m, "patient-ana", "Ana García")
	if err != nil {
		return err
	}
	if _, err := m.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patientID, Kind: booking.KindBundle30, Paid: false}); err != nil {
		return err
	}
	if _, err := m.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patientID, Kind: booking.KindSession30, Paid: true}); err != nil {
		return err
	}
	if _, err := book(ctx, m, patientID, day, 30); err != nil {
		return err
	}
	_, err = book(ctx, m, patientID, day.Add(30*time.Minute), 30)
	return err
}

func loadPairingScenario(ctx context.Context, m *booking.Manager, day time.Time) error {
	patientID, err := createPatient(ctx, m, "patient-luis", "Luis Martín")
	if err != nil {
		return err
	}
	if _, err := m.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patientID, Kind: booking.KindBundle30, Paid: true}); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if _, err := book(ctx, m, patientID, day.Add(time.Duration(i)*time.Hour), 60); err != nil {
			return err
		}
	}
	return nil
}

func loadAutoUpgradeScenario(ctx context.Context, m *booking.Manager, day time.Time) error {
	patientID, err := createPatient(ctx, m, "patient-marta", "Marta López")
	if err != nil {
		return err
	}
	if _, err := m.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patientID, Kind: booking.KindBundle60, Paid: true}); err != nil {
		return err
	}
	_, err = book(ctx, m, patientID, day, 30)
	return err
}

func loadSharedPackScenario(ctx context.Context, m *booking.Manager, day time.Time) error {
	patientID, err := createPatient(ctx, m, "patient-javier", "Javier Ruiz")
	if err != nil {
		return err
	}
	if _, err := m.PurchasePacks(ctx, booking.PurchaseInput{PatientID: patientID, Kind: booking.KindBundle30, Paid: false}); err != nil {
		return err
	}
	first, err := book(ctx, m, patientID, day, 30)
	if err != nil {
		return err
	}
	if _, err := book(ctx, m, patientID, day.Add(time.Hour), 30); err != nil {
		return err
	}
	paid := true
	_, err = m.UpdateAppointment(ctx, first.ID, booking.AppointmentUpdate{Paid: &paid})
	return err
}
