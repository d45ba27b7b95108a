package api

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/booking"
	"github.com/warp/clinic-engine/booking/store"
)

func (a *testAPI) loadScenario(id string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (a *testAPI) appointmentsOf(patientID string) []AppointmentDTO {
	a.t.Helper()
	rec := a.do(http.MethodGet, "/api/appointments?patient_id="+patientID, nil)
	require.Equal(a.t, http.StatusOK, rec.Code)
	return decodeBody[AppointmentListResponse](a.t, rec).Appointments
}

func (a *testAPI) creditsOf(patientID string) CreditSummaryDTO {
	a.t.Helper()
	rec := a.do(http.MethodGet, "/api/credits?patient_id="+patientID, nil)
	require.Equal(a.t, http.StatusOK, rec.Code)
	return decodeBody[CreditSummaryDTO](a.t, rec)
}

func (a *testAPI) assertAuditClean() {
	a.t.Helper()
	rec := a.do(http.MethodGet, "/api/admin/audit", nil)
	require.Equal(a.t, http.StatusOK, rec.Code)
	audit := decodeBody[AuditResponse](a.t, rec)
	assert.True(a.t, audit.Consistent, "violations: %+v", audit.Violations)
}

func TestScenario_PaidFirst(t *testing.T) {
	api := newTestAPI(t)
	api.loadScenario("paid-first")

	appts := api.appointmentsOf("patient-ana")
	require.Len(t, appts, 2)
	assert.True(t, appts[0].Paid, "first booking drew the paid session")
	assert.False(t, appts[1].Paid, "second booking drew the unpaid bundle")

	credits := api.creditsOf("patient-ana")
	assert.Equal(t, 4, credits.UnitsRemaining)
	assert.Equal(t, 2, credits.UnitsUsed)
	api.assertAuditClean()
}

func TestScenario_Pairing(t *testing.T) {
	api := newTestAPI(t)
	api.loadScenario("pairing")

	appts := api.appointmentsOf("patient-luis")
	require.Len(t, appts, 2)
	for _, a := range appts {
		assert.Equal(t, 60, a.DurationMinutes)
	}
	assert.Equal(t, 1, api.creditsOf("patient-luis").UnitsRemaining)

	// The single leftover unit cannot fund another hour.
	rec := api.book(CreateAppointmentRequest{PatientID: "patient-luis", Start: appts[1].End, DurationMinutes: 60})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	api.assertAuditClean()
}

func TestScenario_AutoUpgrade(t *testing.T) {
	api := newTestAPI(t)
	api.loadScenario("auto-upgrade")

	appts := api.appointmentsOf("patient-marta")
	require.Len(t, appts, 1)
	assert.Equal(t, 60, appts[0].DurationMinutes)
	assert.Equal(t, 8, api.creditsOf("patient-marta").UnitsRemaining)
	api.assertAuditClean()
}

func TestScenario_SharedPack(t *testing.T) {
	api := newTestAPI(t)
	api.loadScenario("shared-pack")

	appts := api.appointmentsOf("patient-javier")
	require.Len(t, appts, 2)
	assert.True(t, appts[0].Paid)
	assert.True(t, appts[1].Paid, "paying one appointment paid the shared pack")

	credits := api.creditsOf("patient-javier")
	require.Len(t, credits.Packs, 1)
	assert.True(t, credits.Packs[0].Paid)
	assert.Equal(t, 3, credits.UnitsRemaining)
	api.assertAuditClean()
}

func TestScenario_ReloadResetsStore(t *testing.T) {
	api := newTestAPI(t)
	api.loadScenario("paid-first")
	api.loadScenario("auto-upgrade")

	rec := api.do(http.MethodGet, "/api/patients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	patients := decodeBody[[]PatientDTO](t, rec)
	require.Len(t, patients, 1)
	assert.Equal(t, "patient-marta", patients[0].ID)

	rec = api.do(http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "auto-upgrade", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestScenario_Errors(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarioLoaders))

	// Without a resetter scenarios are unavailable.
	h := NewHandler(booking.NewManager(store.NewMemory(), zerolog.Nop()), cet, zerolog.Nop())
	noReset := &testAPI{t: t, h: h, router: NewRouter(h, nil)}
	rec = noReset.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "pairing"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
