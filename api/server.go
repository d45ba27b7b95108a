/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  zerolog access log (request id, status, latency)
  3. Recovery:       Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for the front desk UI

ROUTE GROUPS:
  /api/patients/*      Patients
  /api/appointments/*  Calendar and booking lifecycle
  /api/credits/*       Packs, balances, manual redemption
  /api/admin/*         Ledger audit
  /api/scenarios/*     Demo scenarios

SECURITY NOTE:
  No authentication middleware. Deploy behind the clinic's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(Recovery(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/patients", func(r chi.Router) {
			r.Get("/", h.ListPatients)
			r.Post("/", h.CreatePatient)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", h.ListAppointments)
			r.Post("/", h.CreateAppointment)
			r.Get("/conflicts/check", h.CheckConflicts)
			r.Get("/{id}", h.GetAppointment)
			r.Put("/{id}", h.UpdateAppointment)
			r.Delete("/{id}", h.DeleteAppointment)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", h.GetCredits)
			r.Get("/available", h.GetAvailableCredits)
			r.Get("/history", h.GetCreditHistory)
			r.Post("/packs", h.PurchasePacks)
			r.Delete("/packs/{id}", h.DeletePack)
			r.Patch("/packs/{id}/payment", h.SetPackPayment)
			r.Post("/redeem", h.RedeemCredits)
			r.Post("/revert", h.RevertCredits)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/audit", h.AuditLedger)
			r.Get("/audit/latest", h.LatestAudit)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
