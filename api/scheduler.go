/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Re-runs the ledger audit in the background so a broken invariant (a
  pack whose balance no longer matches its redemptions, an overlap written
  by another tool) is noticed without anyone calling the audit endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Logs every violation at error level, a clean run at debug level
  - Keeps the latest report for GET /api/admin/audit/latest

CONFIGURATION:
  - CheckInterval: clinic.audit_interval (default: 1 hour)
  - Enabled: false when the interval is 0

USAGE:
  scheduler := NewAuditScheduler(mgr, logger, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - booking/audit.go: AuditLedger
  - handlers.go: AuditLedger endpoint (on-demand audit)
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/clinic-engine/booking"
)

// AuditReport is the outcome of one scheduled audit.
type AuditReport struct {
	RanAt      time.Time
	Duration   time.Duration
	Violations []booking.Violation
	Err        error
}

// AuditScheduler runs booking.AuditLedger every CheckInterval.
type AuditScheduler struct {
	Manager       *booking.Manager
	Logger        zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool
	Clock         func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *AuditReport
}

// NewAuditScheduler creates a scheduler; an interval <= 0 disables it.
func NewAuditScheduler(mgr *booking.Manager, logger zerolog.Logger, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{
		Manager:       mgr,
		Logger:        logger.With().Str("component", "audit_scheduler").Logger(),
		CheckInterval: interval,
		Enabled:       interval > 0,
		Clock:         time.Now,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info().Dur("interval", s.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info().Msg("stopped")
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce audits the ledger now and records the report.
func (s *AuditScheduler) RunOnce(ctx context.Context) AuditReport {
	start := s.Clock()
	violations, err := s.Manager.Audit(ctx)
	report := AuditReport{
		RanAt:      start.UTC(),
		Duration:   s.Clock().Sub(start),
		Violations: violations,
		Err:        err,
	}

	switch {
	case err != nil:
		s.Logger.Error().Err(err).Msg("ledger audit failed")
	case len(violations) > 0:
		for _, v := range violations {
			s.Logger.Error().Str("kind", v.Kind).Str("subject", v.Subject).Str("detail", v.Detail).
				Msg("ledger invariant violated")
		}
	default:
		s.Logger.Debug().Dur("took", report.Duration).Msg("ledger consistent")
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report
}

// Last returns the most recent report, if any audit has run.
func (s *AuditScheduler) Last() (AuditReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return AuditReport{}, false
	}
	return *s.last, true
}

// LatestAudit returns the scheduler's most recent report.
func (h *Handler) LatestAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audits == nil {
		writeError(w, http.StatusNotFound, "Audit scheduler not running", nil)
		return
	}
	report, ok := h.Audits.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "No audit has run yet", nil)
		return
	}

	resp := AuditReportDTO{
		RanAt:      formatTime(report.RanAt, h.Loc),
		DurationMS: report.Duration.Milliseconds(),
		AuditResponse: AuditResponse{
			Consistent: report.Err == nil && len(report.Violations) == 0,
			Violations: toViolationDTOs(report.Violations),
		},
	}
	if report.Err != nil {
		resp.Error = report.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
