/*
main.go - Application entry point

PURPOSE:
  The clinic-engine CLI. Loads configuration, opens the configured store
  and runs one of the subcommands.

COMMANDS:
  serve    Start the HTTP API with graceful shutdown
  migrate  Create or upgrade the database schema
  audit    Check ledger and calendar invariants; exits 1 on violations

CONFIGURATION:
  --config clinic.yaml, overridden by CLINIC_* environment variables.
  See config/config.go for keys and defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the audit scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  clinic-engine serve --config ./clinic.yaml

  # Run with in-memory database
  CLINIC_DATABASE_PATH=":memory:" clinic-engine serve

  # PostgreSQL
  CLINIC_DATABASE_DRIVER=postgres CLINIC_DATABASE_URL=postgres://... clinic-engine migrate

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/clinic-engine/api"
	"github.com/warp/clinic-engine/booking"
	"github.com/warp/clinic-engine/config"
	"github.com/warp/clinic-engine/logs"
	"github.com/warp/clinic-engine/store/postgres"
	"github.com/warp/clinic-engine/store/sqlite"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "clinic-engine",
		Short:         "Clinic appointment booking and credit ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./clinic.yaml if present)")

	root.AddCommand(serveCmd(&configPath), migrateCmd(&configPath), auditCmd(&configPath))
	return root
}

// =============================================================================
// STORE WIRING
// =============================================================================

type clinicStore interface {
	booking.Store
	api.Resetter
	Migrate(ctx context.Context) error
}

func openStore(ctx context.Context, cfg *config.Config) (clinicStore, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func setup(ctx context.Context, configPath string) (*config.Config, zerolog.Logger, clinicStore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, nil, err
	}
	logger := logs.New(cfg)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, logger, nil, nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	return cfg, logger, store, closeStore, nil
}

func newManager(cfg *config.Config, store booking.Store, logger zerolog.Logger) (*booking.Manager, error) {
	prices, err := cfg.PriceList()
	if err != nil {
		return nil, err
	}
	mgr := booking.NewManager(store, logger)
	mgr.Prices = prices
	mgr.MaxRetries = cfg.Clinic.MaxRetries
	return mgr, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, store, closeStore, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			mgr, err := newManager(cfg, store, logger)
			if err != nil {
				return err
			}
			handler := api.NewHandler(mgr, cfg.Location(), logger)
			if cfg.IsDev() {
				handler.Resetter = store
			}

			audits := api.NewAuditScheduler(mgr, logger, cfg.Clinic.AuditInterval)
			audits.Start()
			defer audits.Stop()
			if audits.Enabled {
				handler.Audits = audits
			}

			server := &http.Server{
				Addr:         ":" + cfg.Server.Port,
				Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", server.Addr).Str("driver", cfg.Database.Driver).
					Str("timezone", cfg.Clinic.Timezone).Msg("server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-quit:
			}

			logger.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, store, closeStore, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
			return nil
		},
	}
}

func auditCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check ledger conservation, redeemed units and overlaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, store, closeStore, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			mgr, err := newManager(cfg, store, logger)
			if err != nil {
				return err
			}
			violations, err := mgr.Audit(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(violations) == 0 {
				fmt.Fprintln(out, "ledger consistent")
				return nil
			}
			for _, v := range violations {
				fmt.Fprintln(out, v.String())
			}
			return fmt.Errorf("%d violation(s) found", len(violations))
		},
	}
}
