/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load LOYALTY_* configuration
  2. Configure logging
  3. Open the store (SQLite or PostgreSQL) and migrate
  4. Build the engine and apply the seed file, if any
  5. Start the expired-code sweeper
  6. Start the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, waiting for a running sweep
  4. Close the database

EXAMPLES:
  # SQLite file database
  LOYALTY_SQLITE_PATH=./data/loyalty.db ./server

  # In-memory SQLite
  LOYALTY_SQLITE_PATH=:memory: ./server

  # PostgreSQL
  LOYALTY_DB_DRIVER=postgres LOYALTY_POSTGRES_DSN=postgres://... ./server

SEE ALSO:
  - config/config.go: All variables and defaults
  - api/server.go: Router configuration
  - factory/reward_system.go: Seed file format
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// store is the backend surface main needs beyond loyalty.TxStore.
type store interface {
	loyalty.TxStore
	io.Closer
}

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
}

// run serves until SIGINT/SIGTERM. Startup failures are returned, not
// fatal, so the store is always closed.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(cfg.Level())

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("Failed to close database")
		}
	}()

	engine := loyalty.NewEngine(st, loyalty.SystemClock())
	engine.SetLogger(log.StandardLogger())
	engine.Codes.TTL = cfg.CodeTTL
	engine.Codes.CodeLength = cfg.CodeLength
	engine.Codes.MaxCodeAttempts = cfg.CodeMaxAttempts

	if cfg.SeedFile != "" {
		seed, err := factory.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		created, err := factory.NewSeeder(engine.Registry).Apply(ctx, seed)
		if err != nil {
			return fmt.Errorf("failed to apply seed: %w", err)
		}
		log.WithField("created", len(created)).Info("Seed applied")
	}

	sweeper, err := api.NewCodeSweeper(engine.Codes, cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("failed to schedule code sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(engine, cfg.ReportMaxDays)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"port": cfg.HTTPPort, "driver": cfg.DBDriver}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-quit:
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}
