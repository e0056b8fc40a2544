// Package main is the entry point for the portfolio risk engine. The engine
// maps raw holdings onto factor exposures, decomposes portfolio variance,
// checks risk limits and solves constrained reweighting problems, serving
// everything over a JSON API with a fingerprint-keyed result cache.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/events"
	"github.com/aristath/riskengine/internal/marketdata"
	"github.com/aristath/riskengine/internal/modules/aggregation"
	"github.com/aristath/riskengine/internal/modules/analysis"
	"github.com/aristath/riskengine/internal/modules/decomposition"
	"github.com/aristath/riskengine/internal/modules/exposure"
	"github.com/aristath/riskengine/internal/modules/optimization"
	"github.com/aristath/riskengine/internal/scheduler"
	"github.com/aristath/riskengine/internal/server"
	"github.com/aristath/riskengine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting risk engine")

	// Snapshot layer is optional; without it the cache is memory-only and
	// results are recomputed after a restart.
	var snapshots *analysis.SnapshotStore
	var cacheDB *database.DB
	if cfg.SnapshotsEnabled {
		cacheDB, err = database.New(database.Config{
			Path:    cfg.CacheDatabasePath(),
			Profile: database.ProfileCache,
			Name:    "cache",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open cache database")
		}
		defer cacheDB.Close()

		snapshots, err = analysis.NewSnapshotStore(cacheDB, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize snapshot store")
		}
		log.Info().Str("path", cacheDB.Path()).Msg("Snapshot store ready")
	}

	provider := marketdata.NewHTTPClient(cfg.MarketDataBaseURL, log)
	returns := exposure.NewReturnCache(provider)
	engine := decomposition.NewEngine(log)
	bus := events.NewBus(log)

	svc := analysis.NewService(analysis.Deps{
		Aggregator: aggregation.New(provider, log),
		Estimator:  exposure.NewEstimator(returns, log),
		Returns:    returns,
		Engine:     engine,
		Optimizer:  optimization.New(engine, log),
		Cache:      analysis.NewResultCache(cfg.CacheTTL, snapshots, log),
		Bus:        bus,
	}, log)

	sched := scheduler.New(log)
	if err := sched.AddJob("@hourly", scheduler.NewCacheVacuumJob(svc, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cache vacuum job")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:      log,
		Config:   cfg,
		Analysis: svc,
		Bus:      bus,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
