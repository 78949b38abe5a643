package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/yourorg/vulnboard/internal/api"
	"github.com/yourorg/vulnboard/internal/app"
	"github.com/yourorg/vulnboard/internal/config"
	"github.com/yourorg/vulnboard/internal/ingest"
	"github.com/yourorg/vulnboard/internal/logging"
)

func main() {
	config.LoadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer backend.Close()

	// Runs orphaned by a crashed process would otherwise stay "running"
	// in the ledger forever.
	backend.RecoverStaleRuns(ctx, cfg.StaleRunAfter, logger)

	reader, err := app.NewReader(cfg, logger)
	if err != nil {
		logger.Fatal("source reader", zap.Error(err))
	}
	pipeline := ingest.New(backend.Store, reader, logger, ingest.Options{BatchSize: cfg.BatchSize})
	engine := backend.Engine(cfg.QueryStrategy)

	logger.Info("server starting",
		zap.String("driver", backend.Driver),
		zap.String("query_strategy", cfg.QueryStrategy),
		zap.Strings("sources", cfg.DataSources),
		zap.Bool("auto_ingest", cfg.AutoIngest),
	)

	if cfg.AutoIngest {
		go func() {
			n, err := pipeline.EnsureLoaded(ctx, cfg.DataSources, app.LogProgress(logger))
			switch {
			case errors.Is(err, ingest.ErrAlreadyRunning):
				logger.Info("auto ingest skipped, a run is already active")
			case err != nil:
				logger.Error("auto ingest failed", zap.Int("records", n), zap.Error(err))
			default:
				logger.Info("store ready", zap.Int("records", n))
			}
		}()
	}

	srv := api.NewServer(ctx, engine, pipeline, backend.Store, cfg.DataSources, logger)
	if err := srv.Run(ctx, cfg.HTTPAddr); err != nil {
		logger.Error("http server", zap.Error(err))
	}
	pipeline.Stop()
	logger.Info("server stopped")
}
