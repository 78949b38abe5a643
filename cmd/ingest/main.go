package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/vulnboard/internal/app"
	"github.com/yourorg/vulnboard/internal/config"
	"github.com/yourorg/vulnboard/internal/ingest"
	"github.com/yourorg/vulnboard/internal/logging"
)

func main() {
	config.LoadEnvFiles()
	// Validated once flags have been applied.
	cfg, _ := config.Load()

	var (
		sources   = flag.String("source", strings.Join(cfg.DataSources, ","), "comma separated candidate sources, tried in order")
		batchSize = flag.Int("batch-size", cfg.BatchSize, "records per committed batch")
		driver    = flag.String("driver", cfg.StoreDriver, "store driver: postgres, sqlite or memory")
		reset     = flag.Bool("reset", false, "delete every stored record before loading")
		ifEmpty   = flag.Bool("if-empty", false, "only load when the store holds no records")
	)
	flag.Parse()

	cfg.DataSources = splitList(*sources)
	cfg.BatchSize = *batchSize
	cfg.StoreDriver = strings.ToLower(*driver)
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if len(cfg.DataSources) == 0 {
		log.Fatal("no sources given")
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
	if backend.Driver == config.DriverMemory {
		logger.Warn("memory store selected, records are discarded on exit")
	}

	if *reset {
		if err := backend.Store.Reset(ctx); err != nil {
			logger.Fatal("reset store", zap.Error(err))
		}
		logger.Info("store reset")
	}

	reader, err := app.NewReader(cfg, logger)
	if err != nil {
		logger.Fatal("source reader", zap.Error(err))
	}
	pipeline := ingest.New(backend.Store, reader, logger, ingest.Options{BatchSize: cfg.BatchSize})

	start := time.Now()
	run := pipeline.Run
	if *ifEmpty {
		run = pipeline.EnsureLoaded
	}
	n, err := run(ctx, cfg.DataSources, app.LogProgress(logger))
	if err != nil {
		logger.Error("ingest failed", zap.Int("records", n), zap.Duration("took", time.Since(start)), zap.Error(err))
		backend.Close()
		os.Exit(1)
	}

	total, err := backend.Store.Count(ctx)
	if err != nil {
		logger.Warn("count records", zap.Error(err))
	}
	logger.Info("ingest complete",
		zap.Int("records", n),
		zap.Int("stored", total),
		zap.Duration("took", time.Since(start)),
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
