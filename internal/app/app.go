// Package app wires configuration into stores, readers and query engines
// for the commands under cmd/.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/vulnboard/internal/api"
	"github.com/yourorg/vulnboard/internal/config"
	"github.com/yourorg/vulnboard/internal/db"
	"github.com/yourorg/vulnboard/internal/ingest"
	"github.com/yourorg/vulnboard/internal/localdb"
	"github.com/yourorg/vulnboard/internal/memstore"
	"github.com/yourorg/vulnboard/internal/query"
	"github.com/yourorg/vulnboard/internal/s3"
	"github.com/yourorg/vulnboard/internal/source"
)

// Store is what every record store backend provides.
type Store interface {
	ingest.Store
	ingest.RunTracker
	query.Lister
	api.Store
	Reset(ctx context.Context) error
}

type staleRunFailer interface {
	FailStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error)
}

// Backend is an opened store plus what is needed to query and close it.
type Backend struct {
	Driver string
	Store  Store
	pg     *db.Store
	close  func()
}

// OpenStore opens the backend named by cfg.StoreDriver and prepares its
// schema.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			if !db.IsInsufficientPrivilege(err) {
				pg.Close()
				return nil, fmt.Errorf("ensure schema: %w", err)
			}
			log.Warn("ensure schema skipped due to insufficient privilege", zap.Error(err))
		}
		return &Backend{Driver: cfg.StoreDriver, Store: pg, pg: pg, close: pg.Close}, nil

	case config.DriverSQLite:
		lite, err := localdb.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		closeFn := func() {
			if err := lite.Close(); err != nil {
				log.Warn("close sqlite", zap.Error(err))
			}
		}
		return &Backend{Driver: cfg.StoreDriver, Store: lite, close: closeFn}, nil

	case config.DriverMemory:
		return &Backend{Driver: cfg.StoreDriver, Store: memstore.New(), close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Engine returns the SQL engine when the backend is PostgreSQL and the sql
// strategy is requested. Every other combination reduces in memory.
func (b *Backend) Engine(strategy string) query.Engine {
	if b.pg != nil && strategy == config.StrategySQL {
		return query.NewSQLEngine(b.pg.Pool)
	}
	return query.NewMemoryEngine(b.Store)
}

// RecoverStaleRuns marks runs left running by a crashed process as failed.
func (b *Backend) RecoverStaleRuns(ctx context.Context, idleFor time.Duration, log *zap.Logger) {
	failer, ok := b.Store.(staleRunFailer)
	if !ok || idleFor <= 0 {
		return
	}
	ids, err := failer.FailStaleRunning(ctx, idleFor)
	if err != nil {
		log.Warn("recover stale runs failed", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		log.Info("marked stale runs failed", zap.Strings("runs", ids))
	}
}

// NewReader builds a source reader. s3:// candidates are only readable when
// an S3 endpoint is configured.
func NewReader(cfg config.Config, log *zap.Logger) (*source.Reader, error) {
	var opener source.ObjectOpener
	if cfg.S3Endpoint != "" {
		client, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Region, cfg.S3UseSSL)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		opener = client
	}
	return source.NewReader(source.NewFetcher(cfg.FetchTimeout, opener), log), nil
}

// LogProgress returns a progress callback that logs each committed batch.
func LogProgress(log *zap.Logger) func(ingest.Progress) {
	return func(p ingest.Progress) {
		log.Info("ingest progress",
			zap.String("run", p.RunID),
			zap.String("stage", p.Stage),
			zap.Int("processed", p.Processed),
			zap.Int("batches", p.Batches),
			zap.Int64("read", p.Read),
		)
	}
}
