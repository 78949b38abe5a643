package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// batchSize bounds the rows per multi-value INSERT statement.
const batchSize = 100

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// IsInsufficientPrivilege reports whether err is a permission failure, as
// seen when the role may read and write but not run DDL.
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS vulnerabilities (
  id TEXT PRIMARY KEY,
  source_id TEXT,
  cve TEXT,
  severity_raw TEXT NOT NULL DEFAULT '',
  severity TEXT NOT NULL CHECK (severity IN ('CRITICAL','HIGH','MEDIUM','LOW','UNKNOWN')),
  severity_rank SMALLINT NOT NULL CHECK (severity_rank BETWEEN 0 AND 4),
  cvss DOUBLE PRECISION CHECK (cvss IS NULL OR cvss BETWEEN 0 AND 10),
  kai_status TEXT,
  status TEXT,
  risk_factors TEXT[] NOT NULL DEFAULT '{}',
  group_name TEXT NOT NULL DEFAULT '',
  repo_name TEXT NOT NULL DEFAULT '',
  image_name TEXT NOT NULL DEFAULT '',
  package_name TEXT NOT NULL DEFAULT '',
  package_version TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  published_at TIMESTAMPTZ,
  fix_date TIMESTAMPTZ
);

ALTER TABLE vulnerabilities ADD COLUMN IF NOT EXISTS status TEXT;
ALTER TABLE vulnerabilities ADD COLUMN IF NOT EXISTS fix_date TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities (severity_rank, cvss DESC);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_kai_status ON vulnerabilities (kai_status);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_group ON vulnerabilities (group_name);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_repo ON vulnerabilities (repo_name);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_image ON vulnerabilities (image_name);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_cve ON vulnerabilities (cve);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_published ON vulnerabilities (published_at);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_risk_factors ON vulnerabilities USING GIN (risk_factors);

CREATE TABLE IF NOT EXISTS ingest_runs (
  id UUID PRIMARY KEY,
  status TEXT NOT NULL CHECK (status IN ('running','done','failed','cancelled')),
  sources TEXT[] NOT NULL DEFAULT '{}',
  processed INTEGER NOT NULL DEFAULT 0,
  progress_msg TEXT,
  error_msg TEXT,
  started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_status_started ON ingest_runs (status, started_at);
`)
	return err
}
