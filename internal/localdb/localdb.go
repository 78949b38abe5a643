// Package localdb stores records in a single SQLite file for single-host
// deployments that have no PostgreSQL.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yourorg/vulnboard/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// timeLayout is fixed width so stored timestamps compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vulnerabilities (
		id TEXT PRIMARY KEY,
		source_id TEXT,
		cve TEXT,
		severity_raw TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		severity_rank INTEGER NOT NULL,
		cvss REAL,
		kai_status TEXT,
		status TEXT,
		risk_factors TEXT NOT NULL DEFAULT '[]',
		group_name TEXT NOT NULL DEFAULT '',
		repo_name TEXT NOT NULL DEFAULT '',
		image_name TEXT NOT NULL DEFAULT '',
		package_name TEXT NOT NULL DEFAULT '',
		package_version TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		published_at TEXT,
		fix_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities(severity_rank);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_kai_status ON vulnerabilities(kai_status);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_group ON vulnerabilities(group_name);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_repo ON vulnerabilities(repo_name);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_image ON vulnerabilities(image_name);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_cve ON vulnerabilities(cve);

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		sources TEXT NOT NULL DEFAULT '[]',
		processed INTEGER NOT NULL DEFAULT 0,
		progress_msg TEXT,
		error_msg TEXT,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// UpsertBatch writes the batch in one transaction.
func (s *Store) UpsertBatch(ctx context.Context, batch []model.Vulnerability) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO vulnerabilities
		(id, source_id, cve, severity_raw, severity, severity_rank, cvss, kai_status, status,
		 risk_factors, group_name, repo_name, image_name, package_name, package_version, summary,
		 published_at, fix_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range batch {
		risk := v.RiskFactors
		if risk == nil {
			risk = []string{}
		}
		riskJSON, err := json.Marshal(risk)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			v.ID, v.SourceID, v.CVE, v.SeverityRaw, string(v.Severity), v.SeverityRank, v.CVSS, v.KaiStatus, v.Status,
			string(riskJSON), v.GroupName, v.RepoName, v.ImageName, v.PackageName, v.PackageVersion, v.Summary,
			formatTime(v.PublishedAt), formatTime(v.FixDate),
		)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vulnerabilities").Scan(&n)
	return n, err
}

func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM vulnerabilities")
	return err
}

// ListAll returns every record ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]model.Vulnerability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, cve, severity_raw, severity, severity_rank, cvss, kai_status, status,
		       risk_factors, group_name, repo_name, image_name, package_name, package_version, summary,
		       published_at, fix_date
		FROM vulnerabilities
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Vulnerability
	for rows.Next() {
		var (
			v                  model.Vulnerability
			sourceID, cve      sql.NullString
			kaiStatus, status  sql.NullString
			cvss               sql.NullFloat64
			severity, risk     string
			published, fixDate sql.NullString
		)
		err := rows.Scan(
			&v.ID, &sourceID, &cve, &v.SeverityRaw, &severity, &v.SeverityRank, &cvss, &kaiStatus, &status,
			&risk, &v.GroupName, &v.RepoName, &v.ImageName, &v.PackageName, &v.PackageVersion, &v.Summary,
			&published, &fixDate,
		)
		if err != nil {
			return nil, err
		}
		v.Severity = model.Severity(severity)
		v.SourceID = nullString(sourceID)
		v.CVE = nullString(cve)
		v.KaiStatus = nullString(kaiStatus)
		v.Status = nullString(status)
		if cvss.Valid {
			score := cvss.Float64
			v.CVSS = &score
		}
		v.RiskFactors = []string{}
		if err := json.Unmarshal([]byte(risk), &v.RiskFactors); err != nil {
			return nil, fmt.Errorf("%s: risk factors: %w", v.ID, err)
		}
		if v.PublishedAt, err = parseTime(published); err != nil {
			return nil, fmt.Errorf("%s: published_at: %w", v.ID, err)
		}
		if v.FixDate, err = parseTime(fixDate); err != nil {
			return nil, fmt.Errorf("%s: fix_date: %w", v.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
