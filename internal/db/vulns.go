package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/vulnboard/internal/model"
)

// Columns is the select list understood by ScanVulnerability.
const Columns = `id, source_id, cve, severity_raw, severity, severity_rank, cvss, kai_status, status,
  risk_factors, group_name, repo_name, image_name, package_name, package_version, summary,
  published_at, fix_date`

const columnCount = 18

// ScanVulnerability reads one row selected with Columns.
func ScanVulnerability(row pgx.Row) (model.Vulnerability, error) {
	var (
		v        model.Vulnerability
		severity string
		rank     int16
	)
	err := row.Scan(
		&v.ID, &v.SourceID, &v.CVE, &v.SeverityRaw, &severity, &rank, &v.CVSS, &v.KaiStatus, &v.Status,
		&v.RiskFactors, &v.GroupName, &v.RepoName, &v.ImageName, &v.PackageName, &v.PackageVersion, &v.Summary,
		&v.PublishedAt, &v.FixDate,
	)
	if err != nil {
		return v, err
	}
	v.Severity = model.Severity(severity)
	v.SeverityRank = int(rank)
	v.PublishedAt = utc(v.PublishedAt)
	v.FixDate = utc(v.FixDate)
	if v.RiskFactors == nil {
		v.RiskFactors = []string{}
	}
	return v, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// UpsertBatch writes the batch in one transaction, replacing records with the
// same id. Rows go out in multi-value INSERTs of up to batchSize rows.
func (s *Store) UpsertBatch(ctx context.Context, batch []model.Vulnerability) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for start := 0; start < len(batch); start += batchSize {
		end := start + batchSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := upsertChunk(ctx, tx, batch[start:end]); err != nil {
			return fmt.Errorf("upsert vulnerabilities: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func upsertChunk(ctx context.Context, tx pgx.Tx, chunk []model.Vulnerability) error {
	var sb strings.Builder
	sb.WriteString(`
INSERT INTO vulnerabilities (` + Columns + `) VALUES `)
	args := make([]interface{}, 0, len(chunk)*columnCount)
	for i, v := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		base := i*columnCount + 1
		for c := 0; c < columnCount; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")

		risk := v.RiskFactors
		if risk == nil {
			risk = []string{}
		}
		args = append(args,
			v.ID, v.SourceID, v.CVE, v.SeverityRaw, string(v.Severity), int16(v.SeverityRank), v.CVSS, v.KaiStatus, v.Status,
			risk, v.GroupName, v.RepoName, v.ImageName, v.PackageName, v.PackageVersion, v.Summary,
			v.PublishedAt, v.FixDate,
		)
	}
	sb.WriteString(`
ON CONFLICT (id) DO UPDATE SET
  source_id = EXCLUDED.source_id,
  cve = EXCLUDED.cve,
  severity_raw = EXCLUDED.severity_raw,
  severity = EXCLUDED.severity,
  severity_rank = EXCLUDED.severity_rank,
  cvss = EXCLUDED.cvss,
  kai_status = EXCLUDED.kai_status,
  status = EXCLUDED.status,
  risk_factors = EXCLUDED.risk_factors,
  group_name = EXCLUDED.group_name,
  repo_name = EXCLUDED.repo_name,
  image_name = EXCLUDED.image_name,
  package_name = EXCLUDED.package_name,
  package_version = EXCLUDED.package_version,
  summary = EXCLUDED.summary,
  published_at = EXCLUDED.published_at,
  fix_date = EXCLUDED.fix_date`)

	_, err := tx.Exec(ctx, sb.String(), args...)
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM vulnerabilities`).Scan(&n)
	return n, err
}

// Reset removes every record. The run ledger is kept.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `TRUNCATE vulnerabilities`)
	return err
}

// ListAll returns every record ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]model.Vulnerability, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+Columns+` FROM vulnerabilities ORDER BY id COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Vulnerability
	for rows.Next() {
		v, err := ScanVulnerability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
