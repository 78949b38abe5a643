package localdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
)

const staleMessage = "ingest timeout: no progress heartbeat"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func (s *Store) BeginRun(ctx context.Context, run model.IngestRun) error {
	sources := run.Sources
	if sources == nil {
		sources = []string{}
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	ts := now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (id, status, sources, processed, progress_msg, started_at, updated_at)
		VALUES (?, 'running', ?, 0, 'starting', ?, ?)`,
		run.ID, string(b), *formatTime(&run.StartedAt), ts)
	return err
}

func (s *Store) UpdateRunProgress(ctx context.Context, id string, processed int, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET processed=MAX(processed, ?), progress_msg=?, updated_at=?
		WHERE id=? AND status='running'`,
		processed, msg, now(), id)
	return err
}

func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus, processed int, errMsg string) error {
	var errVal sql.NullString
	if errMsg != "" {
		errVal = sql.NullString{String: errMsg, Valid: true}
	}
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status=?, processed=?, error_msg=?, finished_at=?, updated_at=?
		WHERE id=? AND status='running'`,
		string(status), processed, errVal, ts, ts, id)
	return err
}

// FailStaleRunning marks runs without progress for idleFor as failed.
func (s *Store) FailStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	if idleFor <= 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-idleFor).UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM ingest_runs WHERE status='running' AND updated_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		ts := now()
		_, err := s.db.ExecContext(ctx, `
			UPDATE ingest_runs
			SET status='failed', error_msg=?, progress_msg=?, finished_at=?, updated_at=?
			WHERE id=? AND status='running'`,
			staleMessage, staleMessage, ts, ts, id)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Runs lists the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]model.IngestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, sources, processed, progress_msg, error_msg, started_at, finished_at
		FROM ingest_runs
		ORDER BY started_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.IngestRun
	for rows.Next() {
		var (
			r                model.IngestRun
			status, sources  string
			progress, errMsg sql.NullString
			started          string
			finished         sql.NullString
		)
		if err := rows.Scan(&r.ID, &status, &sources, &r.Processed, &progress, &errMsg, &started, &finished); err != nil {
			return nil, err
		}
		r.Status = model.RunStatus(status)
		if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
			return nil, err
		}
		r.ProgressMsg = nullString(progress)
		r.ErrorMsg = nullString(errMsg)
		startedAt, err := parseTime(sql.NullString{String: started, Valid: true})
		if err != nil {
			return nil, err
		}
		r.StartedAt = *startedAt
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
