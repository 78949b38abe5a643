package db

import (
	"context"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
)

func (s *Store) notifyRunChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('ingest_runs', $1)`, id)
}

func (s *Store) BeginRun(ctx context.Context, run model.IngestRun) error {
	sources := run.Sources
	if sources == nil {
		sources = []string{}
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO ingest_runs (id, status, sources, processed, progress_msg, started_at, updated_at)
		VALUES ($1::uuid, 'running', $2, 0, 'starting', $3, now())
	`, run.ID, sources, run.StartedAt)
	if err == nil {
		s.notifyRunChanged(ctx, run.ID)
	}
	return err
}

func (s *Store) UpdateRunProgress(ctx context.Context, id string, processed int, msg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE ingest_runs
		SET processed=GREATEST(processed, $2),
		    progress_msg=$3,
		    updated_at=now()
		WHERE id=$1::uuid
		  AND status='running'
	`, id, processed, msg)
	return err
}

func (s *Store) FinishRun(ctx context.Context, id string, status model.RunStatus, processed int, errMsg string) error {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE ingest_runs
		SET status=$2,
		    processed=$3,
		    error_msg=$4,
		    progress_msg=CASE WHEN $2='done' THEN 'completed' ELSE COALESCE($4, progress_msg) END,
		    finished_at=now(),
		    updated_at=now()
		WHERE id=$1::uuid
		  AND status='running'
	`, id, string(status), processed, errPtr)
	if err == nil {
		s.notifyRunChanged(ctx, id)
	}
	return err
}

// FailStaleRunning marks runs that have not reported progress for idleFor as
// failed. A process that crashed mid-run leaves such rows behind.
func (s *Store) FailStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `
		UPDATE ingest_runs
		SET status='failed',
		    finished_at=now(),
		    error_msg='ingest timeout: no progress heartbeat',
		    progress_msg='ingest timeout: no progress heartbeat'
		WHERE status='running'
		  AND updated_at < now() - ($1::bigint * interval '1 second')
		RETURNING id::text
	`, seconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.notifyRunChanged(ctx, id)
	}
	return ids, nil
}

// Runs lists the most recent runs first.
func (s *Store) Runs(ctx context.Context, limit int) ([]model.IngestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Pool.Query(ctx, `
SELECT id::text, status, sources, processed, progress_msg, error_msg, started_at, finished_at
FROM ingest_runs
ORDER BY started_at DESC, id
LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.IngestRun, 0, limit)
	for rows.Next() {
		var (
			r      model.IngestRun
			status string
		)
		if err := rows.Scan(&r.ID, &status, &r.Sources, &r.Processed, &r.ProgressMsg, &r.ErrorMsg, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Status = model.RunStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
