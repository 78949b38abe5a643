// Package memstore keeps records in process memory. It backs ephemeral
// deployments and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/vulnboard/internal/model"
)

type Store struct {
	mu   sync.RWMutex
	pos  map[string]int
	rows []model.Vulnerability
	runs map[string]model.IngestRun
}

func New() *Store {
	return &Store{
		pos:  make(map[string]int),
		runs: make(map[string]model.IngestRun),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// UpsertBatch applies the batch atomically: readers see all of it or none.
func (s *Store) UpsertBatch(ctx context.Context, batch []model.Vulnerability) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range batch {
		if i, ok := s.pos[v.ID]; ok {
			s.rows[i] = v
			continue
		}
		s.pos[v.ID] = len(s.rows)
		s.rows = append(s.rows, v)
	}
	return nil
}

func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = make(map[string]int)
	s.rows = nil
	return nil
}

// ListAll returns every record in insertion order.
func (s *Store) ListAll(context.Context) ([]model.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Vulnerability(nil), s.rows...), nil
}

func (s *Store) BeginRun(_ context.Context, run model.IngestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Sources = append([]string(nil), run.Sources...)
	s.runs[run.ID] = run
	return nil
}

func (s *Store) UpdateRunProgress(_ context.Context, id string, processed int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != model.RunRunning {
		return nil
	}
	run.Processed = processed
	run.ProgressMsg = &msg
	s.runs[id] = run
	return nil
}

func (s *Store) FinishRun(_ context.Context, id string, status model.RunStatus, processed int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	run.Status = status
	run.Processed = processed
	run.FinishedAt = &now
	if errMsg != "" {
		run.ErrorMsg = &errMsg
	}
	s.runs[id] = run
	return nil
}

// Runs lists the run ledger, most recent first.
func (s *Store) Runs(_ context.Context, limit int) ([]model.IngestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.IngestRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
