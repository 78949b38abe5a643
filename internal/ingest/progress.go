package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Progress is reported after every committed batch.
type Progress struct {
	RunID     string `json:"runId"`
	Stage     string `json:"stage"`
	Processed int    `json:"processed"`
	Batches   int    `json:"batches"`
	// Read is how many entries the source reader has handed out so far.
	Read int64 `json:"read"`
}

func (p Progress) message() string {
	return fmt.Sprintf("%s: %d records in %d batches", p.Stage, p.Processed, p.Batches)
}

// progressSink fans a progress event out to the caller's callback, the run
// ledger and the pipeline state.
type progressSink struct {
	log        *zap.Logger
	tracker    RunTracker
	onProgress func(Progress)
	record     func(Progress)
}

func (s *progressSink) report(ctx context.Context, p Progress) {
	if s.record != nil {
		s.record(p)
	}
	if s.onProgress != nil {
		s.onProgress(p)
	}
	if s.tracker == nil {
		return
	}
	dbctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.tracker.UpdateRunProgress(dbctx, p.RunID, p.Processed, p.message()); err != nil {
		s.log.Warn("update run progress failed", zap.String("run", p.RunID), zap.Error(err))
	}
}
