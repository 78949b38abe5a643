package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/vulnboard/internal/model"
	"github.com/yourorg/vulnboard/internal/normalize"
	"github.com/yourorg/vulnboard/internal/source"
)

const DefaultBatchSize = 5000

// Store is the write side of a record store.
type Store interface {
	UpsertBatch(ctx context.Context, batch []model.Vulnerability) error
	Count(ctx context.Context) (int, error)
}

// RunTracker is implemented by stores that keep a ledger of ingestion runs.
type RunTracker interface {
	BeginRun(ctx context.Context, run model.IngestRun) error
	UpdateRunProgress(ctx context.Context, id string, processed int, msg string) error
	FinishRun(ctx context.Context, id string, status model.RunStatus, processed int, errMsg string) error
}

// EntryReader streams raw entries from a list of candidate sources.
type EntryReader interface {
	Read(ctx context.Context, candidates []string, emit func(source.Entry) error) error
	Progress() int64
}

type Options struct {
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// State is a snapshot of the pipeline.
type State struct {
	Status     model.RunStatus `json:"status"`
	RunID      string          `json:"runId,omitempty"`
	Sources    []string        `json:"sources,omitempty"`
	Processed  int             `json:"processed"`
	Batches    int             `json:"batches"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Pipeline loads records from a source into a store. At most one run is
// active at a time.
type Pipeline struct {
	store  Store
	reader EntryReader
	log    *zap.Logger
	opts   Options
	// normalize turns a raw entry into a record; normalize.Entry outside tests.
	normalize func(model.RawEntry, normalize.Context, int) model.Vulnerability

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func New(store Store, reader EntryReader, log *zap.Logger, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:  store,
		reader: reader,
		log:    log.Named("ingest"),
		opts:   opts,
		state:  State{Status: model.RunIdle},

		normalize: normalize.Entry,
	}
}

// State returns a copy of the current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	s.Sources = append([]string(nil), p.state.Sources...)
	return s
}

// Stop cancels the active run. Batches already committed stay committed.
// It reports whether a run was active.
func (p *Pipeline) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Status != model.RunRunning || p.cancel == nil {
		return false
	}
	p.cancel()
	return true
}

// Run performs one ingestion run and blocks until it finishes. It returns the
// number of records committed, which is non-zero on failure when some
// batches made it to the store.
func (p *Pipeline) Run(ctx context.Context, sources []string, onProgress func(Progress)) (int, error) {
	runCtx, runID, err := p.begin(ctx, sources)
	if err != nil {
		return 0, err
	}
	return p.execute(runCtx, runID, sources, onProgress)
}

// Start begins a run in the background and returns its id.
func (p *Pipeline) Start(ctx context.Context, sources []string, onProgress func(Progress)) (string, error) {
	runCtx, runID, err := p.begin(ctx, sources)
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = p.execute(runCtx, runID, sources, onProgress)
	}()
	return runID, nil
}

// EnsureLoaded runs an ingestion only when the store is empty. It returns the
// record count of the store.
func (p *Pipeline) EnsureLoaded(ctx context.Context, sources []string, onProgress func(Progress)) (int, error) {
	n, err := p.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	if n > 0 {
		p.log.Info("store already loaded, skipping ingestion", zap.Int("records", n))
		return n, nil
	}
	return p.Run(ctx, sources, onProgress)
}

func (p *Pipeline) begin(ctx context.Context, sources []string) (context.Context, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Status == model.RunRunning {
		p.log.Warn("ingestion requested while a run is active", zap.String("run", p.state.RunID))
		return nil, "", ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	p.cancel = cancel
	p.state = State{
		Status:    model.RunRunning,
		RunID:     uuid.NewString(),
		Sources:   append([]string(nil), sources...),
		StartedAt: &now,
	}
	return runCtx, p.state.RunID, nil
}

func (p *Pipeline) execute(ctx context.Context, runID string, sources []string, onProgress func(Progress)) (int, error) {
	log := p.log.With(zap.String("run", runID))
	tracker, _ := p.store.(RunTracker)

	if tracker != nil {
		p.mu.Lock()
		started := *p.state.StartedAt
		p.mu.Unlock()
		err := tracker.BeginRun(ctx, model.IngestRun{
			ID:        runID,
			Status:    model.RunRunning,
			Sources:   sources,
			StartedAt: started,
		})
		if err != nil {
			log.Warn("record run start failed", zap.Error(err))
		}
	}

	log.Info("ingestion started", zap.Strings("sources", sources), zap.Int("batch_size", p.opts.BatchSize))
	sink := &progressSink{
		log:        log,
		tracker:    tracker,
		onProgress: onProgress,
		record: func(pr Progress) {
			p.mu.Lock()
			p.state.Processed = pr.Processed
			p.state.Batches = pr.Batches
			p.mu.Unlock()
		},
	}
	processed, err := p.run(ctx, runID, sources, sink)

	status := model.RunDone
	switch {
	case err == nil:
		log.Info("ingestion finished", zap.Int("records", processed))
	case errors.Is(err, context.Canceled):
		status = model.RunCancelled
		log.Warn("ingestion cancelled", zap.Int("records", processed))
	default:
		status = model.RunFailed
		log.Error("ingestion failed", zap.Int("records", processed), zap.Error(err))
	}

	if tracker != nil {
		dbctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		if ferr := tracker.FinishRun(dbctx, runID, status, processed, errMsg); ferr != nil {
			log.Warn("record run finish failed", zap.Error(ferr))
		}
		cancel()
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.state.Status = status
	p.state.Processed = processed
	p.state.FinishedAt = &now
	if err != nil {
		p.state.Error = err.Error()
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	return processed, err
}

func (p *Pipeline) run(ctx context.Context, runID string, sources []string, sink *progressSink) (int, error) {
	batches := make(chan []model.Vulnerability)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		ordinal := 0
		batch := make([]model.Vulnerability, 0, p.opts.BatchSize)
		seen := make(map[string]struct{}, p.opts.BatchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
			batch = make([]model.Vulnerability, 0, p.opts.BatchSize)
			seen = make(map[string]struct{}, p.opts.BatchSize)
			return nil
		}
		err := p.reader.Read(gctx, sources, func(e source.Entry) error {
			v := p.normalize(e.Raw, e.Context, ordinal)
			if _, dup := seen[v.ID]; dup {
				return &DuplicateKeyError{ID: v.ID, Ordinal: ordinal}
			}
			ordinal++
			seen[v.ID] = struct{}{}
			batch = append(batch, v)
			if len(batch) >= p.opts.BatchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return flush()
	})

	processed := 0
	g.Go(func() error {
		n := 0
		for batch := range batches {
			// A batch handed over is committed even if the producer has
			// failed since; only cancellation of the run stops it.
			err := retry(ctx, p.opts.MaxAttempts, p.opts.RetryDelay, func() error {
				return p.store.UpsertBatch(ctx, batch)
			})
			if err != nil {
				return fmt.Errorf("commit batch %d: %w", n+1, err)
			}
			n++
			processed += len(batch)
			sink.report(ctx, Progress{
				RunID:     runID,
				Stage:     "commit",
				Processed: processed,
				Batches:   n,
				Read:      p.reader.Progress(),
			})
		}
		return nil
	})

	err := g.Wait()
	return processed, err
}
