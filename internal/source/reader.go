package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yourorg/vulnboard/internal/model"
	"github.com/yourorg/vulnboard/internal/normalize"
)

// Entry is one raw vulnerability with the hierarchy it was found under.
// Context is empty for rows read from chunk files.
type Entry struct {
	Raw     model.RawEntry
	Context normalize.Context
}

// Reader streams raw entries out of the first candidate source that works.
type Reader struct {
	fetcher *Fetcher
	log     *zap.Logger
	count   atomic.Int64
}

func NewReader(fetcher *Fetcher, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{fetcher: fetcher, log: log.Named("source")}
}

// Progress reports how many entries the current read has emitted.
func (r *Reader) Progress() int64 {
	return r.count.Load()
}

// Read tries candidates in order and hands every entry to emit. A candidate
// that fails before emitting anything is skipped; a failure after the first
// entry ends the read.
func (r *Reader) Read(ctx context.Context, candidates []string, emit func(Entry) error) error {
	r.count.Store(0)
	if len(candidates) == 0 {
		return &SourceUnavailableError{Err: errors.New("no candidate sources configured")}
	}

	counted := func(e Entry) error {
		r.count.Add(1)
		return emit(e)
	}

	var attempts error
	for _, uri := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := r.count.Load()
		err := r.readCandidate(ctx, uri, counted)
		if err == nil {
			r.log.Info("source read", zap.String("uri", uri), zap.Int64("entries", r.count.Load()))
			return nil
		}
		if ctx.Err() != nil || r.count.Load() > before {
			return err
		}
		r.log.Warn("source candidate failed", zap.String("uri", uri), zap.Error(err))
		attempts = multierr.Append(attempts, fmt.Errorf("%s: %w", uri, err))
	}
	return &SourceUnavailableError{Err: attempts}
}

func (r *Reader) readCandidate(ctx context.Context, uri string, emit func(Entry) error) error {
	man, err := r.readDocument(ctx, uri, emit, func(shape) bool { return true })
	if err != nil || man == nil {
		return err
	}

	r.log.Info("manifest loaded",
		zap.String("uri", uri),
		zap.Int("chunks", len(man.Chunks)),
		zap.Int("total", man.Total))
	for i, chunk := range man.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk.URL == "" {
			return &DecodeError{URI: uri, Err: fmt.Errorf("chunk %d has no url", i)}
		}
		chunkURI := resolve(uri, chunk.URL)
		before := r.count.Load()
		if _, err := r.readDocument(ctx, chunkURI, emit, func(s shape) bool { return s == shapeRows }); err != nil {
			return err
		}
		rows := r.count.Load() - before
		if chunk.Count > 0 && int64(chunk.Count) != rows {
			r.log.Warn("chunk row count differs from manifest",
				zap.String("uri", chunkURI),
				zap.Int("expected", chunk.Count),
				zap.Int64("rows", rows))
		}
		r.log.Debug("chunk loaded", zap.String("uri", chunkURI), zap.Int64("rows", rows))
	}
	return nil
}

func (r *Reader) readDocument(ctx context.Context, uri string, emit func(Entry) error, allow func(shape) bool) (*Manifest, error) {
	p, err := r.fetcher.open(ctx, uri)
	if err != nil {
		return nil, err
	}
	s, err := decode(p)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	w := &walker{ctx: ctx, emit: emit}
	it := jsoniter.Parse(jsonAPI, s.r, 64<<10)
	man, _, err := w.walkDocument(it, allow)
	switch {
	case err == nil:
		return man, nil
	case w.sinkErr != nil:
		return nil, w.sinkErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case s.failure() != nil:
		return nil, &DecompressionError{URI: uri, Err: s.failure()}
	default:
		return nil, &DecodeError{URI: uri, Err: err}
	}
}
