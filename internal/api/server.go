// Package api serves the dashboard's HTTP interface.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/yourorg/vulnboard/internal/ingest"
	"github.com/yourorg/vulnboard/internal/model"
	"github.com/yourorg/vulnboard/internal/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// recentRuns is how many ledger entries GET /api/ingest returns.
const recentRuns = 10

// Ingester starts background ingestion runs and reports their state.
type Ingester interface {
	Start(ctx context.Context, sources []string, onProgress func(ingest.Progress)) (string, error)
	State() ingest.State
}

// Store is the part of the record store the HTTP layer needs.
type Store interface {
	Ping(ctx context.Context) error
	Runs(ctx context.Context, limit int) ([]model.IngestRun, error)
}

type Server struct {
	engine   query.Engine
	ingester Ingester
	store    Store
	sources  []string
	log      *zap.Logger

	// runCtx parents ingestion runs started over HTTP so they outlive the
	// request that started them.
	runCtx context.Context
}

func NewServer(runCtx context.Context, engine query.Engine, ingester Ingester, store Store, sources []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		ingester: ingester,
		store:    store,
		sources:  append([]string(nil), sources...),
		log:      log.Named("api"),
		runCtx:   runCtx,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Route("/vulnerabilities", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Get("/suggest", s.handleSuggest)
			r.Get("/{id}", s.handleGet)
		})
		r.Get("/ingest", s.handleIngestState)
		r.Post("/ingest", s.handleIngestStart)
	})
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("healthz: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Query(r.Context(), query.ParseRequest(r.URL.Query()))
	if err != nil {
		s.internalError(w, "query", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
	suggestions, err := s.engine.Suggest(r.Context(), q.Get("term"), limit)
	if err != nil {
		s.internalError(w, "suggest", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]query.Suggestion{"suggestions": suggestions})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "id")
	// chi routes on RawPath when it is set, leaving the parameter escaped.
	if r.URL.RawPath != "" {
		if decoded, err := url.PathUnescape(ident); err == nil {
			ident = decoded
		}
	}
	ident = strings.TrimSpace(ident)
	if ident == "" {
		writeError(w, http.StatusBadRequest, "Missing identifier")
		return
	}
	v, ok, err := s.engine.Get(r.Context(), ident)
	if err != nil {
		s.internalError(w, "get", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type ingestRequest struct {
	Sources []string `json:"sources"`
}

type ingestStatus struct {
	State ingest.State      `json:"state"`
	Runs  []model.IngestRun `json:"runs"`
}

func (s *Server) handleIngestState(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs(r.Context(), recentRuns)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.IngestRun{}
	}
	writeJSON(w, http.StatusOK, ingestStatus{State: s.ingester.State(), Runs: runs})
}

// handleIngestStart accepts an optional {"sources": [...]} body. Without one
// the configured sources are used.
func (s *Server) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sources := s.sources
	if len(req.Sources) > 0 {
		sources = req.Sources
	}
	if len(sources) == 0 {
		writeError(w, http.StatusBadRequest, "no sources configured")
		return
	}

	runID, err := s.ingester.Start(s.runCtx, sources, nil)
	if errors.Is(err, ingest.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "start ingestion", err)
		return
	}
	s.log.Info("ingestion started over http", zap.String("run", runID), zap.Strings("sources", sources))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":   runID,
		"status":  model.RunRunning,
		"sources": sources,
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
