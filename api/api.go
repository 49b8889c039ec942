// CLAUDE:SUMMARY HTTP control API: POST /extract (start/stop/progress) and read-only checkpoint endpoints on chi.
// Package api exposes the run controller over HTTP.
//
//	POST /extract                        {"action":"start"|"stop"|"progress", ...}
//	GET  /checkpoints                    current checkpoint of every entity
//	GET  /checkpoints/{entityID}         one entity's checkpoint
//	GET  /checkpoints/{entityID}/history append-only history, newest first
//	GET  /health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/taxpull/batch"
	"github.com/hazyhaar/taxpull/checkpoint"
	"github.com/hazyhaar/taxpull/kit"
)

// Runner is the run controller as seen by the API.
type Runner interface {
	Start(ctx context.Context, req batch.StartRequest) (batch.StartResult, error)
	Stop() bool
	Progress(ctx context.Context) batch.Progress
}

// CheckpointReader serves the read endpoints.
type CheckpointReader interface {
	QueryCurrent(ctx context.Context) ([]*checkpoint.Record, error)
	Get(ctx context.Context, entityID string) (*checkpoint.Record, error)
	History(ctx context.Context, entityID string, limit int) ([]*checkpoint.HistoryEntry, error)
}

// Server holds the API dependencies.
type Server struct {
	runner  Runner
	store   CheckpointReader
	logger  *slog.Logger
	timeout time.Duration
	maxBody int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithTimeout bounds every request. Default: 30s.
func WithTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

// WithMaxBody limits request bodies. Default: 64KB.
func WithMaxBody(n int64) Option { return func(s *Server) { s.maxBody = n } }

// New creates the API server.
func New(runner Runner, store CheckpointReader, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		store:   store,
		logger:  slog.Default(),
		timeout: 30 * time.Second,
		maxBody: 64 * 1024,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler with its middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(securityHeaders)
	r.Use(maxBody(s.maxBody))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/extract", s.handleExtract)
	r.Route("/checkpoints", func(r chi.Router) {
		r.Get("/", s.handleCheckpoints)
		r.Get("/{entityID}", s.handleCheckpoint)
		r.Get("/{entityID}/history", s.handleHistory)
	})
	return r
}

type extractRequest struct {
	Action string `json:"action"`
	batch.StartRequest
}

type startResponse struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
	Count  int    `json:"count"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	switch req.Action {
	case "start":
		s.start(w, r, req.StartRequest)
	case "stop":
		if s.runner.Stop() {
			writeJSON(w, http.StatusOK, statusResponse{Status: "stopping"})
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "idle"})
	case "progress":
		writeJSON(w, http.StatusOK, s.runner.Progress(r.Context()))
	case "":
		writeError(w, http.StatusBadRequest, errors.New("action is required"))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, req batch.StartRequest) {
	endpoint := kit.Chain(kit.Logging(s.logger, "extract_start"))(func(ctx context.Context, v any) (any, error) {
		return s.runner.Start(ctx, v.(batch.StartRequest))
	})
	out, err := endpoint(r.Context(), req)
	switch {
	case errors.Is(err, batch.ErrAlreadyRunning):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "AlreadyRunning"})
	case errors.Is(err, batch.ErrNoEntities):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "NoEntities"})
	case err != nil:
		s.logger.Error("api: start run", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		res := out.(batch.StartResult)
		writeJSON(w, http.StatusAccepted, startResponse{Status: "started", RunID: res.RunID, Count: res.Total})
	}
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.QueryCurrent(r.Context())
	if err != nil {
		s.logger.Error("api: list checkpoints", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*checkpoint.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("api: get checkpoint", "entity", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no checkpoint for %q", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	hist, err := s.store.History(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("api: checkpoint history", "entity", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if hist == nil {
		hist = []*checkpoint.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
