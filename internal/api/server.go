// Package api exposes the qualifier over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/intake"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/pipeline"
	"github.com/sells-group/lead-qualifier/internal/store"
)

// Qualifier runs a qualification batch. *pipeline.Pipeline implements it.
type Qualifier interface {
	Run(ctx context.Context, candidates []model.Candidate, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

// RunReader reads persisted runs. Any store.Store implements it.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListLeads(ctx context.Context, runID string) ([]model.QualifiedLead, error)
}

// QualifyRequest is the body of POST /v1/qualify.
type QualifyRequest struct {
	Source     string          `json:"source,omitempty"`
	Candidates []intake.Record `json:"candidates"`
}

// RunResponse is the body of GET /v1/runs/{id}.
type RunResponse struct {
	Run   *model.Run            `json:"run"`
	Leads []model.QualifiedLead `json:"leads"`
}

// Server serves the HTTP API.
type Server struct {
	qualifier Qualifier
	runs      RunReader
	cfg       config.ServerConfig
}

// New creates a server. runs may be nil, in which case the run endpoints
// answer 503.
func New(q Qualifier, runs RunReader, cfg config.ServerConfig) *Server {
	return &Server{qualifier: q, runs: runs, cfg: cfg}
}

// Routes returns the router with middleware applied.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/qualify", s.handleQualify)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQualify(w http.ResponseWriter, r *http.Request) {
	maxMB := s.cfg.MaxBodyMB
	if maxMB <= 0 {
		maxMB = 10
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxMB)<<20)

	var req QualifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Candidates == nil {
		writeError(w, http.StatusBadRequest, "candidates is required")
		return
	}

	res, err := s.qualifier.Run(r.Context(), intake.Candidates(req.Candidates), pipeline.WithSource(req.Source))
	if err != nil {
		if eris.Is(err, pipeline.ErrNilInput) {
			writeError(w, http.StatusBadRequest, "candidates is required")
			return
		}
		zap.L().Error("api: qualify failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "qualification failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}

	q := r.URL.Query()
	filter := store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Source: q.Get("source"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		zap.L().Error("api: get run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	leads, err := s.runs.ListLeads(r.Context(), id)
	if err != nil {
		zap.L().Error("api: list leads failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: run, Leads: leads})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("api: invalid integer %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
