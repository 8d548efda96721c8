// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/app"
	"github.com/bonjohen/ai-swarm-sub000/internal/commands"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/dispatch"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/tasks"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize caps request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxRunHistory is how many finished async runs stay queryable in memory.
	MaxRunHistory = 200

	// Version is the API version reported by /health.
	Version = "1.0.0"

	shutdownGrace = 30 * time.Second
)

// ============================================================================
// SERVER
// ============================================================================

// Server exposes an App over HTTP.
type Server struct {
	app     *app.App
	cfg     config.ServerConfig
	mux     *http.ServeMux
	handler http.Handler
	server  *http.Server
	runs    *tasks.Runner
	logCtx  context.Context
	started time.Time
}

// New builds the server and its run queue. logCtx carries the logger used
// for request logging and background runs.
func New(logCtx context.Context, a *app.App, cfg config.ServerConfig) *Server {
	s := &Server{
		app:     a,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		runs:    tasks.NewRunner(tasks.NewQueue(MaxRunHistory, cfg.MaxQueuedRuns), cfg.RunWorkers, 0),
		logCtx:  logCtx,
		started: time.Now(),
	}
	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(logCtx),
		SecurityHeadersMiddleware(),
		RateLimitMiddleware(NewRateLimiter(cfg.RateLimit, cfg.Burst)),
		AuthMiddleware(cfg.AuthToken, "/health"),
	)(s.mux)
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Runs returns the async run queue.
func (s *Server) Runs() *tasks.Runner {
	return s.runs
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)

	s.mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("DELETE /v1/runs/{id}", s.handleCancelRun)
	s.mux.HandleFunc("POST /v1/runs/{id}/resume", s.handleResumeRun)

	s.mux.HandleFunc("GET /v1/graphs", s.handleListGraphs)
	s.mux.HandleFunc("GET /v1/providers", s.handleProviders)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// DISPATCH HANDLER
// ============================================================================

// DispatchRequest is the body of POST /v1/dispatch.
type DispatchRequest struct {
	Input string `json:"input"`
}

// DispatchResponse reports the dispatch decision and what the server did
// with it. Graph actions are queued and identified by RunID.
type DispatchResponse struct {
	Dispatch dispatch.Result `json:"dispatch"`
	RunID    string          `json:"run_id,omitempty"`
	Text     string          `json:"text,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required", "invalid_request_error")
		return
	}

	ctx := r.Context()
	res, err := s.app.Dispatcher.Dispatch(ctx, req.Input)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch interrupted: "+err.Error(), "server_error")
		return
	}
	resp := DispatchResponse{Dispatch: res, Text: res.Response}

	switch res.Action {
	case commands.ActionExecuteGraph:
		g, err := s.app.ResolveGraph(res.Target, res.Args)
		if err != nil {
			writeGraphError(w, err)
			return
		}
		task, err := s.submitRun(g, app.ArgsState(res.Args), "", nil)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		resp.RunID = task.ID
		writeJSON(w, http.StatusAccepted, resp)
		return
	case commands.ActionResumeRun:
		task, err := s.submitResume("", res.Args["run_id"], res.Args["node"])
		if err != nil {
			writeQueueError(w, err)
			return
		}
		resp.RunID = task.ID
		writeJSON(w, http.StatusAccepted, resp)
		return
	case commands.ActionStatus, commands.ActionHelp, commands.ActionListProviders:
		text, err := s.app.Describe(ctx, res.Action)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
			return
		}
		resp.Text = text
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// PROVIDERS, STATS AND HEALTH
// ============================================================================

// ProvidersResponse lists the registry.
type ProvidersResponse struct {
	Providers  []provider.Entry `json:"providers"`
	CallCounts map[string]int64 `json:"call_counts"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProvidersResponse{
		Providers:  s.app.Registry.List(),
		CallCounts: s.app.Registry.CallCounts(),
	})
}

// StatsResponse combines the app status with the run queue.
type StatsResponse struct {
	app.Status
	Runs          tasks.Summary `json:"runs"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), "server_error")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Status:        st,
		Runs:          s.runs.Queue().Summary(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

// HealthResponse is the body of GET /health. Status is "degraded" when no
// provider is available.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Providers int    `json:"providers"`
	Available int    `json:"available"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	entries := s.app.Registry.List()
	health := HealthResponse{Status: "ok", Version: Version, Providers: len(entries)}
	for _, e := range entries {
		if e.Available {
			health.Available++
		}
	}
	if len(entries) > 0 && health.Available == 0 {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start runs the queue workers and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.runs.Start(s.logCtx)

	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info(s.logCtx, log.KV{K: "msg", V: "server start"}, log.KV{K: "addr", V: s.cfg.Addr}, log.KV{K: "auth", V: s.cfg.AuthToken != ""})
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, then cancels queued and running graph
// runs. Checkpointed runs can be resumed later.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info(s.logCtx, log.KV{K: "msg", V: "server shutdown"})
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.runs.Stop()
	return err
}

// ListenAndServe starts the server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	select {
	case err := <-errc:
		s.runs.Stop()
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ============================================================================
// HELPERS
// ============================================================================

// decodeBody reads a size-limited JSON body into v. On failure it writes a
// 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), "invalid_request_error")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": {"message", "type", "code"}}.
func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    status,
		},
	})
}
