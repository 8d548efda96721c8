// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/bonjohen/ai-swarm-sub000/internal/app"
	"github.com/bonjohen/ai-swarm-sub000/internal/budget"
	"github.com/bonjohen/ai-swarm-sub000/internal/graph"
	"github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"
	"github.com/bonjohen/ai-swarm-sub000/internal/storage"
	"github.com/bonjohen/ai-swarm-sub000/internal/tasks"
)

// errBadResume is returned for resume requests missing the run or node.
var errBadResume = errors.New("resume requires a run id and a node")

// ============================================================================
// REQUEST AND RESPONSE TYPES
// ============================================================================

// RunRequest is the body of POST /v1/runs. Exactly one of Graph (a name
// under the graph directory or a file path) and Definition (an inline YAML
// or JSON graph document) must be set.
type RunRequest struct {
	Graph      string            `json:"graph,omitempty"`
	Definition json.RawMessage   `json:"definition,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`
	State      map[string]any    `json:"state,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Limits     *budget.Limits    `json:"limits,omitempty"`
	// Wait runs the graph within the request instead of queueing it.
	Wait bool `json:"wait,omitempty"`
}

// ResumeRequest is the body of POST /v1/runs/{id}/resume. Graph defaults
// to the graph recorded in the checkpoint.
type ResumeRequest struct {
	Node  string `json:"node"`
	Graph string `json:"graph,omitempty"`
	Wait  bool   `json:"wait,omitempty"`
}

// AcceptedResponse acknowledges a queued run.
type AcceptedResponse struct {
	RunID  string           `json:"run_id"`
	Status tasks.TaskStatus `json:"status"`
}

// RunStatusResponse describes one run. Task is set while the run is known
// to the queue; Checkpoint is the latest saved checkpoint otherwise.
type RunStatusResponse struct {
	RunID      string              `json:"run_id"`
	Task       *tasks.Info         `json:"task,omitempty"`
	Checkpoint *storage.Checkpoint `json:"checkpoint,omitempty"`
}

// RunListResponse lists queued runs and checkpointed runs.
type RunListResponse struct {
	Queue        []tasks.Info      `json:"queue"`
	Checkpointed []storage.RunInfo `json:"checkpointed"`
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decodeBody(w, r, &req) {
		return
	}

	g, err := s.resolveRunGraph(req)
	if err != nil {
		writeGraphError(w, err)
		return
	}
	state := orchestrator.State(req.State)
	if state == nil {
		state = orchestrator.State{}
	}

	if req.Wait {
		res, _ := s.app.Run(r.Context(), g, state, runOptions(req.RunID, req.Limits)...)
		writeJSON(w, http.StatusOK, app.Report(res))
		return
	}

	task, err := s.submitRun(g, state, req.RunID, req.Limits)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{RunID: task.ID, Status: task.GetStatus()})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req ResumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, errBadResume.Error(), "invalid_request_error")
		return
	}

	if req.Wait {
		res, err := s.app.Resume(r.Context(), req.Graph, runID, req.Node)
		if res == nil {
			writeResumeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app.Report(res))
		return
	}

	if err := s.checkResumable(r.Context(), runID, req.Node); err != nil {
		writeResumeError(w, err)
		return
	}
	task, err := s.submitResume(req.Graph, runID, req.Node)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{RunID: task.ID, Status: task.GetStatus()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	resp := RunStatusResponse{RunID: runID}

	if task, ok := s.runs.Queue().Get(runID); ok {
		info := task.Info()
		resp.Task = &info
		writeJSON(w, http.StatusOK, resp)
		return
	}

	cp, err := s.app.Store.Latest(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrCheckpointNotFound) || errors.Is(err, storage.ErrInvalidID) {
			writeError(w, http.StatusNotFound, "run not found: "+runID, "not_found_error")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	resp.Checkpoint = &cp
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	q := s.runs.Queue()
	if q.Cancel(runID) {
		task, _ := q.Get(runID)
		writeJSON(w, http.StatusOK, AcceptedResponse{RunID: runID, Status: task.GetStatus()})
		return
	}
	if _, ok := q.Get(runID); ok {
		writeError(w, http.StatusConflict, "run already finished: "+runID, "invalid_request_error")
		return
	}
	writeError(w, http.StatusNotFound, "run not found: "+runID, "not_found_error")
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.app.Store.Runs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	writeJSON(w, http.StatusOK, RunListResponse{Queue: s.runs.Queue().List(), Checkpointed: runs})
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	names, err := s.app.ListGraphs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"graphs": names})
}

// ============================================================================
// RUN SUBMISSION
// ============================================================================

func runOptions(runID string, limits *budget.Limits) []orchestrator.RunOption {
	var opts []orchestrator.RunOption
	if runID != "" {
		opts = append(opts, orchestrator.WithRunID(runID))
	}
	if limits != nil {
		opts = append(opts, orchestrator.WithLimits(*limits))
	}
	return opts
}

// submitRun queues g. The run ID is fixed before queueing so the caller can
// poll for it immediately.
func (s *Server) submitRun(g *graph.Graph, state orchestrator.State, runID string, limits *budget.Limits) (*tasks.Task, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	opts := runOptions(runID, limits)
	return s.runs.Submit(runID, "run", g.ID, func(ctx context.Context) (any, error) {
		res, err := s.app.Run(ctx, g, state, opts...)
		if res == nil {
			return nil, err
		}
		return app.Report(res), err
	})
}

func (s *Server) submitResume(graphRef, runID, node string) (*tasks.Task, error) {
	if runID == "" || node == "" {
		return nil, errBadResume
	}
	return s.runs.Submit(runID, "resume", fmt.Sprintf("resume after %s", node), func(ctx context.Context) (any, error) {
		res, err := s.app.Resume(ctx, graphRef, runID, node)
		if res == nil {
			return nil, err
		}
		return app.Report(res), err
	})
}

// checkResumable fails fast when the checkpoint to resume from is missing.
func (s *Server) checkResumable(ctx context.Context, runID, node string) error {
	_, err := s.app.Store.Load(ctx, runID, node)
	return err
}

func (s *Server) resolveRunGraph(req RunRequest) (*graph.Graph, error) {
	switch {
	case req.Graph != "" && len(req.Definition) > 0:
		return nil, errors.New("set either graph or definition, not both")
	case len(req.Definition) > 0:
		g, err := graph.ParseYAML(req.Definition)
		if err != nil {
			return nil, err
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		return g, nil
	case req.Graph != "":
		return s.app.ResolveGraph(req.Graph, req.Vars)
	default:
		return nil, errors.New("graph or definition is required")
	}
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

func writeGraphError(w http.ResponseWriter, err error) {
	if errors.Is(err, app.ErrGraphNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error(), "overloaded_error")
	case errors.Is(err, tasks.ErrDuplicateTask):
		writeError(w, http.StatusConflict, err.Error(), "invalid_request_error")
	case errors.Is(err, errBadResume):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error(), "server_error")
	}
}

func writeResumeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrCheckpointNotFound), errors.Is(err, app.ErrGraphNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error")
	default:
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
	}
}
