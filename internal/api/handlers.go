package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/procchain/internal/history"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		History:       s.history != nil,
	})
}

// handleStatus handles GET /status: the last known status of every node,
// sorted by node id.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	latest := s.hub.LatestNodeStatus()
	resp := StatusResponse{Nodes: make([]NodeStatusResponse, 0, len(latest))}
	for _, ns := range latest {
		resp.Nodes = append(resp.Nodes, NodeStatusResponse{NodeID: ns.NodeID, Status: ns.Status, Error: ns.Error})
		if ns.RunID != "" {
			resp.RunID = ns.RunID
		}
	}
	sort.Slice(resp.Nodes, func(i, j int) bool { return resp.Nodes[i].NodeID < resp.Nodes[j].NodeID })
	respondJSON(w, http.StatusOK, resp)
}

// handleListRuns handles GET /runs?limit=N.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	runID := chi.URLParam(r, "runID")

	run, err := s.history.GetRun(r.Context(), runID)
	if errors.Is(err, history.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	procs, err := s.history.ListProcesses(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to list processes", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list processes")
		return
	}

	resp := RunDetailResponse{RunResponse: toRunResponse(*run), Processes: make([]ProcessResponse, 0, len(procs))}
	for _, p := range procs {
		pr := ProcessResponse{
			NodeID:      p.NodeID,
			Process:     p.ProcessName,
			Status:      p.Status,
			Command:     p.Command,
			ExitCode:    p.ExitCode,
			StartedAt:   p.StartedAt,
			CompletedAt: p.CompletedAt,
		}
		if p.LastError != nil {
			pr.LastError = *p.LastError
		}
		resp.Processes = append(resp.Processes, pr)
	}
	respondJSON(w, http.StatusOK, resp)
}

func toRunResponse(run history.Run) RunResponse {
	resp := RunResponse{
		RunID:          run.ID,
		Title:          run.Title,
		Order:          run.Order,
		OutputLocation: run.OutputLocation,
		Profile:        run.Profile,
		Resume:         run.Resume,
		Status:         string(run.Status),
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
	if run.LastError != nil {
		resp.LastError = *run.LastError
	}
	return resp
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
