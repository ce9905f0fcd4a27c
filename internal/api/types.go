package api

import "time"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	History       bool   `json:"history"`
}

// NodeStatusResponse is one node in GET /status.
type NodeStatusResponse struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	RunID string               `json:"run_id,omitempty"`
	Nodes []NodeStatusResponse `json:"nodes"`
}

// RunResponse describes one pipeline run.
type RunResponse struct {
	RunID          string     `json:"run_id"`
	Title          string     `json:"title"`
	Order          string     `json:"order"`
	OutputLocation string     `json:"output_location"`
	Profile        string     `json:"profile"`
	Resume         bool       `json:"resume"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// ProcessResponse describes one node of a run.
type ProcessResponse struct {
	NodeID      string     `json:"node_id"`
	Process     string     `json:"process"`
	Status      string     `json:"status"`
	Command     string     `json:"command,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// RunDetailResponse is returned by GET /runs/{runID}.
type RunDetailResponse struct {
	RunResponse
	Processes []ProcessResponse `json:"processes"`
}
