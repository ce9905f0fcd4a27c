package history

import "time"

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is one pipeline_run row.
type Run struct {
	ID               string
	Title            string
	Order            string
	OutputLocation   string
	Profile          string
	Resume           bool
	DAGFingerprint   string
	StoreFingerprint string
	Status           RunStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
	LastError        *string
}

// ProcessRun is one process_run row: the last known state of a node.
type ProcessRun struct {
	RunID       string
	NodeID      string
	ProcessName string
	Status      string
	Command     string
	ExitCode    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}
