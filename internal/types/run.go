package types

import "time"

// RunStatus is the lifecycle state of a diagnostic run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is the persisted record of one diagnostic run. Summary and the
// outcome lists are filled once the run finishes.
type Run struct {
	ID         string         `json:"id"`
	Diagnostic DiagnosticKind `json:"diagnostic"`
	Status     RunStatus      `json:"status"`
	OutputURL  string         `json:"output_url,omitempty"`
	Error      string         `json:"error,omitempty"`
	Summary    *Summary       `json:"summary,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`

	Diagnostics []DiagnosticValue `json:"diagnostics,omitempty"`
}
