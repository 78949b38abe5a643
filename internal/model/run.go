package model

import "time"

type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IngestRun is the persisted ledger entry for one ingestion run.
type IngestRun struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	Sources     []string   `json:"sources"`
	Processed   int        `json:"processed"`
	ProgressMsg *string    `json:"progressMsg,omitempty"`
	ErrorMsg    *string    `json:"errorMsg,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}
