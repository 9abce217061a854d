package model

import "time"

// RunStatus mirrors the LLM provider's run lifecycle verbatim.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunExpired        RunStatus = "expired"
)

// Run tracks one LLM conversation (thread + remote run id) backing a
// staging or statistic processing attempt.
type Run struct {
	ID          string    `json:"id"`
	StagingID   string    `json:"staging_id"`
	StatisticID string    `json:"statistic_id,omitempty"`
	ThreadID    string    `json:"thread_id"`
	RemoteRunID string    `json:"remote_run_id"`
	Status      RunStatus `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
