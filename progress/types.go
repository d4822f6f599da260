// Package progress persists run executions and per-unit progress so that
// interrupted runs can be inspected and resumed and staleness can be
// reported. Persistence failures degrade to in-memory tracking instead of
// failing the run.
package progress

import "time"

// RunStatus is the lifecycle status of a run execution
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// UnitStatus is the lifecycle status of one work unit within a run
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitRetry     UnitStatus = "retry"
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
)

// rank orders unit statuses so a stale write can never move a unit
// backwards to pending. Running and retry share a rank: a unit loops
// between them until it reaches a terminal state.
func (s UnitStatus) rank() int {
	switch s {
	case UnitPending:
		return 0
	case UnitRunning, UnitRetry:
		return 1
	case UnitSucceeded, UnitFailed:
		return 2
	default:
		return 0
	}
}

// RunExecution is one scheduler run, created at start and closed exactly
// once with a terminal status.
type RunExecution struct {
	ID          string     `json:"id"`
	JobName     string     `json:"job_name"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TotalUnits  int        `json:"total_units"`
	Successful  int        `json:"successful"`
	Failed      int        `json:"failed"`
	Status      RunStatus  `json:"status"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

// UnitProgress is the recorded state of one unit within a run
type UnitProgress struct {
	ExecutionID string     `json:"execution_id"`
	Symbol      string     `json:"symbol"`
	Timeframe   string     `json:"timeframe"`
	Status      UnitStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StaleUnit is a unit whose last successful completion is older than the
// staleness cutoff, or that has never completed at all.
type StaleUnit struct {
	Symbol      string     `json:"symbol"`
	Timeframe   string     `json:"timeframe"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}
