package task

import "time"

// RunStatus is the outcome of a single execution attempt.
type RunStatus string

const (
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunBudgetExceeded RunStatus = "budget_exceeded"
)

// Run records one execution attempt of a task. A run is created when the
// task is claimed and never mutated after completion.
type Run struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Status         RunStatus  `json:"status"`
	Error          string     `json:"error,omitempty"`
	BudgetConsumed Snapshot   `json:"budget_consumed"`
	ResultText     string     `json:"result_text,omitempty"`
}
