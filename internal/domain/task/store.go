package task

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned when a task lookup fails because the
// requested id does not exist in the store.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidSchedule is returned at create time for malformed schedules,
// including the ambiguous case of both cron and interval being set.
var ErrInvalidSchedule = errors.New("invalid schedule")

// CreateInput describes a task to be created. Identity and runtime state
// are assigned by the store.
type CreateInput struct {
	Type           Type
	Name           string
	Prompt         string
	SystemPrompt   string
	ConversationID string
	ToolsAllowed   []string
	ToolsDenied    []string
	Route          Route
	Schedule       Schedule
	Budget         Limits
	Priority       int
	MaxRetries     int
}

// Patch is a partial task update. Nil fields are left untouched.
// ClearNextRunAt wins over NextRunAt when both are set.
type Patch struct {
	Status         *Status
	NextRunAt      *time.Time
	ClearNextRunAt bool
	Priority       *int
	MaxRetries     *int
	LastError      *string
}

// Period selects a spend aggregation window anchored at the current local
// wall-clock day or month boundary.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Store is the durable task persistence port. Implementations own all task
// mutation; callers never write task state directly.
type Store interface {
	// EnsureSchema creates or migrates the schema to the current version.
	EnsureSchema(ctx context.Context) error

	// Create persists a new task. Status starts as scheduled when a
	// schedule is present, pending otherwise. RunImmediately sets
	// next_run_at to now; otherwise it is computed from cron or interval.
	Create(ctx context.Context, input CreateInput) (*Task, error)

	// Get retrieves a task by id. Returns (nil, nil) when absent.
	Get(ctx context.Context, id string) (*Task, error)

	// Update applies a partial update and bumps updated_at.
	Update(ctx context.Context, id string, patch Patch) (*Task, error)

	// Claim atomically selects one scheduled task with next_run_at <= now,
	// ordered by (priority DESC, next_run_at ASC, id ASC), transitions it
	// to running and opens its Run record. Returns (nil, nil) when no task
	// is eligible. Two concurrent claims never return the same task.
	Claim(ctx context.Context, now time.Time) (*Task, error)

	// ListDue returns a non-mutating preview of claim-eligible tasks.
	ListDue(ctx context.Context, now time.Time) ([]*Task, error)

	// ListByStatus returns tasks in the given status, oldest first.
	// limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error)

	// Complete closes the open run as completed. Recurring tasks go back
	// to scheduled with a freshly computed next_run_at and a reset retry
	// count; one-shot tasks become completed.
	Complete(ctx context.Context, id string, snapshot Snapshot, resultText string) error

	// Fail closes the open run as failed and increments the retry count.
	// It does not schedule the retry; the queue sets next_run_at with
	// backoff via Update.
	Fail(ctx context.Context, id string, errText string, snapshot Snapshot) error

	// DeadLetter closes the open run (budget_exceeded when budgetAbort,
	// failed otherwise) and parks the task in dead_letter.
	DeadLetter(ctx context.Context, id string, errText string, budgetAbort bool, snapshot Snapshot) error

	// Cancel terminally cancels the task and clears next_run_at.
	Cancel(ctx context.Context, id string) error

	// RecordRun persists a run record, assigning its id when empty.
	RecordRun(ctx context.Context, run *Run) (*Run, error)

	// Runs returns run history for a task, newest first. limit <= 0 means
	// no limit.
	Runs(ctx context.Context, taskID string, limit int) ([]*Run, error)

	// SumSpend returns total estimated cost in USD over runs completed in
	// the current local day or month.
	SumSpend(ctx context.Context, period Period) (float64, error)

	// MarkStaleRunning fails every task left in running state, making
	// recurring ones re-claimable. Called once at boot before the
	// scheduler starts.
	MarkStaleRunning(ctx context.Context, reason string) error

	// DeleteExpired removes terminal tasks whose last update is older than
	// before, together with their runs. Returns the number removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
