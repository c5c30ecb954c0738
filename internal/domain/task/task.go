// Package task defines the scheduler's task domain model and store port.
//
// A Task is a persistent scheduled unit of work: an immutable definition
// (what to run, where results go), a schedule (cron, interval or event
// trigger), optional per-task budget overrides, and mutable runtime state
// owned exclusively by the Store.
package task

import (
	"time"
)

// Type categorizes how a task came to exist.
type Type string

const (
	TypeHeartbeat Type = "heartbeat"
	TypeScheduled Type = "scheduled"
	TypeEvent     Type = "event"
	TypeWorkflow  Type = "workflow"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// validStatuses enumerates all accepted status values.
var validStatuses = map[Status]bool{
	StatusPending:    true,
	StatusScheduled:  true,
	StatusRunning:    true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusDeadLetter: true,
	StatusCancelled:  true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether the status is a final state. A recurring task
// never reaches completed; dead_letter and cancelled are terminal for all.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	default:
		return false
	}
}

// Schedule describes when a task becomes due. At most one of CronExpr,
// IntervalMs and EventTrigger may be set.
type Schedule struct {
	CronExpr       string `json:"cron_expr,omitempty"`
	IntervalMs     int64  `json:"interval_ms,omitempty"`
	EventTrigger   string `json:"event_trigger,omitempty"`
	RunImmediately bool   `json:"run_immediately,omitempty"`
}

// IsZero reports whether no trigger is configured at all. An immediate
// run counts as a trigger: the task is due the moment it is created.
func (s Schedule) IsZero() bool {
	return s.CronExpr == "" && s.IntervalMs == 0 && s.EventTrigger == "" && !s.RunImmediately
}

// IsRecurring reports whether the task re-schedules itself after a
// successful run.
func (s Schedule) IsRecurring() bool {
	return s.CronExpr != "" || s.IntervalMs > 0
}

// Interval returns the interval as a duration. Zero when unset.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// MaxPriority is the highest allowed task priority. Higher runs first.
const MaxPriority = 9

// Task is the persistent scheduled work unit.
type Task struct {
	// Identity
	ID string `json:"id"`

	// Definition, immutable after create.
	Type           Type     `json:"type"`
	Name           string   `json:"name"`
	Prompt         string   `json:"prompt"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ToolsAllowed   []string `json:"tools_allowed,omitempty"`
	ToolsDenied    []string `json:"tools_denied,omitempty"`
	Route          Route    `json:"route"`

	Schedule Schedule `json:"schedule"`

	// Budget overrides; zero fields fall back to scheduler defaults.
	Budget Limits `json:"budget"`

	// Runtime state, mutated only through the Store.
	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastError    string     `json:"last_error,omitempty"`
	LastSnapshot *Snapshot  `json:"last_snapshot,omitempty"`
}

// Clone returns a deep copy so callers can hand tasks across goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.NextRunAt != nil {
		at := *t.NextRunAt
		cp.NextRunAt = &at
	}
	if t.LastRunAt != nil {
		at := *t.LastRunAt
		cp.LastRunAt = &at
	}
	if t.LastSnapshot != nil {
		snap := *t.LastSnapshot
		cp.LastSnapshot = &snap
	}
	cp.ToolsAllowed = append([]string(nil), t.ToolsAllowed...)
	cp.ToolsDenied = append([]string(nil), t.ToolsDenied...)
	return &cp
}
