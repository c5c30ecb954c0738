package task

// Event names published on the scheduler's event bus. Payload types follow
// each name. Names and payload shapes are a stable external contract.
const (
	EventScheduled      = "task:scheduled"
	EventStarted        = "task:started"
	EventBudgetWarning  = "task:budget_warning"
	EventBudgetExceeded = "task:budget_exceeded"
	EventCompleted      = "task:completed"
	EventFailed         = "task:failed"
	EventDeadLetter     = "task:dead_letter"
	// EventNotify carries the response of a run whose route is notify.
	EventNotify = "task:notify"
)

// ScheduledEvent is the payload for EventScheduled.
type ScheduledEvent struct {
	Task *Task
}

// StartedEvent is the payload for EventStarted.
type StartedEvent struct {
	Task *Task
}

// BudgetWarningEvent is the payload for EventBudgetWarning. ThresholdPct
// is the fraction of the tightest limit already consumed (0..1).
type BudgetWarningEvent struct {
	Task         *Task
	Snapshot     Snapshot
	ThresholdPct float64
}

// BudgetExceededEvent is the payload for EventBudgetExceeded.
type BudgetExceededEvent struct {
	Task          *Task
	Snapshot      Snapshot
	LimitExceeded BudgetReason
}

// CompletedEvent is the payload for EventCompleted.
type CompletedEvent struct {
	Task     *Task
	Snapshot Snapshot
}

// FailedEvent is the payload for EventFailed. RetryCount is the attempt
// count after this failure.
type FailedEvent struct {
	Task       *Task
	Error      string
	RetryCount int
}

// DeadLetterEvent is the payload for EventDeadLetter.
type DeadLetterEvent struct {
	Task  *Task
	Error string
}

// NotifyEvent is the payload for EventNotify.
type NotifyEvent struct {
	Task     *Task
	Snapshot Snapshot
	Response string
}
