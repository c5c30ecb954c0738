// Package task provides the SQLite-backed implementation of the task
// domain store. SQLite keeps the scheduler embedded and single-writer;
// the claim path runs in one transaction so two concurrent claims can
// never return the same row.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"spaceduck/internal/cron"
	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/shared/logging"
	id "spaceduck/internal/utils/id"
)

// Open opens (creating if needed) the scheduler database at path.
// `:memory:` is accepted for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The scheduler is a single-process writer; one connection avoids
	// SQLITE_BUSY churn between the claim path and run bookkeeping.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return db, nil
}

// SQLiteStore persists tasks and runs in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cron   *cron.Evaluator
	logger logging.Logger

	// claimMu serializes claim transactions; together with the SQL
	// status guard this makes claims race-free.
	claimMu sync.Mutex
}

var _ taskdomain.Store = (*SQLiteStore)(nil)

// NewSQLiteStore constructs the store. EnsureSchema must run before use.
func NewSQLiteStore(db *sql.DB, eval *cron.Evaluator, logger logging.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		cron:   eval,
		logger: logging.OrNop(logger),
	}
}

// migrations are applied in order; scheduler_schema_version records the
// last applied index + 1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL DEFAULT 'scheduled',
    name TEXT NOT NULL,
    prompt TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    conversation_id TEXT NOT NULL DEFAULT '',
    tools_allowed TEXT NOT NULL DEFAULT '[]',
    tools_denied TEXT NOT NULL DEFAULT '[]',
    route TEXT NOT NULL,
    cron_expr TEXT NOT NULL DEFAULT '',
    interval_ms INTEGER NOT NULL DEFAULT 0,
    event_trigger TEXT NOT NULL DEFAULT '',
    run_immediately INTEGER NOT NULL DEFAULT 0,
    budget TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 0,
    next_run_at INTEGER,
    last_run_at INTEGER,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    last_snapshot TEXT
);`,
	`CREATE TABLE IF NOT EXISTS task_runs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    started_at INTEGER NOT NULL,
    completed_at INTEGER,
    status TEXT NOT NULL DEFAULT 'running',
    error TEXT NOT NULL DEFAULT '',
    tokens_used INTEGER NOT NULL DEFAULT 0,
    estimated_cost_usd REAL NOT NULL DEFAULT 0,
    wall_clock_ms INTEGER NOT NULL DEFAULT 0,
    tool_calls_made INTEGER NOT NULL DEFAULT 0,
    memory_writes_made INTEGER NOT NULL DEFAULT 0,
    result_text TEXT NOT NULL DEFAULT ''
);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (next_run_at) WHERE status = 'scheduled';`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (priority DESC, next_run_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs (task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs_completed ON task_runs (completed_at);`,
}

// EnsureSchema creates or migrates the schema to the current version.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS scheduler_schema_version (version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM scheduler_schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduler_schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	if version < len(migrations) {
		s.logger.Info("task store: schema migrated %d -> %d", version, len(migrations))
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM scheduler_schema_version`).Scan(&version)
	return version, err
}

// validateCreate rejects malformed definitions before anything persists.
func (s *SQLiteStore) validateCreate(input taskdomain.CreateInput) error {
	if input.Name == "" {
		return fmt.Errorf("task: name is required")
	}
	if input.Prompt == "" {
		return fmt.Errorf("task: prompt is required")
	}
	if input.Priority < 0 || input.Priority > taskdomain.MaxPriority {
		return fmt.Errorf("task: priority %d out of range [0,%d]", input.Priority, taskdomain.MaxPriority)
	}
	if err := input.Route.Validate(); err != nil {
		return err
	}
	sched := input.Schedule
	set := 0
	if sched.CronExpr != "" {
		set++
	}
	if sched.IntervalMs != 0 {
		set++
	}
	if sched.EventTrigger != "" {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: at most one of cron, interval and event trigger may be set", taskdomain.ErrInvalidSchedule)
	}
	if sched.IntervalMs < 0 {
		return fmt.Errorf("%w: negative interval", taskdomain.ErrInvalidSchedule)
	}
	if sched.CronExpr != "" {
		if err := s.cron.Validate(sched.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", taskdomain.ErrInvalidSchedule, err)
		}
	}
	return nil
}

// nextFromSchedule computes the first due instant for a schedule, nil for
// event-triggered tasks which wait for their event.
func (s *SQLiteStore) nextFromSchedule(sched taskdomain.Schedule, now time.Time) (*time.Time, error) {
	if sched.RunImmediately {
		return &now, nil
	}
	switch {
	case sched.CronExpr != "":
		next, err := s.cron.Next(sched.CronExpr, now)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case sched.IntervalMs > 0:
		next := now.Add(sched.Interval())
		return &next, nil
	default:
		return nil, nil
	}
}

// Create persists a new task.
func (s *SQLiteStore) Create(ctx context.Context, input taskdomain.CreateInput) (*taskdomain.Task, error) {
	if err := s.validateCreate(input); err != nil {
		return nil, err
	}

	now := time.Now()
	t := &taskdomain.Task{
		ID:             id.NewTaskID(),
		Type:           input.Type,
		Name:           input.Name,
		Prompt:         input.Prompt,
		SystemPrompt:   input.SystemPrompt,
		ConversationID: input.ConversationID,
		ToolsAllowed:   input.ToolsAllowed,
		ToolsDenied:    input.ToolsDenied,
		Route:          input.Route,
		Schedule:       input.Schedule,
		Budget:         input.Budget,
		Status:         taskdomain.StatusPending,
		Priority:       input.Priority,
		MaxRetries:     input.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Type == "" {
		t.Type = taskdomain.TypeScheduled
	}
	if !input.Schedule.IsZero() {
		t.Status = taskdomain.StatusScheduled
		next, err := s.nextFromSchedule(input.Schedule, now)
		if err != nil {
			return nil, err
		}
		t.NextRunAt = next
	}

	toolsAllowed, toolsDenied, route, budget, snapshot, err := encodeTask(t)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (id, type, name, prompt, system_prompt, conversation_id,
                   tools_allowed, tools_denied, route, cron_expr, interval_ms,
                   event_trigger, run_immediately, budget, status, priority,
                   next_run_at, last_run_at, retry_count, max_retries,
                   created_at, updated_at, last_error, last_snapshot)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, string(t.Type), t.Name, t.Prompt, t.SystemPrompt, t.ConversationID,
		toolsAllowed, toolsDenied, route, t.Schedule.CronExpr, t.Schedule.IntervalMs,
		t.Schedule.EventTrigger, boolToInt(t.Schedule.RunImmediately), budget,
		string(t.Status), t.Priority, msPtr(t.NextRunAt), msPtr(t.LastRunAt),
		t.RetryCount, t.MaxRetries, ms(t.CreatedAt), ms(t.UpdatedAt), t.LastError, snapshot)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

const taskColumns = `id, type, name, prompt, system_prompt, conversation_id,
       tools_allowed, tools_denied, route, cron_expr, interval_ms,
       event_trigger, run_immediately, budget, status, priority,
       next_run_at, last_run_at, retry_count, max_retries,
       created_at, updated_at, last_error, last_snapshot`

// Get retrieves a task by id; (nil, nil) when absent.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*taskdomain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Update applies a partial update and bumps updated_at.
func (s *SQLiteStore) Update(ctx context.Context, taskID string, patch taskdomain.Patch) (*taskdomain.Task, error) {
	sets := []string{"updated_at = ?"}
	args := []any{ms(time.Now())}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ClearNextRunAt {
		sets = append(sets, "next_run_at = NULL")
	} else if patch.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, ms(*patch.NextRunAt))
	}
	if patch.Priority != nil {
		if *patch.Priority < 0 || *patch.Priority > taskdomain.MaxPriority {
			return nil, fmt.Errorf("task: priority %d out of range [0,%d]", *patch.Priority, taskdomain.MaxPriority)
		}
		sets = append(sets, "priority = ?")
		args = append(args, *patch.Priority)
	}
	if patch.MaxRetries != nil {
		sets = append(sets, "max_retries = ?")
		args = append(args, *patch.MaxRetries)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, taskdomain.ErrTaskNotFound
	}
	return s.Get(ctx, taskID)
}

// Claim atomically selects the highest-priority due task, flips it to
// running and opens its run record.
func (s *SQLiteStore) Claim(ctx context.Context, now time.Time) (*taskdomain.Task, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY priority DESC, next_run_at ASC, id ASC
LIMIT 1
`, string(taskdomain.StatusScheduled), ms(now))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
`, string(taskdomain.StatusRunning), ms(now), t.ID, string(taskdomain.StatusScheduled))
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Lost the race inside the same process; caller retries next tick.
		return nil, nil
	}

	runID := id.NewRunID()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_runs (id, task_id, started_at, status) VALUES (?, ?, ?, ?)
`, runID, t.ID, ms(now), string(taskdomain.RunRunning)); err != nil {
		return nil, fmt.Errorf("claim open run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	t.Status = taskdomain.StatusRunning
	t.UpdatedAt = now
	return t, nil
}

// ListDue previews claim-eligible tasks without mutating anything.
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]*taskdomain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY priority DESC, next_run_at ASC, id ASC
`, string(taskdomain.StatusScheduled), ms(now))
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status taskdomain.Status, limit int) ([]*taskdomain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// closeOpenRun finalizes the task's open run record inside tx.
func closeOpenRun(ctx context.Context, tx *sql.Tx, taskID string, status taskdomain.RunStatus, errText string, snapshot taskdomain.Snapshot, resultText string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
UPDATE task_runs
SET completed_at = ?, status = ?, error = ?, tokens_used = ?,
    estimated_cost_usd = ?, wall_clock_ms = ?, tool_calls_made = ?,
    memory_writes_made = ?, result_text = ?
WHERE task_id = ? AND completed_at IS NULL
`, ms(now), string(status), errText, snapshot.TokensUsed, snapshot.EstimatedCostUSD,
		snapshot.WallClockMs, snapshot.ToolCallsMade, snapshot.MemoryWritesMade,
		resultText, taskID)
	if err != nil {
		return fmt.Errorf("close open run: %w", err)
	}
	return nil
}

// Complete closes the open run and either re-schedules a recurring task
// or marks a one-shot task completed.
func (s *SQLiteStore) Complete(ctx context.Context, taskID string, snapshot taskdomain.Snapshot, resultText string) error {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return taskdomain.ErrTaskNotFound
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	if err := closeOpenRun(ctx, tx, taskID, taskdomain.RunCompleted, "", snapshot, resultText, now); err != nil {
		return err
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if t.Schedule.IsRecurring() {
		var next time.Time
		if t.Schedule.CronExpr != "" {
			next, err = s.cron.Next(t.Schedule.CronExpr, now)
			if err != nil {
				return fmt.Errorf("complete reschedule: %w", err)
			}
		} else {
			next = now.Add(t.Schedule.Interval())
		}
		_, err = tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, next_run_at = ?, retry_count = 0, last_run_at = ?,
    updated_at = ?, last_error = '', last_snapshot = ?
WHERE id = ?
`, string(taskdomain.StatusScheduled), ms(next), ms(now), ms(now), string(snapshotJSON), taskID)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, next_run_at = NULL, last_run_at = ?, updated_at = ?,
    last_error = '', last_snapshot = ?
WHERE id = ?
`, string(taskdomain.StatusCompleted), ms(now), ms(now), string(snapshotJSON), taskID)
	}
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return tx.Commit()
}

// Fail closes the open run as failed and increments the retry count. The
// queue decides whether and when to retry.
func (s *SQLiteStore) Fail(ctx context.Context, taskID string, errText string, snapshot taskdomain.Snapshot) error {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	if err := closeOpenRun(ctx, tx, taskID, taskdomain.RunFailed, errText, snapshot, "", now); err != nil {
		return err
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, retry_count = retry_count + 1, last_run_at = ?,
    updated_at = ?, last_error = ?, last_snapshot = ?
WHERE id = ?
`, string(taskdomain.StatusFailed), ms(now), ms(now), errText, string(snapshotJSON), taskID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return taskdomain.ErrTaskNotFound
	}
	return tx.Commit()
}

// DeadLetter terminally parks the task. Budget aborts are recorded on the
// run as budget_exceeded; the caller classifies them, typically with
// errors.As against *taskdomain.BudgetExceededError.
func (s *SQLiteStore) DeadLetter(ctx context.Context, taskID string, errText string, budgetAbort bool, snapshot taskdomain.Snapshot) error {
	now := time.Now()
	runStatus := taskdomain.RunFailed
	if budgetAbort {
		runStatus = taskdomain.RunBudgetExceeded
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead letter: %w", err)
	}
	defer tx.Rollback()

	if err := closeOpenRun(ctx, tx, taskID, runStatus, errText, snapshot, "", now); err != nil {
		return err
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, next_run_at = NULL, last_run_at = ?, updated_at = ?,
    last_error = ?, last_snapshot = ?
WHERE id = ?
`, string(taskdomain.StatusDeadLetter), ms(now), ms(now), errText, string(snapshotJSON), taskID)
	if err != nil {
		return fmt.Errorf("dead letter task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return taskdomain.ErrTaskNotFound
	}
	return tx.Commit()
}

// Cancel terminally cancels the task, closing any open run.
func (s *SQLiteStore) Cancel(ctx context.Context, taskID string) error {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	if err := closeOpenRun(ctx, tx, taskID, taskdomain.RunFailed, "task cancelled", taskdomain.Snapshot{}, "", now); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, next_run_at = NULL, updated_at = ? WHERE id = ?
`, string(taskdomain.StatusCancelled), ms(now), taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return taskdomain.ErrTaskNotFound
	}
	return tx.Commit()
}

// RecordRun persists a run record, assigning an id when empty.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *taskdomain.Run) (*taskdomain.Run, error) {
	if run.ID == "" {
		run.ID = id.NewRunID()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_runs (id, task_id, started_at, completed_at, status, error,
                       tokens_used, estimated_cost_usd, wall_clock_ms,
                       tool_calls_made, memory_writes_made, result_text)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, run.ID, run.TaskID, ms(run.StartedAt), msPtr(run.CompletedAt), string(run.Status),
		run.Error, run.BudgetConsumed.TokensUsed, run.BudgetConsumed.EstimatedCostUSD,
		run.BudgetConsumed.WallClockMs, run.BudgetConsumed.ToolCallsMade,
		run.BudgetConsumed.MemoryWritesMade, run.ResultText)
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	return run, nil
}

// Runs returns run history for a task, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, taskID string, limit int) ([]*taskdomain.Run, error) {
	query := `
SELECT id, task_id, started_at, completed_at, status, error, tokens_used,
       estimated_cost_usd, wall_clock_ms, tool_calls_made, memory_writes_made,
       result_text
FROM task_runs WHERE task_id = ? ORDER BY started_at DESC, id DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*taskdomain.Run
	for rows.Next() {
		var run taskdomain.Run
		var startedAt int64
		var completedAt sql.NullInt64
		var status string
		if err := rows.Scan(&run.ID, &run.TaskID, &startedAt, &completedAt, &status,
			&run.Error, &run.BudgetConsumed.TokensUsed, &run.BudgetConsumed.EstimatedCostUSD,
			&run.BudgetConsumed.WallClockMs, &run.BudgetConsumed.ToolCallsMade,
			&run.BudgetConsumed.MemoryWritesMade, &run.ResultText); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = fromMS(startedAt)
		if completedAt.Valid {
			at := fromMS(completedAt.Int64)
			run.CompletedAt = &at
		}
		run.Status = taskdomain.RunStatus(status)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// SumSpend sums estimated cost over runs completed in the current local
// day or month. Failed and budget-aborted runs count too: the spend is
// incurred regardless of outcome.
func (s *SQLiteStore) SumSpend(ctx context.Context, period taskdomain.Period) (float64, error) {
	now := time.Now()
	var start time.Time
	switch period {
	case taskdomain.PeriodDay:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	case taskdomain.PeriodMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.Local)
	default:
		return 0, fmt.Errorf("unknown spend period %q", period)
	}

	var total float64
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(estimated_cost_usd), 0)
FROM task_runs
WHERE completed_at IS NOT NULL AND completed_at >= ?
`, ms(start)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum %s spend: %w", period, err)
	}
	return total, nil
}

// MarkStaleRunning recovers tasks left running by a dead process:
// recurring tasks go back to scheduled and become immediately claimable,
// one-shot tasks are failed.
func (s *SQLiteStore) MarkStaleRunning(ctx context.Context, reason string) error {
	stale, err := s.ListByStatus(ctx, taskdomain.StatusRunning, 0)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, t := range stale {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stale recovery: %w", err)
		}
		if err := closeOpenRun(ctx, tx, t.ID, taskdomain.RunFailed, reason, taskdomain.Snapshot{}, "", now); err != nil {
			tx.Rollback()
			return err
		}
		if t.Schedule.IsRecurring() || t.Schedule.EventTrigger != "" {
			_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, next_run_at = ?, updated_at = ?, last_error = ? WHERE id = ?
`, string(taskdomain.StatusScheduled), ms(now), ms(now), reason, t.ID)
		} else {
			_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, next_run_at = NULL, updated_at = ?, last_error = ? WHERE id = ?
`, string(taskdomain.StatusFailed), ms(now), reason, t.ID)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("recover stale task %s: %w", t.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit stale recovery: %w", err)
		}
		s.logger.Warn("task store: recovered stale running task %s (%s)", t.ID, t.Name)
	}
	return nil
}

// DeleteExpired removes terminal tasks last touched before the cutoff.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE status IN (?, ?, ?) AND updated_at < ?
`, string(taskdomain.StatusCompleted), string(taskdomain.StatusDeadLetter),
		string(taskdomain.StatusCancelled), ms(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// --- row encoding -----------------------------------------------------------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).In(time.Local)
}

func encodeTask(t *taskdomain.Task) (toolsAllowed, toolsDenied, route, budget string, snapshot any, err error) {
	allowed, err := json.Marshal(emptyIfNil(t.ToolsAllowed))
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("encode tools allowed: %w", err)
	}
	denied, err := json.Marshal(emptyIfNil(t.ToolsDenied))
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("encode tools denied: %w", err)
	}
	routeJSON, err := json.Marshal(t.Route)
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("encode route: %w", err)
	}
	budgetJSON, err := json.Marshal(t.Budget)
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("encode budget: %w", err)
	}
	var snapshotVal any
	if t.LastSnapshot != nil {
		data, err := json.Marshal(t.LastSnapshot)
		if err != nil {
			return "", "", "", "", nil, fmt.Errorf("encode snapshot: %w", err)
		}
		snapshotVal = string(data)
	}
	return string(allowed), string(denied), string(routeJSON), string(budgetJSON), snapshotVal, nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// rowScanner lets scanTask work for both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*taskdomain.Task, error) {
	var (
		t              taskdomain.Task
		typ, status    string
		toolsAllowed   string
		toolsDenied    string
		route          string
		budget         string
		runImmediately int
		nextRunAt      sql.NullInt64
		lastRunAt      sql.NullInt64
		createdAt      int64
		updatedAt      int64
		snapshot       sql.NullString
	)
	err := row.Scan(&t.ID, &typ, &t.Name, &t.Prompt, &t.SystemPrompt, &t.ConversationID,
		&toolsAllowed, &toolsDenied, &route, &t.Schedule.CronExpr, &t.Schedule.IntervalMs,
		&t.Schedule.EventTrigger, &runImmediately, &budget, &status, &t.Priority,
		&nextRunAt, &lastRunAt, &t.RetryCount, &t.MaxRetries,
		&createdAt, &updatedAt, &t.LastError, &snapshot)
	if err != nil {
		return nil, err
	}

	t.Type = taskdomain.Type(typ)
	t.Status = taskdomain.Status(status)
	t.Schedule.RunImmediately = runImmediately != 0
	if err := json.Unmarshal([]byte(toolsAllowed), &t.ToolsAllowed); err != nil {
		return nil, fmt.Errorf("decode tools allowed: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsDenied), &t.ToolsDenied); err != nil {
		return nil, fmt.Errorf("decode tools denied: %w", err)
	}
	if err := json.Unmarshal([]byte(route), &t.Route); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	if err := json.Unmarshal([]byte(budget), &t.Budget); err != nil {
		return nil, fmt.Errorf("decode budget: %w", err)
	}
	if nextRunAt.Valid {
		at := fromMS(nextRunAt.Int64)
		t.NextRunAt = &at
	}
	if lastRunAt.Valid {
		at := fromMS(lastRunAt.Int64)
		t.LastRunAt = &at
	}
	t.CreatedAt = fromMS(createdAt)
	t.UpdatedAt = fromMS(updatedAt)
	if snapshot.Valid && snapshot.String != "" {
		var snap taskdomain.Snapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		t.LastSnapshot = &snap
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*taskdomain.Task, error) {
	var tasks []*taskdomain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
