package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"spaceduck/internal/budget"
	"spaceduck/internal/config"
	"spaceduck/internal/cron"
	"spaceduck/internal/events"
	infratask "spaceduck/internal/infra/task"
	"spaceduck/internal/observability"
	"spaceduck/internal/ports"
	"spaceduck/internal/pricing"
	"spaceduck/internal/shared/logging"
)

// Deps are the external collaborators the engine drives. Agent and
// Conversations are required; Memory may be nil when no task routes to
// memory.
type Deps struct {
	Agent         ports.AgentLoop
	Conversations ports.ConversationStore
	Memory        ports.MemoryStore
}

// Engine is the composition root of the task scheduler: it owns the
// database, the event bus, the guards, the queue and the heartbeat
// scheduler, and ties their lifecycles together.
type Engine struct {
	cfg    *config.Config
	logger logging.Logger

	db        *sql.DB
	Bus       *events.Bus
	Store     *infratask.SQLiteStore
	Pricing   *pricing.Lookup
	Global    *budget.GlobalGuard
	Runner    *Runner
	Queue     *Queue
	Scheduler *Scheduler
	Metrics   *observability.MetricsCollector
}

// NewEngine wires every component from config. Nothing starts running
// until Start.
func NewEngine(cfg *config.Config, deps Deps, logger logging.Logger) (*Engine, error) {
	if deps.Agent == nil || deps.Conversations == nil {
		return nil, fmt.Errorf("engine: agent loop and conversation store are required")
	}
	if logging.IsNil(logger) {
		logger = logging.NewLeveledLogger("scheduler", logging.ParseLevel(cfg.LogLevel))
	}

	db, err := infratask.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	store := infratask.NewSQLiteStore(db, cron.New(), logger)
	lookup := pricing.NewLookup(cfg.Pricing.Rates(), logger)
	global := budget.NewGlobalGuard(cfg.Budget.Global, store, bus, logger)

	runner := NewRunner(deps.Agent, deps.Conversations, deps.Memory, lookup, bus,
		cfg.Budget.Defaults.Limits(), logger)
	queue := NewQueue(QueueConfig{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxRetries:    cfg.Queue.MaxRetries,
		BackoffBase:   cfg.Queue.BackoffBase(),
		BackoffMax:    cfg.Queue.BackoffMax(),
	}, store, runner, global, bus, logger)
	sched := NewScheduler(SchedulerConfig{
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval(),
	}, store, queue, bus, logger)
	global.SetPauser(sched)

	metrics, err := observability.NewMetricsCollector(cfg.Metrics)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		Bus:       bus,
		Store:     store,
		Pricing:   lookup,
		Global:    global,
		Runner:    runner,
		Queue:     queue,
		Scheduler: sched,
		Metrics:   metrics,
	}, nil
}

// Start migrates the schema, recovers tasks left running by a previous
// process, attaches metrics, and starts the heartbeat scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("engine: ensure schema: %w", err)
	}
	if err := e.Store.MarkStaleRunning(ctx, "scheduler restarted"); err != nil {
		return fmt.Errorf("engine: recover stale tasks: %w", err)
	}
	e.Metrics.Observe(e.Bus)
	if err := e.Scheduler.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("engine: started")
	return nil
}

// Stop halts the scheduler, waits for in-flight runs, and closes the
// database.
func (e *Engine) Stop(ctx context.Context) error {
	e.Scheduler.Stop()
	e.Queue.WaitIdle()
	e.Metrics.Unobserve(e.Bus)
	if err := e.Metrics.Shutdown(ctx); err != nil {
		e.logger.Warn("engine: metrics shutdown: %v", err)
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("engine: close database: %w", err)
	}
	e.logger.Info("engine: stopped")
	return nil
}

// UpdateHeartbeat hot-applies a new heartbeat interval.
func (e *Engine) UpdateHeartbeat(cfg config.SchedulerConfig) {
	e.Scheduler.UpdateConfig(SchedulerConfig{HeartbeatInterval: cfg.HeartbeatInterval()})
}
