package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"spaceduck/internal/budget"
	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/events"
	"spaceduck/internal/shared/logging"
)

// QueueConfig bounds the dispatch loop and its retry policy.
type QueueConfig struct {
	MaxConcurrent int64
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// normalized fills unusable zero values.
func (c QueueConfig) normalized() QueueConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// TaskRunner executes one task attempt. *Runner is the production
// implementation.
type TaskRunner interface {
	Run(ctx context.Context, t *taskdomain.Task, chainedContext string) (*RunResult, error)
}

// Queue claims due tasks and executes them on bounded goroutines, one at
// a time per conversation. Failures retry with exponential backoff until
// maxRetries; budget aborts bypass retries and dead-letter immediately.
type Queue struct {
	cfg    QueueConfig
	store  taskdomain.Store
	runner TaskRunner
	global *budget.GlobalGuard
	bus    *events.Bus
	logger logging.Logger

	sem      *semaphore.Weighted
	locks    *RunLocks
	draining atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	chained map[string]string
}

// NewQueue wires the dispatch loop. global may be nil to disable the
// spend rollup check.
func NewQueue(cfg QueueConfig, store taskdomain.Store, runner TaskRunner, global *budget.GlobalGuard,
	bus *events.Bus, logger logging.Logger) *Queue {
	cfg = cfg.normalized()
	return &Queue{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		global:  global,
		bus:     bus,
		logger:  logging.OrNop(logger),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		locks:   NewRunLocks(),
		chained: make(map[string]string),
	}
}

// Enqueue announces a task as scheduled. The actual claim happens in
// Drain, so a task enqueued twice is still executed once.
func (q *Queue) Enqueue(t *taskdomain.Task) {
	q.bus.Emit(taskdomain.EventScheduled, taskdomain.ScheduledEvent{Task: t})
}

// Drain claims due tasks until the concurrency budget or the due set is
// exhausted. Reentrant calls while a drain is in flight are no-ops; every
// finished execution re-invokes Drain.
func (q *Queue) Drain(ctx context.Context) {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}
		if !q.sem.TryAcquire(1) {
			return
		}
		t, err := q.store.Claim(ctx, time.Now())
		if err != nil {
			q.sem.Release(1)
			q.logger.Error("queue: claim failed: %v", err)
			return
		}
		if t == nil {
			q.sem.Release(1)
			return
		}
		q.wg.Add(1)
		go func(t *taskdomain.Task) {
			defer q.wg.Done()
			func() {
				defer q.sem.Release(1)
				q.execute(ctx, t)
			}()
			// The slot must be released before the re-drain or a
			// fully-loaded queue could never pick up the next due task.
			q.Drain(ctx)
		}(t)
	}
}

// WaitIdle blocks until every in-flight execution has finished.
func (q *Queue) WaitIdle() {
	q.wg.Wait()
}

// SetChainedContext stages the context string handed to taskID on its
// next run.
func (q *Queue) SetChainedContext(taskID, chainedContext string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chained[taskID] = chainedContext
}

func (q *Queue) takeChainedContext(taskID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	chainedContext := q.chained[taskID]
	delete(q.chained, taskID)
	return chainedContext
}

// execute runs one claimed task end to end: lock its conversation lane,
// run it, then settle the outcome in the store and on the bus. The
// settlement writes use a non-cancellable context so a run that finished
// while the scheduler was shutting down is still recorded.
func (q *Queue) execute(ctx context.Context, t *taskdomain.Task) {
	settleCtx := context.WithoutCancel(ctx)

	if t.ConversationID != "" {
		release, err := q.locks.Acquire(ctx, t.ConversationID)
		if err != nil {
			q.logger.Warn("queue: task %s abandoned waiting for conversation %s: %v", t.ID, t.ConversationID, err)
			q.settleFailure(settleCtx, t, err, taskdomain.Snapshot{})
			return
		}
		defer release()
	}

	q.bus.Emit(taskdomain.EventStarted, taskdomain.StartedEvent{Task: t})

	result, err := q.runner.Run(ctx, t, q.takeChainedContext(t.ID))
	snapshot := taskdomain.Snapshot{}
	if result != nil {
		snapshot = result.Snapshot
	}
	if err != nil {
		q.settleFailure(settleCtx, t, err, snapshot)
		return
	}

	if err := q.store.Complete(settleCtx, t.ID, snapshot, result.Response); err != nil {
		q.logger.Error("queue: complete task %s: %v", t.ID, err)
		return
	}
	post, err := q.store.Get(settleCtx, t.ID)
	if err != nil || post == nil {
		q.logger.Error("queue: re-read task %s after complete: %v", t.ID, err)
		post = t
	}
	q.bus.Emit(taskdomain.EventCompleted, taskdomain.CompletedEvent{Task: post, Snapshot: snapshot})

	if q.global != nil {
		q.global.CheckAndEnforce(settleCtx, post, snapshot)
	}
	if t.Route.Kind == taskdomain.RouteChainNext {
		q.chainNext(ctx, t, result.Response)
	}
}

// settleFailure applies the retry/dead-letter policy. A typed budget
// abort is terminal regardless of remaining retries.
func (q *Queue) settleFailure(ctx context.Context, t *taskdomain.Task, runErr error, snapshot taskdomain.Snapshot) {
	var budgetErr *taskdomain.BudgetExceededError
	budgetAbort := errors.As(runErr, &budgetErr)

	// MaxRetries bounds the number of retries, so the task dead-letters on
	// the attempt after the last allowed retry.
	if budgetAbort || t.RetryCount >= q.cfg.MaxRetries {
		if err := q.store.DeadLetter(ctx, t.ID, runErr.Error(), budgetAbort, snapshot); err != nil {
			q.logger.Error("queue: dead-letter task %s: %v", t.ID, err)
			return
		}
		q.logger.Warn("queue: task %s dead-lettered: %v", t.ID, runErr)
		q.bus.Emit(taskdomain.EventDeadLetter, taskdomain.DeadLetterEvent{Task: t, Error: runErr.Error()})
		return
	}

	if err := q.store.Fail(ctx, t.ID, runErr.Error(), snapshot); err != nil {
		q.logger.Error("queue: record failure for task %s: %v", t.ID, err)
		return
	}
	retryCount := t.RetryCount + 1
	q.bus.Emit(taskdomain.EventFailed, taskdomain.FailedEvent{Task: t, Error: runErr.Error(), RetryCount: retryCount})

	backoff := q.backoff(t.RetryCount)
	nextRunAt := time.Now().Add(backoff)
	status := taskdomain.StatusScheduled
	if _, err := q.store.Update(ctx, t.ID, taskdomain.Patch{Status: &status, NextRunAt: &nextRunAt}); err != nil {
		q.logger.Error("queue: schedule retry for task %s: %v", t.ID, err)
		return
	}
	q.logger.Info("queue: task %s retry %d/%d in %s", t.ID, retryCount, q.cfg.MaxRetries, backoff)
}

// backoff computes min(base * 2^attempt, max).
func (q *Queue) backoff(attempt int) time.Duration {
	backoff := q.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if backoff > q.cfg.BackoffMax {
		backoff = q.cfg.BackoffMax
	}
	return backoff
}

// chainNext makes the chained task immediately due, staging the finished
// response as its context when the route asks for it. The store writes
// survive a cancelled drain context; only the trailing drain honors it.
func (q *Queue) chainNext(ctx context.Context, t *taskdomain.Task, response string) {
	settleCtx := context.WithoutCancel(ctx)
	next, err := q.store.Get(settleCtx, t.Route.ChainTaskID)
	if err != nil {
		q.logger.Error("queue: load chained task %s: %v", t.Route.ChainTaskID, err)
		return
	}
	if next == nil {
		q.logger.Warn("queue: task %s chains to unknown task %s", t.ID, t.Route.ChainTaskID)
		return
	}
	if next.Status.IsTerminal() || next.Status == taskdomain.StatusRunning {
		q.logger.Warn("queue: chained task %s not eligible (status %s)", next.ID, next.Status)
		return
	}
	if t.Route.ContextFromResult {
		q.SetChainedContext(next.ID, response)
	}

	now := time.Now()
	status := taskdomain.StatusScheduled
	updated, err := q.store.Update(settleCtx, next.ID, taskdomain.Patch{Status: &status, NextRunAt: &now})
	if err != nil {
		q.logger.Error("queue: schedule chained task %s: %v", next.ID, err)
		return
	}
	q.Enqueue(updated)
	q.Drain(ctx)
}
