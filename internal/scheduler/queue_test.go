package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceduck/internal/cron"
	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/events"
	infratask "spaceduck/internal/infra/task"
)

// stubRunner lets each test script run outcomes.
type stubRunner struct {
	mu    sync.Mutex
	fn    func(t *taskdomain.Task, chained string) (*RunResult, error)
	calls []stubCall
}

type stubCall struct {
	taskID  string
	chained string
}

func (s *stubRunner) Run(_ context.Context, t *taskdomain.Task, chained string) (*RunResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stubCall{taskID: t.ID, chained: chained})
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return &RunResult{Response: "ok"}, nil
	}
	return fn(t, chained)
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newQueueStore(t *testing.T) *infratask.SQLiteStore {
	t.Helper()
	db, err := infratask.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := infratask.NewSQLiteStore(db, cron.New(), nil)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

// collectEvents subscribes one recorder per event name.
func collectEvents(bus *events.Bus, names ...string) map[string]*[]any {
	out := make(map[string]*[]any, len(names))
	var mu sync.Mutex
	for _, name := range names {
		name := name
		got := &[]any{}
		out[name] = got
		bus.On(name, func(payload any) {
			mu.Lock()
			defer mu.Unlock()
			*got = append(*got, payload)
		})
	}
	return out
}

func createImmediate(t *testing.T, store *infratask.SQLiteStore, name string) *taskdomain.Task {
	t.Helper()
	created, err := store.Create(context.Background(), taskdomain.CreateInput{
		Name:     name,
		Prompt:   "p",
		Route:    taskdomain.Silent(),
		Schedule: taskdomain.Schedule{RunImmediately: true},
	})
	require.NoError(t, err)
	return created
}

func TestQueue_CompletesAndEmitsInOrder(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{taskdomain.EventStarted, taskdomain.EventCompleted} {
		name := name
		bus.On(name, func(any) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	runner := &stubRunner{fn: func(*taskdomain.Task, string) (*RunResult, error) {
		return &RunResult{Response: "done", Snapshot: taskdomain.Snapshot{TokensUsed: 5}}, nil
	}}
	queue := NewQueue(QueueConfig{MaxConcurrent: 1, MaxRetries: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
		store, runner, nil, bus, nil)

	created := createImmediate(t, store, "one")
	queue.Drain(context.Background())
	queue.WaitIdle()

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusCompleted, got.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{taskdomain.EventStarted, taskdomain.EventCompleted}, order)
}

func TestQueue_BudgetAbortDeadLettersImmediately(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)
	recorded := collectEvents(bus, taskdomain.EventFailed, taskdomain.EventDeadLetter)

	runner := &stubRunner{fn: func(*taskdomain.Task, string) (*RunResult, error) {
		snapshot := taskdomain.Snapshot{ToolCallsMade: 2}
		return &RunResult{Response: "partial", Snapshot: snapshot},
			&taskdomain.BudgetExceededError{Reason: taskdomain.ReasonToolCalls, Snapshot: snapshot}
	}}
	queue := NewQueue(QueueConfig{MaxConcurrent: 1, MaxRetries: 5, BackoffBase: time.Second, BackoffMax: time.Minute},
		store, runner, nil, bus, nil)

	created := createImmediate(t, store, "expensive")
	queue.Drain(context.Background())
	queue.WaitIdle()

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusDeadLetter, got.Status)

	assert.Empty(t, *recorded[taskdomain.EventFailed], "budget abort bypasses retries")
	require.Len(t, *recorded[taskdomain.EventDeadLetter], 1)

	runs, err := store.Runs(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, taskdomain.RunBudgetExceeded, runs[0].Status)
	assert.Equal(t, 2, runs[0].BudgetConsumed.ToolCallsMade)
}

func TestQueue_RetryBackoffThenDeadLetter(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)
	recorded := collectEvents(bus, taskdomain.EventFailed, taskdomain.EventDeadLetter)

	runner := &stubRunner{fn: func(*taskdomain.Task, string) (*RunResult, error) {
		return &RunResult{}, errors.New("network timeout")
	}}
	base := 40 * time.Millisecond
	queue := NewQueue(QueueConfig{MaxConcurrent: 1, MaxRetries: 3, BackoffBase: base, BackoffMax: time.Second},
		store, runner, nil, bus, nil)

	created := createImmediate(t, store, "flaky")
	ctx := context.Background()

	// Attempt k fails, reschedules with backoff base*2^(k-1), and the next
	// drain picks it up once due. The 4th attempt dead-letters.
	for attempt := 1; attempt <= 4; attempt++ {
		queue.Drain(ctx)
		queue.WaitIdle()

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		if attempt < 4 {
			require.Equal(t, taskdomain.StatusScheduled, got.Status, "attempt %d reschedules", attempt)
			require.Equal(t, attempt, got.RetryCount)
			require.NotNil(t, got.NextRunAt)
			wantBackoff := base << (attempt - 1)
			until := time.Until(*got.NextRunAt)
			assert.InDelta(t, wantBackoff.Milliseconds(), until.Milliseconds(), 30,
				"attempt %d backoff", attempt)
			time.Sleep(until + 10*time.Millisecond)
		} else {
			require.Equal(t, taskdomain.StatusDeadLetter, got.Status)
		}
	}

	failed := *recorded[taskdomain.EventFailed]
	require.Len(t, failed, 3)
	for i, payload := range failed {
		event := payload.(taskdomain.FailedEvent)
		assert.Equal(t, i+1, event.RetryCount)
		assert.Equal(t, "network timeout", event.Error)
	}
	require.Len(t, *recorded[taskdomain.EventDeadLetter], 1)
	assert.Equal(t, 4, runner.callCount())
}

func TestQueue_ChainNextPassesContext(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)
	ctx := context.Background()

	next, err := store.Create(ctx, taskdomain.CreateInput{
		Name:   "B",
		Prompt: "follow up",
		Route:  taskdomain.Silent(),
	})
	require.NoError(t, err)

	first, err := store.Create(ctx, taskdomain.CreateInput{
		Name:     "A",
		Prompt:   "lead",
		Route:    taskdomain.ChainNext(next.ID, true),
		Schedule: taskdomain.Schedule{RunImmediately: true},
	})
	require.NoError(t, err)

	runner := &stubRunner{fn: func(t *taskdomain.Task, _ string) (*RunResult, error) {
		if t.Name == "A" {
			return &RunResult{Response: "R1"}, nil
		}
		return &RunResult{Response: "R2"}, nil
	}}
	// One slot: B can only run if A's completion re-drain frees and
	// reuses it.
	queue := NewQueue(QueueConfig{MaxConcurrent: 1, MaxRetries: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
		store, runner, nil, bus, nil)

	queue.Drain(ctx)
	queue.WaitIdle()

	gotFirst, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusCompleted, gotFirst.Status)

	gotNext, err := store.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusCompleted, gotNext.Status)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.calls, 2)
	assert.Equal(t, first.ID, runner.calls[0].taskID)
	assert.Equal(t, "", runner.calls[0].chained)
	assert.Equal(t, next.ID, runner.calls[1].taskID)
	assert.Equal(t, "R1", runner.calls[1].chained)
}

func TestQueue_CompletionRedrainsFreedSlot(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)

	runner := &stubRunner{}
	queue := NewQueue(QueueConfig{MaxConcurrent: 1, MaxRetries: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
		store, runner, nil, bus, nil)

	first := createImmediate(t, store, "first")
	second := createImmediate(t, store, "second")

	// A single drain fills the one slot with the first task; the second
	// must be picked up by the completion re-drain, not a later heartbeat.
	queue.Drain(context.Background())
	queue.WaitIdle()

	assert.Equal(t, 2, runner.callCount())
	for _, id := range []string{first.ID, second.ID} {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, taskdomain.StatusCompleted, got.Status)
	}
}

func TestQueue_SettlesAfterContextCancelled(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)

	started := make(chan struct{})
	finish := make(chan struct{})
	runner := &stubRunner{fn: func(*taskdomain.Task, string) (*RunResult, error) {
		close(started)
		<-finish
		return &RunResult{Response: "late", Snapshot: taskdomain.Snapshot{EstimatedCostUSD: 0.5}}, nil
	}}
	queue := NewQueue(QueueConfig{MaxConcurrent: 1, MaxRetries: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
		store, runner, nil, bus, nil)

	created := createImmediate(t, store, "in flight at shutdown")
	ctx, cancel := context.WithCancel(context.Background())
	queue.Drain(ctx)
	<-started

	// Shutdown cancels the drain context while the run is in flight; the
	// finished run must still be recorded with its spend.
	cancel()
	close(finish)
	queue.WaitIdle()

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusCompleted, got.Status)

	runs, err := store.Runs(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].CompletedAt)
	assert.Equal(t, 0.5, runs[0].BudgetConsumed.EstimatedCostUSD)

	spend, err := store.SumSpend(context.Background(), taskdomain.PeriodDay)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, spend, 1e-9)
}

func TestQueue_BoundsConcurrency(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	gate := make(chan struct{})
	runner := &stubRunner{fn: func(*taskdomain.Task, string) (*RunResult, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		<-gate
		mu.Lock()
		active--
		mu.Unlock()
		return &RunResult{}, nil
	}}
	queue := NewQueue(QueueConfig{MaxConcurrent: 2, MaxRetries: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
		store, runner, nil, bus, nil)

	for i := 0; i < 5; i++ {
		createImmediate(t, store, fmt.Sprintf("task-%d", i))
	}

	ctx := context.Background()
	queue.Drain(ctx)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	queue.WaitIdle()
	// Workers re-drain as they finish; settle the remainder.
	for i := 0; i < 5 && runner.callCount() < 5; i++ {
		queue.Drain(ctx)
		queue.WaitIdle()
	}

	assert.Equal(t, 5, runner.callCount())
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 2)
	assert.Equal(t, 2, maxSeen, "both slots were used")
}

func TestQueue_SerializesSameConversation(t *testing.T) {
	store := newQueueStore(t)
	bus := events.NewBus(nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.Create(ctx, taskdomain.CreateInput{
			Name:           fmt.Sprintf("conv-task-%d", i),
			Prompt:         "p",
			ConversationID: "conv-shared",
			Route:          taskdomain.Silent(),
			Schedule:       taskdomain.Schedule{RunImmediately: true},
		})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		active  int
		overlap bool
	)
	runner := &stubRunner{fn: func(*taskdomain.Task, string) (*RunResult, error) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &RunResult{}, nil
	}}
	queue := NewQueue(QueueConfig{MaxConcurrent: 4, MaxRetries: 3, BackoffBase: time.Second, BackoffMax: time.Minute},
		store, runner, nil, bus, nil)

	queue.Drain(ctx)
	queue.WaitIdle()

	assert.Equal(t, 2, runner.callCount())
	assert.False(t, overlap, "tasks sharing a conversation must not run concurrently")
}

func TestQueue_BackoffCapped(t *testing.T) {
	queue := NewQueue(QueueConfig{MaxConcurrent: 1, MaxRetries: 10,
		BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}, nil, nil, nil, events.NewBus(nil), nil)

	assert.Equal(t, 100*time.Millisecond, queue.backoff(0))
	assert.Equal(t, 200*time.Millisecond, queue.backoff(1))
	assert.Equal(t, 800*time.Millisecond, queue.backoff(3))
	assert.Equal(t, time.Second, queue.backoff(4))
	assert.Equal(t, time.Second, queue.backoff(60), "large attempt counts must not overflow")
}
