package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceduck/internal/config"
	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/ports"
)

func TestEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(config.Default(), Deps{}, nil)
	assert.Error(t, err)
}

func TestEngine_EndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "engine.db")
	cfg.Scheduler.HeartbeatIntervalMs = 20

	agent := &fakeAgent{chunks: []ports.Chunk{
		text("all quiet"),
		usage(ports.TokenUsage{Model: "gpt-4o", InputTokens: 100, OutputTokens: 10, TotalTokens: 110}),
	}}
	engine, err := NewEngine(cfg, Deps{
		Agent:         agent,
		Conversations: &fakeConversations{},
		Memory:        &fakeMemory{},
	}, nil)
	require.NoError(t, err)

	completed := collectEvents(engine.Bus, taskdomain.EventCompleted)[taskdomain.EventCompleted]

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))

	created, err := engine.Store.Create(ctx, taskdomain.CreateInput{
		Name:     "digest",
		Prompt:   "summarize",
		Route:    taskdomain.Silent(),
		Schedule: taskdomain.Schedule{RunImmediately: true},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		engine.Queue.WaitIdle()
		return len(*completed) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	got, err := engine.Store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, taskdomain.StatusCompleted, got.Status)

	runs, err := engine.Store.Runs(ctx, created.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 110, runs[0].BudgetConsumed.TokensUsed)
	assert.Greater(t, runs[0].BudgetConsumed.EstimatedCostUSD, 0.0)

	require.NoError(t, engine.Stop(ctx))
}

func TestEngine_RecoverStaleOnStart(t *testing.T) {
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "engine.db")
	cfg.Scheduler.HeartbeatIntervalMs = 3_600_000

	deps := Deps{Agent: &fakeAgent{chunks: []ports.Chunk{text("ok")}}, Conversations: &fakeConversations{}}
	engine, err := NewEngine(cfg, deps, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, engine.Store.EnsureSchema(ctx))
	created, err := engine.Store.Create(ctx, taskdomain.CreateInput{
		Name:     "left running",
		Prompt:   "p",
		Route:    taskdomain.Silent(),
		Schedule: taskdomain.Schedule{IntervalMs: 60_000, RunImmediately: true},
	})
	require.NoError(t, err)
	_, err = engine.Store.Claim(ctx, time.Now())
	require.NoError(t, err)

	// Simulates a crashed process: the task is still running at boot.
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop(ctx)

	require.Eventually(t, func() bool {
		got, err := engine.Store.Get(ctx, created.ID)
		if err != nil || got == nil {
			return false
		}
		return got.Status == taskdomain.StatusScheduled || got.Status == taskdomain.StatusRunning
	}, time.Second, 10*time.Millisecond, "stale running task must become claimable again")
}
