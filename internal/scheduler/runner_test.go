package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceduck/internal/budget"
	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/events"
	"spaceduck/internal/ports"
	"spaceduck/internal/pricing"
)

// scriptedStream replays canned chunks and honors cancellation between
// chunks, like a provider stream would.
type scriptedStream struct {
	chunks []ports.Chunk
	i      int
}

func (s *scriptedStream) Next(ctx context.Context) (ports.Chunk, error) {
	if err := ctx.Err(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return ports.Chunk{}, cause
		}
		return ports.Chunk{}, err
	}
	if s.i >= len(s.chunks) {
		return ports.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.i]
	s.i++
	return chunk, nil
}

type fakeAgent struct {
	mu      sync.Mutex
	chunks  []ports.Chunk
	runErr  error
	convIDs []string
	msgs    []string
	opts    []ports.RunOptions
}

func (f *fakeAgent) Run(_ context.Context, conversationID, userMessage string, opts ports.RunOptions) (ports.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convIDs = append(f.convIDs, conversationID)
	f.msgs = append(f.msgs, userMessage)
	f.opts = append(f.opts, opts)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &scriptedStream{chunks: f.chunks}, nil
}

type fakeConversations struct {
	mu       sync.Mutex
	existing map[string]bool
	created  []string
}

func (f *fakeConversations) Load(_ context.Context, id string) (*ports.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing[id] {
		return &ports.Conversation{ID: id}, nil
	}
	return nil, nil
}

func (f *fakeConversations) Create(_ context.Context, id, title string) (*ports.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	if f.existing == nil {
		f.existing = map[string]bool{}
	}
	f.existing[id] = true
	return &ports.Conversation{ID: id, Title: title}, nil
}

type fakeMemory struct {
	mu     sync.Mutex
	stored []ports.MemoryInput
	err    error
}

func (f *fakeMemory) Store(_ context.Context, input ports.MemoryInput) (*ports.MemoryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.stored = append(f.stored, input)
	return &ports.MemoryResult{ID: "mem-1"}, nil
}

func (f *fakeMemory) Supersede(ctx context.Context, _ string, input ports.MemoryInput) (*ports.MemoryResult, error) {
	return f.Store(ctx, input)
}

func text(s string) ports.Chunk { return ports.Chunk{Kind: ports.ChunkText, Text: s} }

func toolCall() ports.Chunk { return ports.Chunk{Kind: ports.ChunkToolCall} }

func usage(u ports.TokenUsage) ports.Chunk {
	return ports.Chunk{Kind: ports.ChunkUsage, Usage: &u}
}

func newRunnerTask() *taskdomain.Task {
	return &taskdomain.Task{
		ID:     "task-1",
		Name:   "check feeds",
		Prompt: "summarize new items",
		Route:  taskdomain.Silent(),
		Status: taskdomain.StatusRunning,
	}
}

func newTestRunner(agent *fakeAgent, conv *fakeConversations, mem ports.MemoryStore,
	bus *events.Bus, defaults taskdomain.Limits) *Runner {
	return NewRunner(agent, conv, mem, pricing.NewLookup(nil, nil), bus, defaults, nil)
}

func TestRunner_SuccessAccumulatesResponse(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{text("hello "), text("world")}}
	conv := &fakeConversations{}
	runner := newTestRunner(agent, conv, nil, events.NewBus(nil), taskdomain.Limits{})

	result, err := runner.Run(context.Background(), newRunnerTask(), "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Response)
	// 11 chars at 3 chars/token, tracked per chunk: ceil(6/3)+ceil(5/3).
	assert.Equal(t, 4, result.Snapshot.TokensUsed)
}

func TestRunner_SynthesizesConversation(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{text("ok")}}
	conv := &fakeConversations{}
	runner := newTestRunner(agent, conv, nil, events.NewBus(nil), taskdomain.Limits{})

	_, err := runner.Run(context.Background(), newRunnerTask(), "")
	require.NoError(t, err)

	require.Len(t, conv.created, 1)
	assert.True(t, strings.HasPrefix(conv.created[0], "task-task-1-"))
	require.Len(t, agent.convIDs, 1)
	assert.Equal(t, conv.created[0], agent.convIDs[0])
}

func TestRunner_ReusesBoundConversation(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{text("ok")}}
	conv := &fakeConversations{existing: map[string]bool{"conv-7": true}}
	runner := newTestRunner(agent, conv, nil, events.NewBus(nil), taskdomain.Limits{})

	task := newRunnerTask()
	task.ConversationID = "conv-7"
	_, err := runner.Run(context.Background(), task, "")
	require.NoError(t, err)
	assert.Empty(t, conv.created)
	assert.Equal(t, []string{"conv-7"}, agent.convIDs)
}

func TestRunner_ChainedContextWrapsPrompt(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{text("ok")}}
	runner := newTestRunner(agent, &fakeConversations{}, nil, events.NewBus(nil), taskdomain.Limits{})

	_, err := runner.Run(context.Background(), newRunnerTask(), "R1")
	require.NoError(t, err)
	require.Len(t, agent.msgs, 1)
	assert.Equal(t, "summarize new items\n\n<previous_task_output>\nR1\n</previous_task_output>", agent.msgs[0])
}

func TestRunner_PassesToolPolicy(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{text("ok")}}
	runner := newTestRunner(agent, &fakeConversations{}, nil, events.NewBus(nil), taskdomain.Limits{})

	task := newRunnerTask()
	task.SystemPrompt = "be brief"
	task.ToolsAllowed = []string{"web_search"}
	task.ToolsDenied = []string{"shell"}
	_, err := runner.Run(context.Background(), task, "")
	require.NoError(t, err)

	require.Len(t, agent.opts, 1)
	assert.Equal(t, "be brief", agent.opts[0].SystemPrompt)
	assert.Equal(t, []string{"web_search"}, agent.opts[0].ToolsAllowed)
	assert.Equal(t, []string{"shell"}, agent.opts[0].ToolsDenied)
}

func TestRunner_UsageChunkReplacesEstimate(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{
		text(strings.Repeat("x", 300)),
		usage(ports.TokenUsage{Model: "gpt-4o", InputTokens: 150, OutputTokens: 5, TotalTokens: 155}),
	}}
	runner := newTestRunner(agent, &fakeConversations{}, nil, events.NewBus(nil), taskdomain.Limits{})

	result, err := runner.Run(context.Background(), newRunnerTask(), "")
	require.NoError(t, err)
	assert.Equal(t, 155, result.Snapshot.TokensUsed)
	assert.Greater(t, result.Snapshot.EstimatedCostUSD, 0.0)
}

func TestRunner_TokenAbortOnUsageChunk(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{
		text(strings.Repeat("x", 300)), // estimate 100, under the limit
		usage(ports.TokenUsage{Model: "gpt-4o", InputTokens: 250, OutputTokens: 5, TotalTokens: 255}),
		text("never consumed"),
	}}
	bus := events.NewBus(nil)
	runner := newTestRunner(agent, &fakeConversations{}, nil, bus, taskdomain.Limits{MaxTokens: 200})

	result, err := runner.Run(context.Background(), newRunnerTask(), "")
	require.Error(t, err)
	var budgetErr *taskdomain.BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, taskdomain.ReasonTokens, budgetErr.Reason)
	assert.Equal(t, 255, result.Snapshot.TokensUsed)
	assert.NotContains(t, result.Response, "never consumed")
}

func TestRunner_ToolCallAbortKeepsPartialResponse(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{
		text("partial"), toolCall(), toolCall(), toolCall(), text("tail"),
	}}
	runner := newTestRunner(agent, &fakeConversations{}, nil, events.NewBus(nil), taskdomain.Limits{MaxToolCalls: 2})

	result, err := runner.Run(context.Background(), newRunnerTask(), "")
	var budgetErr *taskdomain.BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, taskdomain.ReasonToolCalls, budgetErr.Reason)
	assert.Equal(t, 2, result.Snapshot.ToolCallsMade)
	assert.Equal(t, "partial", result.Response)
}

func TestRunner_AgentErrorPassesThrough(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	agent := &fakeAgent{runErr: wantErr}
	runner := newTestRunner(agent, &fakeConversations{}, nil, events.NewBus(nil), taskdomain.Limits{})

	_, err := runner.Run(context.Background(), newRunnerTask(), "")
	require.ErrorIs(t, err, wantErr)
}

func TestRunner_NotifyRouteEmitsEvent(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{text("news digest")}}
	bus := events.NewBus(nil)
	var notified []taskdomain.NotifyEvent
	bus.On(taskdomain.EventNotify, func(payload any) {
		notified = append(notified, payload.(taskdomain.NotifyEvent))
	})
	runner := newTestRunner(agent, &fakeConversations{}, nil, bus, taskdomain.Limits{})

	task := newRunnerTask()
	task.Route = taskdomain.Notify()
	_, err := runner.Run(context.Background(), task, "")
	require.NoError(t, err)

	require.Len(t, notified, 1)
	assert.Equal(t, "news digest", notified[0].Response)
	assert.Equal(t, task.ID, notified[0].Task.ID)
}

func TestRunner_MemoryRouteStoresEpisode(t *testing.T) {
	agent := &fakeAgent{chunks: []ports.Chunk{text("remember this")}}
	mem := &fakeMemory{}
	runner := newTestRunner(agent, &fakeConversations{}, mem, events.NewBus(nil), taskdomain.Limits{})

	task := newRunnerTask()
	task.Route = taskdomain.MemoryUpdate()
	result, err := runner.Run(context.Background(), task, "")
	require.NoError(t, err)

	require.Len(t, mem.stored, 1)
	assert.Equal(t, "episode", mem.stored[0].Kind)
	assert.Equal(t, "global", mem.stored[0].Scope)
	assert.Equal(t, "system", mem.stored[0].Source.Type)
	assert.Equal(t, task.ID, mem.stored[0].Source.TaskID)
	assert.Equal(t, "remember this", mem.stored[0].Content)
	assert.Equal(t, 1, result.Snapshot.MemoryWritesMade)
}

func TestCountingMemory_RefusesWhenExhausted(t *testing.T) {
	guard := budget.NewGuard(context.Background(), newRunnerTask(), taskdomain.Limits{MaxMemoryWrites: 1}, nil, nil)
	defer guard.Dispose()

	mem := &fakeMemory{}
	proxy := &countingMemory{inner: mem, guard: guard}

	_, err := proxy.Store(context.Background(), ports.MemoryInput{Kind: "episode"})
	require.NoError(t, err)
	require.True(t, guard.MemoryWritesExhausted())

	_, err = proxy.Store(context.Background(), ports.MemoryInput{Kind: "episode"})
	require.ErrorIs(t, err, errMemoryBudgetExhausted)
	assert.Len(t, mem.stored, 1)
}

func TestCountingMemory_FailedWriteDoesNotCount(t *testing.T) {
	guard := budget.NewGuard(context.Background(), newRunnerTask(), taskdomain.Limits{MaxMemoryWrites: 1}, nil, nil)
	defer guard.Dispose()

	mem := &fakeMemory{err: errors.New("store down")}
	proxy := &countingMemory{inner: mem, guard: guard}

	_, err := proxy.Store(context.Background(), ports.MemoryInput{Kind: "episode"})
	require.Error(t, err)
	assert.Zero(t, guard.Snapshot().MemoryWritesMade)
	assert.False(t, guard.MemoryWritesExhausted())
}
