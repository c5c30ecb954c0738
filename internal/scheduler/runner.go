package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"spaceduck/internal/budget"
	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/events"
	"spaceduck/internal/ports"
	"spaceduck/internal/pricing"
	"spaceduck/internal/shared/logging"
	id "spaceduck/internal/utils/id"
)

// RunResult is the outcome of one run. Response may be partial when the
// run was aborted mid-stream.
type RunResult struct {
	Response string
	Snapshot taskdomain.Snapshot
}

// Runner drives a single task through the agent stream under a budget
// guard, accumulates usage, and routes the result.
type Runner struct {
	agent         ports.AgentLoop
	conversations ports.ConversationStore
	memory        ports.MemoryStore
	pricing       *pricing.Lookup
	bus           *events.Bus
	logger        logging.Logger
	defaults      taskdomain.Limits
}

// NewRunner wires a runner. memory may be nil when no memory_update
// tasks exist; such routes then fail softly with a log line.
func NewRunner(agent ports.AgentLoop, conversations ports.ConversationStore, memory ports.MemoryStore,
	lookup *pricing.Lookup, bus *events.Bus, defaults taskdomain.Limits, logger logging.Logger) *Runner {
	return &Runner{
		agent:         agent,
		conversations: conversations,
		memory:        memory,
		pricing:       lookup,
		bus:           bus,
		logger:        logging.OrNop(logger),
		defaults:      defaults,
	}
}

// Run executes t once. chainedContext, when non-empty, is appended to the
// prompt inside a previous_task_output block. On a budget abort the
// returned error unwraps to *taskdomain.BudgetExceededError and the result
// still carries the partial response and final snapshot.
func (r *Runner) Run(ctx context.Context, t *taskdomain.Task, chainedContext string) (*RunResult, error) {
	limits := t.Budget.Merge(r.defaults)
	guard := budget.NewGuard(ctx, t, limits, r.bus, r.logger)
	defer guard.Dispose()

	convID, err := r.resolveConversation(ctx, t)
	if err != nil {
		return &RunResult{Snapshot: guard.Snapshot()}, err
	}

	message := t.Prompt
	if chainedContext != "" {
		message = fmt.Sprintf("%s\n\n<previous_task_output>\n%s\n</previous_task_output>", t.Prompt, chainedContext)
	}

	stream, err := r.agent.Run(guard.Context(), convID, message, ports.RunOptions{
		SystemPrompt: t.SystemPrompt,
		ToolsAllowed: t.ToolsAllowed,
		ToolsDenied:  t.ToolsDenied,
	})
	if err != nil {
		return &RunResult{Snapshot: guard.Snapshot()}, r.classify(guard, err)
	}

	var response strings.Builder
	for {
		chunk, err := stream.Next(guard.Context())
		if err == io.EOF {
			break
		}
		if err != nil {
			return &RunResult{Response: response.String(), Snapshot: guard.Snapshot()}, r.classify(guard, err)
		}
		switch chunk.Kind {
		case ports.ChunkText:
			response.WriteString(chunk.Text)
			guard.TrackChars(len(chunk.Text))
		case ports.ChunkToolCall:
			guard.TrackToolCall()
		case ports.ChunkUsage:
			if chunk.Usage != nil {
				cost := r.pricing.Estimate(chunk.Usage.Model, *chunk.Usage)
				guard.ReplaceWithExactUsage(*chunk.Usage, cost)
			}
		}
		if guard.Aborted() {
			break
		}
	}

	result := &RunResult{Response: response.String(), Snapshot: guard.Snapshot()}
	if guard.Aborted() {
		return result, r.classify(guard, context.Cause(guard.Context()))
	}

	r.route(ctx, t, guard, result)
	result.Snapshot = guard.Snapshot()
	return result, nil
}

// classify prefers the typed budget cause over the raw stream error, so
// the queue can match it without string inspection.
func (r *Runner) classify(guard *budget.Guard, err error) error {
	cause := context.Cause(guard.Context())
	var budgetErr *taskdomain.BudgetExceededError
	if errors.As(cause, &budgetErr) {
		return budgetErr
	}
	return err
}

// resolveConversation binds the run to the task's conversation, creating
// it when absent, or synthesizes a throwaway one.
func (r *Runner) resolveConversation(ctx context.Context, t *taskdomain.Task) (string, error) {
	convID := t.ConversationID
	if convID == "" {
		convID = id.NewTaskConversationID(t.ID)
	}
	conv, err := r.conversations.Load(ctx, convID)
	if err != nil {
		return "", fmt.Errorf("load conversation %s: %w", convID, err)
	}
	if conv == nil {
		if _, err := r.conversations.Create(ctx, convID, "Task: "+t.Name); err != nil {
			return "", fmt.Errorf("create conversation %s: %w", convID, err)
		}
	}
	return convID, nil
}

// route applies the task's result route. Only runs that finished without
// an abort are routed; chain_next is handled by the queue, which owns
// enqueueing.
func (r *Runner) route(ctx context.Context, t *taskdomain.Task, guard *budget.Guard, result *RunResult) {
	switch t.Route.Kind {
	case taskdomain.RouteSilent, taskdomain.RouteChainNext:
		// Nothing to deliver here.
	case taskdomain.RouteNotify:
		if r.bus != nil {
			r.bus.Emit(taskdomain.EventNotify, taskdomain.NotifyEvent{
				Task:     t,
				Snapshot: guard.Snapshot(),
				Response: result.Response,
			})
		}
	case taskdomain.RouteMemoryUpdate:
		if r.memory == nil {
			r.logger.Warn("runner: task %s routes to memory but no memory store is wired", t.ID)
			return
		}
		mem := &countingMemory{inner: r.memory, guard: guard}
		_, err := mem.Store(ctx, ports.MemoryInput{
			Kind:       "episode",
			Title:      t.Name,
			Content:    result.Response,
			Scope:      "global",
			Source:     ports.MemorySource{Type: "system", TaskID: t.ID},
			OccurredAt: time.Now(),
		})
		if err != nil {
			r.logger.Warn("runner: task %s memory write failed: %v", t.ID, err)
		}
	}
}

// errMemoryBudgetExhausted is returned by the counting proxy once the
// memory-write budget is used up.
var errMemoryBudgetExhausted = errors.New("memory write budget exhausted")

// countingMemory wraps a memory store so every successful write counts
// against the guard, and further writes are refused once the budget is
// exhausted.
type countingMemory struct {
	inner ports.MemoryStore
	guard *budget.Guard
}

func (m *countingMemory) Store(ctx context.Context, input ports.MemoryInput) (*ports.MemoryResult, error) {
	if m.guard.MemoryWritesExhausted() {
		return nil, errMemoryBudgetExhausted
	}
	result, err := m.inner.Store(ctx, input)
	if err != nil {
		return nil, err
	}
	m.guard.TrackMemoryWrite()
	return result, nil
}

func (m *countingMemory) Supersede(ctx context.Context, oldID string, input ports.MemoryInput) (*ports.MemoryResult, error) {
	if m.guard.MemoryWritesExhausted() {
		return nil, errMemoryBudgetExhausted
	}
	result, err := m.inner.Supersede(ctx, oldID, input)
	if err != nil {
		return nil, err
	}
	m.guard.TrackMemoryWrite()
	return result, nil
}
