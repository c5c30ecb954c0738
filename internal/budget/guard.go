// Package budget enforces spend limits: a per-run Guard that aborts an
// agent stream the moment any limit is crossed, and a GlobalGuard that
// pauses the scheduler when daily or monthly USD rollups breach.
package budget

import (
	"context"
	"sync"
	"time"

	"spaceduck/internal/domain/task"
	"spaceduck/internal/events"
	"spaceduck/internal/ports"
	"spaceduck/internal/shared/logging"
)

// warnThreshold is the consumed fraction at which a single budget warning
// fires.
const warnThreshold = 0.8

// estimatedCharsPerToken backs the cheap streaming estimate used before
// the provider reports exact usage.
const estimatedCharsPerToken = 3

// Guard owns the cancellation signal and wall-clock timer for one run.
// Every mutation re-evaluates the limits; crossing one aborts the signal
// with a *task.BudgetExceededError cause. Exactly one budget_exceeded
// event is emitted per guard. Dispose must be called on every terminal
// path.
type Guard struct {
	task   *task.Task
	limits task.Limits
	bus    *events.Bus
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu           sync.Mutex
	start        time.Time
	timer        *time.Timer
	tokensUsed   int
	costUSD      float64
	toolCalls    int
	memoryWrites int
	warned       bool
	aborted      bool
	disposed     bool
}

// NewGuard builds a guard for one run of t with already-merged effective
// limits. The returned guard's Context is derived from parent.
func NewGuard(parent context.Context, t *task.Task, limits task.Limits, bus *events.Bus, logger logging.Logger) *Guard {
	ctx, cancel := context.WithCancelCause(parent)
	g := &Guard{
		task:   t,
		limits: limits,
		bus:    bus,
		logger: logging.OrNop(logger),
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
	}
	if wall := limits.MaxWallClock(); wall > 0 {
		g.timer = time.AfterFunc(wall, func() {
			g.abort(task.ReasonWallClock)
		})
	}
	return g
}

// Context is the run's cancellation signal. Its cause is a
// *task.BudgetExceededError after a budget abort.
func (g *Guard) Context() context.Context {
	return g.ctx
}

// Snapshot returns the live accounting for the run. WallClockMs is
// computed from the guard's start instant.
func (g *Guard) Snapshot() task.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Guard) snapshotLocked() task.Snapshot {
	return task.Snapshot{
		TokensUsed:       g.tokensUsed,
		EstimatedCostUSD: g.costUSD,
		WallClockMs:      time.Since(g.start).Milliseconds(),
		ToolCallsMade:    g.toolCalls,
		MemoryWritesMade: g.memoryWrites,
	}
}

// TrackChars adds a cheap token estimate for n streamed characters.
func (g *Guard) TrackChars(n int) {
	if n <= 0 {
		return
	}
	g.mutate(func() {
		g.tokensUsed += (n + estimatedCharsPerToken - 1) / estimatedCharsPerToken
	})
}

// TrackExactTokens adds n tokens to the running count.
func (g *Guard) TrackExactTokens(n int) {
	if n <= 0 {
		return
	}
	g.mutate(func() { g.tokensUsed += n })
}

// ReplaceWithExactUsage overwrites the estimated token count with the
// provider-reported input+output total, and the estimated cost with
// costUSD. Called when a usage chunk arrives.
func (g *Guard) ReplaceWithExactUsage(usage ports.TokenUsage, costUSD float64) {
	g.mutate(func() {
		g.tokensUsed = usage.InputTokens + usage.OutputTokens
		g.costUSD = costUSD
	})
}

// TrackToolCall counts one tool invocation.
func (g *Guard) TrackToolCall() {
	g.mutate(func() { g.toolCalls++ })
}

// TrackMemoryWrite counts one successful memory write.
func (g *Guard) TrackMemoryWrite() {
	g.mutate(func() { g.memoryWrites++ })
}

// TrackCost adds usd to the running cost estimate.
func (g *Guard) TrackCost(usd float64) {
	if usd <= 0 {
		return
	}
	g.mutate(func() { g.costUSD += usd })
}

// MemoryWritesExhausted reports whether the memory-write budget is used
// up. A zero limit means unlimited.
func (g *Guard) MemoryWritesExhausted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits.MaxMemoryWrites > 0 && g.memoryWrites >= g.limits.MaxMemoryWrites
}

// mutate applies fn under the lock, then re-evaluates thresholds and
// performs any resulting emissions outside the lock.
func (g *Guard) mutate(fn func()) {
	g.mu.Lock()
	if g.aborted {
		g.mu.Unlock()
		return
	}
	fn()

	tokenPct, costPct := g.consumedLocked()
	var warnPct float64
	if !g.warned && max(tokenPct, costPct) >= warnThreshold {
		g.warned = true
		warnPct = max(tokenPct, costPct)
	}
	reason := g.exceededReasonLocked(tokenPct, costPct)
	snapshot := g.snapshotLocked()
	g.mu.Unlock()

	// A jump straight past the limit still announces the crossed warning
	// threshold, ordered before the terminal budget_exceeded.
	if warnPct > 0 && g.bus != nil {
		g.bus.Emit(task.EventBudgetWarning, task.BudgetWarningEvent{
			Task:         g.task,
			Snapshot:     snapshot,
			ThresholdPct: warnPct,
		})
	}
	if reason != "" {
		g.abort(reason)
	}
}

func (g *Guard) consumedLocked() (tokenPct, costPct float64) {
	if g.limits.MaxTokens > 0 {
		tokenPct = float64(g.tokensUsed) / float64(g.limits.MaxTokens)
	}
	if g.limits.MaxCostUSD > 0 {
		costPct = g.costUSD / g.limits.MaxCostUSD
	}
	return tokenPct, costPct
}

func (g *Guard) exceededReasonLocked(tokenPct, costPct float64) task.BudgetReason {
	switch {
	case tokenPct >= 1:
		return task.ReasonTokens
	case costPct >= 1:
		return task.ReasonCost
	case g.limits.MaxToolCalls > 0 && g.toolCalls >= g.limits.MaxToolCalls:
		return task.ReasonToolCalls
	case g.limits.MaxMemoryWrites > 0 && g.memoryWrites >= g.limits.MaxMemoryWrites:
		return task.ReasonMemoryWrites
	default:
		return ""
	}
}

// abort performs the one-shot budget abort: stop the wall-clock timer,
// emit budget_exceeded, cancel the signal with the typed cause.
func (g *Guard) abort(reason task.BudgetReason) {
	g.mu.Lock()
	if g.aborted {
		g.mu.Unlock()
		return
	}
	g.aborted = true
	if g.timer != nil {
		g.timer.Stop()
	}
	snapshot := g.snapshotLocked()
	g.mu.Unlock()

	g.logger.Warn("budget: task %s aborted, limit=%s tokens=%d cost=%.6f",
		g.task.ID, reason, snapshot.TokensUsed, snapshot.EstimatedCostUSD)

	if g.bus != nil {
		g.bus.Emit(task.EventBudgetExceeded, task.BudgetExceededEvent{
			Task:          g.task,
			Snapshot:      snapshot,
			LimitExceeded: reason,
		})
	}
	g.cancel(&task.BudgetExceededError{Reason: reason, Snapshot: snapshot})
}

// Aborted reports whether the guard has fired its budget abort.
func (g *Guard) Aborted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aborted
}

// Dispose releases the wall-clock timer and the signal. Idempotent; must
// run on success, failure and abort paths alike.
func (g *Guard) Dispose() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.cancel(context.Canceled)
}
