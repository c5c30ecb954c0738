package task

import (
	"fmt"
	"time"
)

// Limits bounds a single run across five dimensions. A zero field means
// "no per-task override": effective limits are resolved against the
// scheduler defaults with Merge, and a limit of zero after merging means
// unlimited for that dimension.
type Limits struct {
	MaxTokens       int     `json:"max_tokens,omitempty"`
	MaxCostUSD      float64 `json:"max_cost_usd,omitempty"`
	MaxWallClockMs  int64   `json:"max_wall_clock_ms,omitempty"`
	MaxToolCalls    int     `json:"max_tool_calls,omitempty"`
	MaxMemoryWrites int     `json:"max_memory_writes,omitempty"`
}

// Merge resolves the effective limits: task overrides win, unset fields
// fall back to defaults.
func (l Limits) Merge(defaults Limits) Limits {
	out := defaults
	if l.MaxTokens > 0 {
		out.MaxTokens = l.MaxTokens
	}
	if l.MaxCostUSD > 0 {
		out.MaxCostUSD = l.MaxCostUSD
	}
	if l.MaxWallClockMs > 0 {
		out.MaxWallClockMs = l.MaxWallClockMs
	}
	if l.MaxToolCalls > 0 {
		out.MaxToolCalls = l.MaxToolCalls
	}
	if l.MaxMemoryWrites > 0 {
		out.MaxMemoryWrites = l.MaxMemoryWrites
	}
	return out
}

// MaxWallClock returns the wall-clock limit as a duration. Zero when unset.
func (l Limits) MaxWallClock() time.Duration {
	return time.Duration(l.MaxWallClockMs) * time.Millisecond
}

// Snapshot is the accounting record for one run. All counters are
// non-negative and monotonic within a run.
type Snapshot struct {
	TokensUsed       int     `json:"tokens_used"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	WallClockMs      int64   `json:"wall_clock_ms"`
	ToolCallsMade    int     `json:"tool_calls_made"`
	MemoryWritesMade int     `json:"memory_writes_made"`
}

// BudgetReason identifies which limit a budget abort or breach hit.
type BudgetReason string

const (
	ReasonTokens        BudgetReason = "tokens"
	ReasonCost          BudgetReason = "cost"
	ReasonWallClock     BudgetReason = "wall_clock"
	ReasonToolCalls     BudgetReason = "tool_calls"
	ReasonMemoryWrites  BudgetReason = "memory_writes"
	ReasonGlobalDaily   BudgetReason = "global_daily"
	ReasonGlobalMonthly BudgetReason = "global_monthly"
)

// BudgetExceededError is the typed abort cause raised by a budget guard.
// The queue matches it with errors.As to bypass retries and dead-letter
// the task immediately.
type BudgetExceededError struct {
	Reason   BudgetReason
	Snapshot Snapshot
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s", e.Reason)
}
