// Package ports declares the collaborator contracts the scheduler core
// consumes: the agent loop it drives, the conversation store it binds runs
// to, and the memory store it routes results into. Implementations live
// outside the core.
package ports

import "context"

// ChunkKind tags the variants of an agent stream chunk.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkUsage    ChunkKind = "usage"
)

// TokenUsage is the provider-reported token accounting for one exchange.
// Cache fields are optional; zero means not reported.
type TokenUsage struct {
	Model            string `json:"model,omitempty"`
	InputTokens      int    `json:"input_tokens"`
	OutputTokens     int    `json:"output_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	CacheReadTokens  int    `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int    `json:"cache_write_tokens,omitempty"`
}

// Chunk is one tagged element of an agent stream.
type Chunk struct {
	Kind  ChunkKind
	Text  string      // ChunkText only
	Usage *TokenUsage // ChunkUsage only
}

// Stream is a consumable lazy sequence of chunks. Next blocks until the
// next chunk is available, the stream ends (io.EOF), or ctx is cancelled;
// cancellation is observable on the next call at the latest.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
}

// RunOptions carries the per-run agent configuration derived from the task
// definition.
type RunOptions struct {
	SystemPrompt string
	ToolsAllowed []string
	ToolsDenied  []string
}

// AgentLoop drives one agent conversation turn and streams its progress.
// The returned stream honors ctx cancellation at chunk boundaries.
type AgentLoop interface {
	Run(ctx context.Context, conversationID string, userMessage string, opts RunOptions) (Stream, error)
}
