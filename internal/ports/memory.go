package ports

import (
	"context"
	"time"
)

// MemorySource records the provenance of a memory entry.
type MemorySource struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

// MemoryInput is a memory write request.
type MemoryInput struct {
	Kind       string       `json:"kind"`
	Title      string       `json:"title"`
	Content    string       `json:"content"`
	Scope      string       `json:"scope"`
	Source     MemorySource `json:"source"`
	Tags       []string     `json:"tags,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// MemoryResult identifies a stored memory.
type MemoryResult struct {
	ID string `json:"id"`
}

// MemoryStore is the write interface the core routes task responses into.
type MemoryStore interface {
	Store(ctx context.Context, input MemoryInput) (*MemoryResult, error)
	Supersede(ctx context.Context, oldID string, input MemoryInput) (*MemoryResult, error)
}
