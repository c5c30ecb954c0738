package ports

import (
	"context"
	"time"
)

// Conversation is the minimal conversation record the core needs.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore resolves and creates conversations for task runs.
// Load returns (nil, nil) when the conversation does not exist.
type ConversationStore interface {
	Load(ctx context.Context, id string) (*Conversation, error)
	Create(ctx context.Context, id string, title string) (*Conversation, error)
}
