// Package id generates the identifiers used across the scheduler core.
package id

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// NewTaskID returns a new opaque task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// NewRunID returns a new, time-sortable run identifier.
func NewRunID() string {
	return ksuid.New().String()
}

// NewTaskConversationID synthesizes a conversation id for a task that has no
// explicit conversation binding.
func NewTaskConversationID(taskID string) string {
	return fmt.Sprintf("task-%s-%s", taskID, ksuid.New().String())
}
