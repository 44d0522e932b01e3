// Package streaming fans live execution events out to in-process watchers.
package streaming

import (
	"context"
	"slices"
	"time"
)

// StreamEvent is one live notification about an execution.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter selects events for a subscription. Zero fields match anything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	NodeID      string   `json:"node_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes every set field of f.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.ExecutionID != "" && f.ExecutionID != e.ExecutionID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case f.NodeID != "" && f.NodeID != e.NodeID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	}
	return true
}

// EventHub publishes execution events to filtered subscribers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	// Subscribe returns a channel of matching events and a func that ends
	// the subscription and closes the channel.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
