package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published on the bus.
type EventType string

const (
	EventAnnounceReceived  EventType = "announce.received"
	EventDiscoverServed    EventType = "discover.served"
	EventRequestReceived   EventType = "request.received"
	EventRequestDispatched EventType = "request.dispatched"
	EventRequestResolved   EventType = "request.resolved"
	EventResponseDiscarded EventType = "response.discarded"
	EventStatusChanged     EventType = "status.changed"
	EventStatusBroadcast   EventType = "status.broadcast"
	EventReputationUpdated EventType = "reputation.updated"
	EventRecordExpired     EventType = "record.expired"

	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowEscalated EventType = "workflow.escalated"
)

// Event is the envelope published on the in-process event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for lifecycle events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
