// Package bus provides the event bus abstraction used to fan gateway-internal
// domain events (run/agent state transitions) out to the subscription hub.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a received Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract. Two implementations satisfy it: the
// NATS-backed Bus for production deployments and the in-memory Bus used when
// NATSConfig.URL is empty or in tests.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// Well-known subjects published by the gateway's C2/C3/C4/C6 components.
const (
	SubjectRunCreated       = "run.created"
	SubjectRunClaimed       = "run.claimed"
	SubjectRunStarted       = "run.started"
	SubjectRunFinished      = "run.finished"
	SubjectRunDeleted       = "run.deleted"
	SubjectCommandQueued    = "command.queued"
	SubjectCommandCompleted = "command.completed"
	SubjectAgentRegistered  = "agent.registered"
	SubjectAgentLiveness    = "agent.liveness"
	SubjectEventAppended    = "event.appended"
)
