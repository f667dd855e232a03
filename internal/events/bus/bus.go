// Package bus provides the event bus used to fan conversation events out to
// local subscribers (the upstream forwarder, the same-host WebSocket, tests).
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// Conversation event types emitted by the workstation runtime.
const (
	EventSessionStart        = "sessionStart"
	EventTextDelta           = "textDelta"
	EventCompactStart        = "compactStart"
	EventCompactComplete     = "compactComplete"
	EventPermissionRequested = "permissionRequested"
	EventQuestionRequested   = "questionRequested"
	EventStatusChanged       = "statusChanged"
	EventError               = "error"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Service that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ConversationSubject returns the subject a conversation's events are
// published on. Subscribers may use the "conversation.>" wildcard.
func ConversationSubject(id entity.EntityID) string {
	p, w, c := id.Decode()
	return fmt.Sprintf("conversation.%d.%d.%d", p, w, c)
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-out surface the workstation publishes on.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
