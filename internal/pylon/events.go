package pylon

import (
	"context"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/events/bus"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// eventSource identifies this service on published events.
const eventSource = "pylon"

// emit publishes a conversation event on the bus. Publish failures are
// logged and swallowed; event fan-out must never stall the stream reader.
func (r *Runtime) emit(id entity.EntityID, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["conversationId"] = uint32(id)

	event := bus.NewEvent(eventType, eventSource, data)
	if err := r.bus.Publish(context.Background(), bus.ConversationSubject(id), event); err != nil {
		r.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.String("conversation", id.String()),
			zap.Error(err))
	}
}

// setStatus transitions a conversation's status and announces the change.
func (r *Runtime) setStatus(id entity.EntityID, status Status) {
	changed := false
	err := r.store.Update(id, func(c *Conversation) error {
		if c.Status != status {
			c.Status = status
			changed = true
		}
		if status == StatusIdle {
			c.ResetBuffer()
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("Status transition on unknown conversation",
			zap.String("conversation", id.String()), zap.Error(err))
		return
	}
	if changed {
		r.emit(id, bus.EventStatusChanged, map[string]any{"status": string(status)})
	}
}
