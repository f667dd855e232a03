// Package localws serves conversation events to same-host clients over a
// WebSocket on the workstation's local port (default 9000). It is a read-only
// mirror of the event bus: clients subscribe per conversation or to all.
package localws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/events/bus"
)

// Hub manages the local WebSocket clients and their subscriptions.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific conversations. A client with no
	// subscriptions receives every event.
	subscribers map[uint32]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a local WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[uint32]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *bus.Event, 256),
		logger:      log.WithFields(zap.String("component", "local_ws")),
	}
}

// Run starts the hub's main loop and mirrors the event bus until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context, eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe("conversation.>", func(_ context.Context, event *bus.Event) error {
		select {
		case h.broadcast <- event:
		default:
			h.logger.Warn("Local broadcast buffer full, dropping event",
				zap.String("event_type", event.Type))
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	h.logger.Info("Local WebSocket hub started")
	defer h.logger.Info("Local WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.subscribers = make(map[uint32]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for id := range client.subscriptions {
			if clients, ok := h.subscribers[id]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.subscribers, id)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent sends the event to subscribed clients, or to all clients
// that never subscribed to anything.
func (h *Hub) broadcastEvent(event *bus.Event) {
	conversationID := conversationIDOf(event)

	frame := map[string]any{
		"type":      "conversation_event",
		"eventType": event.Type,
		"timestamp": event.Timestamp.UnixMilli(),
		"data":      event.Data,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if len(client.subscriptions) > 0 && !client.subscriptions[conversationID] {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full, the write pump will clean up.
		}
	}
}

// conversationIDOf extracts the conversationId the runtime stamps on every
// event payload.
func conversationIDOf(event *bus.Event) uint32 {
	switch v := event.Data["conversationId"].(type) {
	case uint32:
		return v
	case float64:
		return uint32(v)
	case int:
		return uint32(v)
	default:
		return 0
	}
}

// Subscribe subscribes a client to one conversation's events.
func (h *Hub) Subscribe(client *Client, conversationID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[conversationID]; !ok {
		h.subscribers[conversationID] = make(map[*Client]bool)
	}
	h.subscribers[conversationID][client] = true
	client.subscriptions[conversationID] = true
}

// Unsubscribe removes a client's conversation subscription.
func (h *Hub) Unsubscribe(client *Client, conversationID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, conversationID)
	if clients, ok := h.subscribers[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscribers, conversationID)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
