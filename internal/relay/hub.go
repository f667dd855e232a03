package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// closeGrace is how long a client that failed authentication keeps its
// connection before the relay drops it.
const closeGrace = 1 * time.Second

// inboundFrame is one parsed frame queued for the hub loop.
type inboundFrame struct {
	clientID string
	msg      *fabric.Message
}

// Hub owns all connection state. The clients map, reducer state and index
// allocator are mutated only on the Run loop, which interprets the reducer's
// actions; no other goroutine touches them.
type Hub struct {
	reducer   *Reducer
	conns     map[string]*connection
	state     map[string]*Client
	allocator *IndexAllocator

	register   chan *connection
	unregister chan *connection
	inbound    chan inboundFrame

	logger *logger.Logger
}

// NewHub creates a hub around a reducer.
func NewHub(reducer *Reducer, log *logger.Logger) *Hub {
	return &Hub{
		reducer:    reducer,
		conns:      make(map[string]*connection),
		state:      make(map[string]*Client),
		allocator:  NewIndexAllocator(),
		register:   make(chan *connection),
		unregister: make(chan *connection),
		inbound:    make(chan inboundFrame, 256),
		logger:     log.WithFields(zap.String("component", "relay_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Relay hub started")
	defer h.logger.Info("Relay hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.conns[conn.id] = conn
			h.state[conn.id] = &Client{
				ID:          conn.id,
				IP:          conn.ip,
				ConnectedAt: time.Now().UnixMilli(),
			}
			h.apply(h.reducer.OnConnect(conn.id, time.Now().UnixMilli()))
			h.logger.Debug("Client registered",
				zap.String("client_id", conn.id),
				zap.String("remote_ip", conn.ip))

		case conn := <-h.unregister:
			h.removeConnection(conn)

		case frame := <-h.inbound:
			if _, ok := h.conns[frame.clientID]; !ok {
				continue
			}
			h.apply(h.reducer.OnMessage(frame.clientID, frame.msg, h.snapshot(), time.Now().UnixMilli()))
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *connection) {
	h.register <- conn
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(conn *connection) {
	h.unregister <- conn
}

func (h *Hub) snapshot() State {
	return State{
		Clients:   h.state,
		Allocator: h.allocator.Snapshot(),
	}
}

func (h *Hub) removeConnection(conn *connection) {
	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	h.apply(h.reducer.OnDisconnect(conn.id, h.snapshot(), time.Now().UnixMilli()))

	delete(h.conns, conn.id)
	delete(h.state, conn.id)
	close(conn.send)
	h.logger.Debug("Client unregistered", zap.String("client_id", conn.id))
}

func (h *Hub) closeAll() {
	for id, conn := range h.conns {
		close(conn.send)
		delete(h.conns, id)
		delete(h.state, id)
	}
}

// apply interprets reducer actions. This is the only writer of sockets and
// connection state.
func (h *Hub) apply(actions []Action) {
	for _, action := range actions {
		switch a := action.(type) {
		case SendAction:
			h.deliver(a.ClientID, a.Msg)

		case BroadcastAction:
			data, err := json.Marshal(a.Msg)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}
			for _, id := range a.ClientIDs {
				h.deliverRaw(id, data)
			}

		case UpdateClientAction:
			h.updateClient(a.ClientID, a.Updates)

		case AllocateIndexAction:
			if err := h.allocator.Mark(a.Index); err != nil {
				h.logger.Error("Index allocation failed",
					zap.String("client_id", a.ClientID),
					zap.Int("index", a.Index),
					zap.Error(err))
			}

		case ReleaseIndexAction:
			h.allocator.Release(a.Index)

		case CloseClientAction:
			if conn, ok := h.conns[a.ClientID]; ok {
				conn.closeAfter(closeGrace)
			}
		}
	}
}

func (h *Hub) deliver(clientID string, msg *fabric.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	h.deliverRaw(clientID, data)
}

func (h *Hub) deliverRaw(clientID string, data []byte) {
	conn, ok := h.conns[clientID]
	if !ok {
		return
	}
	select {
	case conn.send <- data:
	default:
		// Client buffer full, will be cleaned up by write pump
		h.logger.Warn("Client send buffer full", zap.String("client_id", clientID))
	}
}

func (h *Hub) updateClient(clientID string, u ClientUpdates) {
	client, ok := h.state[clientID]
	if !ok {
		return
	}
	if u.Authenticated != nil {
		client.Authenticated = *u.Authenticated
	}
	if u.DeviceID != nil {
		client.DeviceID = *u.DeviceID
	}
	if u.DeviceType != nil {
		client.DeviceType = *u.DeviceType
	}
	if u.Name != nil {
		client.Name = *u.Name
	}
	if u.Icon != nil {
		client.Icon = *u.Icon
	}
	if u.Role != nil {
		client.Role = *u.Role
	}
	if u.BoundConversation != nil {
		client.BoundConversation = *u.BoundConversation
	}
}
