package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Blob chunks dominate frame
	// size; the transport chunk size fits well within this.
	maxMessageSize = 1024 * 1024 // 1MB
)

// connection is a single WebSocket connection owned by the hub.
type connection struct {
	id   string
	ip   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	logger *logger.Logger
}

func newConnection(id, ip string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *connection {
	return &connection{
		id:     id,
		ip:     ip,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// readPump pumps frames from the WebSocket connection to the hub loop.
func (c *connection) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg fabric.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are dropped; the connection survives.
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		c.hub.inbound <- inboundFrame{clientID: c.id, msg: &msg}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeAfter drops the connection once the grace period elapses.
func (c *connection) closeAfter(grace time.Duration) {
	time.AfterFunc(grace, func() {
		c.conn.Close()
	})
}
