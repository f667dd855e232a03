package pylon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pylonmesh/pylonmesh/internal/blob"
	"github.com/pylonmesh/pylonmesh/internal/common/logger"
	"github.com/pylonmesh/pylonmesh/internal/events/bus"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// reconnectDelay paces dial attempts after a dropped upstream connection.
const reconnectDelay = 3 * time.Second

// Upstream is the pylon's client connection to the relay: it authenticates
// as a pylon device, dispatches inbound frames to the runtime and blob
// manager, and forwards conversation events back out.
type Upstream struct {
	url      string
	deviceID entity.DeviceID
	name     string

	runtime *Runtime
	blobs   *blob.Manager
	bus     bus.EventBus

	mu   sync.Mutex
	conn *websocket.Conn

	logger *logger.Logger
}

// NewUpstream creates the relay client for one pylon device.
func NewUpstream(url string, deviceID entity.DeviceID, name string, runtime *Runtime, blobs *blob.Manager, eventBus bus.EventBus, log *logger.Logger) *Upstream {
	return &Upstream{
		url:      url,
		deviceID: deviceID,
		name:     name,
		runtime:  runtime,
		blobs:    blobs,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "upstream")),
	}
}

// Run dials the relay and processes frames until ctx is cancelled,
// reconnecting after drops. Reconnect reinitialises; the relay keeps no
// state across our restarts.
func (u *Upstream) Run(ctx context.Context) error {
	sub, err := u.bus.Subscribe("conversation.>", u.forwardEvent)
	if err != nil {
		return fmt.Errorf("subscribe to conversation events: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		if err := u.session(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			u.logger.Warn("Upstream session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// session runs one dial-auth-read cycle.
func (u *Upstream) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.conn = nil
		u.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	deviceID := u.deviceID
	if err := u.send(&fabric.Message{
		Type:      fabric.TypeAuth,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustMarshal(fabric.AuthPayload{DeviceID: &deviceID, DeviceType: entity.DeviceTypePylon, Name: u.name}),
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	u.logger.Info("Connected to relay", zap.String("url", u.url))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg fabric.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			u.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		u.dispatch(&msg)
	}
}

// dispatch handles one inbound frame. Per-frame failures reply with a
// structured error; they never tear the connection down.
func (u *Upstream) dispatch(msg *fabric.Message) {
	var err error
	switch msg.Type {
	case fabric.TypeConnected, fabric.TypePong, fabric.TypeDeviceStatus, fabric.TypeDeviceList:
		return

	case fabric.TypeAuthResult:
		var result fabric.AuthResultPayload
		if perr := msg.ParsePayload(&result); perr == nil && !result.Success {
			u.logger.Error("Relay rejected authentication", zap.String("reason", result.Error))
		}
		return

	case fabric.TypeClaudeSend:
		var p fabric.ClaudeSendPayload
		if err = msg.ParsePayload(&p); err == nil {
			err = u.runtime.Send(p)
		}

	case fabric.TypeClaudePermission:
		var p fabric.ClaudePermissionPayload
		if err = msg.ParsePayload(&p); err == nil {
			err = u.runtime.AnswerPermission(p)
		}

	case fabric.TypeClaudeAnswer:
		var p fabric.ClaudeAnswerPayload
		if err = msg.ParsePayload(&p); err == nil {
			err = u.runtime.AnswerQuestion(p)
		}

	case fabric.TypeClaudeControl:
		var p fabric.ClaudeControlPayload
		if err = msg.ParsePayload(&p); err == nil {
			err = u.runtime.Control(p)
		}

	case fabric.TypeSetPermissionMode:
		var p fabric.SetPermissionModePayload
		if err = msg.ParsePayload(&p); err == nil {
			err = u.runtime.SetPermissionMode(entity.EntityID(p.ConversationID), p)
		}

	case fabric.TypeBlobStart:
		var p fabric.BlobStartPayload
		if err = msg.ParsePayload(&p); err == nil {
			err = u.blobs.Start(p, senderKey(msg))
		}

	case fabric.TypeBlobChunk:
		var p fabric.BlobChunkPayload
		if err = msg.ParsePayload(&p); err == nil {
			err = u.blobs.Chunk(p)
		}

	case fabric.TypeBlobEnd:
		var p fabric.BlobEndPayload
		if err = msg.ParsePayload(&p); err == nil {
			_, err = u.blobs.End(p)
		}

	case fabric.TypeBlobRequest:
		err = u.serveBlobRequest(msg)

	case fabric.TypeClientDisconnect:
		var p fabric.ClientDisconnectPayload
		if err = msg.ParsePayload(&p); err == nil {
			u.blobs.CleanupOwner(fmt.Sprintf("device:%d", p.DeviceID))
		}

	default:
		u.logger.Debug("Ignoring frame", zap.String("type", msg.Type))
		return
	}

	if err != nil {
		u.logger.Warn("Frame handling failed",
			zap.String("type", msg.Type),
			zap.Error(err))
		u.replyError(msg, err)
	}
}

// serveBlobRequest pushes a held file back to the requester as a
// start/chunk*/end sequence.
func (u *Upstream) serveBlobRequest(msg *fabric.Message) error {
	var p fabric.BlobRequestPayload
	if err := msg.ParsePayload(&p); err != nil {
		return err
	}

	ctx := fabric.BlobContext{Type: "file_attachment"}
	if conv, ok := msg.PayloadConversationID(); ok {
		ctx.ConversationID = uint32(conv)
	}

	out, err := u.blobs.Request(p, ctx)
	if err != nil {
		return err
	}

	var to []entity.DeviceID
	if msg.From != nil {
		to = []entity.DeviceID{msg.From.DeviceID}
	}
	if err := u.sendPayload(fabric.TypeBlobStart, out.Start, to); err != nil {
		return err
	}
	for _, chunk := range out.Chunks {
		if err := u.sendPayload(fabric.TypeBlobChunk, chunk, to); err != nil {
			return err
		}
	}
	return u.sendPayload(fabric.TypeBlobEnd, out.End, to)
}

// forwardEvent republishes a bus event to the relay as a conversation_event
// broadcast; the relay's viewer filter consumes data.conversationId.
func (u *Upstream) forwardEvent(ctx context.Context, event *bus.Event) error {
	payload := map[string]any{
		"event":     event.Type,
		"timestamp": event.Timestamp.UnixMilli(),
	}
	for k, v := range event.Data {
		payload[k] = v
	}

	msg := &fabric.Message{
		Type:      fabric.TypeConversationEvent,
		Broadcast: fabric.BroadcastAll,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustMarshal(payload),
	}
	if err := u.send(msg); err != nil {
		u.logger.Debug("Event forward skipped", zap.Error(err))
	}
	return nil
}

func (u *Upstream) sendPayload(msgType string, payload any, to []entity.DeviceID) error {
	return u.send(&fabric.Message{
		Type:      msgType,
		To:        to,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustMarshal(payload),
	})
}

func (u *Upstream) replyError(cause *fabric.Message, err error) {
	var to []entity.DeviceID
	if cause.From != nil {
		to = []entity.DeviceID{cause.From.DeviceID}
	}
	_ = u.sendPayload(fabric.TypeError, fabric.ErrorPayload{
		Code:  errorCode(err),
		Error: err.Error(),
	}, to)
}

// send writes one frame; writes are serialised because gorilla permits a
// single concurrent writer.
func (u *Upstream) send(msg *fabric.Message) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return fmt.Errorf("not connected")
	}
	return u.conn.WriteJSON(msg)
}

// errorCode maps a failure onto the wire taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, blob.ErrChecksumMismatch):
		return fabric.ErrorCodeChecksum
	case errors.Is(err, blob.ErrDuplicateTransfer):
		return fabric.ErrorCodeConflict
	case errors.Is(err, blob.ErrUnknownTransfer):
		return fabric.ErrorCodeNotFound
	default:
		return fabric.ErrorCodeInternal
	}
}

func senderKey(msg *fabric.Message) string {
	if msg.From == nil {
		return "unknown"
	}
	return fmt.Sprintf("device:%d", msg.From.DeviceID)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
