// Package fabric provides the wire message envelope and payload types shared
// by the relay, pylons and clients.
package fabric

import (
	"encoding/json"
	"time"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// Control message types interpreted by the relay. Anything else is forwarded
// according to the routing rules.
const (
	TypeAuth             = "auth"
	TypeAuthResult       = "auth_result"
	TypeConnected        = "connected"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeDeviceStatus     = "device_status"
	TypeClientDisconnect = "client_disconnect"
	TypeGetDevices       = "get_devices"
	TypeDeviceList       = "device_list"
	TypeError            = "error"
)

// Conversation-scoped message types carried through the relay.
const (
	TypeClaudeSend        = "claude_send"
	TypeClaudePermission  = "claude_permission"
	TypeClaudeAnswer      = "claude_answer"
	TypeClaudeControl     = "claude_control"
	TypeSetPermissionMode = "set_permission_mode"
	TypeConversationEvent = "conversation_event"
)

// Blob transport message types (layered on the relay).
const (
	TypeBlobStart   = "blob_start"
	TypeBlobChunk   = "blob_chunk"
	TypeBlobEnd     = "blob_end"
	TypeBlobRequest = "blob_request"
)

// Broadcast scopes for typed fan-out.
type Broadcast string

const (
	BroadcastAll     Broadcast = "all"
	BroadcastPylons  Broadcast = "pylons"
	BroadcastApps    Broadcast = "apps"
	BroadcastViewers Broadcast = "viewers"
)

// Device is the authenticated sender identity the relay stamps on every
// routed message. Senders cannot forge it.
type Device struct {
	DeviceID   entity.DeviceID   `json:"deviceId"`
	DeviceType entity.DeviceType `json:"deviceType"`
	Name       string            `json:"name,omitempty"`
	Icon       string            `json:"icon,omitempty"`
}

// Message is the envelope for every frame on the fabric. One JSON object per
// WebSocket frame.
type Message struct {
	Type      string            `json:"type"`
	From      *Device           `json:"from,omitempty"`
	To        []entity.DeviceID `json:"to,omitempty"`
	Broadcast Broadcast         `json:"broadcast,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// NewMessage creates an envelope with the payload marshalled in place.
func NewMessage(msgType string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// PayloadConversationID extracts payload.conversationId when present.
// The relay uses it to filter frames for viewers without understanding the
// payload schema.
func (m *Message) PayloadConversationID() (entity.EntityID, bool) {
	if m.Payload == nil {
		return 0, false
	}
	var probe struct {
		ConversationID *uint32 `json:"conversationId"`
	}
	if err := json.Unmarshal(m.Payload, &probe); err != nil || probe.ConversationID == nil {
		return 0, false
	}
	return entity.EntityID(*probe.ConversationID), true
}
