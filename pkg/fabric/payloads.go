package fabric

import (
	"fmt"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// Permission decisions a user can return for a pending tool request.
const (
	DecisionAllow    = "allow"
	DecisionDeny     = "deny"
	DecisionAllowAll = "allowAll"
)

// Session control actions.
const (
	ActionStop       = "stop"
	ActionNewSession = "new_session"
	ActionClear      = "clear"
	ActionCompact    = "compact"
)

// Permission modes for a conversation.
const (
	ModeDefault           = "default"
	ModeAcceptEdits       = "acceptEdits"
	ModeBypassPermissions = "bypassPermissions"
)

// AuthPayload is sent by a connecting device.
type AuthPayload struct {
	DeviceID   *entity.DeviceID  `json:"deviceId,omitempty"`
	DeviceType entity.DeviceType `json:"deviceType"`
	Name       string            `json:"name,omitempty"`
	MAC        string            `json:"mac,omitempty"`
	ShareID    string            `json:"shareId,omitempty"`
}

// Validate checks the structural contract of the payload.
func (p *AuthPayload) Validate() error {
	switch p.DeviceType {
	case entity.DeviceTypePylon:
		if p.DeviceID == nil {
			return fmt.Errorf("deviceId is required for pylon auth")
		}
	case entity.DeviceTypeApp:
	case entity.DeviceTypeViewer:
		if p.ShareID == "" {
			return fmt.Errorf("shareId is required for viewer auth")
		}
	default:
		return fmt.Errorf("unknown deviceType %q", p.DeviceType)
	}
	return nil
}

// AuthResultPayload is the relay's reply to an auth attempt.
type AuthResultPayload struct {
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	DeviceID *entity.DeviceID `json:"deviceId,omitempty"`
	Device   *Device          `json:"device,omitempty"`
}

// ConnectedPayload is emitted to a client immediately on connect.
type ConnectedPayload struct {
	ClientID string `json:"clientId"`
}

// DeviceStatusEntry describes one live device in a device_status broadcast.
type DeviceStatusEntry struct {
	DeviceID    entity.DeviceID   `json:"deviceId"`
	DeviceType  entity.DeviceType `json:"deviceType"`
	Name        string            `json:"name,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Role        string            `json:"role,omitempty"`
	ConnectedAt int64             `json:"connectedAt"`
}

// DeviceStatusPayload lists all authenticated devices.
type DeviceStatusPayload struct {
	Devices []DeviceStatusEntry `json:"devices"`
}

// ClientDisconnectPayload is broadcast to pylons when a non-pylon client drops.
type ClientDisconnectPayload struct {
	DeviceID   entity.DeviceID   `json:"deviceId"`
	DeviceType entity.DeviceType `json:"deviceType"`
}

// ClaudeSendPayload carries a user prompt for a conversation.
type ClaudeSendPayload struct {
	ConversationID uint32   `json:"conversationId"`
	Message        string   `json:"message"`
	Attachments    []string `json:"attachments,omitempty"`
}

// Validate checks the structural contract of the payload.
func (p *ClaudeSendPayload) Validate() error {
	if p.ConversationID == 0 {
		return fmt.Errorf("conversationId is required")
	}
	if p.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// ClaudePermissionPayload answers a pending permission request.
type ClaudePermissionPayload struct {
	ConversationID uint32 `json:"conversationId"`
	ToolUseID      string `json:"toolUseId"`
	Decision       string `json:"decision"`
}

// Validate checks the structural contract of the payload.
func (p *ClaudePermissionPayload) Validate() error {
	if p.ConversationID == 0 {
		return fmt.Errorf("conversationId is required")
	}
	if p.ToolUseID == "" {
		return fmt.Errorf("toolUseId is required")
	}
	switch p.Decision {
	case DecisionAllow, DecisionDeny, DecisionAllowAll:
		return nil
	default:
		return fmt.Errorf("decision must be one of allow, deny, allowAll")
	}
}

// ClaudeAnswerPayload answers a pending question request.
type ClaudeAnswerPayload struct {
	ConversationID uint32 `json:"conversationId"`
	ToolUseID      string `json:"toolUseId"`
	Answer         string `json:"answer"`
}

// Validate checks the structural contract of the payload.
func (p *ClaudeAnswerPayload) Validate() error {
	if p.ConversationID == 0 {
		return fmt.Errorf("conversationId is required")
	}
	if p.ToolUseID == "" {
		return fmt.Errorf("toolUseId is required")
	}
	return nil
}

// ClaudeControlPayload carries a session control action.
type ClaudeControlPayload struct {
	ConversationID uint32 `json:"conversationId"`
	Action         string `json:"action"`
}

// Validate checks the structural contract of the payload.
func (p *ClaudeControlPayload) Validate() error {
	if p.ConversationID == 0 {
		return fmt.Errorf("conversationId is required")
	}
	switch p.Action {
	case ActionStop, ActionNewSession, ActionClear, ActionCompact:
		return nil
	default:
		return fmt.Errorf("action must be one of stop, new_session, clear, compact")
	}
}

// SetPermissionModePayload mutates a conversation's permission mode.
type SetPermissionModePayload struct {
	ConversationID uint32 `json:"conversationId"`
	Mode           string `json:"mode"`
}

// Validate checks the structural contract of the payload.
func (p *SetPermissionModePayload) Validate() error {
	switch p.Mode {
	case ModeDefault, ModeAcceptEdits, ModeBypassPermissions:
		return nil
	default:
		return fmt.Errorf("mode must be one of default, acceptEdits, bypassPermissions")
	}
}
