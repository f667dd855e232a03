// Package beacon implements the process-local tool-lookup service: a
// newline-delimited-JSON TCP server mapping backend tool-use ids back to the
// conversation that produced them, plus pylon instance registration.
package beacon

import (
	"fmt"

	"github.com/pylonmesh/pylonmesh/internal/pylon"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// Request actions.
const (
	ActionRegister   = "register"
	ActionUnregister = "unregister"
	ActionQuery      = "query"
	ActionLookup     = "lookup"
	ActionCleanup    = "cleanup"
)

// Streamed frame types on query responses.
const (
	FrameEvent = "event"
	FrameError = "error"
)

// Request is one NDJSON frame from a client. Action selects which fields are
// read.
type Request struct {
	Action string `json:"action"`

	// For register / unregister.
	PylonID int    `json:"pylonId,omitempty"`
	MCPHost string `json:"mcpHost,omitempty"`
	MCPPort int    `json:"mcpPort,omitempty"`
	Env     string `json:"env,omitempty"`
	Force   bool   `json:"force,omitempty"`

	// For query.
	ConversationID uint32         `json:"conversationId,omitempty"`
	Options        map[string]any `json:"options,omitempty"`

	// For lookup.
	ToolUseID string `json:"toolUseId,omitempty"`
}

// Validate checks the structural contract of the request.
func (r *Request) Validate() error {
	switch r.Action {
	case ActionRegister:
		if r.PylonID < 1 || r.PylonID > entity.MaxPylonID {
			return fmt.Errorf("pylonId must be in [1..%d]", entity.MaxPylonID)
		}
		if r.MCPHost == "" || r.MCPPort <= 0 {
			return fmt.Errorf("mcpHost and mcpPort are required")
		}
	case ActionUnregister:
		if r.PylonID < 1 || r.PylonID > entity.MaxPylonID {
			return fmt.Errorf("pylonId must be in [1..%d]", entity.MaxPylonID)
		}
	case ActionQuery:
		if r.ConversationID == 0 {
			return fmt.Errorf("conversationId is required")
		}
	case ActionLookup:
		if r.ToolUseID == "" {
			return fmt.Errorf("toolUseId is required")
		}
	case ActionCleanup:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// Response is one NDJSON frame back to a client. Terminal replies carry
// Success; query streams interleave Type:"event" frames first.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// For lookup replies.
	PylonAddress string            `json:"pylonAddress,omitempty"`
	EntityID     *entity.EntityID  `json:"entityId,omitempty"`
	Raw          *pylon.ToolUseRaw `json:"raw,omitempty"`

	// For query stream frames.
	Type           string `json:"type,omitempty"`
	ConversationID uint32 `json:"conversationId,omitempty"`
	Message        any    `json:"message,omitempty"`

	// For cleanup replies.
	Removed int `json:"removed,omitempty"`
}
