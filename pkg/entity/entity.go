// Package entity provides the packed identifier encodings used for addressing
// pylons, workspaces and conversations across the message fabric.
package entity

import (
	"fmt"
	"strconv"
	"strings"
)

// Bit layout of an EntityID (21 bits total):
//
//	bits 20..17 (4)  pylonId        1..10
//	bits 16..10 (7)  workspaceId    0..127  (0 = pylon-level)
//	bits  9..0 (10)  conversationId 0..1023 (0 = workspace-level)
const (
	conversationBits = 10
	workspaceBits    = 7

	MaxPylonID        = 10
	MaxWorkspaceID    = 127
	MaxConversationID = 1023
)

// Level identifies which scope an EntityID addresses.
type Level string

const (
	LevelPylon        Level = "pylon"
	LevelWorkspace    Level = "workspace"
	LevelConversation Level = "conversation"
)

// EntityID is a 21-bit packed identifier for any addressable entity.
type EntityID uint32

// EncodePylon encodes a pylon-level identifier.
func EncodePylon(pylonID int) (EntityID, error) {
	if pylonID < 1 || pylonID > MaxPylonID {
		return 0, fmt.Errorf("pylon id %d out of range [1..%d]", pylonID, MaxPylonID)
	}
	return EntityID(pylonID << (workspaceBits + conversationBits)), nil
}

// EncodeWorkspace encodes a workspace-level identifier.
func EncodeWorkspace(pylonID, workspaceID int) (EntityID, error) {
	if workspaceID < 1 || workspaceID > MaxWorkspaceID {
		return 0, fmt.Errorf("workspace id %d out of range [1..%d]", workspaceID, MaxWorkspaceID)
	}
	base, err := EncodePylon(pylonID)
	if err != nil {
		return 0, err
	}
	return base | EntityID(workspaceID<<conversationBits), nil
}

// Encode encodes a conversation-level identifier.
func Encode(pylonID, workspaceID, conversationID int) (EntityID, error) {
	if conversationID < 1 || conversationID > MaxConversationID {
		return 0, fmt.Errorf("conversation id %d out of range [1..%d]", conversationID, MaxConversationID)
	}
	base, err := EncodeWorkspace(pylonID, workspaceID)
	if err != nil {
		return 0, err
	}
	return base | EntityID(conversationID), nil
}

// PylonID returns the pylon field.
func (e EntityID) PylonID() int {
	return int(e >> (workspaceBits + conversationBits))
}

// WorkspaceID returns the workspace field.
func (e EntityID) WorkspaceID() int {
	return int(e>>conversationBits) & MaxWorkspaceID
}

// ConversationID returns the conversation field.
func (e EntityID) ConversationID() int {
	return int(e) & MaxConversationID
}

// Decode unpacks all three fields. Decoding is total: any value yields
// its three fields without validation.
func (e EntityID) Decode() (pylonID, workspaceID, conversationID int) {
	return e.PylonID(), e.WorkspaceID(), e.ConversationID()
}

// Level infers the scope from which trailing fields are zero.
func (e EntityID) Level() Level {
	switch {
	case e.ConversationID() != 0:
		return LevelConversation
	case e.WorkspaceID() != 0:
		return LevelWorkspace
	default:
		return LevelPylon
	}
}

// String renders the identifier as "P:W:C".
func (e EntityID) String() string {
	return fmt.Sprintf("%d:%d:%d", e.PylonID(), e.WorkspaceID(), e.ConversationID())
}

// Parse parses the "P:W:C" string form.
func Parse(s string) (EntityID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid entity id %q: want P:W:C", s)
	}
	fields := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid entity id %q: %w", s, err)
		}
		fields[i] = n
	}
	p, w, c := fields[0], fields[1], fields[2]
	switch {
	case w == 0 && c == 0:
		return EncodePylon(p)
	case c == 0:
		return EncodeWorkspace(p, w)
	default:
		return Encode(p, w, c)
	}
}
