// Package relay implements the central message router: device authentication,
// client-index allocation and fan-out between pylons, apps and viewers.
//
// The routing logic is a pure reducer over connection state that returns a
// list of actions; the I/O layer (hub and client pumps) is the only place
// sockets are written or maps mutated.
package relay

import (
	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// Action is one instruction produced by the reducer for the I/O layer to
// interpret.
type Action interface {
	isAction()
}

// SendAction delivers a message to a single client.
type SendAction struct {
	ClientID string
	Msg      *fabric.Message
}

// BroadcastAction delivers a message to a set of clients.
type BroadcastAction struct {
	ClientIDs []string
	Msg       *fabric.Message
}

// UpdateClientAction mutates the stored state of one client.
type UpdateClientAction struct {
	ClientID string
	Updates  ClientUpdates
}

// AllocateIndexAction marks a pool index as used by a client.
type AllocateIndexAction struct {
	ClientID string
	Index    int
}

// ReleaseIndexAction returns a pool index to the free set.
type ReleaseIndexAction struct {
	Index int
}

// CloseClientAction drops the client's connection after a short grace.
type CloseClientAction struct {
	ClientID string
}

func (SendAction) isAction()          {}
func (BroadcastAction) isAction()     {}
func (UpdateClientAction) isAction()  {}
func (AllocateIndexAction) isAction() {}
func (ReleaseIndexAction) isAction()  {}
func (CloseClientAction) isAction()   {}

// ClientUpdates carries the fields an UpdateClientAction sets. Nil pointers
// leave the field untouched.
type ClientUpdates struct {
	Authenticated     *bool
	DeviceID          *entity.DeviceID
	DeviceType        *entity.DeviceType
	Name              *string
	Icon              *string
	Role              *string
	BoundConversation *entity.EntityID
}

// Client is the relay's view of one connection. The reducer reads snapshots;
// only UpdateClientAction mutates it, applied on the hub loop.
type Client struct {
	ID            string
	IP            string
	ConnectedAt   int64
	Authenticated bool

	DeviceID   entity.DeviceID
	DeviceType entity.DeviceType
	Name       string
	Icon       string
	Role       string

	// BoundConversation restricts a viewer to a single conversation.
	BoundConversation entity.EntityID
}

// DeviceEntry is one row of the static DEVICES table.
type DeviceEntry struct {
	DeviceID   entity.DeviceID
	Name       string
	Icon       string
	Role       string
	AllowedIPs []string
}

// DeviceTable maps configured pylon device ids to their identity rows.
type DeviceTable map[entity.DeviceID]DeviceEntry
