package relay

import (
	"sort"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// ShareValidator authorises viewer connections: it resolves a share id to the
// conversation it exposes. The relay consults it but never owns share state.
type ShareValidator func(shareID string) (entity.EntityID, bool)

// Reducer computes routing decisions. It holds only read-mostly configuration;
// all connection state arrives as an explicit snapshot, so identical inputs
// produce identical action lists.
type Reducer struct {
	devices       DeviceTable
	envID         int
	validateShare ShareValidator
}

// State is the reducer's read-only snapshot of the hub.
type State struct {
	Clients   map[string]*Client
	Allocator AllocatorSnapshot
}

// NewReducer creates a reducer over the static device table.
func NewReducer(devices DeviceTable, envID int, validateShare ShareValidator) *Reducer {
	return &Reducer{
		devices:       devices,
		envID:         envID,
		validateShare: validateShare,
	}
}

// OnConnect emits the connected greeting for a new client.
func (r *Reducer) OnConnect(clientID string, now int64) []Action {
	msg := newMessageAt(fabric.TypeConnected, fabric.ConnectedPayload{ClientID: clientID}, now)
	return []Action{SendAction{ClientID: clientID, Msg: msg}}
}

// OnMessage dispatches one inbound frame.
func (r *Reducer) OnMessage(clientID string, msg *fabric.Message, st State, now int64) []Action {
	client, ok := st.Clients[clientID]
	if !ok {
		return nil
	}

	switch msg.Type {
	case fabric.TypeAuth:
		return r.handleAuth(client, msg, st, now)
	case fabric.TypePing:
		return []Action{SendAction{ClientID: clientID, Msg: newMessageAt(fabric.TypePong, nil, now)}}
	case fabric.TypeGetDevices:
		payload := fabric.DeviceStatusPayload{Devices: deviceList(st, nil)}
		return []Action{SendAction{ClientID: clientID, Msg: newMessageAt(fabric.TypeDeviceList, payload, now)}}
	default:
		if !client.Authenticated {
			errMsg := newMessageAt(fabric.TypeError, fabric.ErrorPayload{
				Code:  fabric.ErrorCodeAuth,
				Error: "Not authenticated",
			}, now)
			return []Action{SendAction{ClientID: clientID, Msg: errMsg}}
		}
		return r.route(client, msg, st, now)
	}
}

// OnDisconnect frees the client's index and notifies the remaining devices.
func (r *Reducer) OnDisconnect(clientID string, st State, now int64) []Action {
	client, ok := st.Clients[clientID]
	if !ok {
		return nil
	}

	var actions []Action

	if client.Authenticated && client.DeviceType != entity.DeviceTypePylon {
		actions = append(actions, ReleaseIndexAction{Index: client.DeviceID.Index()})

		// Pylons learn about the departed client so they can discard its
		// unfinished transfers.
		if pylons := clientIDsByType(st, entity.DeviceTypePylon, clientID); len(pylons) > 0 {
			disconnect := newMessageAt(fabric.TypeClientDisconnect, fabric.ClientDisconnectPayload{
				DeviceID:   client.DeviceID,
				DeviceType: client.DeviceType,
			}, now)
			actions = append(actions, BroadcastAction{ClientIDs: pylons, Msg: disconnect})
		}
	}

	if client.Authenticated {
		others := authenticatedClientIDs(st, clientID)
		if len(others) > 0 {
			status := newMessageAt(fabric.TypeDeviceStatus, fabric.DeviceStatusPayload{
				Devices: deviceList(st, &clientID),
			}, now)
			actions = append(actions, BroadcastAction{ClientIDs: others, Msg: status})
		}
	}

	return actions
}

func (r *Reducer) handleAuth(client *Client, msg *fabric.Message, st State, now int64) []Action {
	var payload fabric.AuthPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return authFailure(client.ID, "invalid auth payload", now)
	}
	if err := payload.Validate(); err != nil {
		return authFailure(client.ID, err.Error(), now)
	}

	switch payload.DeviceType {
	case entity.DeviceTypePylon:
		return r.authPylon(client, &payload, st, now)
	case entity.DeviceTypeApp:
		return r.authPooled(client, &payload, st, now, 0, "")
	case entity.DeviceTypeViewer:
		conversation, ok := r.validateShare(payload.ShareID)
		if !ok {
			return authFailure(client.ID, "invalid share id", now)
		}
		return r.authPooled(client, &payload, st, now, conversation, payload.ShareID)
	default:
		return authFailure(client.ID, "unknown device type", now)
	}
}

func (r *Reducer) authPylon(client *Client, payload *fabric.AuthPayload, st State, now int64) []Action {
	entry, ok := r.devices[*payload.DeviceID]
	if !ok {
		return authFailure(client.ID, "unknown pylon device id", now)
	}
	if !ipAllowed(client.IP, entry.AllowedIPs) {
		return authFailure(client.ID, "ip not allowed", now)
	}

	device := fabric.Device{
		DeviceID:   entry.DeviceID,
		DeviceType: entity.DeviceTypePylon,
		Name:       entry.Name,
		Icon:       entry.Icon,
	}
	updates := ClientUpdates{
		Authenticated: boolPtr(true),
		DeviceID:      &entry.DeviceID,
		DeviceType:    deviceTypePtr(entity.DeviceTypePylon),
		Name:          strPtr(entry.Name),
		Icon:          strPtr(entry.Icon),
		Role:          strPtr(entry.Role),
	}

	actions := r.authSuccess(client, device, updates, st, now)
	// A pooled client re-authenticating as a pylon gives its index back.
	if client.Authenticated && client.DeviceType != entity.DeviceTypePylon {
		actions = append([]Action{ReleaseIndexAction{Index: client.DeviceID.Index()}}, actions...)
	}
	return actions
}

func (r *Reducer) authPooled(client *Client, payload *fabric.AuthPayload, st State, now int64, conversation entity.EntityID, shareID string) []Action {
	var actions []Action
	var idx int
	if client.Authenticated && client.DeviceType != entity.DeviceTypePylon {
		// Re-auth keeps the pool index the client already holds.
		idx = client.DeviceID.Index()
	} else {
		i, err := st.Allocator.SmallestUnused()
		if err != nil {
			return authFailure(client.ID, err.Error(), now)
		}
		idx = i
		actions = append(actions, AllocateIndexAction{ClientID: client.ID, Index: idx})
	}
	deviceID, err := entity.EncodeDevice(r.envID, payload.DeviceType, idx)
	if err != nil {
		return authFailure(client.ID, err.Error(), now)
	}

	name := payload.Name
	if name == "" {
		name = string(payload.DeviceType)
	}
	device := fabric.Device{
		DeviceID:   deviceID,
		DeviceType: payload.DeviceType,
		Name:       name,
	}
	updates := ClientUpdates{
		Authenticated: boolPtr(true),
		DeviceID:      &deviceID,
		DeviceType:    deviceTypePtr(payload.DeviceType),
		Name:          strPtr(name),
	}
	if payload.DeviceType == entity.DeviceTypeViewer {
		updates.BoundConversation = &conversation
	}

	return append(actions, r.authSuccess(client, device, updates, st, now)...)
}

func (r *Reducer) authSuccess(client *Client, device fabric.Device, updates ClientUpdates, st State, now int64) []Action {
	result := newMessageAt(fabric.TypeAuthResult, fabric.AuthResultPayload{
		Success:  true,
		DeviceID: &device.DeviceID,
		Device:   &device,
	}, now)

	actions := []Action{
		UpdateClientAction{ClientID: client.ID, Updates: updates},
		SendAction{ClientID: client.ID, Msg: result},
	}

	// device_status reflects the registry including the client that just
	// authenticated; its update has not been applied to the snapshot yet.
	entries := deviceList(st, &client.ID)
	entries = append(entries, fabric.DeviceStatusEntry{
		DeviceID:    device.DeviceID,
		DeviceType:  device.DeviceType,
		Name:        device.Name,
		Icon:        device.Icon,
		Role:        derefStr(updates.Role),
		ConnectedAt: client.ConnectedAt,
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].DeviceID < entries[j].DeviceID })

	targets := authenticatedClientIDs(st, "")
	targets = append(targets, client.ID)
	status := newMessageAt(fabric.TypeDeviceStatus, fabric.DeviceStatusPayload{Devices: entries}, now)
	actions = append(actions, BroadcastAction{ClientIDs: targets, Msg: status})

	return actions
}

// route forwards a non-control frame per the addressing scheme. The sender's
// identity is stamped on the frame; senders cannot forge from.
func (r *Reducer) route(sender *Client, msg *fabric.Message, st State, now int64) []Action {
	// Viewers are read-only; their frames are dropped silently.
	if sender.DeviceType == entity.DeviceTypeViewer {
		return nil
	}

	out := *msg
	out.From = &fabric.Device{
		DeviceID:   sender.DeviceID,
		DeviceType: sender.DeviceType,
		Name:       sender.Name,
		Icon:       sender.Icon,
	}

	var targets []string
	switch {
	case len(msg.To) > 0:
		targets = clientIDsByDeviceID(st, msg.To, sender.ID)
	case msg.Broadcast != "":
		targets = broadcastTargets(st, msg.Broadcast, &out, sender.ID)
	default:
		// Default rule by sender type: pylons fan out to apps, apps send
		// to the registered pylon.
		if sender.DeviceType == entity.DeviceTypePylon {
			targets = clientIDsByType(st, entity.DeviceTypeApp, sender.ID)
		} else {
			targets = clientIDsByType(st, entity.DeviceTypePylon, sender.ID)
		}
	}

	if len(targets) == 0 {
		return nil
	}
	return []Action{BroadcastAction{ClientIDs: targets, Msg: &out}}
}

func broadcastTargets(st State, scope fabric.Broadcast, msg *fabric.Message, senderID string) []string {
	switch scope {
	case fabric.BroadcastPylons:
		return clientIDsByType(st, entity.DeviceTypePylon, senderID)
	case fabric.BroadcastApps:
		return clientIDsByType(st, entity.DeviceTypeApp, senderID)
	case fabric.BroadcastViewers:
		return viewerTargets(st, msg, senderID)
	case fabric.BroadcastAll:
		targets := clientIDsByType(st, entity.DeviceTypePylon, senderID)
		targets = append(targets, clientIDsByType(st, entity.DeviceTypeApp, senderID)...)
		return append(targets, viewerTargets(st, msg, senderID)...)
	default:
		return nil
	}
}

// viewerTargets filters viewers to those bound to the frame's conversation.
func viewerTargets(st State, msg *fabric.Message, senderID string) []string {
	conversation, ok := msg.PayloadConversationID()
	if !ok {
		return nil
	}
	var targets []string
	for _, id := range sortedClientIDs(st) {
		c := st.Clients[id]
		if c.ID == senderID || !c.Authenticated || c.DeviceType != entity.DeviceTypeViewer {
			continue
		}
		if c.BoundConversation == conversation {
			targets = append(targets, c.ID)
		}
	}
	return targets
}

func clientIDsByType(st State, t entity.DeviceType, excludeID string) []string {
	var ids []string
	for _, id := range sortedClientIDs(st) {
		c := st.Clients[id]
		if c.ID != excludeID && c.Authenticated && c.DeviceType == t {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func clientIDsByDeviceID(st State, deviceIDs []entity.DeviceID, excludeID string) []string {
	want := make(map[entity.DeviceID]bool, len(deviceIDs))
	for _, d := range deviceIDs {
		want[d] = true
	}
	var ids []string
	for _, id := range sortedClientIDs(st) {
		c := st.Clients[id]
		if c.ID != excludeID && c.Authenticated && want[c.DeviceID] {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func authenticatedClientIDs(st State, excludeID string) []string {
	var ids []string
	for _, id := range sortedClientIDs(st) {
		c := st.Clients[id]
		if c.ID != excludeID && c.Authenticated {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// deviceList builds the device_status entries, optionally excluding one
// client.
func deviceList(st State, excludeID *string) []fabric.DeviceStatusEntry {
	var entries []fabric.DeviceStatusEntry
	for _, id := range sortedClientIDs(st) {
		c := st.Clients[id]
		if !c.Authenticated {
			continue
		}
		if excludeID != nil && c.ID == *excludeID {
			continue
		}
		entries = append(entries, fabric.DeviceStatusEntry{
			DeviceID:    c.DeviceID,
			DeviceType:  c.DeviceType,
			Name:        c.Name,
			Icon:        c.Icon,
			Role:        c.Role,
			ConnectedAt: c.ConnectedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DeviceID < entries[j].DeviceID })
	return entries
}

// sortedClientIDs keeps iteration order deterministic so identical inputs
// yield identical action lists.
func sortedClientIDs(st State) []string {
	ids := make([]string, 0, len(st.Clients))
	for id := range st.Clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func ipAllowed(ip string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == ip {
			return true
		}
	}
	return false
}

func authFailure(clientID, errText string, now int64) []Action {
	msg := newMessageAt(fabric.TypeAuthResult, fabric.AuthResultPayload{
		Success: false,
		Error:   errText,
	}, now)
	return []Action{
		SendAction{ClientID: clientID, Msg: msg},
		CloseClientAction{ClientID: clientID},
	}
}

func newMessageAt(msgType string, payload any, now int64) *fabric.Message {
	msg, err := fabric.NewMessage(msgType, payload)
	if err != nil {
		msg = &fabric.Message{Type: msgType}
	}
	msg.Timestamp = now
	return msg
}

func boolPtr(b bool) *bool                                 { return &b }
func strPtr(s string) *string                              { return &s }
func deviceTypePtr(t entity.DeviceType) *entity.DeviceType { return &t }

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
