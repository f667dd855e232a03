package relay

import (
	"reflect"
	"testing"

	"github.com/pylonmesh/pylonmesh/pkg/entity"
	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

const testNow = int64(1700000000000)

func testDevices() DeviceTable {
	return DeviceTable{
		1: {DeviceID: 1, Name: "workstation-1", Icon: "desktop", Role: "pylon", AllowedIPs: []string{"*"}},
		2: {DeviceID: 2, Name: "workstation-2", Icon: "desktop", Role: "pylon", AllowedIPs: []string{"10.0.0.2"}},
	}
}

func testReducer(t *testing.T, shares map[string]entity.EntityID) *Reducer {
	t.Helper()
	return NewReducer(testDevices(), 0, func(shareID string) (entity.EntityID, bool) {
		id, ok := shares[shareID]
		return id, ok
	})
}

func connectedClient(id, ip string) *Client {
	return &Client{ID: id, IP: ip, ConnectedAt: testNow}
}

func authedPylon(id string, deviceID entity.DeviceID) *Client {
	return &Client{
		ID: id, IP: "10.0.0.1", ConnectedAt: testNow, Authenticated: true,
		DeviceID: deviceID, DeviceType: entity.DeviceTypePylon, Name: "workstation-1", Icon: "desktop", Role: "pylon",
	}
}

func authedApp(id string, idx int) *Client {
	deviceID, _ := entity.EncodeDevice(0, entity.DeviceTypeApp, idx)
	return &Client{
		ID: id, IP: "10.0.0.9", ConnectedAt: testNow, Authenticated: true,
		DeviceID: deviceID, DeviceType: entity.DeviceTypeApp, Name: "app",
	}
}

func authedViewer(id string, idx int, bound entity.EntityID) *Client {
	deviceID, _ := entity.EncodeDevice(0, entity.DeviceTypeViewer, idx)
	return &Client{
		ID: id, IP: "10.0.0.10", ConnectedAt: testNow, Authenticated: true,
		DeviceID: deviceID, DeviceType: entity.DeviceTypeViewer, Name: "viewer",
		BoundConversation: bound,
	}
}

func mustMessage(t *testing.T, msgType string, payload any) *fabric.Message {
	t.Helper()
	msg, err := fabric.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	msg.Timestamp = testNow
	return msg
}

func sendsOfType(actions []Action, msgType string) []SendAction {
	var out []SendAction
	for _, a := range actions {
		if s, ok := a.(SendAction); ok && s.Msg.Type == msgType {
			out = append(out, s)
		}
	}
	return out
}

func broadcastsOfType(actions []Action, msgType string) []BroadcastAction {
	var out []BroadcastAction
	for _, a := range actions {
		if b, ok := a.(BroadcastAction); ok && b.Msg.Type == msgType {
			out = append(out, b)
		}
	}
	return out
}

func TestReducer_PylonAuthSuccess(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"c1": connectedClient("c1", "192.168.1.100"),
	}}

	pylonID := entity.DeviceID(1)
	msg := mustMessage(t, fabric.TypeAuth, fabric.AuthPayload{
		DeviceID:   &pylonID,
		DeviceType: entity.DeviceTypePylon,
	})

	actions := r.OnMessage("c1", msg, st, testNow)

	results := sendsOfType(actions, fabric.TypeAuthResult)
	if len(results) != 1 {
		t.Fatalf("auth_result sends = %d, want 1", len(results))
	}
	var result fabric.AuthResultPayload
	if err := results[0].Msg.ParsePayload(&result); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("auth failed: %s", result.Error)
	}
	if result.Device == nil || result.Device.DeviceID != 1 {
		t.Errorf("device = %+v, want deviceId 1", result.Device)
	}

	statuses := broadcastsOfType(actions, fabric.TypeDeviceStatus)
	if len(statuses) != 1 {
		t.Fatalf("device_status broadcasts = %d, want 1", len(statuses))
	}
	var status fabric.DeviceStatusPayload
	if err := statuses[0].Msg.ParsePayload(&status); err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if len(status.Devices) != 1 || status.Devices[0].DeviceID != 1 {
		t.Errorf("device_status devices = %+v", status.Devices)
	}
}

func TestReducer_PylonAuthIPDenied(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"c1": connectedClient("c1", "203.0.113.5"),
	}}

	pylonID := entity.DeviceID(2) // allowlist 10.0.0.2 only
	msg := mustMessage(t, fabric.TypeAuth, fabric.AuthPayload{
		DeviceID:   &pylonID,
		DeviceType: entity.DeviceTypePylon,
	})

	actions := r.OnMessage("c1", msg, st, testNow)
	results := sendsOfType(actions, fabric.TypeAuthResult)
	if len(results) != 1 {
		t.Fatalf("auth_result sends = %d, want 1", len(results))
	}
	var result fabric.AuthResultPayload
	_ = results[0].Msg.ParsePayload(&result)
	if result.Success {
		t.Error("auth succeeded for disallowed IP")
	}

	closed := false
	for _, a := range actions {
		if _, ok := a.(CloseClientAction); ok {
			closed = true
		}
	}
	if !closed {
		t.Error("expected CloseClientAction after auth failure")
	}
}

func TestReducer_AppAuthAllocatesSmallestIndex(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"c1": connectedClient("c1", "10.0.0.9"),
	}}
	st.Allocator[0] = true
	st.Allocator[1] = true
	st.Allocator[3] = true

	msg := mustMessage(t, fabric.TypeAuth, fabric.AuthPayload{DeviceType: entity.DeviceTypeApp})
	actions := r.OnMessage("c1", msg, st, testNow)

	var alloc *AllocateIndexAction
	for _, a := range actions {
		if al, ok := a.(AllocateIndexAction); ok {
			alloc = &al
		}
	}
	if alloc == nil {
		t.Fatal("no AllocateIndexAction emitted")
	}
	if alloc.Index != 2 {
		t.Errorf("allocated index = %d, want 2 (smallest unused)", alloc.Index)
	}
}

func TestReducer_ReauthKeepsPoolIndex(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"a1": authedApp("a1", 3),
	}}
	st.Allocator[3] = true

	msg := mustMessage(t, fabric.TypeAuth, fabric.AuthPayload{DeviceType: entity.DeviceTypeApp})
	actions := r.OnMessage("a1", msg, st, testNow)

	for _, a := range actions {
		switch a.(type) {
		case AllocateIndexAction, ReleaseIndexAction:
			t.Errorf("re-auth touched the index pool: %+v", a)
		}
	}

	var result fabric.AuthResultPayload
	_ = sendsOfType(actions, fabric.TypeAuthResult)[0].Msg.ParsePayload(&result)
	if !result.Success {
		t.Fatalf("re-auth failed: %s", result.Error)
	}
	want, _ := entity.EncodeDevice(0, entity.DeviceTypeApp, 3)
	if result.Device == nil || result.Device.DeviceID != want {
		t.Errorf("re-auth device = %+v, want index 3 kept", result.Device)
	}
}

func TestReducer_ReauthAsPylonReleasesPoolIndex(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"a1": authedApp("a1", 3),
	}}
	st.Allocator[3] = true

	pylonID := entity.DeviceID(1)
	msg := mustMessage(t, fabric.TypeAuth, fabric.AuthPayload{
		DeviceID:   &pylonID,
		DeviceType: entity.DeviceTypePylon,
	})
	actions := r.OnMessage("a1", msg, st, testNow)

	var released []int
	for _, a := range actions {
		if rel, ok := a.(ReleaseIndexAction); ok {
			released = append(released, rel.Index)
		}
	}
	if !reflect.DeepEqual(released, []int{3}) {
		t.Errorf("released = %v, want [3]", released)
	}
}

func TestReducer_ViewerAuthBindsConversation(t *testing.T) {
	conv, _ := entity.Encode(1, 1, 42)
	r := testReducer(t, map[string]entity.EntityID{"abc123XYZ789": conv})
	st := State{Clients: map[string]*Client{
		"c1": connectedClient("c1", "10.0.0.10"),
	}}

	msg := mustMessage(t, fabric.TypeAuth, fabric.AuthPayload{
		DeviceType: entity.DeviceTypeViewer,
		ShareID:    "abc123XYZ789",
	})
	actions := r.OnMessage("c1", msg, st, testNow)

	var bound *entity.EntityID
	for _, a := range actions {
		if u, ok := a.(UpdateClientAction); ok {
			bound = u.Updates.BoundConversation
		}
	}
	if bound == nil || *bound != conv {
		t.Errorf("bound conversation = %v, want %v", bound, conv)
	}

	// Unknown share id fails.
	bad := mustMessage(t, fabric.TypeAuth, fabric.AuthPayload{
		DeviceType: entity.DeviceTypeViewer,
		ShareID:    "nope00000000",
	})
	actions = r.OnMessage("c1", bad, st, testNow)
	var result fabric.AuthResultPayload
	_ = sendsOfType(actions, fabric.TypeAuthResult)[0].Msg.ParsePayload(&result)
	if result.Success {
		t.Error("viewer auth succeeded with invalid share id")
	}
}

func TestReducer_UnauthenticatedFrameRejected(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"c1": connectedClient("c1", "10.0.0.9"),
	}}

	msg := mustMessage(t, "prompt", map[string]any{"text": "hi"})
	actions := r.OnMessage("c1", msg, st, testNow)

	errs := sendsOfType(actions, fabric.TypeError)
	if len(errs) != 1 {
		t.Fatalf("error sends = %d, want 1", len(errs))
	}
	var payload fabric.ErrorPayload
	_ = errs[0].Msg.ParsePayload(&payload)
	if payload.Error != "Not authenticated" {
		t.Errorf("error = %q, want \"Not authenticated\"", payload.Error)
	}
}

func TestReducer_PingGetDevices(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
	}}

	actions := r.OnMessage("p1", mustMessage(t, fabric.TypePing, nil), st, testNow)
	if len(sendsOfType(actions, fabric.TypePong)) != 1 {
		t.Error("ping did not produce a pong to sender")
	}

	actions = r.OnMessage("p1", mustMessage(t, fabric.TypeGetDevices, nil), st, testNow)
	lists := sendsOfType(actions, fabric.TypeDeviceList)
	if len(lists) != 1 || lists[0].ClientID != "p1" {
		t.Errorf("get_devices reply = %+v", lists)
	}
	if len(broadcastsOfType(actions, fabric.TypeDeviceList)) != 0 {
		t.Error("get_devices must not broadcast")
	}
}

func TestReducer_PylonBroadcastToApps(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"a1": authedApp("a1", 0),
		"a2": authedApp("a2", 1),
		"v1": authedViewer("v1", 2, 42),
	}}

	msg := mustMessage(t, "prompt", map[string]any{"text": "hi"})
	msg.Broadcast = fabric.BroadcastApps

	actions := r.OnMessage("p1", msg, st, testNow)
	broadcasts := broadcastsOfType(actions, "prompt")
	if len(broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(broadcasts))
	}
	want := []string{"a1", "a2"}
	if !reflect.DeepEqual(broadcasts[0].ClientIDs, want) {
		t.Errorf("targets = %v, want %v", broadcasts[0].ClientIDs, want)
	}

	// from is rewritten to the authenticated sender identity.
	if broadcasts[0].Msg.From == nil || broadcasts[0].Msg.From.DeviceID != 1 {
		t.Errorf("from = %+v, want pylon deviceId 1", broadcasts[0].Msg.From)
	}
}

func TestReducer_FromCannotBeForged(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"a1": authedApp("a1", 0),
	}}

	msg := mustMessage(t, "prompt", map[string]any{"text": "hi"})
	msg.From = &fabric.Device{DeviceID: 99, DeviceType: entity.DeviceTypePylon, Name: "imposter"}
	msg.Broadcast = fabric.BroadcastApps

	actions := r.OnMessage("p1", msg, st, testNow)
	b := broadcastsOfType(actions, "prompt")[0]
	if b.Msg.From.DeviceID != 1 || b.Msg.From.Name != "workstation-1" {
		t.Errorf("forged from survived routing: %+v", b.Msg.From)
	}
}

func TestReducer_ExplicitTargets(t *testing.T) {
	r := testReducer(t, nil)
	app0, _ := entity.EncodeDevice(0, entity.DeviceTypeApp, 0)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"a1": authedApp("a1", 0),
		"a2": authedApp("a2", 1),
	}}

	msg := mustMessage(t, "prompt", map[string]any{"text": "hi"})
	msg.To = []entity.DeviceID{app0}

	actions := r.OnMessage("p1", msg, st, testNow)
	broadcasts := broadcastsOfType(actions, "prompt")
	if len(broadcasts) != 1 || !reflect.DeepEqual(broadcasts[0].ClientIDs, []string{"a1"}) {
		t.Errorf("explicit targeting = %+v", broadcasts)
	}

	// Unknown target: no delivery at all.
	msg.To = []entity.DeviceID{200}
	actions = r.OnMessage("p1", msg, st, testNow)
	if len(actions) != 0 {
		t.Errorf("unknown target produced actions: %+v", actions)
	}
}

func TestReducer_DefaultRouteAppToPylon(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"a1": authedApp("a1", 0),
		"a2": authedApp("a2", 1),
	}}

	msg := mustMessage(t, fabric.TypeClaudeSend, fabric.ClaudeSendPayload{ConversationID: 133123, Message: "hi"})
	actions := r.OnMessage("a1", msg, st, testNow)
	broadcasts := broadcastsOfType(actions, fabric.TypeClaudeSend)
	if len(broadcasts) != 1 || !reflect.DeepEqual(broadcasts[0].ClientIDs, []string{"p1"}) {
		t.Errorf("default app route = %+v", broadcasts)
	}
}

func TestReducer_ViewerFramesDropped(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"v1": authedViewer("v1", 0, 42),
	}}

	msg := mustMessage(t, "prompt", map[string]any{"conversationId": 42, "text": "hax"})
	actions := r.OnMessage("v1", msg, st, testNow)
	if len(actions) != 0 {
		t.Errorf("viewer frame produced actions: %+v", actions)
	}
}

func TestReducer_ViewerFiltering(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"a1": authedApp("a1", 0),
		"v1": authedViewer("v1", 1, 42),
	}}

	matching := mustMessage(t, fabric.TypeConversationEvent, map[string]any{"conversationId": 42, "text": "hi"})
	matching.Broadcast = fabric.BroadcastAll
	actions := r.OnMessage("p1", matching, st, testNow)
	targets := broadcastsOfType(actions, fabric.TypeConversationEvent)[0].ClientIDs
	if !containsString(targets, "v1") {
		t.Errorf("viewer missing from matching broadcast: %v", targets)
	}

	other := mustMessage(t, fabric.TypeConversationEvent, map[string]any{"conversationId": 99, "text": "other"})
	other.Broadcast = fabric.BroadcastAll
	actions = r.OnMessage("p1", other, st, testNow)
	targets = broadcastsOfType(actions, fabric.TypeConversationEvent)[0].ClientIDs
	if containsString(targets, "v1") {
		t.Errorf("viewer received frame for other conversation: %v", targets)
	}

	// Viewers are excluded from typed pylons/apps fan-outs.
	typed := mustMessage(t, fabric.TypeConversationEvent, map[string]any{"conversationId": 42})
	typed.Broadcast = fabric.BroadcastApps
	actions = r.OnMessage("p1", typed, st, testNow)
	targets = broadcastsOfType(actions, fabric.TypeConversationEvent)[0].ClientIDs
	if containsString(targets, "v1") {
		t.Errorf("viewer included in apps fan-out: %v", targets)
	}
}

func TestReducer_Determinism(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"a1": authedApp("a1", 0),
		"a2": authedApp("a2", 1),
		"v1": authedViewer("v1", 2, 42),
	}}

	msg := mustMessage(t, fabric.TypeConversationEvent, map[string]any{"conversationId": 42})
	msg.Broadcast = fabric.BroadcastAll

	first := r.OnMessage("p1", msg, st, testNow)
	second := r.OnMessage("p1", msg, st, testNow)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical inputs produced different action lists:\n%+v\n%+v", first, second)
	}
}

func TestReducer_DisconnectReleasesIndexAndNotifies(t *testing.T) {
	r := testReducer(t, nil)
	st := State{Clients: map[string]*Client{
		"p1": authedPylon("p1", 1),
		"a1": authedApp("a1", 3),
		"a2": authedApp("a2", 1),
	}}
	st.Allocator[1] = true
	st.Allocator[3] = true

	actions := r.OnDisconnect("a1", st, testNow)

	var released []int
	for _, a := range actions {
		if rel, ok := a.(ReleaseIndexAction); ok {
			released = append(released, rel.Index)
		}
	}
	if !reflect.DeepEqual(released, []int{3}) {
		t.Errorf("released = %v, want [3]", released)
	}

	disconnects := broadcastsOfType(actions, fabric.TypeClientDisconnect)
	if len(disconnects) != 1 || !reflect.DeepEqual(disconnects[0].ClientIDs, []string{"p1"}) {
		t.Errorf("client_disconnect = %+v, want broadcast to pylons only", disconnects)
	}

	statuses := broadcastsOfType(actions, fabric.TypeDeviceStatus)
	if len(statuses) != 1 {
		t.Fatalf("device_status broadcasts = %d, want 1", len(statuses))
	}
	if containsString(statuses[0].ClientIDs, "a1") {
		t.Error("departed client included in device_status fan-out")
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
