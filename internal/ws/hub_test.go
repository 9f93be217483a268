package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
	"github.com/manpreetbhatti/sketchsync/internal/db"
	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/fanout"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/room"
)

// memberMap is a MemberStore keyed by "room/token"
type memberMap map[string]*db.Member

func (m memberMap) MemberByToken(roomID, token string) (*db.Member, error) {
	return m[roomID+"/"+token], nil
}

// tokenOf is the secret the test members connect with
func tokenOf(memberID string) string {
	return "tok-" + memberID
}

func testMembers() memberMap {
	add := func(m memberMap, id string, role room.Role, scope room.Scope, kicked bool) {
		m["room-1/"+tokenOf(id)] = &db.Member{ID: id, RoomID: "room-1", Role: role, Scope: scope, Kicked: kicked}
	}
	m := memberMap{}
	add(m, "owner", room.RoleOwner, room.ScopeReadWrite, false)
	add(m, "guest", room.RoleGuest, room.ScopeReadWrite, false)
	add(m, "viewer", room.RoleGuest, room.ScopeReadOnly, false)
	add(m, "banned", room.RoleGuest, room.ScopeReadWrite, true)
	return m
}

func setupTestHub(t *testing.T, members MemberStore) (*Hub, *httptest.Server, func()) {
	t.Helper()

	hub := NewHub(members, nil)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))

	cleanup := func() {
		srv.Close()
		hub.Stop()
	}
	return hub, srv, cleanup
}

func dial(srv *httptest.Server, roomID, token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=" + roomID + "&token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

// connect dials as memberID and consumes the room:info frame
func connect(t *testing.T, srv *httptest.Server, memberID string) (*websocket.Conn, protocol.Control) {
	t.Helper()
	conn, _, err := dial(srv, "room-1", tokenOf(memberID))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	kind, data := readFrame(t, conn)
	if kind != websocket.TextMessage {
		t.Fatalf("Expected room info text frame, got kind %d", kind)
	}
	ctrl, err := protocol.ParseControl(data)
	if err != nil {
		t.Fatalf("ParseControl failed: %v", err)
	}
	return conn, ctrl
}

func readFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return kind, data
}

func readData(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_, data := readFrame(t, conn)
	return data
}

// expectSilence fails if a frame arrives within a short window
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("Expected no frame, got %v", data)
	}
}

func makeUpdate(t *testing.T, clientID, region string) []byte {
	t.Helper()
	d := doc.New(clientID)
	var out []byte
	d.OnUpdate(func(u doc.Update) {
		data, err := doc.EncodeUpdate(u)
		if err != nil {
			t.Fatalf("EncodeUpdate failed: %v", err)
		}
		out = data
	})
	d.Transact(nil, func(tx *doc.Txn) error {
		tx.Set(region, "k", "v")
		return nil
	})
	return protocol.EncodeSync(protocol.SyncUpdate, out)
}

// writerStream returns frames for successive transactions of one
// document, so their sequence numbers are contiguous
func writerStream(t *testing.T, d *doc.Document) func(region, key string) []byte {
	t.Helper()
	var out []byte
	d.OnUpdate(func(u doc.Update) {
		data, err := doc.EncodeUpdate(u)
		if err != nil {
			t.Fatalf("EncodeUpdate failed: %v", err)
		}
		out = data
	})
	return func(region, key string) []byte {
		d.Transact(nil, func(tx *doc.Txn) error {
			tx.Set(region, key, "v-"+key)
			return nil
		})
		return protocol.EncodeSync(protocol.SyncUpdate, out)
	}
}

// catchUp runs the Step1 handshake on conn and applies the reply to a
// fresh document
func catchUp(t *testing.T, conn *websocket.Conn) (*doc.Document, []doc.Update) {
	t.Helper()
	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncStep1, nil))
	_, reply := readFrame(t, conn)
	if protocol.ParseSyncStep(reply) != protocol.SyncStep2 {
		t.Fatalf("Expected Step2, got step %d", protocol.ParseSyncStep(reply))
	}
	updates, err := doc.DecodeBatch(protocol.Payload(reply))
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	peer := doc.New("peer")
	if err := peer.ApplyBatch(updates); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	return peer, updates
}

func decodeSyncUpdate(t *testing.T, data []byte) doc.Update {
	t.Helper()
	if !isSyncUpdate(data) {
		t.Fatalf("Expected a sync update, got %v", data)
	}
	u, err := doc.DecodeUpdate(protocol.Payload(data))
	if err != nil {
		t.Fatalf("DecodeUpdate failed: %v", err)
	}
	return u
}

// registerStalled adds a client whose send queue never drains
func registerStalled(t *testing.T, hub *Hub, presence map[string]uint64) func() {
	t.Helper()

	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	remote, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Dial failed: %v", err)
	}

	hub.register <- &Client{
		hub:         hub,
		conn:        <-conns,
		roomID:      "room-1",
		memberID:    "stalled",
		clientID:    "stalled",
		rateLimiter: hub.limiters.Get("stalled"),
		log:         zap.NewNop(),
		send:        make(chan frame),
		scope:       room.ScopeReadWrite,
		presence:    presence,
	}

	return func() {
		remote.Close()
		srv.Close()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestServeWsRejectsNonMembers(t *testing.T) {
	_, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"unknown", tokenOf("stranger"), http.StatusUnauthorized},
		{"member id instead of token", "owner", http.StatusUnauthorized},
		{"kicked", tokenOf("banned"), http.StatusForbidden},
		{"missing", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dial(srv, "room-1", tt.token)
			if err == nil {
				t.Fatal("Expected dial to fail")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %v", tt.status, resp)
			}
		})
	}
}

func TestRoomInfoOnConnect(t *testing.T) {
	_, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	conn, ctrl := connect(t, srv, "guest")
	defer conn.Close()

	if ctrl.Type != protocol.ControlRoomInfo {
		t.Errorf("Expected room:info, got %s", ctrl.Type)
	}
	if ctrl.Role != "guest" || ctrl.GuestID != "guest" || ctrl.UserID != "" || ctrl.RoomID != "room-1" {
		t.Errorf("Unexpected room info: %+v", ctrl)
	}

	owner, ownerInfo := connect(t, srv, "owner")
	defer owner.Close()
	if ownerInfo.Role != "owner" || ownerInfo.UserID != "owner" {
		t.Errorf("Unexpected owner info: %+v", ownerInfo)
	}
}

func TestUpdatesBroadcastAndCatchUp(t *testing.T) {
	hub, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	owner, _ := connect(t, srv, "owner")
	defer owner.Close()
	guest, _ := connect(t, srv, "guest")
	defer guest.Close()
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 2 })

	update := makeUpdate(t, "owner-doc", doc.RegionElements)
	owner.WriteMessage(websocket.BinaryMessage, update)

	_, got := readFrame(t, guest)
	if string(got) != string(update) {
		t.Error("Expected the guest to receive the owner's update")
	}
	expectSilence(t, owner)

	// a late joiner catches up through the handshake
	late, _ := connect(t, srv, "guest")
	defer late.Close()
	late.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncStep1, nil))

	_, reply := readFrame(t, late)
	if protocol.ParseSyncStep(reply) != protocol.SyncStep2 {
		t.Fatalf("Expected Step2, got step %d", protocol.ParseSyncStep(reply))
	}
	updates, err := doc.DecodeBatch(protocol.Payload(reply))
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if len(updates) != 1 || updates[0].Client != "owner-doc" {
		t.Errorf("Expected the stored update, got %+v", updates)
	}
}

func TestReadOnlyWritesAreStripped(t *testing.T) {
	hub, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	owner, _ := connect(t, srv, "owner")
	defer owner.Close()
	viewer, _ := connect(t, srv, "viewer")
	defer viewer.Close()
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 2 })

	write := writerStream(t, doc.New("viewer-doc"))

	viewer.WriteMessage(websocket.BinaryMessage, write(doc.RegionElements, "e1"))
	stripped := decodeSyncUpdate(t, readData(t, owner))
	if stripped.Client != "viewer-doc" || stripped.Seq != 1 || len(stripped.Ops) != 0 {
		t.Errorf("Expected seq 1 without ops, got %+v", stripped)
	}

	// moderation traffic still flows
	viewer.WriteMessage(websocket.BinaryMessage, write(doc.RegionCommands, "c1"))
	cmd := decodeSyncUpdate(t, readData(t, owner))
	if cmd.Seq != 2 || len(cmd.Ops) != 1 || cmd.Ops[0].Region != doc.RegionCommands {
		t.Errorf("Expected the command at seq 2, got %+v", cmd)
	}
	if n := hub.RoomState("room-1").Len(); n != 2 {
		t.Errorf("Expected 2 stored updates, got %d", n)
	}

	peer, _ := catchUp(t, owner)
	if peer.PendingCount() != 0 {
		t.Errorf("Expected no pending updates, got %d", peer.PendingCount())
	}
	if len(peer.Keys(doc.RegionElements)) != 0 || len(peer.Keys(doc.RegionCommands)) != 1 {
		t.Errorf("Expected only the command to survive, got elements %v commands %v",
			peer.Keys(doc.RegionElements), peer.Keys(doc.RegionCommands))
	}
}

func TestDepartureRemovesPresence(t *testing.T) {
	hub, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	owner, _ := connect(t, srv, "owner")
	defer owner.Close()
	guest, _ := connect(t, srv, "guest")
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 2 })

	payload, _ := awareness.EncodeUpdate(awareness.Update{
		ClientID: "guest-client",
		Clock:    4,
		State:    &awareness.State{Username: "bob", UserState: awareness.UserActive},
	})
	guest.WriteMessage(websocket.BinaryMessage, protocol.EncodeAwareness(payload))
	readFrame(t, owner)

	guest.Close()

	_, data := readFrame(t, owner)
	if protocol.ParseMessageType(data) != protocol.MessageTypeAwareness {
		t.Fatalf("Expected awareness frame, got %v", data)
	}
	u, err := awareness.DecodeUpdate(protocol.Payload(data))
	if err != nil {
		t.Fatalf("DecodeUpdate failed: %v", err)
	}
	if u.ClientID != "guest-client" || u.State != nil || u.Clock <= 4 {
		t.Errorf("Expected a removal for guest-client, got %+v", u)
	}
	if hub.RoomState("room-1").Len() != 0 {
		t.Error("Awareness must not be stored")
	}
}

func TestKickClosesSockets(t *testing.T) {
	hub, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	guest, _ := connect(t, srv, "guest")
	defer guest.Close()
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 1 })

	if n := hub.Kick("room-1", "guest"); n != 1 {
		t.Errorf("Expected 1 socket kicked, got %d", n)
	}

	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := guest.ReadMessage()
	if err == nil {
		t.Error("Expected the socket to close")
	}
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 0 })
}

func TestSetScopeSendsPermission(t *testing.T) {
	hub, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	owner, _ := connect(t, srv, "owner")
	defer owner.Close()
	guest, _ := connect(t, srv, "guest")
	defer guest.Close()
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 2 })

	if n := hub.SetScope("room-1", "guest", room.ScopeReadOnly); n != 1 {
		t.Fatalf("Expected 1 socket notified, got %d", n)
	}
	kind, data := readFrame(t, guest)
	ctrl, err := protocol.ParseControl(data)
	if kind != websocket.TextMessage || err != nil || ctrl.Type != protocol.ControlPermission || ctrl.Scope != "read_only" {
		t.Errorf("Expected read_only permission frame, got %s (%v)", data, err)
	}

	guest.WriteMessage(websocket.BinaryMessage, makeUpdate(t, "guest-doc", doc.RegionElements))
	if u := decodeSyncUpdate(t, readData(t, owner)); len(u.Ops) != 0 {
		t.Errorf("Expected the scene write to be stripped, got %+v", u.Ops)
	}
}

func TestHubStats(t *testing.T) {
	hub, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	a, _ := connect(t, srv, "owner")
	defer a.Close()
	b, _ := connect(t, srv, "guest")
	defer b.Close()
	waitFor(t, func() bool { return hub.GetClientCount() == 2 })

	if hub.GetRoomCount() != 1 {
		t.Errorf("Expected 1 room, got %d", hub.GetRoomCount())
	}
	if active := hub.GetActiveRooms(); active["room-1"] != 2 {
		t.Errorf("Expected 2 clients in room-1, got %v", active)
	}

	hub.CloseRoom("room-1")
	waitFor(t, func() bool { return hub.GetClientCount() == 0 })
	if len(hub.RoomIDs()) != 0 {
		t.Errorf("Expected no room states, got %v", hub.RoomIDs())
	}
}

func TestFanoutBetweenHubs(t *testing.T) {
	bus := fanout.NewMemory()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubA, srvA, cleanupA := setupTestHub(t, testMembers())
	defer cleanupA()
	hubB, srvB, cleanupB := setupTestHub(t, testMembers())
	defer cleanupB()
	if err := hubA.UseBus(ctx, bus); err != nil {
		t.Fatalf("UseBus failed: %v", err)
	}
	if err := hubB.UseBus(ctx, bus); err != nil {
		t.Fatalf("UseBus failed: %v", err)
	}

	owner, _ := connect(t, srvA, "owner")
	defer owner.Close()
	guest, _ := connect(t, srvB, "guest")
	defer guest.Close()
	waitFor(t, func() bool {
		return hubA.GetRoomClientCount("room-1") == 1 && hubB.GetRoomClientCount("room-1") == 1
	})

	update := makeUpdate(t, "owner-doc", doc.RegionElements)
	owner.WriteMessage(websocket.BinaryMessage, update)

	_, got := readFrame(t, guest)
	if string(got) != string(update) {
		t.Error("Expected the update to cross nodes")
	}
	if hubB.RoomState("room-1").Len() != 1 {
		t.Error("Expected the remote node to store the update for catch-up")
	}
	expectSilence(t, owner)
}

func TestRateLimitClosesSyncFlood(t *testing.T) {
	hub := NewHub(testMembers(), nil)
	hub.SetRateLimit(0.001, 2)
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer func() {
		srv.Close()
		hub.Stop()
	}()

	writer := doc.New("writer")
	write := writerStream(t, writer)

	guest, _ := connect(t, srv, "guest")
	defer guest.Close()
	for i := 0; i < 4; i++ {
		guest.WriteMessage(websocket.BinaryMessage, write(doc.RegionFiles, fmt.Sprintf("f%d", i)))
	}

	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := guest.ReadMessage()
	if !websocket.IsCloseError(err, closeRateLimited) {
		t.Fatalf("Expected close code %d, got %v", closeRateLimited, err)
	}
	if n := hub.RoomState("room-1").Len(); n != 2 {
		t.Errorf("Expected the burst of 2 to be stored, got %d", n)
	}

	// the writer reconnects and resends its state
	again, _ := connect(t, srv, "guest")
	defer again.Close()
	data, err := doc.EncodeUpdate(writer.Snapshot())
	if err != nil {
		t.Fatalf("EncodeUpdate failed: %v", err)
	}
	again.WriteMessage(websocket.BinaryMessage, protocol.EncodeSync(protocol.SyncUpdate, data))
	waitFor(t, func() bool { return hub.RoomState("room-1").Len() == 3 })

	late, _ := connect(t, srv, "owner")
	defer late.Close()
	peer, updates := catchUp(t, late)
	if peer.PendingCount() != 0 {
		t.Errorf("Expected no pending updates, got %d", peer.PendingCount())
	}
	if got := peer.Vector()["writer"]; got != 4 {
		t.Errorf("Expected writer at seq 4, got %d", got)
	}
	if keys := peer.Keys(doc.RegionFiles); len(keys) != 4 {
		t.Errorf("Expected 4 files, got %v", keys)
	}
	if _, err := doc.Merge(updates); err != nil {
		t.Errorf("Expected the log to compact, got %v", err)
	}
}

func TestRateLimitDropsPresenceFlood(t *testing.T) {
	hub := NewHub(testMembers(), nil)
	hub.SetRateLimit(0.001, 1)
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer func() {
		srv.Close()
		hub.Stop()
	}()

	owner, _ := connect(t, srv, "owner")
	defer owner.Close()
	guest, _ := connect(t, srv, "guest")
	defer guest.Close()
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 2 })

	for i := 0; i < 3; i++ {
		payload, _ := awareness.EncodeUpdate(awareness.Update{
			ClientID: "guest-client",
			Clock:    uint64(i + 1),
			State:    &awareness.State{Username: "bob"},
		})
		guest.WriteMessage(websocket.BinaryMessage, protocol.EncodeAwareness(payload))
	}

	_, data := readFrame(t, owner)
	if protocol.ParseMessageType(data) != protocol.MessageTypeAwareness {
		t.Fatalf("Expected awareness frame, got %v", data)
	}
	expectSilence(t, owner)
	if hub.GetRoomClientCount("room-1") != 2 {
		t.Error("Expected the presence flood to keep the socket open")
	}
}

func TestSlowClientDepartureIsAnnounced(t *testing.T) {
	hub, srv, cleanup := setupTestHub(t, testMembers())
	defer cleanup()

	owner, _ := connect(t, srv, "owner")
	defer owner.Close()
	guest, _ := connect(t, srv, "guest")
	defer guest.Close()
	closeStalled := registerStalled(t, hub, map[string]uint64{"stalled-client": 3})
	defer closeStalled()
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 3 })

	update := makeUpdate(t, "guest-doc", doc.RegionElements)
	guest.WriteMessage(websocket.BinaryMessage, update)

	if got := readData(t, owner); string(got) != string(update) {
		t.Fatal("Expected the guest's update first")
	}
	data := readData(t, owner)
	if protocol.ParseMessageType(data) != protocol.MessageTypeAwareness {
		t.Fatalf("Expected awareness frame, got %v", data)
	}
	u, err := awareness.DecodeUpdate(protocol.Payload(data))
	if err != nil {
		t.Fatalf("DecodeUpdate failed: %v", err)
	}
	if u.ClientID != "stalled-client" || u.State != nil || u.Clock != 4 {
		t.Errorf("Expected a removal for stalled-client, got %+v", u)
	}
	waitFor(t, func() bool { return hub.GetRoomClientCount("room-1") == 2 })
}
