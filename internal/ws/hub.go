package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/db"
	"github.com/manpreetbhatti/sketchsync/internal/fanout"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/ratelimit"
	"github.com/manpreetbhatti/sketchsync/internal/room"
)

const (
	messagesPerSecond = 100
	messageBurst      = 200
)

// MemberStore resolves a member's secret token. A nil member means the
// token is unknown.
type MemberStore interface {
	MemberByToken(roomID, token string) (*db.Member, error)
}

// The set of active clients and broadcasts messages to clients
type Hub struct {
	// Registered clients by room
	rooms map[string]map[*Client]bool

	// Catch-up log per room
	roomStates map[string]*room.Room

	// Inbound messages from clients
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	members  MemberStore
	limiters *ratelimit.Pool
	bus      fanout.Bus
	node     string
	log      *zap.Logger

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
}

type Message struct {
	RoomID string
	Data   []byte
	Sender *Client

	// Remote messages came in over the fanout bus and are not published
	// again
	Remote bool
}

func NewHub(members MemberStore, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		roomStates: make(map[string]*room.Room),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		members:    members,
		limiters:   ratelimit.NewPool(messagesPerSecond, messageBurst),
		node:       uuid.NewString(),
		log:        log,
		done:       make(chan struct{}),
	}
}

// SetRateLimit replaces the per-client message limit. Call it before Run.
func (h *Hub) SetRateLimit(perSecond float64, burst int) {
	old := h.limiters
	h.limiters = ratelimit.NewPool(perSecond, burst)
	old.Stop()
}

// UseBus connects the hub to other relay nodes. Frames from local
// clients are published and frames from other nodes are delivered as if
// they came from a local client.
func (h *Hub) UseBus(ctx context.Context, bus fanout.Bus) error {
	h.mu.Lock()
	h.bus = bus
	h.mu.Unlock()
	return bus.Subscribe(ctx, h.receiveRemote)
}

func (h *Hub) receiveRemote(e fanout.Envelope) {
	if e.Node == h.node {
		return
	}
	if isSyncUpdate(e.Data) {
		h.RoomState(e.RoomID).AddUpdate(protocol.Payload(e.Data))
	}
	select {
	case h.broadcast <- &Message{RoomID: e.RoomID, Data: e.Data, Remote: true}:
	case <-h.done:
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.rooms[client.roomID]; !ok {
				h.rooms[client.roomID] = make(map[*Client]bool)
			}
			h.rooms[client.roomID][client] = true
			clientCount := len(h.rooms[client.roomID])
			h.mu.Unlock()

			h.log.Info("client joined room",
				zap.String("room", client.roomID),
				zap.String("member", client.memberID),
				zap.Int("total", clientCount))

		case client := <-h.unregister:
			h.mu.Lock()
			removed := false
			if clients, ok := h.rooms[client.roomID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					client.closeSend()
					removed = true

					if len(clients) == 0 {
						delete(h.rooms, client.roomID)
						h.log.Info("room empty", zap.String("room", client.roomID))
					} else {
						h.log.Info("client left room",
							zap.String("room", client.roomID),
							zap.Int("remaining", len(clients)))
					}
				}
			}
			h.mu.Unlock()
			h.limiters.Release(client.clientID)

			if removed {
				h.announceDeparture(client)
			}

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *Hub) deliver(message *Message) {
	h.mu.Lock()
	var dropped []*Client
	if clients, ok := h.rooms[message.RoomID]; ok {
		// presence from a socket that was already dropped would outlive
		// its departure frames
		if message.Sender != nil && !clients[message.Sender] && isAwareness(message.Data) {
			h.mu.Unlock()
			return
		}
		for client := range clients {
			if client == message.Sender {
				continue
			}
			if !client.enqueue(websocketBinary, message.Data) {
				dropped = append(dropped, client)
			}
		}
		for _, client := range dropped {
			delete(clients, client)
			client.closeSend()
		}
	}
	bus := h.bus
	h.mu.Unlock()

	for _, client := range dropped {
		h.log.Warn("dropping slow client",
			zap.String("room", client.roomID),
			zap.String("client", client.clientID))
		client.conn.Close()
	}

	if bus != nil && !message.Remote {
		err := bus.Publish(context.Background(), fanout.Envelope{
			Node:   h.node,
			RoomID: message.RoomID,
			Data:   message.Data,
		})
		if err != nil {
			h.log.Warn("fanout publish failed", zap.String("room", message.RoomID), zap.Error(err))
		}
	}

	// readPump's unregister finds these clients gone and announces nothing
	for _, client := range dropped {
		h.announceDeparture(client)
	}
}

// announceDeparture tells the room that presence records carried by a
// departed socket are gone
func (h *Hub) announceDeparture(client *Client) {
	for _, frame := range client.departureFrames() {
		h.deliver(&Message{RoomID: client.roomID, Data: frame})
	}
}

// Stop ends Run and closes every socket
func (h *Hub) Stop() {
	h.once.Do(func() {
		close(h.done)
		h.limiters.Stop()

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, clients := range h.rooms {
			for client := range clients {
				client.conn.Close()
			}
		}
	})
}

// RoomState returns the catch-up log for roomID, creating it on first use
func (h *Hub) RoomState(roomID string) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.roomStates[roomID]
	if !ok {
		state = room.NewRoom(roomID)
		h.roomStates[roomID] = state
	}
	return state
}

// RoomIDs lists every room with a catch-up log
func (h *Hub) RoomIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.roomStates))
	for id := range h.roomStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseRoom disconnects every client and discards the catch-up log
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	delete(h.roomStates, roomID)
	clients := h.clientsLocked(roomID, "")
	h.mu.Unlock()

	for _, client := range clients {
		client.closeWith(closeRoomGone, "room deleted")
	}
}

// SendControl delivers a control frame to every socket of a member
func (h *Hub) SendControl(roomID, memberID string, ctrl protocol.Control) int {
	data, err := protocol.EncodeControl(ctrl)
	if err != nil {
		h.log.Error("encode control frame", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	clients := h.clientsLocked(roomID, memberID)
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.enqueue(websocketText, data) {
			sent++
		}
	}
	return sent
}

// SetScope changes the scope of a member's live sockets and tells them
func (h *Hub) SetScope(roomID, memberID string, scope room.Scope) int {
	h.mu.RLock()
	clients := h.clientsLocked(roomID, memberID)
	h.mu.RUnlock()

	for _, client := range clients {
		client.setScope(scope)
	}
	return h.SendControl(roomID, memberID, protocol.Control{
		Type:   protocol.ControlPermission,
		RoomID: roomID,
		Scope:  string(scope),
	})
}

// Kick closes every socket of a member
func (h *Hub) Kick(roomID, memberID string) int {
	h.mu.RLock()
	clients := h.clientsLocked(roomID, memberID)
	h.mu.RUnlock()

	for _, client := range clients {
		client.closeWith(closeKicked, "kicked")
	}
	if len(clients) > 0 {
		h.log.Info("member kicked",
			zap.String("room", roomID),
			zap.String("member", memberID),
			zap.Int("sockets", len(clients)))
	}
	return len(clients)
}

// clientsLocked returns the room's clients, filtered by member when
// memberID is set
func (h *Hub) clientsLocked(roomID, memberID string) []*Client {
	var out []*Client
	for client := range h.rooms[roomID] {
		if memberID == "" || client.memberID == memberID {
			out = append(out, client)
		}
	}
	return out
}

func isAwareness(data []byte) bool {
	return protocol.ParseMessageType(data) == protocol.MessageTypeAwareness
}

func isSyncUpdate(data []byte) bool {
	return protocol.ParseMessageType(data) == protocol.MessageTypeSync &&
		protocol.ParseSyncStep(data) == protocol.SyncUpdate
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.rooms {
		count += len(clients)
	}
	return count
}

func (h *Hub) GetRoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	active := make(map[string]int, len(h.rooms))
	for id, clients := range h.rooms {
		active[id] = len(clients)
	}
	return active
}
