package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/ratelimit"
	"github.com/manpreetbhatti/sketchsync/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512

	websocketBinary = websocket.BinaryMessage
	websocketText   = websocket.TextMessage

	// close codes in the private range
	closeKicked      = 4003
	closeRoomGone    = 4004
	closeRateLimited = 4008
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type frame struct {
	kind int
	data []byte
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	roomID      string
	memberID    string
	clientID    string
	rateLimiter *ratelimit.Limiter
	log         *zap.Logger

	mu     sync.Mutex
	send   chan frame
	closed bool
	scope  room.Scope

	// presence records seen on this socket, by awareness client id,
	// with the last clock
	presence map[string]uint64
}

// ServeWs admits a member of a room by its secret token. Unknown tokens
// get 401, kicked members 403.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	token := r.URL.Query().Get("token")
	if roomID == "" || token == "" {
		http.Error(w, "room and token are required", http.StatusBadRequest)
		return
	}

	member, err := hub.members.MemberByToken(roomID, token)
	if err != nil {
		hub.log.Error("member lookup failed", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "membership lookup failed", http.StatusInternalServerError)
		return
	}
	if member == nil {
		http.Error(w, "not a member of this room", http.StatusUnauthorized)
		return
	}
	if member.Kicked {
		http.Error(w, "removed from this room", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("upgrade error", zap.Error(err))
		return
	}

	memberID := member.ID
	clientID := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		roomID:      roomID,
		memberID:    memberID,
		clientID:    clientID,
		rateLimiter: hub.limiters.Get(clientID),
		log:         hub.log.With(zap.String("room", roomID), zap.String("member", memberID)),
		send:        make(chan frame, sendBuffer),
		scope:       member.Scope,
		presence:    make(map[string]uint64),
	}

	info := member.Info()
	ctrl, err := protocol.EncodeControl(protocol.Control{
		Type:    protocol.ControlRoomInfo,
		RoomID:  info.RoomID,
		Role:    string(info.Role),
		Scope:   string(info.Scope),
		GuestID: info.GuestID,
		UserID:  info.UserID,
	})
	if err != nil {
		client.log.Error("encode room info", zap.Error(err))
		conn.Close()
		return
	}
	client.enqueue(websocketText, ctrl)

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// enqueue queues a frame without blocking. It reports false when the
// socket is gone or too far behind.
func (c *Client) enqueue(kind int, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// closeWith sends a close frame and drops the connection. readPump then
// unregisters the client.
func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) notePresence(u awareness.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.State == nil {
		delete(c.presence, u.ClientID)
	} else {
		c.presence[u.ClientID] = u.Clock
	}
}

func (c *Client) setScope(scope room.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope = scope
}

func (c *Client) readOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope == room.ScopeReadOnly
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		if !c.rateLimiter.Allow() {
			if protocol.ParseMessageType(message) != protocol.MessageTypeAwareness {
				// a skipped update leaves a seq gap at every peer. The
				// client resends a snapshot once it reconnects.
				c.log.Warn("rate limit exceeded on sync frame, closing", zap.String("client", c.clientID))
				c.closeWith(closeRateLimited, "rate limited")
				return
			}
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.Warn("rate limit exceeded", zap.String("client", c.clientID), zap.Int("warnings", rateLimitWarnings))
			}
			if rateLimitWarnings > 1000 {
				c.log.Warn("disconnecting client for excessive rate limit violations", zap.String("client", c.clientID))
				return
			}
			continue
		}

		if err := protocol.Validate(message); err != nil {
			c.log.Warn("invalid message", zap.String("client", c.clientID), zap.Error(err))
			continue
		}

		if err := c.handle(message); err != nil {
			c.log.Warn("dropping message", zap.String("client", c.clientID), zap.Error(err))
		}
	}
}

func (c *Client) handle(message []byte) error {
	switch protocol.ParseMessageType(message) {
	case protocol.MessageTypeSync:
		switch protocol.ParseSyncStep(message) {
		case protocol.SyncStep1:
			return c.answerStep1()
		case protocol.SyncStep2:
			// only the relay answers handshakes
			return nil
		case protocol.SyncUpdate:
			payload, err := c.admitUpdate(protocol.Payload(message))
			if err != nil {
				return err
			}
			message = protocol.EncodeSync(protocol.SyncUpdate, payload)
			c.hub.RoomState(c.roomID).AddUpdate(payload)
		}

	case protocol.MessageTypeAwareness:
		u, err := awareness.DecodeUpdate(protocol.Payload(message))
		if err != nil {
			return err
		}
		c.notePresence(u)
	}

	select {
	case c.hub.broadcast <- &Message{RoomID: c.roomID, Data: message, Sender: c}:
	case <-c.hub.done:
	}
	return nil
}

// answerStep1 sends the room's catch-up log as one batch
func (c *Client) answerStep1() error {
	batch, err := doc.EncodeBatch(c.hub.RoomState(c.roomID).GetUpdates())
	if err != nil {
		return err
	}
	if !c.enqueue(websocketBinary, protocol.EncodeSync(protocol.SyncStep2, batch)) {
		return errors.New("send buffer full")
	}
	return nil
}

// admitUpdate rejects malformed updates. For read-only members it strips
// every op outside the commands region but keeps the update itself, so
// the member's sequence stays contiguous at every peer.
func (c *Client) admitUpdate(payload []byte) ([]byte, error) {
	u, err := doc.DecodeUpdate(payload)
	if err != nil {
		return nil, err
	}
	if !c.readOnly() {
		return payload, nil
	}

	var kept []doc.Op
	for _, op := range u.Ops {
		if op.Region == doc.RegionCommands {
			kept = append(kept, op)
		}
	}
	if len(kept) == len(u.Ops) {
		return payload, nil
	}

	c.log.Info("stripped read-only writes",
		zap.String("client", c.clientID),
		zap.Int("dropped", len(u.Ops)-len(kept)))
	u.Ops = kept
	return doc.EncodeUpdate(u)
}

// departureFrames builds presence removals for every record last seen
// on this socket
func (c *Client) departureFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([][]byte, 0, len(c.presence))
	for id, clk := range c.presence {
		payload, err := awareness.EncodeUpdate(awareness.Update{ClientID: id, Clock: clk + 1})
		if err != nil {
			continue
		}
		frames = append(frames, protocol.EncodeAwareness(payload))
	}
	return frames
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(message.kind)
			if err != nil {
				return
			}
			w.Write(message.data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
