package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
	"github.com/manpreetbhatti/sketchsync/internal/clock"
	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512
)

// Conn is one room session: the document, the presence records and the
// socket carrying them. The socket is replaced on reconnect; the document
// and presence survive so the client id stays stable.
type Conn struct {
	m         *Manager
	roomID    string
	socketURL string
	doc       *doc.Document
	aw        *awareness.Awareness
	onControl func(protocol.Control)
	unhook    []func()

	mu        sync.Mutex
	socket    *socket
	status    Status
	synced    bool
	stopping  bool
	dialing   bool
	exhausted bool
	retry     backoff.BackOff
	timer     clock.Timer
	attempts  int
}

type socket struct {
	ws   *websocket.Conn
	send chan []byte
	quit chan struct{}
	done chan struct{}

	quitOnce sync.Once
	doneOnce sync.Once
}

func newSocket(ws *websocket.Conn) *socket {
	return &socket{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *socket) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown flushes queued frames and sends a close frame
func (s *socket) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *socket) close() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

func (c *Conn) RoomID() string {
	return c.roomID
}

func (c *Conn) Document() *doc.Document {
	return c.doc
}

func (c *Conn) Awareness() *awareness.Awareness {
	return c.aw
}

func (c *Conn) ClientID() string {
	return c.doc.ClientID()
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Synced reports whether the catch-up batch for the current socket has
// been applied
func (c *Conn) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Attempts returns the number of reconnect dials scheduled since the last
// successful connection
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Conn) attach(ws *websocket.Conn) {
	s := newSocket(ws)

	c.mu.Lock()
	c.socket = s
	c.status = StatusConnected
	c.synced = false
	c.mu.Unlock()

	go c.writePump(s)
	go c.readPump(s)

	vector, err := doc.EncodeVector(c.doc.Vector())
	if err != nil {
		c.m.log.Error("encode state vector", zap.Error(err))
	} else {
		s.enqueue(protocol.EncodeSync(protocol.SyncStep1, vector))
	}

	c.m.emit(func() {
		if c.live(s) && c.m.events.Status != nil {
			c.m.events.Status(StatusConnected)
		}
	})
}

func (c *Conn) live(s *socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopping && c.socket == s
}

func (c *Conn) current() *socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return nil
	}
	return c.socket
}

func (c *Conn) sendUpdate(u doc.Update) {
	data, err := doc.EncodeUpdate(u)
	if err != nil {
		c.m.log.Error("encode update", zap.String("room", c.roomID), zap.Error(err))
		return
	}
	c.enqueue(protocol.EncodeSync(protocol.SyncUpdate, data))
}

func (c *Conn) sendAwareness(u awareness.Update) {
	data, err := awareness.EncodeUpdate(u)
	if err != nil {
		c.m.log.Error("encode awareness", zap.String("room", c.roomID), zap.Error(err))
		return
	}
	c.enqueue(protocol.EncodeAwareness(data))
}

// enqueue drops the frame while offline; the snapshot sent after a
// reconnect carries whatever was missed.
func (c *Conn) enqueue(frame []byte) {
	s := c.current()
	if s == nil {
		return
	}
	if !s.enqueue(frame) {
		c.m.emit(func() { c.handleDrop(s, errors.New("send buffer full")) })
	}
}

func (c *Conn) readPump(s *socket) {
	defer s.close()

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := s.ws.ReadMessage()
		if err != nil {
			c.m.emit(func() { c.handleDrop(s, err) })
			return
		}

		switch kind {
		case websocket.TextMessage:
			c.m.emit(func() { c.handleControl(s, message) })
		case websocket.BinaryMessage:
			c.m.emit(func() { c.handleFrame(s, message) })
		}
	}
}

func (c *Conn) writePump(s *socket) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return

		case message := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-s.quit:
			for {
				select {
				case message := <-s.send:
					s.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
						return
					}
				default:
					s.ws.SetWriteDeadline(time.Now().Add(writeWait))
					s.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleFrame(s *socket, data []byte) {
	if !c.live(s) {
		return
	}
	if err := protocol.Validate(data); err != nil {
		c.m.log.Warn("invalid frame", zap.String("room", c.roomID), zap.Error(err))
		return
	}

	payload := protocol.Payload(data)
	switch protocol.ParseMessageType(data) {
	case protocol.MessageTypeSync:
		switch protocol.ParseSyncStep(data) {
		case protocol.SyncStep2:
			updates, err := doc.DecodeBatch(payload)
			if err != nil {
				c.m.log.Warn("bad catch-up batch", zap.String("room", c.roomID), zap.Error(err))
				return
			}
			if err := c.doc.ApplyBatch(updates); err != nil {
				c.m.log.Warn("apply catch-up batch", zap.String("room", c.roomID), zap.Error(err))
				return
			}
			c.markSynced(s)

		case protocol.SyncUpdate:
			u, err := doc.DecodeUpdate(payload)
			if err != nil {
				c.m.log.Warn("bad update", zap.String("room", c.roomID), zap.Error(err))
				return
			}
			if err := c.doc.Apply(u); err != nil {
				c.m.log.Warn("apply update", zap.String("room", c.roomID), zap.Error(err))
			}
		}

	case protocol.MessageTypeAwareness:
		u, err := awareness.DecodeUpdate(payload)
		if err != nil {
			c.m.log.Warn("bad awareness frame", zap.String("room", c.roomID), zap.Error(err))
			return
		}
		c.aw.Apply(u)
	}
}

func (c *Conn) markSynced(s *socket) {
	c.mu.Lock()
	if c.socket != s || c.synced {
		c.mu.Unlock()
		return
	}
	c.synced = true
	c.mu.Unlock()

	c.m.log.Debug("synced", zap.String("room", c.roomID))
	if c.m.events.Synced != nil {
		c.m.events.Synced()
	}
}

func (c *Conn) handleControl(s *socket, data []byte) {
	if !c.live(s) {
		return
	}
	ctrl, err := protocol.ParseControl(data)
	if err != nil {
		c.m.log.Warn("bad control frame", zap.String("room", c.roomID), zap.Error(err))
		return
	}
	if c.onControl != nil {
		c.onControl(ctrl)
	}
}

// handleDrop reports an unintended transport failure once and releases
// the socket. The document stays usable offline.
func (c *Conn) handleDrop(s *socket, cause error) {
	c.mu.Lock()
	if c.stopping || c.socket != s {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	c.status = StatusDisconnected
	c.synced = false
	c.mu.Unlock()

	s.close()
	c.m.log.Warn("connection lost", zap.String("room", c.roomID), zap.Error(cause))

	if c.m.events.Status != nil {
		c.m.events.Status(StatusDisconnected)
	}
	if c.m.events.Error != nil {
		c.m.events.Error(errors.Wrapf(ErrConnection, "room %s", c.roomID))
	}
}

func (c *Conn) scheduleReconnect() error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return errors.Errorf("session for room %s is closed", c.roomID)
	}
	if c.exhausted {
		c.mu.Unlock()
		return ErrReconnectFailed
	}
	if c.socket != nil || c.timer != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	if c.retry == nil {
		c.retry = c.m.newBackOff()
		c.attempts = 0
	}

	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		c.retry = nil
		c.exhausted = true
		attempts := c.attempts
		c.mu.Unlock()

		c.m.log.Info("reconnect failed", zap.String("room", c.roomID), zap.Int("attempt", attempts))
		c.m.emit(func() {
			if !c.isStopping() && c.m.events.Error != nil {
				c.m.events.Error(errors.Wrapf(ErrReconnectFailed, "room %s after %d attempts", c.roomID, attempts))
			}
		})
		return nil
	}

	c.attempts++
	attempt := c.attempts
	c.timer = c.m.clock.AfterFunc(delay, func() {
		c.m.emit(c.redial)
	})
	c.status = StatusConnecting
	c.mu.Unlock()

	c.m.log.Info("reconnecting",
		zap.String("room", c.roomID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	return nil
}

func (c *Conn) redial() {
	c.mu.Lock()
	if c.stopping || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.dialing = true
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.m.cfg.HandshakeTimeout)
		ws, err := c.m.dial(ctx, c.socketURL)
		cancel()
		c.m.emit(func() { c.redialed(ws, err) })
	}()
}

func (c *Conn) redialed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	c.dialing = false
	stopping := c.stopping
	c.mu.Unlock()

	if stopping {
		if ws != nil {
			ws.Close()
		}
		return
	}

	if err != nil {
		if refused(err) {
			c.mu.Lock()
			c.retry = nil
			c.exhausted = true
			c.mu.Unlock()

			c.m.log.Info("reconnect refused", zap.String("room", c.roomID), zap.Error(err))
			if c.m.events.Error != nil {
				c.m.events.Error(err)
			}
			return
		}
		c.m.log.Warn("reconnect attempt failed", zap.String("room", c.roomID), zap.Error(err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.retry = nil
	c.attempts = 0
	c.mu.Unlock()

	c.attach(ws)
	c.resendLocalState()

	c.m.log.Info("reconnected", zap.String("room", c.roomID))
	if c.m.events.Reconnected != nil {
		c.m.events.Reconnected()
	}
}

// resendLocalState pushes everything written while offline. The relay
// and peers drop what they already hold.
func (c *Conn) resendLocalState() {
	snapshot := c.doc.Snapshot()
	if len(snapshot.Ops) > 0 {
		data, err := doc.EncodeUpdate(snapshot)
		if err != nil {
			c.m.log.Error("encode snapshot", zap.String("room", c.roomID), zap.Error(err))
		} else {
			c.enqueue(protocol.EncodeSync(protocol.SyncUpdate, data))
		}
	}
	if u, ok := c.aw.Encode(); ok {
		c.sendAwareness(u)
	}
}

func (c *Conn) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Conn) destroy() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	s := c.socket
	c.socket = nil
	c.status = StatusIdle
	c.synced = false
	c.retry = nil
	c.mu.Unlock()

	for _, unhook := range c.unhook {
		unhook()
	}
	if s != nil {
		s.shutdown()
	}
	c.doc.Close()

	c.m.log.Info("session closed", zap.String("room", c.roomID))
	c.m.emit(func() {
		if c.m.events.Status != nil {
			c.m.events.Status(StatusIdle)
		}
	})
}

// refused reports a handshake the relay will never accept again
func refused(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}
