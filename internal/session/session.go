// Package session owns the realtime connection to a room relay and the
// replicated document bound to it. One Manager holds at most one live
// session; connecting to a room tears the previous session down first.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
	"github.com/manpreetbhatti/sketchsync/internal/clock"
	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrConnection reports a dropped or refused transport
	ErrConnection = errors.New("connection lost")

	// ErrReconnectFailed is reported once when every reconnect attempt failed
	ErrReconnectFailed = errors.New("reconnect failed")

	// ErrUnauthorized means the relay no longer recognizes the membership
	// (401), as after the room is deleted
	ErrUnauthorized = errors.New("membership not recognized")

	// ErrForbidden means the relay refused a known but removed member (403)
	ErrForbidden = errors.New("removed from this room")
)

type Config struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:        time.Second,
		MaxDelay:         16 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Events receives session notifications. Every callback is invoked
// through the Manager's post function; nil callbacks are skipped.
type Events struct {
	Status      func(Status)
	Synced      func()
	Reconnected func()
	Error       func(error)
}

type dialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

type Manager struct {
	cfg    Config
	clock  clock.Clock
	post   func(func())
	events Events
	log    *zap.Logger
	dial   dialFunc

	mu      sync.Mutex
	current *Conn
}

// NewManager builds a session manager. post hands work to the caller's
// event loop; nil runs callbacks inline.
func NewManager(cfg Config, c clock.Clock, post func(func()), events Events, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	if c == nil {
		c = clock.Real()
	}
	return &Manager{
		cfg:    cfg,
		clock:  c,
		post:   post,
		events: events,
		log:    log,
		dial:   dialer(cfg.HandshakeTimeout),
	}
}

func dialer(timeout time.Duration) dialFunc {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				switch resp.StatusCode {
				case http.StatusUnauthorized:
					return nil, errors.Wrap(ErrUnauthorized, "handshake refused")
				case http.StatusForbidden:
					return nil, errors.Wrap(ErrForbidden, "handshake refused")
				}
			}
			return nil, errors.Wrapf(ErrConnection, "dial: %v", err)
		}
		return conn, nil
	}
}

// Connect tears down any prior session, opens a connection to socketURL
// and binds a fresh empty document to it. onControl receives the relay's
// JSON control frames.
func (m *Manager) Connect(ctx context.Context, roomID, socketURL string, onControl func(protocol.Control)) (*doc.Document, *Conn, error) {
	m.Destroy()

	m.emit(func() {
		if m.events.Status != nil {
			m.events.Status(StatusConnecting)
		}
	})

	ws, err := m.dial(ctx, socketURL)
	if err != nil {
		m.log.Warn("connect failed", zap.String("room", roomID), zap.Error(err))
		m.emit(func() {
			if m.events.Status != nil {
				m.events.Status(StatusIdle)
			}
		})
		return nil, nil, err
	}

	d := doc.New(uuid.NewString())
	c := &Conn{
		m:         m,
		roomID:    roomID,
		socketURL: socketURL,
		doc:       d,
		aw:        awareness.New(d.ClientID()),
		onControl: onControl,
		status:    StatusConnecting,
	}
	c.unhook = []func(){
		d.OnUpdate(c.sendUpdate),
		c.aw.OnUpdate(c.sendAwareness),
	}

	m.mu.Lock()
	prev := m.current
	m.current = c
	m.mu.Unlock()
	if prev != nil {
		prev.destroy()
	}

	m.log.Info("connected", zap.String("room", roomID), zap.String("client", d.ClientID()))
	c.attach(ws)
	return d, c, nil
}

// Destroy closes the current session, if any. It is safe to call more
// than once.
func (m *Manager) Destroy() {
	m.mu.Lock()
	c := m.current
	m.current = nil
	m.mu.Unlock()

	if c != nil {
		c.destroy()
	}
}

// AttemptReconnect schedules the next reconnect for the session's room.
// Delays grow as BaseDelay*2^n up to MaxDelay; after MaxAttempts failed
// dials ErrReconnectFailed is reported and no further attempts are made.
func (m *Manager) AttemptReconnect(roomID string) error {
	c := m.Current()
	if c == nil || c.roomID != roomID {
		return errors.Errorf("no session for room %s", roomID)
	}
	return c.scheduleReconnect()
}

// Current returns the live session or nil
func (m *Manager) Current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) emit(fn func()) {
	m.post(fn)
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(m.cfg.MaxAttempts))
}
