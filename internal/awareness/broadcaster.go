package awareness

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/clock"
	"github.com/manpreetbhatti/sketchsync/internal/ratelimit"
	"github.com/manpreetbhatti/sketchsync/internal/room"
)

type Config struct {
	// IdleThreshold is how long without input before a client turns idle
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	// ActiveThreshold is the heartbeat interval while not idle
	ActiveThreshold time.Duration `yaml:"active_threshold"`
	// PointerThrottle bounds how often pointer moves are written
	PointerThrottle time.Duration `yaml:"pointer_throttle"`
	// CollaboratorThrottle coalesces collaborator list rebuilds
	CollaboratorThrottle time.Duration `yaml:"collaborator_throttle"`
}

func DefaultConfig() Config {
	return Config{
		IdleThreshold:        60 * time.Second,
		ActiveThreshold:      3 * time.Second,
		PointerThrottle:      33 * time.Millisecond,
		CollaboratorThrottle: 50 * time.Millisecond,
	}
}

// Renderer draws remote cursors. It never receives the local client.
type Renderer interface {
	UpdateCollaborators(map[string]Collaborator)
}

// Broadcaster drives the local presence record: pointer writes, the
// active/idle/disconnected state machine and the collaborator list.
//
// Its methods are meant to run on one goroutine; timers hand their work
// back through post.
type Broadcaster struct {
	aw       *Awareness
	clock    clock.Clock
	cfg      Config
	post     func(func())
	renderer Renderer
	publish  func(map[string]Collaborator)
	log      *zap.Logger

	pointer *ratelimit.Throttle
	rebuild *ratelimit.Throttle

	mu        sync.Mutex
	idle      clock.Timer
	heartbeat clock.Timer
	stopped   bool
	unobserve func()
}

// NewBroadcaster wires presence for one session. publish receives the
// full collaborator list including the local client; renderer receives
// it without.
func NewBroadcaster(aw *Awareness, c clock.Clock, cfg Config, post func(func()), renderer Renderer, publish func(map[string]Collaborator), log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	b := &Broadcaster{
		aw:       aw,
		clock:    c,
		cfg:      cfg,
		post:     post,
		renderer: renderer,
		publish:  publish,
		log:      log,
		pointer:  ratelimit.NewThrottle(c, cfg.PointerThrottle, post),
		rebuild:  ratelimit.NewThrottle(c, cfg.CollaboratorThrottle, post),
	}
	b.unobserve = aw.Observe(func(Change) {
		b.rebuild.Call(b.rebuildCollaborators)
	})
	return b
}

// Start publishes the initial record and arms the idle timer and heartbeat
func (b *Broadcaster) Start(username, avatarURL string) {
	b.aw.UpdateLocal(func(s *State) {
		s.Username = username
		s.AvatarURL = avatarURL
		s.UserState = UserActive
	})
	b.resetIdleTimer()
	b.scheduleHeartbeat()
}

// OnPointerUpdate records a pointer move. The write is throttled; the
// user turns active immediately.
func (b *Broadcaster) OnPointerUpdate(p Pointer, button string) {
	if b.isStopped() {
		return
	}
	b.markActive()
	b.pointer.Call(func() {
		if b.isStopped() {
			return
		}
		b.aw.UpdateLocal(func(s *State) {
			s.Pointer = &p
			s.Button = button
			s.UserState = UserActive
		})
	})
}

// OnActivity handles pointer-move and key-down events
func (b *Broadcaster) OnActivity() {
	if b.isStopped() {
		return
	}
	b.markActive()
}

// OnVisibilityChange turns the user idle as soon as the view is hidden
func (b *Broadcaster) OnVisibilityChange(hidden bool) {
	if b.isStopped() {
		return
	}
	if !hidden {
		b.markActive()
		return
	}

	b.mu.Lock()
	stopTimer(&b.idle)
	stopTimer(&b.heartbeat)
	b.mu.Unlock()
	b.setUserState(UserIdle)
}

// SetSelection publishes the locally selected element ids
func (b *Broadcaster) SetSelection(ids []string) {
	if b.isStopped() {
		return
	}
	b.aw.UpdateLocal(func(s *State) {
		s.SelectedElementIDs = append([]string(nil), ids...)
	})
}

// SetTool publishes the active drawing tool
func (b *Broadcaster) SetTool(tool string) {
	if b.isStopped() {
		return
	}
	b.aw.UpdateLocal(func(s *State) {
		s.Tool = tool
	})
}

// SetRoomInfo attaches room membership to the local record
func (b *Broadcaster) SetRoomInfo(info room.Info) {
	if b.isStopped() {
		return
	}
	b.aw.UpdateLocal(func(s *State) {
		s.RoomInfo = &info
	})
}

// Republish re-sends the local record with a fresh clock, used after a
// reconnect
func (b *Broadcaster) Republish() {
	if b.isStopped() {
		return
	}
	if s, ok := b.aw.Local(); ok {
		b.aw.SetLocal(s)
	}
}

// UserState returns the local activity state
func (b *Broadcaster) UserState() UserState {
	s, ok := b.aw.Local()
	if !ok {
		return UserDisconnected
	}
	return s.UserState
}

// Stop marks the local client disconnected and releases timers. The
// final write is best effort: the connection may already be gone.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	stopTimer(&b.idle)
	stopTimer(&b.heartbeat)
	unobserve := b.unobserve
	b.mu.Unlock()

	b.pointer.Cancel()
	b.rebuild.Cancel()
	if unobserve != nil {
		unobserve()
	}
	b.aw.UpdateLocal(func(s *State) {
		s.UserState = UserDisconnected
	})
}

func (b *Broadcaster) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Broadcaster) markActive() {
	wasIdle := b.UserState() != UserActive
	b.resetIdleTimer()
	if wasIdle {
		b.setUserState(UserActive)
		b.scheduleHeartbeat()
	}
}

func (b *Broadcaster) setUserState(state UserState) {
	if b.UserState() == state {
		return
	}
	b.aw.UpdateLocal(func(s *State) {
		s.UserState = state
	})
}

func (b *Broadcaster) resetIdleTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	stopTimer(&b.idle)
	b.idle = b.clock.AfterFunc(b.cfg.IdleThreshold, func() {
		b.post(b.onIdle)
	})
}

func (b *Broadcaster) onIdle() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.idle = nil
	stopTimer(&b.heartbeat)
	b.mu.Unlock()

	b.log.Debug("user idle", zap.String("client", b.aw.ClientID()))
	b.setUserState(UserIdle)
}

func (b *Broadcaster) scheduleHeartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || b.cfg.ActiveThreshold <= 0 {
		return
	}
	stopTimer(&b.heartbeat)
	b.heartbeat = b.clock.AfterFunc(b.cfg.ActiveThreshold, func() {
		b.post(b.onHeartbeat)
	})
}

func (b *Broadcaster) onHeartbeat() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.heartbeat = nil
	b.mu.Unlock()

	if b.UserState() == UserIdle {
		return
	}
	b.aw.UpdateLocal(func(s *State) {
		s.UserState = UserActive
	})
	b.scheduleHeartbeat()
}

func (b *Broadcaster) rebuildCollaborators() {
	if b.isStopped() {
		return
	}
	all := b.aw.Collaborators()
	if b.publish != nil {
		b.publish(all)
	}
	if b.renderer != nil {
		remote := make(map[string]Collaborator, len(all))
		for id, c := range all {
			if !c.IsCurrentUser {
				remote[id] = c
			}
		}
		b.renderer.UpdateCollaborators(remote)
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
