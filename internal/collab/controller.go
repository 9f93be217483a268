// Package collab is the access controller: it creates or joins a room,
// runs the owner-approval handshake, reacts to kicks and permission
// changes, and exposes the result as an observable State.
//
// All session work happens on one event loop owned by the Controller.
// Methods that return an error wait for the loop and must not be called
// from a State subscriber; the event-style methods (SyncCollaboration,
// OnPointerUpdate, OnKeyDown, OnVisibilityChange) only queue work and are
// safe anywhere.
package collab

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
	"github.com/manpreetbhatti/sketchsync/internal/bridge"
	"github.com/manpreetbhatti/sketchsync/internal/clock"
	"github.com/manpreetbhatti/sketchsync/internal/command"
	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/eventloop"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/room"
	"github.com/manpreetbhatti/sketchsync/internal/roomclient"
	"github.com/manpreetbhatti/sketchsync/internal/scene"
	"github.com/manpreetbhatti/sketchsync/internal/session"
)

// RoomService is the HTTP side of room membership
type RoomService interface {
	CreateRoom(ctx context.Context) (roomclient.Membership, error)
	JoinRoom(ctx context.Context, roomID string) (roomclient.Membership, error)
	Kick(ctx context.Context, roomID, token, targetID string) error
	SetPermission(ctx context.Context, roomID, token, targetID string, scope room.Scope) error
}

// Scene is the local renderer: the bridge writes remote scenes into it
// and remote cursors are drawn on it
type Scene interface {
	bridge.Scene
	awareness.Renderer
}

// AppState carries the renderer state that travels as presence
type AppState struct {
	SelectedElementIDs []string
	ActiveTool         string
}

type Options struct {
	Service    RoomService
	Scene      Scene
	Username   string
	AvatarURL  string
	Session    session.Config
	Awareness  awareness.Config
	CommandTTL time.Duration
	Clock      clock.Clock
	Log        *zap.Logger
}

type Controller struct {
	opts     Options
	log      *zap.Logger
	clock    clock.Clock
	loop     *eventloop.Loop
	cancel   context.CancelFunc
	state    *State
	sessions *session.Manager
	once     sync.Once

	// owned by the loop
	gen        uint64
	phase      Phase
	resume     Phase
	membership roomclient.Membership
	info       room.Info
	conn       *session.Conn
	bridge     *bridge.Bridge
	channel    *command.Channel
	presence   *awareness.Broadcaster
	unobserve  func()
	pending    []PendingJoinRequest
	requested  bool
	selection  []string
	tool       string
}

func New(opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Session.MaxAttempts == 0 {
		opts.Session = session.DefaultConfig()
	}
	if opts.Awareness.IdleThreshold == 0 {
		opts.Awareness = awareness.DefaultConfig()
	}
	if opts.CommandTTL == 0 {
		opts.CommandTTL = command.DefaultTTL
	}
	if opts.Scene == nil {
		opts.Scene = scene.NewStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		log:    opts.Log,
		clock:  opts.Clock,
		loop:   eventloop.New(opts.Log),
		cancel: cancel,
		state:  NewState(),
		phase:  PhaseIdle,
	}
	c.sessions = session.NewManager(opts.Session, opts.Clock, c.post, session.Events{
		Status:      c.onStatus,
		Synced:      c.onSynced,
		Reconnected: c.onReconnected,
		Error:       c.onSessionError,
	}, opts.Log)

	go c.loop.Run(ctx)
	return c
}

func (c *Controller) post(fn func()) {
	c.loop.Post(fn)
}

func (c *Controller) State() *State {
	return c.state
}

// StartCollaboration creates a room when existingRoomID is empty and
// joins it otherwise. It returns once the realtime connection is open;
// a guest is then pending until the owner answers.
func (c *Controller) StartCollaboration(ctx context.Context, existingRoomID string) error {
	if c.opts.Service == nil {
		return errors.New("no room service configured")
	}

	var gen uint64
	if !c.loop.Do(func() {
		c.teardown()
		gen = c.gen
		c.pending = nil
		c.state.update(func(s *Snapshot) {
			clearSession(s)
			s.Phase = PhaseConnecting
			s.IsCollaborating = true
			s.Message = ""
		})
		c.phase = PhaseConnecting
	}) {
		return ErrClosed
	}

	var (
		m   roomclient.Membership
		err error
	)
	if existingRoomID == "" {
		m, err = c.opts.Service.CreateRoom(ctx)
	} else {
		m, err = c.opts.Service.JoinRoom(ctx, existingRoomID)
	}
	if err != nil {
		c.loop.Do(func() {
			if c.gen == gen {
				c.setPhase(PhaseIdle, UserMessage(err))
			}
		})
		return errors.Wrap(err, "room service")
	}

	var startErr error
	if !c.loop.Do(func() {
		if c.gen != gen {
			startErr = ErrCanceled
			return
		}
		startErr = c.start(ctx, m)
	}) {
		return ErrClosed
	}
	return startErr
}

func (c *Controller) start(ctx context.Context, m roomclient.Membership) error {
	d, conn, err := c.sessions.Connect(ctx, m.RoomID, m.SocketURL, c.onControl)
	if err != nil {
		c.setPhase(PhaseIdle, UserMessage(err))
		return err
	}

	c.membership = m
	c.info = m.Info()
	c.conn = conn
	owner := c.info.IsOwner()

	c.bridge = bridge.New(d, c.opts.Scene, !owner, c.log)
	c.channel = command.New(d, c.clock, c.opts.CommandTTL, c.onCommand, c.log)
	c.presence = awareness.NewBroadcaster(conn.Awareness(), c.clock, c.opts.Awareness, c.post, c.opts.Scene, c.onCollaborators, c.log)
	c.unobserve = conn.Awareness().Observe(c.onPresence)
	c.presence.Start(c.opts.Username, c.opts.AvatarURL)
	c.presence.SetRoomInfo(c.info)

	c.state.update(func(s *Snapshot) {
		s.IsOwner = owner
		s.IsCollabViewMode = c.info.ReadOnly()
	})

	if owner {
		c.log.Info("room created", zap.String("room", m.RoomID))
		c.state.update(func(s *Snapshot) { s.ShareableRoomID = m.RoomID })
		c.setPhase(PhaseActive, "")
		// the owner's scene is authoritative at creation
		c.bridge.ForcePush()
		return nil
	}

	c.log.Info("waiting for approval", zap.String("room", m.RoomID))
	c.setPhase(PhasePendingApproval, "")
	if conn.Synced() {
		c.requestJoin()
	}
	return nil
}

// SyncCollaboration is called by the renderer after every local change
func (c *Controller) SyncCollaboration(elements []scene.Element, app AppState, files map[string]scene.File) {
	elements = scene.CloneElements(elements)
	files = scene.CloneFiles(files)
	app.SelectedElementIDs = slices.Clone(app.SelectedElementIDs)

	c.post(func() {
		if c.presence != nil {
			if !slices.Equal(c.selection, app.SelectedElementIDs) {
				c.selection = app.SelectedElementIDs
				c.presence.SetSelection(app.SelectedElementIDs)
			}
			if c.tool != app.ActiveTool {
				c.tool = app.ActiveTool
				c.presence.SetTool(app.ActiveTool)
			}
		}
		if c.canPush() {
			c.bridge.PushLocal(elements, files)
		}
	})
}

func (c *Controller) canPush() bool {
	if c.bridge == nil || c.info.ReadOnly() {
		return false
	}
	return c.phase == PhaseActive || (c.phase == PhaseOffline && c.resume == PhaseActive)
}

func (c *Controller) OnPointerUpdate(p awareness.Pointer, button string) {
	c.post(func() {
		if c.presence != nil {
			c.presence.OnPointerUpdate(p, button)
		}
	})
}

func (c *Controller) OnKeyDown() {
	c.post(func() {
		if c.presence != nil {
			c.presence.OnActivity()
		}
	})
}

func (c *Controller) OnVisibilityChange(hidden bool) {
	c.post(func() {
		if c.presence != nil {
			c.presence.OnVisibilityChange(hidden)
		}
	})
}

// SendKickMessage removes a collaborator. The kick travels through the
// document for every client and, when the collaborator's membership is
// known, through the Room Service so the relay refuses them from now on.
func (c *Controller) SendKickMessage(ctx context.Context, clientID string) error {
	var (
		err                             error
		roomID, token, ownerID, guestID string
	)
	if !c.loop.Do(func() {
		if err = c.requireOwner(); err != nil {
			return
		}
		if err = c.channel.SendKick(clientID); err != nil {
			return
		}
		c.removePending(clientID)
		roomID = c.membership.RoomID
		token = c.membership.Token
		ownerID = c.info.MemberID()
		guestID = c.memberOf(clientID)
	}) {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	c.log.Info("kicked", zap.String("client", clientID), zap.String("member", guestID))
	if guestID == "" || guestID == ownerID {
		return nil
	}
	return c.opts.Service.Kick(ctx, roomID, token, guestID)
}

func (c *Controller) ApproveJoinRequest(clientID string) error {
	return c.answer(clientID, func() error { return c.channel.SendApproval(clientID) })
}

func (c *Controller) DenyJoinRequest(clientID string) error {
	return c.answer(clientID, func() error { return c.channel.SendDenial(clientID) })
}

func (c *Controller) answer(clientID string, send func() error) error {
	var err error
	if !c.loop.Do(func() {
		if err = c.requireOwner(); err != nil {
			return
		}
		if !c.removePending(clientID) {
			err = errors.Wrap(ErrNoRequest, clientID)
			return
		}
		err = send()
	}) {
		return ErrClosed
	}
	return err
}

// CancelPendingApproval abandons a join that the owner has not answered
func (c *Controller) CancelPendingApproval() {
	c.loop.Do(func() {
		if c.phase != PhasePendingApproval {
			return
		}
		c.finish(PhaseIdle, "")
	})
}

// SetPermission changes a collaborator's scope through the Room Service.
// The relay announces the new scope to the collaborator.
func (c *Controller) SetPermission(ctx context.Context, clientID string, scope room.Scope) error {
	if !scope.Valid() {
		return errors.Errorf("invalid scope %q", scope)
	}

	var (
		err                     error
		roomID, token, memberID string
	)
	if !c.loop.Do(func() {
		if err = c.requireOwner(); err != nil {
			return
		}
		roomID = c.membership.RoomID
		token = c.membership.Token
		memberID = c.memberOf(clientID)
		if memberID == "" {
			err = errors.Wrap(ErrUnknownPeer, clientID)
		}
	}) {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	return c.opts.Service.SetPermission(ctx, roomID, token, memberID, scope)
}

// StopCollaboration leaves the room
func (c *Controller) StopCollaboration() {
	c.loop.Do(func() {
		c.finish(PhaseIdle, "")
	})
}

// Close leaves the room and stops the event loop
func (c *Controller) Close() {
	c.once.Do(func() {
		c.StopCollaboration()
		c.loop.Stop()
		c.cancel()
		<-c.loop.Done()
	})
}

func (c *Controller) requireOwner() error {
	if c.conn == nil || !c.phase.live() {
		return ErrNotCollaborating
	}
	if !c.info.IsOwner() {
		return ErrNotOwner
	}
	return nil
}

// memberOf resolves a client id to its public Room Service member id
// through the client's presence record
func (c *Controller) memberOf(clientID string) string {
	if c.conn == nil {
		return ""
	}
	collaborator, ok := c.conn.Awareness().Collaborators()[clientID]
	if !ok || collaborator.RoomInfo == nil {
		return ""
	}
	return collaborator.RoomInfo.MemberID()
}

func (c *Controller) self() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.ClientID()
}

func (c *Controller) setPhase(p Phase, message string) {
	c.phase = p
	c.state.update(func(s *Snapshot) {
		s.Phase = p
		s.IsCollaborating = p.live()
		s.IsOffline = p == PhaseOffline
		s.Message = message
	})
}

// finish tears the session down and settles in a terminal phase
func (c *Controller) finish(p Phase, message string) {
	c.teardown()
	c.phase = p
	c.state.update(func(s *Snapshot) {
		clearSession(s)
		s.Phase = p
		s.IsCollaborating = false
		s.IsOffline = false
		s.Message = message
	})
}

func clearSession(s *Snapshot) {
	s.Collaborators = nil
	s.PendingJoinRequests = nil
	s.IsOwner = false
	s.IsCollabViewMode = false
	s.ShareableRoomID = ""
}

// teardown releases every session resource. Presence is stopped first
// so the disconnected record can still reach the relay.
func (c *Controller) teardown() {
	c.gen++
	if c.unobserve != nil {
		c.unobserve()
		c.unobserve = nil
	}
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.bridge != nil {
		c.bridge.Close()
		c.bridge = nil
	}
	if c.presence != nil {
		c.presence.Stop()
		c.presence = nil
	}
	c.sessions.Destroy()

	c.conn = nil
	c.membership = roomclient.Membership{}
	c.info = room.Info{}
	c.pending = nil
	c.requested = false
	c.resume = ""
	c.selection = nil
	c.tool = ""
}

func (c *Controller) requestJoin() {
	if c.requested || c.channel == nil {
		return
	}
	c.requested = true
	err := c.channel.SendJoinRequest(command.Sender{
		ID:        c.self(),
		Username:  c.opts.Username,
		AvatarURL: c.opts.AvatarURL,
	})
	if err != nil {
		c.log.Warn("send join request", zap.Error(err))
		return
	}
	c.log.Info("join requested", zap.String("room", c.membership.RoomID))
}

func (c *Controller) onCommand(cmd command.Command) {
	me := c.self()
	switch cmd.Type {
	case command.TypeJoinRequest:
		if !c.info.IsOwner() || cmd.SenderID == "" || cmd.SenderID == me {
			return
		}
		c.addPending(PendingJoinRequest{
			ID:        cmd.SenderID,
			Username:  cmd.Username,
			AvatarURL: cmd.AvatarURL,
			Timestamp: cmd.Timestamp,
		})

	case command.TypeJoinApproved:
		if cmd.TargetID != me || c.phase != PhasePendingApproval {
			return
		}
		c.setPhase(PhaseApproved, "")
		c.bridge.Resume()
		c.bridge.ForcePull()
		c.state.update(func(s *Snapshot) { s.ShareableRoomID = c.membership.RoomID })
		c.setPhase(PhaseActive, "")
		c.log.Info("join approved", zap.String("room", c.membership.RoomID))

	case command.TypeJoinDenied:
		if cmd.TargetID != me || c.phase != PhasePendingApproval {
			return
		}
		c.log.Info("join denied", zap.String("room", c.membership.RoomID))
		c.finish(PhaseDenied, UserMessage(ErrJoinDenied))

	case command.TypeKick:
		if cmd.TargetID != me || !c.phase.live() {
			return
		}
		c.log.Info("kicked from room", zap.String("room", c.membership.RoomID))
		c.finish(PhaseKicked, UserMessage(ErrKicked))
	}
}

func (c *Controller) addPending(req PendingJoinRequest) {
	for i, p := range c.pending {
		if p.ID == req.ID {
			c.pending[i] = req
			c.publishPending()
			return
		}
	}
	c.pending = append(c.pending, req)
	c.publishPending()
}

func (c *Controller) removePending(clientID string) bool {
	for i, p := range c.pending {
		if p.ID == clientID {
			c.pending = slices.Delete(c.pending, i, i+1)
			c.publishPending()
			return true
		}
	}
	return false
}

func (c *Controller) publishPending() {
	pending := slices.Clone(c.pending)
	c.state.update(func(s *Snapshot) { s.PendingJoinRequests = pending })
}

// onPresence drops join requests from clients that left before the
// owner answered
func (c *Controller) onPresence(change awareness.Change) {
	if change.Local || len(c.pending) == 0 || c.conn == nil {
		return
	}
	gone := make(map[string]bool, len(change.Removed))
	for _, id := range change.Removed {
		gone[id] = true
	}
	states := c.conn.Awareness().States()
	for _, id := range append(change.Added, change.Updated...) {
		if s, ok := states[id]; ok && s.UserState == awareness.UserDisconnected {
			gone[id] = true
		}
	}

	kept := c.pending[:0]
	for _, p := range c.pending {
		if !gone[p.ID] {
			kept = append(kept, p)
		}
	}
	if len(kept) != len(c.pending) {
		c.pending = kept
		c.publishPending()
	}
}

func (c *Controller) onCollaborators(all map[string]awareness.Collaborator) {
	if c.conn == nil {
		return
	}
	c.state.update(func(s *Snapshot) { s.Collaborators = all })
}

func (c *Controller) onControl(ctrl protocol.Control) {
	if c.conn == nil {
		return
	}
	switch ctrl.Type {
	case protocol.ControlRoomInfo:
		info := room.Info{
			RoomID:  ctrl.RoomID,
			Role:    room.Role(ctrl.Role),
			Scope:   room.Scope(ctrl.Scope),
			GuestID: ctrl.GuestID,
			UserID:  ctrl.UserID,
		}
		if info.RoomID == "" {
			info.RoomID = c.info.RoomID
		}
		if !info.Scope.Valid() {
			info.Scope = c.info.Scope
		}
		c.applyInfo(info)

	case protocol.ControlPermission:
		scope := room.Scope(ctrl.Scope)
		if !scope.Valid() {
			c.log.Warn("invalid permission scope", zap.String("scope", ctrl.Scope))
			return
		}
		info := c.info
		info.Scope = scope
		c.applyInfo(info)
		c.log.Info("permission changed", zap.String("scope", string(scope)))

	default:
		c.log.Debug("control frame ignored", zap.String("type", ctrl.Type))
	}
}

func (c *Controller) applyInfo(info room.Info) {
	c.info = info
	c.presence.SetRoomInfo(info)
	c.state.update(func(s *Snapshot) {
		s.IsCollabViewMode = info.ReadOnly()
	})
}

func (c *Controller) onStatus(s session.Status) {
	c.log.Debug("session status", zap.String("status", string(s)))
}

func (c *Controller) onSynced() {
	if c.phase == PhasePendingApproval {
		c.requestJoin()
	}
}

func (c *Controller) onReconnected() {
	if c.phase != PhaseOffline || c.presence == nil {
		return
	}
	resume := c.resume
	c.resume = ""
	c.setPhase(resume, "")
	c.presence.Republish()
}

func (c *Controller) onSessionError(err error) {
	if c.conn == nil {
		return
	}
	switch {
	case errors.Is(err, session.ErrForbidden):
		// the relay refuses kicked members
		c.finish(PhaseKicked, UserMessage(ErrKicked))

	case errors.Is(err, session.ErrUnauthorized):
		c.finish(PhaseIdle, UserMessage(err))

	case errors.Is(err, session.ErrReconnectFailed):
		c.finish(PhaseIdle, UserMessage(err))

	case errors.Is(err, session.ErrConnection):
		if c.phase != PhaseOffline {
			c.resume = c.phase
			c.setPhase(PhaseOffline, UserMessage(err))
		}
		if err := c.sessions.AttemptReconnect(c.membership.RoomID); err != nil {
			c.log.Warn("schedule reconnect", zap.Error(err))
		}

	default:
		c.log.Warn("session error", zap.Error(err))
	}
}

// Document returns the live session's document, or nil
func (c *Controller) Document() *doc.Document {
	var d *doc.Document
	c.loop.Do(func() {
		if c.conn != nil {
			d = c.conn.Document()
		}
	})
	return d
}

// ClientID returns the local client id of the live session
func (c *Controller) ClientID() string {
	var id string
	c.loop.Do(func() { id = c.self() })
	return id
}
