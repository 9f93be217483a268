package collab

import (
	"sort"
	"sync"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
)

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseConnecting      Phase = "connecting"
	PhasePendingApproval Phase = "pending_approval"
	PhaseApproved        Phase = "approved"
	PhaseActive          Phase = "active"
	PhaseDenied          Phase = "denied"
	PhaseKicked          Phase = "kicked"
	PhaseOffline         Phase = "offline"
)

// live reports whether the phase holds a session
func (p Phase) live() bool {
	switch p {
	case PhaseConnecting, PhasePendingApproval, PhaseApproved, PhaseActive, PhaseOffline:
		return true
	}
	return false
}

// PendingJoinRequest is a guest waiting for the owner's answer
type PendingJoinRequest struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot is the externally observed collaboration state
type Snapshot struct {
	IsCollaborating     bool                              `json:"isCollaborating"`
	IsOffline           bool                              `json:"isOffline"`
	Collaborators       map[string]awareness.Collaborator `json:"collaborators"`
	PendingJoinRequests []PendingJoinRequest              `json:"pendingJoinRequests"`
	IsOwner             bool                              `json:"isOwner"`
	IsCollabViewMode    bool                              `json:"isCollabViewMode"`
	ShareableRoomID     string                            `json:"shareableRoomId,omitempty"`
	Phase               Phase                             `json:"phase"`
	Message             string                            `json:"message,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Collaborators = make(map[string]awareness.Collaborator, len(s.Collaborators))
	for id, c := range s.Collaborators {
		c.SelectedElementIDs = append([]string(nil), c.SelectedElementIDs...)
		if c.Pointer != nil {
			p := *c.Pointer
			c.Pointer = &p
		}
		if c.RoomInfo != nil {
			info := *c.RoomInfo
			c.RoomInfo = &info
		}
		out.Collaborators[id] = c
	}
	out.PendingJoinRequests = append([]PendingJoinRequest(nil), s.PendingJoinRequests...)
	return out
}

// CollaboratorIDs returns the client ids of the collaborators, sorted
func (s Snapshot) CollaboratorIDs() []string {
	ids := make([]string, 0, len(s.Collaborators))
	for id := range s.Collaborators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State holds one controller's observable state. Subscribers are called
// synchronously after every change with a private copy.
type State struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[int]func(Snapshot)
	nextSub int
}

func NewState() *State {
	return &State{
		current: Snapshot{Phase: PhaseIdle},
		subs:    make(map[int]func(Snapshot)),
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Subscribe registers fn for every later change
func (s *State) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *State) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.current)
	snap := s.current.clone()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snap.clone())
	}
}
