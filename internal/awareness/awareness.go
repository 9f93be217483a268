// Package awareness carries ephemeral per-client presence (pointer,
// selection, activity) alongside the replicated document. Presence is
// never stored in the document: each client owns one record keyed by
// its client id, and the last full-state write for a client wins.
package awareness

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/room"
)

type UserState string

const (
	UserActive       UserState = "active"
	UserIdle         UserState = "idle"
	UserDisconnected UserState = "disconnected"
)

type Pointer struct {
	X    float64 `cbor:"x" json:"x"`
	Y    float64 `cbor:"y" json:"y"`
	Tool string  `cbor:"tool,omitempty" json:"tool,omitempty"`
}

// State is one client's presence record
type State struct {
	Username           string     `cbor:"username" json:"username"`
	AvatarURL          string     `cbor:"avatarUrl,omitempty" json:"avatarUrl,omitempty"`
	Pointer            *Pointer   `cbor:"pointer,omitempty" json:"pointer,omitempty"`
	Button             string     `cbor:"button,omitempty" json:"button,omitempty"`
	SelectedElementIDs []string   `cbor:"selectedElementIds,omitempty" json:"selectedElementIds,omitempty"`
	Tool               string     `cbor:"tool,omitempty" json:"tool,omitempty"`
	RoomInfo           *room.Info `cbor:"roomInfo,omitempty" json:"roomInfo,omitempty"`
	UserState          UserState  `cbor:"userState" json:"userState"`
}

// Update is the wire form of a presence write. A nil State removes the
// client.
type Update struct {
	ClientID string `cbor:"1,keyasint"`
	Clock    uint64 `cbor:"2,keyasint"`
	State    *State `cbor:"3,keyasint,omitempty"`
}

func EncodeUpdate(u Update) ([]byte, error) {
	data, err := doc.Marshal(u)
	if err != nil {
		return nil, errors.Wrap(err, "encode awareness update")
	}
	return data, nil
}

func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := doc.Unmarshal(data, &u); err != nil {
		return Update{}, errors.Wrap(err, "decode awareness update")
	}
	if u.ClientID == "" {
		return Update{}, errors.New("awareness update without client id")
	}
	return u, nil
}

// Change lists the client ids touched by one presence write
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Local   bool
}

type record struct {
	clock uint64
	state State
}

type Awareness struct {
	mu        sync.Mutex
	clientID  string
	clock     uint64
	states    map[string]*record
	clocks    map[string]uint64
	observers map[int]func(Change)
	hooks     map[int]func(Update)
	nextID    int
}

func New(clientID string) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    make(map[string]*record),
		clocks:    make(map[string]uint64),
		observers: make(map[int]func(Change)),
		hooks:     make(map[int]func(Update)),
	}
}

func (a *Awareness) ClientID() string {
	return a.clientID
}

// Observe registers fn for every presence change
func (a *Awareness) Observe(fn func(Change)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

// OnUpdate registers fn for every local presence write
func (a *Awareness) OnUpdate(fn func(Update)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	a.hooks[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.hooks, id)
	}
}

// Local returns the local client's record
func (a *Awareness) Local() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.states[a.clientID]
	if !ok {
		return State{}, false
	}
	return cloneState(r.state), true
}

// SetLocal replaces the local record and broadcasts it in full
func (a *Awareness) SetLocal(s State) {
	a.mu.Lock()
	_, existed := a.states[a.clientID]
	a.clock++
	a.states[a.clientID] = &record{clock: a.clock, state: cloneState(s)}
	a.clocks[a.clientID] = a.clock
	u := Update{ClientID: a.clientID, Clock: a.clock, State: ptr(cloneState(s))}
	hooks, observers := a.callbacksLocked()
	a.mu.Unlock()

	change := Change{Local: true}
	if existed {
		change.Updated = []string{a.clientID}
	} else {
		change.Added = []string{a.clientID}
	}
	a.emit(hooks, observers, u, change)
}

// UpdateLocal edits the local record in place
func (a *Awareness) UpdateLocal(fn func(*State)) {
	s, _ := a.Local()
	fn(&s)
	a.SetLocal(s)
}

// RemoveLocal broadcasts that this client left
func (a *Awareness) RemoveLocal() {
	a.mu.Lock()
	if _, ok := a.states[a.clientID]; !ok {
		a.mu.Unlock()
		return
	}
	a.clock++
	delete(a.states, a.clientID)
	a.clocks[a.clientID] = a.clock
	u := Update{ClientID: a.clientID, Clock: a.clock}
	hooks, observers := a.callbacksLocked()
	a.mu.Unlock()

	a.emit(hooks, observers, u, Change{Removed: []string{a.clientID}, Local: true})
}

// Encode returns the local record as a full-state update, for
// heartbeats and reconnects
func (a *Awareness) Encode() (Update, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.states[a.clientID]
	if !ok {
		return Update{}, false
	}
	return Update{ClientID: a.clientID, Clock: r.clock, State: ptr(cloneState(r.state))}, true
}

// Apply integrates a remote presence write. Older clocks are ignored;
// updates addressed to the local client id are ignored too, since only
// this client may write its own record.
func (a *Awareness) Apply(u Update) {
	if u.ClientID == a.clientID {
		return
	}

	a.mu.Lock()
	known := a.clocks[u.ClientID]
	_, exists := a.states[u.ClientID]
	if u.Clock < known || (u.Clock == known && exists && u.State != nil) {
		a.mu.Unlock()
		return
	}
	a.clocks[u.ClientID] = u.Clock

	var change Change
	switch {
	case u.State == nil && exists:
		delete(a.states, u.ClientID)
		change.Removed = []string{u.ClientID}
	case u.State == nil:
		a.mu.Unlock()
		return
	case exists:
		a.states[u.ClientID] = &record{clock: u.Clock, state: cloneState(*u.State)}
		change.Updated = []string{u.ClientID}
	default:
		a.states[u.ClientID] = &record{clock: u.Clock, state: cloneState(*u.State)}
		change.Added = []string{u.ClientID}
	}
	observers := a.observerListLocked()
	a.mu.Unlock()

	for _, observer := range observers {
		observer(change)
	}
}

// Remove drops a remote client's record without broadcasting
func (a *Awareness) Remove(clientID string) {
	if clientID == a.clientID {
		return
	}

	a.mu.Lock()
	if _, ok := a.states[clientID]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.states, clientID)
	observers := a.observerListLocked()
	a.mu.Unlock()

	for _, observer := range observers {
		observer(Change{Removed: []string{clientID}})
	}
}

// States returns a copy of every known record
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]State, len(a.states))
	for id, r := range a.states {
		out[id] = cloneState(r.state)
	}
	return out
}

// Collaborators rebuilds the collaborator list from every record,
// the local client included
func (a *Awareness) Collaborators() map[string]Collaborator {
	states := a.States()
	out := make(map[string]Collaborator, len(states))
	for id, s := range states {
		out[id] = newCollaborator(id, s, id == a.clientID)
	}
	return out
}

func (a *Awareness) callbacksLocked() ([]func(Update), []func(Change)) {
	ids := make([]int, 0, len(a.hooks))
	for id := range a.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, a.hooks[id])
	}
	return hooks, a.observerListLocked()
}

func (a *Awareness) observerListLocked() []func(Change) {
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, a.observers[id])
	}
	return out
}

func (a *Awareness) emit(hooks []func(Update), observers []func(Change), u Update, change Change) {
	for _, hook := range hooks {
		hook(u)
	}
	for _, observer := range observers {
		observer(change)
	}
}

func cloneState(s State) State {
	out := s
	if s.Pointer != nil {
		p := *s.Pointer
		out.Pointer = &p
	}
	if s.SelectedElementIDs != nil {
		out.SelectedElementIDs = append([]string(nil), s.SelectedElementIDs...)
	}
	if s.RoomInfo != nil {
		info := *s.RoomInfo
		out.RoomInfo = &info
	}
	return out
}

func ptr(s State) *State {
	return &s
}
