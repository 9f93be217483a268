package room

import (
	"sync"
)

// Catch-up log of one room on the relay
type Room struct {
	ID      string
	Updates [][]byte
	mu      sync.RWMutex
}

// Creates a new room with the given ID
func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		Updates: make([][]byte, 0),
	}
}

// Stores an update for late joiners
func (r *Room) AddUpdate(update []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updates = append(r.Updates, update)
}

// Returns all stored updates for catch-up
func (r *Room) GetUpdates() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Return a copy to avoid race conditions
	updates := make([][]byte, len(r.Updates))
	copy(updates, r.Updates)
	return updates
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Updates)
}

// Swaps the first n updates for a compacted snapshot, keeping anything
// appended after they were read
func (r *Room) Replace(n int, snapshot []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.Updates) {
		n = len(r.Updates)
	}
	rest := r.Updates[n:]
	updates := make([][]byte, 0, len(rest)+1)
	updates = append(updates, snapshot)
	r.Updates = append(updates, rest...)
}

// Removes all stored updates
func (r *Room) ClearUpdates() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updates = make([][]byte, 0)
}
