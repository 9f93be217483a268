package scene

import (
	"sync"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
)

// Store is an in-memory scene. It stands in for a canvas renderer: local
// edits and remote replacements both fire the change callback, the way
// a renderer reports every scene update.
type Store struct {
	mu            sync.RWMutex
	elements      []Element
	files         map[string]File
	collaborators map[string]awareness.Collaborator
	remoteApplies int
	onChange      func([]Element, map[string]File)
}

func NewStore() *Store {
	return &Store{
		files:         make(map[string]File),
		collaborators: make(map[string]awareness.Collaborator),
	}
}

// OnChange registers the callback fired after every scene update
func (s *Store) OnChange(fn func([]Element, map[string]File)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) Elements() []Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneElements(s.elements)
}

func (s *Store) Files() map[string]File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneFiles(s.files)
}

// AddFiles merges remote files into the scene
func (s *Store) AddFiles(files map[string]File) error {
	s.mu.Lock()
	for id, f := range files {
		s.files[id] = f
	}
	s.mu.Unlock()
	return nil
}

// ReplaceElements swaps in a remote snapshot
func (s *Store) ReplaceElements(elements []Element) error {
	s.mu.Lock()
	s.elements = CloneElements(elements)
	s.remoteApplies++
	s.mu.Unlock()

	s.notify()
	return nil
}

// RemoteApplies counts ReplaceElements calls
func (s *Store) RemoteApplies() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteApplies
}

func (s *Store) UpdateCollaborators(collaborators map[string]awareness.Collaborator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collaborators = collaborators
}

func (s *Store) Collaborators() map[string]awareness.Collaborator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]awareness.Collaborator, len(s.collaborators))
	for id, c := range s.collaborators {
		out[id] = c
	}
	return out
}

// Upsert applies a local edit, bumping the element's version
func (s *Store) Upsert(el Element) {
	s.mu.Lock()
	replaced := false
	for i := range s.elements {
		if s.elements[i].ID == el.ID {
			el.Version = s.elements[i].Version + 1
			s.elements[i] = el
			replaced = true
			break
		}
	}
	if !replaced {
		if el.Version == 0 {
			el.Version = 1
		}
		s.elements = append(s.elements, el)
	}
	s.mu.Unlock()

	s.notify()
}

// Delete soft-deletes an element
func (s *Store) Delete(id string) {
	s.mu.Lock()
	found := false
	for i := range s.elements {
		if s.elements[i].ID == id {
			s.elements[i].IsDeleted = true
			s.elements[i].Version++
			found = true
		}
	}
	s.mu.Unlock()

	if found {
		s.notify()
	}
}

// PutFile adds a local file
func (s *Store) PutFile(f File) {
	s.mu.Lock()
	s.files[f.ID] = f
	s.mu.Unlock()

	s.notify()
}

func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Fingerprint(s.elements, s.files)
}

func (s *Store) notify() {
	s.mu.RLock()
	fn := s.onChange
	elements := CloneElements(s.elements)
	files := CloneFiles(s.files)
	s.mu.RUnlock()

	if fn != nil {
		fn(elements, files)
	}
}
