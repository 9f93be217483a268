// Package bridge mirrors a scene into the replicated document and back.
//
// Both directions replace the whole scene: local pushes overwrite the
// elements sequence and the files map in one transaction, and remote
// changes replace the scene's elements after merging files in. Element
// level merging is not attempted, so two peers editing different
// elements in the same round trip can overwrite each other.
package bridge

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/doc"
	"github.com/manpreetbhatti/sketchsync/internal/scene"
)

// Scene is the renderer side of the bridge
type Scene interface {
	Elements() []scene.Element
	Files() map[string]scene.File
	AddFiles(files map[string]scene.File) error
	ReplaceElements(elements []scene.Element) error
}

type Bridge struct {
	doc   *doc.Document
	scene Scene
	log   *zap.Logger

	mu          sync.Mutex
	fingerprint string
	applying    bool
	paused      bool
	closed      bool
	unobserve   func()
}

// New attaches a bridge to d. A paused bridge ignores both directions
// until Resume.
func New(d *doc.Document, s Scene, paused bool, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		doc:    d,
		scene:  s,
		log:    log,
		paused: paused,
	}
	b.unobserve = d.Observe(b.onChange)
	return b
}

// PushLocal writes a local scene change into the document. It reports
// whether anything was written; changes made while a remote update is
// being applied, and changes that do not move the fingerprint, are
// skipped.
func (b *Bridge) PushLocal(elements []scene.Element, files map[string]scene.File) bool {
	b.mu.Lock()
	if b.closed || b.paused || b.applying {
		b.mu.Unlock()
		return false
	}
	fp := scene.Fingerprint(elements, files)
	if fp == b.fingerprint {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	if err := b.write(elements, files); err != nil {
		b.log.Warn("push local scene", zap.Error(err))
		return false
	}

	b.mu.Lock()
	b.fingerprint = fp
	b.mu.Unlock()
	return true
}

// ForcePush writes the scene's current state regardless of the
// fingerprint. Used by a room owner whose scene is authoritative.
func (b *Bridge) ForcePush() bool {
	b.mu.Lock()
	if b.closed || b.paused {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	elements := b.scene.Elements()
	files := b.scene.Files()
	if err := b.write(elements, files); err != nil {
		b.log.Warn("force push scene", zap.Error(err))
		return false
	}

	b.mu.Lock()
	b.fingerprint = scene.Fingerprint(elements, files)
	b.mu.Unlock()
	return true
}

// ForcePull replaces the scene with the document's state regardless of
// the fingerprint. Used once a guest is admitted.
func (b *Bridge) ForcePull() bool {
	return b.pull(true)
}

// Pause stops both directions
func (b *Bridge) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

func (b *Bridge) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Fingerprint returns the last fingerprint pushed or accepted
func (b *Bridge) Fingerprint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fingerprint
}

// Close detaches the bridge from the document
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unobserve := b.unobserve
	b.mu.Unlock()

	unobserve()
}

func (b *Bridge) write(elements []scene.Element, files map[string]scene.File) error {
	stale := b.doc.Keys(doc.RegionFiles)
	return b.doc.Transact(b, func(tx *doc.Txn) error {
		doc.Replace(tx, doc.RegionElements, elements)
		for id, f := range files {
			tx.Set(doc.RegionFiles, id, f)
		}
		for _, id := range stale {
			if _, ok := files[id]; !ok {
				tx.Delete(doc.RegionFiles, id)
			}
		}
		return nil
	})
}

func (b *Bridge) onChange(e doc.Event) {
	if e.Local {
		return
	}
	if !e.Touches(doc.RegionElements) && !e.Touches(doc.RegionFiles) {
		return
	}
	b.pull(false)
}

func (b *Bridge) pull(force bool) bool {
	b.mu.Lock()
	if b.closed || (b.paused && !force) || b.applying {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	elements, files, err := b.read()
	if err != nil {
		b.log.Warn("read remote scene", zap.Error(err))
		return false
	}

	fp := scene.Fingerprint(elements, files)
	b.mu.Lock()
	if !force && fp == b.fingerprint {
		b.mu.Unlock()
		return false
	}
	b.applying = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.applying = false
		b.mu.Unlock()
	}()

	// elements may reference files, so files land first
	if err := b.scene.AddFiles(files); err != nil {
		b.log.Warn("apply remote files", zap.Error(err))
		return false
	}
	if err := b.scene.ReplaceElements(elements); err != nil {
		b.log.Warn("apply remote elements", zap.Error(err))
		return false
	}

	b.mu.Lock()
	b.fingerprint = fp
	b.mu.Unlock()
	return true
}

func (b *Bridge) read() ([]scene.Element, map[string]scene.File, error) {
	elements, err := doc.Sequence[scene.Element](b.doc, doc.RegionElements)
	if err != nil {
		return nil, nil, errors.Wrap(err, "elements")
	}
	files, err := doc.Map[scene.File](b.doc, doc.RegionFiles)
	if err != nil {
		return nil, nil, errors.Wrap(err, "files")
	}
	return elements, files, nil
}
