// Package doc is the replicated document shared by every peer in a room.
//
// A document holds named regions of two kinds: maps (key to value, with
// tombstones for deletes) and sequences (an ordered list replaced as a
// whole). Every write is stamped with a Lamport time and the writer's
// client id and the newest stamp wins, so replicas that have applied the
// same set of updates hold the same state regardless of arrival order.
//
// Writes happen inside Transact, which commits all of its operations as
// one Update. Updates from a single client are applied in sequence order:
// duplicates are dropped and early arrivals wait for the gap to fill.
package doc

import (
	"bytes"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Region names used by the drawing engine
const (
	RegionElements = "elements"
	RegionFiles    = "files"
	RegionCommands = "commands"
)

// ErrClosed is returned by writes to a document that has been torn down
var ErrClosed = errors.New("document closed")

// RemoteOrigin is the Event origin for updates received from peers
type RemoteOrigin struct{}

type entry struct {
	value   cbor.RawMessage
	deleted bool
	stamp   Stamp
}

type sequence struct {
	items []cbor.RawMessage
	stamp Stamp
}

type Document struct {
	mu       sync.Mutex
	clientID string
	lamport  uint64
	seq      uint64
	vector   StateVector
	pending  map[string]map[uint64]Update

	maps map[string]map[string]*entry
	seqs map[string]*sequence

	observers map[int]func(Event)
	hooks     map[int]func(Update)
	nextID    int
	closed    bool
}

func New(clientID string) *Document {
	return &Document{
		clientID:  clientID,
		vector:    StateVector{},
		pending:   make(map[string]map[uint64]Update),
		maps:      make(map[string]map[string]*entry),
		seqs:      make(map[string]*sequence),
		observers: make(map[int]func(Event)),
		hooks:     make(map[int]func(Update)),
	}
}

func (d *Document) ClientID() string {
	return d.clientID
}

// Vector returns a copy of the state vector
func (d *Document) Vector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone()
}

// Observe registers fn for every committed change, local or remote.
// Observers run after the document lock is released and may write to
// the document.
func (d *Document) Observe(fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// OnUpdate registers fn for every Update produced by a local transaction
func (d *Document) OnUpdate(fn func(Update)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.hooks[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.hooks, id)
	}
}

// Close makes the document inert. Later writes and applies fail with
// ErrClosed and no callbacks fire.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.observers = make(map[int]func(Event))
	d.hooks = make(map[int]func(Update))
}

func (d *Document) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Transact runs fn and commits its writes atomically. If fn returns an
// error nothing is written. Writes are buffered until commit, so reads
// inside fn do not see them.
func (d *Document) Transact(origin any, fn func(tx *Txn) error) error {
	tx := &Txn{}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return nil
	}

	d.lamport++
	stamp := Stamp{Lamport: d.lamport, Client: d.clientID}
	changes := make(changeSet)
	for i := range tx.ops {
		tx.ops[i].Stamp = stamp
		if d.applyOpLocked(tx.ops[i], true) {
			changes.add(tx.ops[i])
		}
	}
	d.seq++
	d.vector[d.clientID] = d.seq

	update := Update{Client: d.clientID, Seq: d.seq, Ops: tx.ops}
	hooks := d.hookListLocked()
	observers := d.observerListLocked()
	d.mu.Unlock()

	for _, hook := range hooks {
		hook(update)
	}
	if len(changes) > 0 {
		event := Event{Origin: origin, Local: true, Changes: changes}
		for _, observer := range observers {
			observer(event)
		}
	}
	return nil
}

// Apply integrates a single remote update
func (d *Document) Apply(u Update) error {
	return d.ApplyBatch([]Update{u})
}

// ApplyBatch integrates remote updates and notifies observers once with
// the net set of changed regions and keys
func (d *Document) ApplyBatch(updates []Update) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}

	changes := make(changeSet)
	for _, u := range updates {
		if u.IsSnapshot() {
			d.mergeSnapshotLocked(u, changes)
			continue
		}
		d.integrateLocked(u, changes)
	}
	observers := d.observerListLocked()
	d.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	event := Event{Origin: RemoteOrigin{}, Local: false, Changes: changes}
	for _, observer := range observers {
		observer(event)
	}
	return nil
}

func (d *Document) integrateLocked(u Update, changes changeSet) {
	seen := d.vector[u.Client]
	if u.Seq <= seen {
		return
	}
	if u.Seq > seen+1 {
		queue, ok := d.pending[u.Client]
		if !ok {
			queue = make(map[uint64]Update)
			d.pending[u.Client] = queue
		}
		queue[u.Seq] = u
		return
	}

	d.applyUpdateLocked(u, changes)
	d.drainPendingLocked(u.Client, changes)
}

func (d *Document) applyUpdateLocked(u Update, changes changeSet) {
	for _, op := range u.Ops {
		if d.applyOpLocked(op, false) {
			changes.add(op)
		}
	}
	d.vector[u.Client] = u.Seq
}

func (d *Document) drainPendingLocked(client string, changes changeSet) {
	queue := d.pending[client]
	for queue != nil {
		next, ok := queue[d.vector[client]+1]
		if !ok {
			break
		}
		delete(queue, next.Seq)
		d.applyUpdateLocked(next, changes)
	}
	for seq := range queue {
		if seq <= d.vector[client] {
			delete(queue, seq)
		}
	}
	if len(queue) == 0 {
		delete(d.pending, client)
	}
}

func (d *Document) mergeSnapshotLocked(u Update, changes changeSet) {
	for _, op := range u.Ops {
		if d.applyOpLocked(op, false) {
			changes.add(op)
		}
	}
	for client, seq := range u.Vector {
		if seq > d.vector[client] {
			d.vector[client] = seq
		}
	}
	for client := range d.pending {
		d.drainPendingLocked(client, changes)
	}
}

// applyOpLocked writes op if its stamp wins and reports whether the
// visible state changed. Local ops always win: their Lamport time is
// above everything this replica has seen.
func (d *Document) applyOpLocked(op Op, local bool) bool {
	if op.Stamp.Lamport > d.lamport {
		d.lamport = op.Stamp.Lamport
	}

	switch op.Kind {
	case OpSet, OpDelete:
		region, ok := d.maps[op.Region]
		if !ok {
			region = make(map[string]*entry)
			d.maps[op.Region] = region
		}
		deleted := op.Kind == OpDelete
		current, exists := region[op.Key]
		if exists && !local && !wins(op.Stamp, current.stamp) {
			return false
		}
		changed := !exists && !deleted
		if exists {
			changed = current.deleted != deleted || !bytes.Equal(current.value, op.Value)
		}
		var value cbor.RawMessage
		if !deleted {
			value = op.Value
		}
		region[op.Key] = &entry{value: value, deleted: deleted, stamp: op.Stamp}
		return changed

	case OpReplace:
		current, exists := d.seqs[op.Region]
		if exists && !local && !wins(op.Stamp, current.stamp) {
			return false
		}
		changed := !exists || !sameItems(current.items, op.Items)
		d.seqs[op.Region] = &sequence{items: op.Items, stamp: op.Stamp}
		return changed
	}
	return false
}

// wins treats an equal stamp as a win so a replayed snapshot is harmless
func wins(incoming, current Stamp) bool {
	return incoming == current || incoming.Newer(current)
}

func sameItems(a, b []cbor.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (d *Document) hookListLocked() []func(Update) {
	ids := make([]int, 0, len(d.hooks))
	for id := range d.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.hooks[id])
	}
	return out
}

func (d *Document) observerListLocked() []func(Event) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

// Snapshot returns the whole document as one Update, tombstones
// included, with the state vector it covers
func (d *Document) Snapshot() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	regions := make([]string, 0, len(d.maps))
	for name := range d.maps {
		regions = append(regions, name)
	}
	sort.Strings(regions)
	for _, name := range regions {
		keys := make([]string, 0, len(d.maps[name]))
		for key := range d.maps[name] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			e := d.maps[name][key]
			op := Op{Kind: OpSet, Region: name, Key: key, Value: e.value, Stamp: e.stamp}
			if e.deleted {
				op.Kind = OpDelete
				op.Value = nil
			}
			ops = append(ops, op)
		}
	}

	seqNames := make([]string, 0, len(d.seqs))
	for name := range d.seqs {
		seqNames = append(seqNames, name)
	}
	sort.Strings(seqNames)
	for _, name := range seqNames {
		s := d.seqs[name]
		ops = append(ops, Op{Kind: OpReplace, Region: name, Items: s.items, Stamp: s.stamp})
	}

	return Update{Ops: ops, Vector: d.vector.Clone()}
}

// PendingCount returns how many updates are waiting for a missing
// predecessor
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, queue := range d.pending {
		n += len(queue)
	}
	return n
}

// Get decodes the live value stored under key into v
func (d *Document) Get(region, key string, v any) (bool, error) {
	d.mu.Lock()
	e, ok := d.maps[region][key]
	var value cbor.RawMessage
	if ok && !e.deleted {
		value = e.value
	}
	d.mu.Unlock()

	if value == nil {
		return false, nil
	}
	if err := Unmarshal(value, v); err != nil {
		return true, errors.Wrapf(err, "decode %s/%s", region, key)
	}
	return true, nil
}

// Keys returns the live keys of a map region in sorted order
func (d *Document) Keys(region string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.maps[region]))
	for key, e := range d.maps[region] {
		if !e.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Items returns the raw items of a sequence region
func (d *Document) Items(region string) []cbor.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.seqs[region]
	if !ok {
		return nil
	}
	out := make([]cbor.RawMessage, len(s.items))
	copy(out, s.items)
	return out
}

// Sequence decodes every item of a sequence region
func Sequence[T any](d *Document, region string) ([]T, error) {
	items := d.Items(region)
	out := make([]T, 0, len(items))
	for i, raw := range items {
		var v T
		if err := Unmarshal(raw, &v); err != nil {
			return nil, errors.Wrapf(err, "decode %s[%d]", region, i)
		}
		out = append(out, v)
	}
	return out, nil
}

// Map decodes every live value of a map region
func Map[T any](d *Document, region string) (map[string]T, error) {
	out := make(map[string]T)
	for _, key := range d.Keys(region) {
		var v T
		ok, err := d.Get(region, key, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = v
		}
	}
	return out, nil
}

// Merge folds a log of updates into one snapshot update. It fails if the
// log has a gap, since the snapshot would silently drop the updates
// waiting behind it.
func Merge(updates []Update) (Update, error) {
	scratch := New("")
	if err := scratch.ApplyBatch(updates); err != nil {
		return Update{}, err
	}
	if n := scratch.PendingCount(); n > 0 {
		return Update{}, errors.Errorf("update log has a gap (%d updates pending)", n)
	}
	return scratch.Snapshot(), nil
}
