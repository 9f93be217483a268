package doc

import (
	"testing"

	"github.com/pkg/errors"
)

type shape struct {
	ID      string `cbor:"id"`
	Version int    `cbor:"version"`
}

// relay copies every update produced by src into dst
func relay(t *testing.T, src, dst *Document) func() {
	t.Helper()
	return src.OnUpdate(func(u Update) {
		if err := dst.Apply(u); err != nil {
			t.Errorf("Apply failed: %v", err)
		}
	})
}

func TestTransactSetAndGet(t *testing.T) {
	d := New("a")

	err := d.Transact(nil, func(tx *Txn) error {
		tx.Set(RegionFiles, "f1", "blob-1")
		Replace(tx, RegionElements, []shape{{ID: "e1", Version: 1}, {ID: "e2", Version: 3}})
		return nil
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	var v string
	ok, err := d.Get(RegionFiles, "f1", &v)
	if err != nil || !ok || v != "blob-1" {
		t.Errorf("Expected blob-1, got %q (ok=%v err=%v)", v, ok, err)
	}

	shapes, err := Sequence[shape](d, RegionElements)
	if err != nil {
		t.Fatalf("Sequence failed: %v", err)
	}
	if len(shapes) != 2 || shapes[1].ID != "e2" || shapes[1].Version != 3 {
		t.Errorf("Unexpected elements: %+v", shapes)
	}

	if got := d.Vector()["a"]; got != 1 {
		t.Errorf("Expected seq 1 in vector, got %d", got)
	}
}

func TestTransactErrorWritesNothing(t *testing.T) {
	d := New("a")

	updates := 0
	d.OnUpdate(func(Update) { updates++ })

	err := d.Transact(nil, func(tx *Txn) error {
		tx.Set(RegionFiles, "f1", "blob")
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("Expected the transaction error to surface")
	}
	if len(d.Keys(RegionFiles)) != 0 {
		t.Error("Aborted transaction leaked a write")
	}
	if updates != 0 {
		t.Errorf("Expected no update, got %d", updates)
	}
}

func TestTransactProducesOneUpdate(t *testing.T) {
	d := New("a")

	var updates []Update
	d.OnUpdate(func(u Update) { updates = append(updates, u) })

	var events []Event
	d.Observe(func(e Event) { events = append(events, e) })

	d.Transact("origin", func(tx *Txn) error {
		tx.Set(RegionFiles, "f1", "x")
		tx.Set(RegionFiles, "f2", "y")
		Replace(tx, RegionElements, []shape{{ID: "e1"}})
		return nil
	})

	if len(updates) != 1 || len(updates[0].Ops) != 3 {
		t.Fatalf("Expected one update with 3 ops, got %+v", updates)
	}
	if len(events) != 1 {
		t.Fatalf("Expected one event, got %d", len(events))
	}
	e := events[0]
	if !e.Local || e.Origin != "origin" {
		t.Errorf("Expected local event with origin, got %+v", e)
	}
	if !e.Touches(RegionElements) || len(e.Keys(RegionFiles)) != 2 {
		t.Errorf("Unexpected changes: %+v", e.Changes)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	a := New("a")
	b := New("b")

	var captured Update
	a.OnUpdate(func(u Update) { captured = u })
	a.Transact(nil, func(tx *Txn) error {
		tx.Set(RegionFiles, "f1", "x")
		return nil
	})

	events := 0
	b.Observe(func(e Event) {
		if e.Local {
			t.Error("Remote apply produced a local event")
		}
		events++
	})

	b.Apply(captured)
	b.Apply(captured)

	if events != 1 {
		t.Errorf("Expected 1 event for a duplicated update, got %d", events)
	}
}

func TestApplyBuffersOutOfOrder(t *testing.T) {
	a := New("a")
	b := New("b")

	var updates []Update
	a.OnUpdate(func(u Update) { updates = append(updates, u) })
	for _, v := range []string{"one", "two", "three"} {
		v := v
		a.Transact(nil, func(tx *Txn) error {
			tx.Set(RegionFiles, "f", v)
			return nil
		})
	}

	b.Apply(updates[2])
	b.Apply(updates[1])
	if b.PendingCount() != 2 {
		t.Errorf("Expected 2 pending updates, got %d", b.PendingCount())
	}
	if len(b.Keys(RegionFiles)) != 0 {
		t.Error("Out-of-order update applied before its predecessor")
	}

	b.Apply(updates[0])
	if b.PendingCount() != 0 {
		t.Errorf("Expected pending queue to drain, got %d", b.PendingCount())
	}

	var v string
	b.Get(RegionFiles, "f", &v)
	if v != "three" {
		t.Errorf("Expected final value 'three', got %q", v)
	}
}

func TestConcurrentWritesConverge(t *testing.T) {
	a := New("a")
	b := New("b")

	var fromA, fromB []Update
	a.OnUpdate(func(u Update) { fromA = append(fromA, u) })
	b.OnUpdate(func(u Update) { fromB = append(fromB, u) })

	a.Transact(nil, func(tx *Txn) error {
		Replace(tx, RegionElements, []shape{{ID: "from-a"}})
		return nil
	})
	b.Transact(nil, func(tx *Txn) error {
		Replace(tx, RegionElements, []shape{{ID: "from-b"}})
		return nil
	})

	for _, u := range fromB {
		a.Apply(u)
	}
	for _, u := range fromA {
		b.Apply(u)
	}

	sa, _ := Sequence[shape](a, RegionElements)
	sb, _ := Sequence[shape](b, RegionElements)
	if len(sa) != 1 || len(sb) != 1 || sa[0].ID != sb[0].ID {
		t.Fatalf("Replicas diverged: a=%+v b=%+v", sa, sb)
	}
	// equal Lamport times, so the larger client id wins
	if sa[0].ID != "from-b" {
		t.Errorf("Expected from-b to win the tie, got %s", sa[0].ID)
	}
}

func TestDeleteTombstoneWins(t *testing.T) {
	a := New("a")
	b := New("b")
	defer relay(t, a, b)()
	defer relay(t, b, a)()

	a.Transact(nil, func(tx *Txn) error {
		tx.Set(RegionCommands, "k", "msg")
		return nil
	})
	b.Transact(nil, func(tx *Txn) error {
		tx.Delete(RegionCommands, "k")
		return nil
	})

	if len(a.Keys(RegionCommands)) != 0 || len(b.Keys(RegionCommands)) != 0 {
		t.Errorf("Expected key deleted on both replicas, a=%v b=%v",
			a.Keys(RegionCommands), b.Keys(RegionCommands))
	}
}

func TestObserverCanWrite(t *testing.T) {
	a := New("a")
	b := New("b")
	defer relay(t, a, b)()

	b.Observe(func(e Event) {
		if e.Local {
			return
		}
		for _, key := range e.Keys(RegionCommands) {
			b.Transact(nil, func(tx *Txn) error {
				tx.Delete(RegionCommands, key)
				return nil
			})
		}
	})

	a.Transact(nil, func(tx *Txn) error {
		tx.Set(RegionCommands, "k1", "hello")
		return nil
	})

	if len(b.Keys(RegionCommands)) != 0 {
		t.Errorf("Expected observer to delete the key, got %v", b.Keys(RegionCommands))
	}
}

func TestSnapshotAndMerge(t *testing.T) {
	a := New("a")
	var log []Update
	a.OnUpdate(func(u Update) { log = append(log, u) })

	a.Transact(nil, func(tx *Txn) error {
		tx.Set(RegionFiles, "f1", "x")
		tx.Set(RegionCommands, "c1", "cmd")
		return nil
	})
	a.Transact(nil, func(tx *Txn) error {
		tx.Delete(RegionCommands, "c1")
		Replace(tx, RegionElements, []shape{{ID: "e1", Version: 2}})
		return nil
	})

	merged, err := Merge(log)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !merged.IsSnapshot() || merged.Vector["a"] != 2 {
		t.Fatalf("Expected snapshot covering a:2, got %+v", merged)
	}

	data, err := EncodeUpdate(merged)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := DecodeUpdate(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	c := New("c")
	if err := c.Apply(decoded); err != nil {
		t.Fatalf("Apply snapshot failed: %v", err)
	}
	if keys := c.Keys(RegionFiles); len(keys) != 1 || keys[0] != "f1" {
		t.Errorf("Expected files [f1], got %v", keys)
	}
	if keys := c.Keys(RegionCommands); len(keys) != 0 {
		t.Errorf("Expected deleted command to stay deleted, got %v", keys)
	}

	// the original updates are already covered by the snapshot
	events := 0
	c.Observe(func(Event) { events++ })
	c.ApplyBatch(log)
	if events != 0 {
		t.Errorf("Expected covered updates to be ignored, got %d events", events)
	}
}

func TestMergeRejectsGap(t *testing.T) {
	a := New("a")
	var log []Update
	a.OnUpdate(func(u Update) { log = append(log, u) })
	for i := 0; i < 3; i++ {
		a.Transact(nil, func(tx *Txn) error {
			tx.Set(RegionFiles, "f", i)
			return nil
		})
	}

	if _, err := Merge([]Update{log[0], log[2]}); err == nil {
		t.Error("Expected Merge to fail on a gapped log")
	}
}

func TestClosedDocumentIsInert(t *testing.T) {
	d := New("a")
	d.Close()

	err := d.Transact(nil, func(tx *Txn) error {
		tx.Set(RegionFiles, "f", "x")
		return nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Transact, got %v", err)
	}
	if err := d.Apply(Update{Client: "b", Seq: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Apply, got %v", err)
	}
	if !d.IsClosed() {
		t.Error("IsClosed should report true")
	}
}

func TestBatchAndVectorCodec(t *testing.T) {
	a := New("a")
	var encoded [][]byte
	a.OnUpdate(func(u Update) {
		data, err := EncodeUpdate(u)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		encoded = append(encoded, data)
	})
	a.Transact(nil, func(tx *Txn) error { tx.Set(RegionFiles, "f1", "x"); return nil })
	a.Transact(nil, func(tx *Txn) error { tx.Set(RegionFiles, "f2", "y"); return nil })

	batch, err := EncodeBatch(encoded)
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	updates, err := DecodeBatch(batch)
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if len(updates) != 2 || updates[1].Seq != 2 {
		t.Fatalf("Unexpected batch: %+v", updates)
	}

	vec, err := EncodeVector(a.Vector())
	if err != nil {
		t.Fatalf("EncodeVector failed: %v", err)
	}
	got, err := DecodeVector(vec)
	if err != nil || got["a"] != 2 {
		t.Errorf("Expected vector a:2, got %v (%v)", got, err)
	}
}
