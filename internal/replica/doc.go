package replica

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
)

// Op writes or deletes one leaf. Value holds the JSON encoding of the leaf.
type Op struct {
	Path    Path      `cbor:"1,keyasint"`
	Value   []byte    `cbor:"2,keyasint,omitempty"`
	Deleted bool      `cbor:"3,keyasint,omitempty"`
	TS      Timestamp `cbor:"4,keyasint"`
}

// PatchAction names the kind of visible change a patch describes.
type PatchAction string

const (
	PatchPut    PatchAction = "put"
	PatchDelete PatchAction = "del"
)

// Patch is a visible change to the document at a structured path.
type Patch struct {
	Action PatchAction     `json:"action"`
	Path   Path            `json:"path"`
	Value  json.RawMessage `json:"value,omitempty"`
}

type entry struct {
	path    Path
	value   []byte
	deleted bool
	ts      Timestamp
}

// Doc is one replica of the document. It is safe for concurrent use.
type Doc struct {
	mu      sync.RWMutex
	clock   *Clock
	entries map[string]*entry
}

// NewDoc creates an empty document whose local writes are stamped with actor.
func NewDoc(actor string) *Doc {
	return &Doc{
		clock:   NewClock(actor),
		entries: make(map[string]*entry),
	}
}

// Clock returns the document's clock.
func (d *Doc) Clock() *Clock {
	return d.clock
}

// Apply merges operations into the document. It returns the operations that
// won their register (to be forwarded to other replicas) and the patches
// describing visible changes.
func (d *Doc) Apply(ops []Op) ([]Op, []Patch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var applied []Op
	var patches []Patch
	for _, op := range ops {
		d.clock.Observe(op.TS)
		ok, patch := d.applyLocked(op)
		if !ok {
			continue
		}
		applied = append(applied, op)
		if patch != nil {
			patches = append(patches, *patch)
		}
	}
	return applied, patches
}

func (d *Doc) applyLocked(op Op) (bool, *Patch) {
	key := op.Path.Key()
	cur := d.entries[key]
	if cur != nil && op.TS.Compare(cur.ts) <= 0 {
		return false, nil
	}

	next := &entry{path: op.Path, deleted: op.Deleted, ts: op.TS}
	if !op.Deleted {
		next.value = op.Value
	}
	d.entries[key] = next

	switch {
	case op.Deleted && (cur == nil || cur.deleted):
		return true, nil
	case op.Deleted:
		return true, &Patch{Action: PatchDelete, Path: op.Path}
	case cur != nil && !cur.deleted && bytes.Equal(cur.value, op.Value):
		return true, nil
	default:
		return true, &Patch{Action: PatchPut, Path: op.Path, Value: json.RawMessage(op.Value)}
	}
}

// Saved is a copy of one register taken by Save.
type Saved struct {
	e *entry
}

// Save copies the register at key so that a later Restore can undo local
// writes to it.
func (d *Doc) Save(key string) Saved {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cur := d.entries[key]
	if cur == nil {
		return Saved{}
	}
	cp := *cur
	return Saved{e: &cp}
}

// Restore puts back a register copied by Save. A register that did not exist
// when it was saved is removed.
func (d *Doc) Restore(key string, saved Saved) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if saved.e == nil {
		delete(d.entries, key)
		return
	}
	d.entries[key] = saved.e
}

// Get returns the live value at path.
func (d *Doc) Get(path Path) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.entries[path.Key()]
	if e == nil || e.deleted {
		return nil, false
	}
	return json.RawMessage(e.value), true
}

// Leaves returns the live leaves under prefix keyed by their path relative
// to prefix.
func (d *Doc) Leaves(prefix Path) map[string]Leaf {
	d.mu.RLock()
	defer d.mu.RUnlock()

	leaves := make(map[string]Leaf)
	for _, e := range d.entries {
		if e.deleted || !e.path.HasPrefix(prefix) {
			continue
		}
		rel := e.path[len(prefix):]
		leaves[rel.Key()] = Leaf{Path: append(Path(nil), rel...), Value: e.value}
	}
	return leaves
}

// Children returns the distinct segments directly under prefix that have at
// least one live leaf, sorted.
func (d *Doc) Children(prefix Path) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range d.entries {
		if e.deleted || len(e.path) <= len(prefix) || !e.path.HasPrefix(prefix) {
			continue
		}
		seen[e.path[len(prefix)]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for seg := range seen {
		out = append(out, seg)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every register, tombstones included, as operations that
// reproduce the document when applied to an empty replica.
func (d *Doc) Snapshot() []Op {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops := make([]Op, 0, len(d.entries))
	for _, e := range d.entries {
		ops = append(ops, Op{Path: e.path, Value: e.value, Deleted: e.deleted, TS: e.ts})
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Path.Key() < ops[j].Path.Key()
	})
	return ops
}

// Compact drops the tombstones under prefix written before wall time before
// (milliseconds) and returns their paths. A replica that still holds an older
// live value for a dropped path brings it back on the next sync, so only
// state whose owner discards such values may be compacted.
func (d *Doc) Compact(prefix Path, before int64) []Path {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dropped []Path
	for key, e := range d.entries {
		if e.deleted && e.ts.Wall < before && e.path.HasPrefix(prefix) {
			delete(d.entries, key)
			dropped = append(dropped, e.path)
		}
	}
	return dropped
}

// Values returns the live leaves keyed by full path. Two converged replicas
// return equal maps.
func (d *Doc) Values() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]string, len(d.entries))
	for key, e := range d.entries {
		if !e.deleted {
			out[key] = string(e.value)
		}
	}
	return out
}

// Read decodes the live leaves under prefix into out. It reports false when
// no leaf exists under prefix.
func (d *Doc) Read(prefix Path, out any) (bool, error) {
	leaves := d.Leaves(prefix)
	if len(leaves) == 0 {
		return false, nil
	}
	if err := Unflatten(leaves, out); err != nil {
		return true, err
	}
	return true, nil
}
