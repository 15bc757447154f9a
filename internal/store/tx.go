package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/replica"
)

type priorEntry struct {
	key   string
	state replica.Saved
}

// Tx is a local transaction. Writes are visible to reads made through the
// store while the transaction runs, and are rolled back if it fails.
type Tx struct {
	store   *Store
	ops     []replica.Op
	patches []replica.Patch
	prior   map[string]*priorEntry
}

// Store returns the store the transaction runs against, for reads.
func (tx *Tx) Store() *Store {
	return tx.store
}

func (tx *Tx) write(op replica.Op) {
	key := op.Path.Key()
	if _, saved := tx.prior[key]; !saved {
		tx.prior[key] = &priorEntry{key: key, state: tx.store.doc.Save(key)}
	}
	applied, patches := tx.store.doc.Apply([]replica.Op{op})
	tx.ops = append(tx.ops, applied...)
	tx.patches = append(tx.patches, patches...)
}

func (tx *Tx) rollback() {
	for _, p := range tx.prior {
		tx.store.doc.Restore(p.key, p.state)
	}
	tx.ops = nil
	tx.patches = nil
}

// Set writes value at path. Objects are split into per-field leaves and any
// live leaf under path that is absent from value is deleted.
func (tx *Tx) Set(path replica.Path, value any) error {
	leaves, err := replica.Flatten(value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", path, err)
	}

	current := tx.store.doc.Leaves(path)
	clock := tx.store.doc.Clock()

	for key, leaf := range leaves {
		if cur, ok := current[key]; ok && bytes.Equal(cur.Value, leaf.Value) {
			continue
		}
		tx.write(replica.Op{Path: path.Child(leaf.Path...), Value: leaf.Value, TS: clock.Now()})
	}
	for key, cur := range current {
		if _, keep := leaves[key]; keep {
			continue
		}
		tx.write(replica.Op{Path: path.Child(cur.Path...), Deleted: true, TS: clock.Now()})
	}
	return nil
}

// SetField writes a single scalar leaf.
func (tx *Tx) SetField(kind Kind, id, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s.%s: %w", id, field, err)
	}
	path := RecordPath(kind, id).Child(field)
	if cur, ok := tx.store.doc.Get(path); ok && bytes.Equal(cur, raw) {
		return nil
	}
	tx.write(replica.Op{Path: path, Value: raw, TS: tx.store.doc.Clock().Now()})
	return nil
}

// Delete tombstones every live leaf under path.
func (tx *Tx) Delete(path replica.Path) {
	clock := tx.store.doc.Clock()
	for _, cur := range tx.store.doc.Leaves(path) {
		tx.write(replica.Op{Path: path.Child(cur.Path...), Deleted: true, TS: clock.Now()})
	}
}

// Put writes a whole record.
func (tx *Tx) Put(kind Kind, id string, record any) error {
	return tx.Set(RecordPath(kind, id), record)
}

// Remove deletes a whole record.
func (tx *Tx) Remove(kind Kind, id string) {
	tx.Delete(RecordPath(kind, id))
}

// AddToSet adds member to a set-valued field of a record.
func (tx *Tx) AddToSet(kind Kind, id, field, member string) {
	path := RecordPath(kind, id).Child(field, member)
	if cur, ok := tx.store.doc.Get(path); ok && string(cur) == "true" {
		return
	}
	tx.write(replica.Op{Path: path, Value: []byte("true"), TS: tx.store.doc.Clock().Now()})
}

// RemoveFromSet removes member from a set-valued field of a record.
func (tx *Tx) RemoveFromSet(kind Kind, id, field, member string) {
	tx.Delete(RecordPath(kind, id).Child(field, member))
}

// Update reads a record, lets fn modify it and writes back only the fields
// that changed. fn sees writes made earlier in the same transaction.
func Update[T any](tx *Tx, kind Kind, id string, fn func(rec *T) error) error {
	rec, err := getRecord[T](tx.store, kind, id)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return tx.Put(kind, id, rec)
}

// UpdateEngine modifies an engine record in place.
func (tx *Tx) UpdateEngine(id string, fn func(e *models.Engine) error) error {
	return Update(tx, KindEngine, id, fn)
}

// UpdateDisk modifies a disk record in place.
func (tx *Tx) UpdateDisk(id string, fn func(d *models.Disk) error) error {
	return Update(tx, KindDisk, id, fn)
}

// UpdateInstance modifies an instance record in place.
func (tx *Tx) UpdateInstance(id string, fn func(i *models.Instance) error) error {
	return Update(tx, KindInstance, id, fn)
}

// PublishInstance makes an instance visible on every network engineID has joined.
func (tx *Tx) PublishInstance(engineID, instanceID string) {
	for _, n := range tx.store.JoinedNetworks(engineID) {
		tx.AddToSet(KindNetwork, n.Name, "instances", instanceID)
	}
}

// UnpublishInstance removes an instance from every network.
func (tx *Tx) UnpublishInstance(instanceID string) {
	for _, n := range tx.store.Networks() {
		if n.Instances[instanceID] {
			tx.RemoveFromSet(KindNetwork, n.Name, "instances", instanceID)
		}
	}
}
