// Package store provides the Replicated Store: the shared document of fleet
// state with typed access, transactional mutation and change notification.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/replica"
)

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// Kind names a top-level collection in the document.
type Kind string

const (
	KindEngine   Kind = "engines"
	KindDisk     Kind = "disks"
	KindApp      Kind = "apps"
	KindInstance Kind = "instances"
	KindNetwork  Kind = "networks"
)

// OriginLocal is the origin reported for mutations made through Mutate.
const OriginLocal = "local"

// ChangeFunc observes visible changes. origin is OriginLocal or the source
// passed to ApplyRemote.
type ChangeFunc func(origin string, patches []replica.Patch)

// OpsFunc observes operations that won their register, for propagation.
type OpsFunc func(origin string, ops []replica.Op)

// Persister keeps a durable copy of the replica.
type Persister interface {
	// Save stores operations that won their register.
	Save(ops []replica.Op) error
	// Load returns every stored register.
	Load() ([]replica.Op, error)
}

// Forgetter is implemented by persisters that can drop stored registers.
type Forgetter interface {
	Forget(paths []replica.Path) error
}

// Store is one engine's replica of the fleet document.
//
// Mutations, remote applies and observer notification are serialized, so
// observers see patches in application order. Observers run while the store
// is locked and must not call Mutate or ApplyRemote synchronously.
type Store struct {
	localEngineID string
	doc           *replica.Doc
	persister     Persister
	logger        *slog.Logger

	mu sync.Mutex

	obsMu        sync.RWMutex
	nextObserver int
	changeFuncs  map[int]ChangeFunc
	opsFuncs     map[int]OpsFunc
}

// Option configures a Store.
type Option func(*Store)

// WithPersister sets a durable backing store.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store owned by localEngineID. When a persister is configured,
// its contents are loaded before New returns.
func New(localEngineID string, opts ...Option) (*Store, error) {
	s := &Store{
		localEngineID: localEngineID,
		doc:           replica.NewDoc(localEngineID),
		logger:        slog.Default(),
		changeFuncs:   make(map[int]ChangeFunc),
		opsFuncs:      make(map[int]OpsFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.persister != nil {
		ops, err := s.persister.Load()
		if err != nil {
			return nil, fmt.Errorf("loading replica: %w", err)
		}
		s.doc.Apply(ops)
		s.logger.Info("loaded replica", "registers", len(ops))
	}

	return s, nil
}

// LocalEngineID returns the ID of the engine that owns this replica.
func (s *Store) LocalEngineID() string {
	return s.localEngineID
}

// Doc exposes the underlying document.
func (s *Store) Doc() *replica.Doc {
	return s.doc
}

// OnChange registers an observer of visible changes. The returned function
// unregisters it.
func (s *Store) OnChange(fn ChangeFunc) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObserver
	s.nextObserver++
	s.changeFuncs[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.changeFuncs, id)
	}
}

// OnOps registers an observer of winning operations. The returned function
// unregisters it.
func (s *Store) OnOps(fn OpsFunc) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObserver
	s.nextObserver++
	s.opsFuncs[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.opsFuncs, id)
	}
}

// Mutate runs fn as one local transaction. If fn returns an error every write
// it made is rolled back and no observer is notified. Otherwise the resulting
// patches are returned after observers have seen them.
func (s *Store) Mutate(fn func(tx *Tx) error) ([]replica.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{store: s, prior: make(map[string]*priorEntry)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, err
	}

	s.commit(OriginLocal, tx.ops, tx.patches)
	return tx.patches, nil
}

// ApplyRemote merges operations received from a peer identified by source.
func (s *Store) ApplyRemote(source string, ops []replica.Op) []replica.Patch {
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied, patches := s.doc.Apply(ops)
	s.commit(source, applied, patches)
	return patches
}

// Snapshot returns the whole replica as operations. It waits for any running
// transaction so uncommitted writes are never included. It must not be called
// from inside Mutate or an observer.
func (s *Store) Snapshot() []replica.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// Compact drops tombstones under prefix that are older than before, in memory
// and in the persister when it supports forgetting. It returns how many were
// dropped.
func (s *Store) Compact(prefix replica.Path, before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.doc.Compact(prefix, before.UnixMilli())
	if len(dropped) == 0 {
		return 0
	}
	if f, ok := s.persister.(Forgetter); ok {
		if err := f.Forget(dropped); err != nil {
			s.logger.Error("failed to forget compacted registers", "error", err)
		}
	}
	return len(dropped)
}

func (s *Store) commit(origin string, ops []replica.Op, patches []replica.Patch) {
	if len(ops) == 0 {
		return
	}

	if s.persister != nil {
		if err := s.persister.Save(ops); err != nil {
			s.logger.Error("failed to persist replica", "origin", origin, "error", err)
		}
	}

	s.obsMu.RLock()
	opsFuncs := make([]OpsFunc, 0, len(s.opsFuncs))
	for _, id := range sortedKeys(s.opsFuncs) {
		opsFuncs = append(opsFuncs, s.opsFuncs[id])
	}
	changeFuncs := make([]ChangeFunc, 0, len(s.changeFuncs))
	for _, id := range sortedKeys(s.changeFuncs) {
		changeFuncs = append(changeFuncs, s.changeFuncs[id])
	}
	s.obsMu.RUnlock()

	for _, fn := range opsFuncs {
		s.safeCall(func() { fn(origin, ops) })
	}
	if len(patches) == 0 {
		return
	}
	for _, fn := range changeFuncs {
		s.safeCall(func() { fn(origin, patches) })
	}
}

func (s *Store) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store observer panic", "panic", r)
		}
	}()
	fn()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// RecordPath returns the path prefix of a record.
func RecordPath(kind Kind, id string) replica.Path {
	return replica.NewPath(string(kind), id)
}

// Get decodes the record of the given kind and ID into out.
func (s *Store) Get(kind Kind, id string, out any) error {
	ok, err := s.doc.Read(RecordPath(kind, id), out)
	if err != nil {
		return fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if !s.exists(kind, id) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// exists reports whether the record's identity leaf is live. Partial records
// left behind by a concurrent delete are treated as absent.
func (s *Store) exists(kind Kind, id string) bool {
	field := "id"
	if kind == KindNetwork {
		field = "name"
	}
	_, ok := s.doc.Get(RecordPath(kind, id).Child(field))
	return ok
}

// IDs returns the IDs of all live records of a kind, sorted.
func (s *Store) IDs(kind Kind) []string {
	var ids []string
	for _, id := range s.doc.Children(replica.NewPath(string(kind))) {
		if s.exists(kind, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Engine returns the engine record with the given ID.
func (s *Store) Engine(id string) (*models.Engine, error) {
	return getRecord[models.Engine](s, KindEngine, id)
}

// Disk returns the disk record with the given ID.
func (s *Store) Disk(id string) (*models.Disk, error) {
	return getRecord[models.Disk](s, KindDisk, id)
}

// App returns the app record with the given ID.
func (s *Store) App(id string) (*models.App, error) {
	return getRecord[models.App](s, KindApp, id)
}

// Instance returns the instance record with the given ID.
func (s *Store) Instance(id string) (*models.Instance, error) {
	return getRecord[models.Instance](s, KindInstance, id)
}

// Network returns the network record with the given name.
func (s *Store) Network(name string) (*models.Network, error) {
	return getRecord[models.Network](s, KindNetwork, name)
}

// Engines returns all engine records sorted by ID.
func (s *Store) Engines() []*models.Engine {
	return listRecords[models.Engine](s, KindEngine)
}

// Disks returns all disk records sorted by ID.
func (s *Store) Disks() []*models.Disk {
	return listRecords[models.Disk](s, KindDisk)
}

// Apps returns all app records sorted by ID.
func (s *Store) Apps() []*models.App {
	return listRecords[models.App](s, KindApp)
}

// Instances returns all instance records sorted by ID.
func (s *Store) Instances() []*models.Instance {
	return listRecords[models.Instance](s, KindInstance)
}

// Networks returns all network records sorted by name.
func (s *Store) Networks() []*models.Network {
	return listRecords[models.Network](s, KindNetwork)
}

// DiskByDevice returns the disk currently docked to engineID on device.
func (s *Store) DiskByDevice(engineID, device string) (*models.Disk, error) {
	for _, d := range s.Disks() {
		if d.DockedOn(engineID) && d.DeviceName() == device {
			return d, nil
		}
	}
	return nil, fmt.Errorf("disk on device %s: %w", device, ErrNotFound)
}

// InstancesOnEngine returns instances stored on disks docked to engineID.
func (s *Store) InstancesOnEngine(engineID string) []*models.Instance {
	docked := make(map[string]bool)
	for _, d := range s.Disks() {
		if d.DockedOn(engineID) {
			docked[d.ID] = true
		}
	}
	var out []*models.Instance
	for _, inst := range s.Instances() {
		if docked[inst.StoredOn] {
			out = append(out, inst)
		}
	}
	return out
}

// JoinedNetworks returns the networks engineID is a member of.
func (s *Store) JoinedNetworks(engineID string) []*models.Network {
	var out []*models.Network
	for _, n := range s.Networks() {
		if n.HasEngine(engineID) {
			out = append(out, n)
		}
	}
	return out
}

func getRecord[T any](s *Store, kind Kind, id string) (*T, error) {
	var rec T
	if err := s.Get(kind, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func listRecords[T any](s *Store, kind Kind) []*T {
	ids := s.IDs(kind)
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		rec, err := getRecord[T](s, kind, id)
		if err != nil {
			s.logger.Warn("skipping unreadable record", "kind", kind, "id", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}
