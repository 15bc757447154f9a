package disk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/meta"
	"github.com/narvanalabs/fleet-engine/internal/metrics"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/store"
)

// DefaultPattern accepts whole disks and single-digit partitions: sdb, sdb1.
var DefaultPattern = regexp.MustCompile(`^sd[a-z]+[1-9]?$`)

// Config configures a Manager.
type Config struct {
	MountRoot       string
	DeviceDir       string
	Pattern         *regexp.Regexp
	ScanConcurrency int
}

// Manager handles the disk lifecycle for the local engine.
type Manager struct {
	cfg      Config
	store    *store.Store
	mounter  Mounter
	resolver *meta.Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	undockMu sync.RWMutex
	undocker InstanceUndocker

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates a disk manager. metrics may be nil.
func NewManager(cfg Config, s *store.Store, mounter Mounter, resolver *meta.Resolver, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pattern == nil {
		cfg.Pattern = DefaultPattern
	}
	if cfg.ScanConcurrency <= 0 {
		cfg.ScanConcurrency = 4
	}
	return &Manager{
		cfg:      cfg,
		store:    s,
		mounter:  mounter,
		resolver: resolver,
		metrics:  m,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// SetUndocker sets the instance manager that stops instances on undock.
func (m *Manager) SetUndocker(u InstanceUndocker) {
	m.undockMu.Lock()
	defer m.undockMu.Unlock()
	m.undocker = u
}

func (m *Manager) deviceLock(device string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[device]
	if !ok {
		l = &sync.Mutex{}
		m.locks[device] = l
	}
	return l
}

func (m *Manager) mountPoint(device string) string {
	return filepath.Join(m.cfg.MountRoot, device)
}

// MountPoint returns where a disk docked to this engine is mounted.
func (m *Manager) MountPoint(diskID string) (string, error) {
	d, err := m.store.Disk(diskID)
	if err != nil {
		return "", err
	}
	if !d.DockedOn(m.store.LocalEngineID()) {
		return "", fmt.Errorf("disk %s: %w", diskID, ErrNotDocked)
	}
	return m.mountPoint(d.DeviceName()), nil
}

// Accepts reports whether device is a name the manager handles.
func (m *Manager) Accepts(device string) bool {
	return m.cfg.Pattern.MatchString(device)
}

// HandleAdd mounts device if needed, identifies the disk, records it as
// docked here and scans it. Repeated calls for a mounted device do not mount
// again or create another record.
func (m *Manager) HandleAdd(ctx context.Context, device string) (err error) {
	if !m.Accepts(device) {
		return fmt.Errorf("%s: %w", device, ErrIgnoredDevice)
	}
	defer func() { m.metrics.DiskEvent(string(ActionAdd), err) }()

	lock := m.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	logger := m.logger.With("device", device)
	target := m.mountPoint(device)

	if err := os.MkdirAll(target, 0o755); err != nil {
		logger.Error("failed to create mount point", "error", err)
		return fmt.Errorf("creating mount point: %w", err)
	}

	mounted, err := m.mounter.IsMounted(target)
	if err != nil {
		logger.Warn("could not check mount state", "error", err)
	}
	if !mounted {
		if err := m.mounter.Mount(ctx, filepath.Join(m.cfg.DeviceDir, device), target); err != nil {
			logger.Error("failed to mount device", "error", err)
			return fmt.Errorf("mounting %s: %w", device, err)
		}
		logger.Info("mounted device", "target", target)
	}

	id := m.resolver.ResolveDisk(ctx, target, device)
	logger = logger.With("disk_id", id.DiskID)

	if err := m.dock(device, id); err != nil {
		logger.Error("failed to register disk", "error", err)
		return err
	}
	logger.Info("disk docked", "source", id.Source)

	if _, err := m.Scan(ctx, id.DiskID, target); err != nil {
		logger.Error("disk scan failed", "error", err)
		return err
	}
	return nil
}

func (m *Manager) dock(device string, id *meta.Identity) error {
	local := m.store.LocalEngineID()
	now := m.now().UnixMilli()

	_, err := m.store.Mutate(func(tx *store.Tx) error {
		// Any other disk still recorded on this device missed its remove event.
		for _, other := range m.store.Disks() {
			if other.ID != id.DiskID && other.DockedOn(local) && other.DeviceName() == device {
				if err := clearDocking(tx, local, other.ID); err != nil {
					return err
				}
			}
		}

		rec, err := m.store.Disk(id.DiskID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			rec = &models.Disk{
				ID:      id.DiskID,
				Name:    id.DiskName,
				Created: id.Created,
				Type:    diskType(id.Type),
			}
			if id.Drifted {
				if prev, perr := m.store.Disk(id.PreviousID); perr == nil {
					rec.Name = prev.Name
					rec.Created = prev.Created
					rec.Type = prev.Type
					tx.Remove(store.KindDisk, prev.ID)
					tx.RemoveFromSet(store.KindEngine, local, "disks", prev.ID)
				}
			}
		default:
			return err
		}

		rec.Device = models.StringPtr(device)
		rec.DockedTo = models.StringPtr(local)
		rec.LastDocked = now
		if err := tx.Put(store.KindDisk, rec.ID, rec); err != nil {
			return err
		}
		tx.AddToSet(store.KindEngine, local, "disks", rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording disk %s: %w", id.DiskID, err)
	}
	return nil
}

func diskType(t string) models.DiskType {
	if t == string(models.DiskTypeBackup) {
		return models.DiskTypeBackup
	}
	return models.DiskTypeApps
}

func clearDocking(tx *store.Tx, local, diskID string) error {
	if err := tx.UpdateDisk(diskID, func(d *models.Disk) error {
		d.Device = nil
		d.DockedTo = nil
		return nil
	}); err != nil {
		return err
	}
	tx.RemoveFromSet(store.KindEngine, local, "disks", diskID)
	return nil
}

// HandleRemove handles a device that disappeared. The mount is detached; if
// that fails for any reason other than nothing being mounted, the recorded
// state is left untouched.
func (m *Manager) HandleRemove(ctx context.Context, device string) (err error) {
	if !m.Accepts(device) {
		return fmt.Errorf("%s: %w", device, ErrIgnoredDevice)
	}
	defer func() { m.metrics.DiskEvent(string(ActionRemove), err) }()

	lock := m.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	logger := m.logger.With("device", device)
	target := m.mountPoint(device)

	if err := m.mounter.Unmount(ctx, target, true); err != nil && !errors.Is(err, ErrNotMounted) {
		logger.Error("failed to unmount removed device, keeping recorded state", "error", err)
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("could not remove mount point", "target", target, "error", err)
	}

	d, err := m.store.DiskByDevice(m.store.LocalEngineID(), device)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("no disk recorded on removed device")
			return nil
		}
		return err
	}

	return m.undock(ctx, d)
}

// undock stops the disk's instances and clears its docking state.
func (m *Manager) undock(ctx context.Context, d *models.Disk) error {
	logger := m.logger.With("disk_id", d.ID)

	m.undockInstances(ctx, d.ID)

	local := m.store.LocalEngineID()
	if _, err := m.store.Mutate(func(tx *store.Tx) error {
		return clearDocking(tx, local, d.ID)
	}); err != nil {
		logger.Error("failed to record undock", "error", err)
		return fmt.Errorf("undocking %s: %w", d.ID, err)
	}
	logger.Info("disk undocked", "device", d.DeviceName())
	return nil
}

func (m *Manager) undockInstances(ctx context.Context, diskID string) {
	m.undockMu.RLock()
	u := m.undocker
	m.undockMu.RUnlock()

	for _, inst := range m.store.Instances() {
		if inst.StoredOn != diskID {
			continue
		}
		if u == nil {
			m.logger.Warn("no instance manager, cannot undock instance", "instance_id", inst.ID)
			continue
		}
		if err := u.Undock(ctx, inst.ID); err != nil {
			m.logger.Error("failed to undock instance", "instance_id", inst.ID, "error", err)
		}
	}
}

// Eject cleanly undocks a disk that is still attached: its instances are
// stopped first, then it is unmounted. An unmount failure leaves the disk
// recorded as docked.
func (m *Manager) Eject(ctx context.Context, diskID string) (err error) {
	defer func() { m.metrics.DiskEvent("eject", err) }()

	d, err := m.store.Disk(diskID)
	if err != nil {
		return err
	}
	if !d.DockedOn(m.store.LocalEngineID()) {
		return fmt.Errorf("disk %s: %w", diskID, ErrNotDocked)
	}
	device := d.DeviceName()

	lock := m.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	m.undockInstances(ctx, d.ID)

	target := m.mountPoint(device)
	if err := m.mounter.Unmount(ctx, target, false); err != nil && !errors.Is(err, ErrNotMounted) {
		m.logger.Error("failed to unmount disk", "disk_id", diskID, "error", err)
		return err
	}
	_ = os.Remove(target)
	return m.undock(ctx, d)
}

// Rescan scans a disk docked here again.
func (m *Manager) Rescan(ctx context.Context, diskID string) (*ScanResult, error) {
	target, err := m.MountPoint(diskID)
	if err != nil {
		return nil, err
	}
	return m.Scan(ctx, diskID, target)
}

// Reconcile brings recorded state in line with the devices present at boot.
// Disks recorded as docked here whose device is gone run the remove path,
// mount points with no device behind them are cleaned up, and present
// devices are added.
func (m *Manager) Reconcile(ctx context.Context) error {
	present, err := m.presentDevices()
	if err != nil {
		return err
	}

	local := m.store.LocalEngineID()
	for _, d := range m.store.Disks() {
		if !d.DockedOn(local) || present[d.DeviceName()] {
			continue
		}
		m.logger.Info("disk docked at last boot is gone", "disk_id", d.ID, "device", d.DeviceName())
		if !m.Accepts(d.DeviceName()) {
			if err := m.undock(ctx, d); err != nil {
				m.logger.Error("failed to undock stale disk", "disk_id", d.ID, "error", err)
			}
			continue
		}
		if err := m.HandleRemove(ctx, d.DeviceName()); err != nil {
			m.logger.Error("failed to remove stale disk", "disk_id", d.ID, "error", err)
		}
	}

	m.cleanStrayMounts(ctx, present)

	for device := range present {
		if err := m.HandleAdd(ctx, device); err != nil {
			m.logger.Error("failed to add device", "device", device, "error", err)
		}
	}
	return nil
}

func (m *Manager) presentDevices() (map[string]bool, error) {
	entries, err := os.ReadDir(m.cfg.DeviceDir)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	present := make(map[string]bool)
	for _, e := range entries {
		if m.Accepts(e.Name()) {
			present[e.Name()] = true
		}
	}
	return present, nil
}

func (m *Manager) cleanStrayMounts(ctx context.Context, present map[string]bool) {
	entries, err := os.ReadDir(m.cfg.MountRoot)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("could not list mount root", "error", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || present[e.Name()] {
			continue
		}
		target := filepath.Join(m.cfg.MountRoot, e.Name())
		if mounted, _ := m.mounter.IsMounted(target); mounted {
			if err := m.mounter.Unmount(ctx, target, true); err != nil && !errors.Is(err, ErrNotMounted) {
				m.logger.Warn("failed to unmount stray mount point", "target", target, "error", err)
				continue
			}
		}
		if err := os.Remove(target); err == nil {
			m.logger.Info("removed stray mount point", "target", target)
		}
	}
}

// deviceQueueSize bounds the events waiting on one device.
const deviceQueueSize = 16

// Run handles hot-plug events until ctx is done or events closes. Events for
// the same device run in arrival order on that device's worker; different
// devices are handled in parallel. Queued events are drained before Run
// returns.
func (m *Manager) Run(ctx context.Context, events <-chan Event) {
	var wg sync.WaitGroup
	queues := make(map[string]chan Event)
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			q, ok := queues[ev.Device]
			if !ok {
				q = make(chan Event, deviceQueueSize)
				queues[ev.Device] = q
				wg.Add(1)
				go func() {
					defer wg.Done()
					m.work(ctx, q)
				}()
			}
			select {
			case q <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// work handles the events of one device in order.
func (m *Manager) work(ctx context.Context, q <-chan Event) {
	for ev := range q {
		if ctx.Err() != nil {
			continue
		}
		m.handle(ctx, ev)
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	var err error
	switch ev.Action {
	case ActionAdd:
		err = m.HandleAdd(ctx, ev.Device)
	case ActionRemove:
		err = m.HandleRemove(ctx, ev.Device)
	default:
		err = fmt.Errorf("unknown action %q", ev.Action)
	}
	if err != nil && !errors.Is(err, ErrIgnoredDevice) {
		m.logger.Error("hot-plug event failed", "action", ev.Action, "device", ev.Device, "error", err)
	}
}
