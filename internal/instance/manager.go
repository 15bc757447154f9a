// Package instance drives instance lifecycles: port allocation, container
// creation and start, run, stop and undock.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/manifest"
	"github.com/narvanalabs/fleet-engine/internal/metrics"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/podman"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// DefaultPortBase is the first port handed out.
const DefaultPortBase = 3000

// maxPort bounds the allocator scan.
const maxPort = 65535

// ImagesDir holds image archives inside an app or instance folder.
const ImagesDir = "images"

// Common errors returned by instance operations.
var (
	ErrNoFreePort     = errors.New("no free port")
	ErrWrongDisk      = errors.New("instance is not stored on that disk")
	ErrInstanceExists = errors.New("instance already exists")
	ErrInvalidName    = errors.New("invalid instance name")
)

// Runtime is the container runtime capability.
type Runtime interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	Pull(ctx context.Context, image string) error
	Load(ctx context.Context, archivePath string) (string, error)
	Create(ctx context.Context, p *podman.Project) error
	Up(ctx context.Context, p *podman.Project) error
	Down(ctx context.Context, p *podman.Project) error
}

// Locator finds where a disk docked to this engine is mounted.
type Locator interface {
	MountPoint(diskID string) (string, error)
}

// Manager drives the instances stored on disks docked to the local engine.
type Manager struct {
	store    *store.Store
	runtime  Runtime
	locator  Locator
	metrics  *metrics.Metrics
	logger   *slog.Logger
	portBase int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates an instance manager. metrics may be nil.
func NewManager(s *store.Store, runtime Runtime, locator Locator, portBase int, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if portBase <= 0 {
		portBase = DefaultPortBase
	}
	return &Manager{
		store:    s,
		runtime:  runtime,
		locator:  locator,
		metrics:  m,
		logger:   logger,
		portBase: portBase,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (m *Manager) lock(instanceID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[instanceID] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// AllocatePort assigns the instance the first port at or above the base that
// no other instance on this engine holds, and records it. Reading the ports in
// use and writing the new one happen in one store mutation, so concurrent
// allocations never hand out the same port. An instance that already holds a
// free port keeps it.
func (m *Manager) AllocatePort(instanceID string) (int, error) {
	var port int
	_, err := m.store.Mutate(func(tx *store.Tx) error {
		inst, err := tx.Store().Instance(instanceID)
		if err != nil {
			return err
		}

		used := make(map[int]bool)
		for _, other := range tx.Store().InstancesOnEngine(m.store.LocalEngineID()) {
			if other.ID != instanceID && other.Port > 0 {
				used[other.Port] = true
			}
		}

		if inst.Port >= m.portBase && !used[inst.Port] {
			port = inst.Port
			return nil
		}
		for p := m.portBase; p <= maxPort; p++ {
			if !used[p] {
				port = p
				return tx.SetField(store.KindInstance, instanceID, "port", p)
			}
		}
		return ErrNoFreePort
	})
	if err != nil {
		return 0, fmt.Errorf("allocating port for %s: %w", instanceID, err)
	}
	return port, nil
}

func (m *Manager) setStatus(instanceID string, status models.InstanceStatus, extra func(i *models.Instance)) error {
	_, err := m.store.Mutate(func(tx *store.Tx) error {
		return tx.UpdateInstance(instanceID, func(i *models.Instance) error {
			i.Status = status
			if extra != nil {
				extra(i)
			}
			return nil
		})
	})
	if err != nil {
		m.logger.Error("failed to record instance status", "instance_id", instanceID, "status", status, "error", err)
		return err
	}
	m.metrics.InstanceStatus(string(status))
	return nil
}

func (m *Manager) project(inst *models.Instance, root string, port int) *podman.Project {
	dir := manifest.InstanceFolder(root, inst.ID)
	return &podman.Project{
		Name: inst.ID,
		Dir:  dir,
		File: filepath.Join(dir, manifest.FileName),
		Env: map[string]string{
			"PORT":          strconv.Itoa(port),
			"INSTANCE_ID":   inst.ID,
			"INSTANCE_NAME": inst.Name,
			"INSTANCE_DATA": dir,
		},
	}
}

// Start allocates a port, preloads images, creates the containers and brings
// them up. Any failing step moves the instance to Error.
func (m *Manager) Start(ctx context.Context, instanceID, diskID string) error {
	unlock := m.lock(instanceID)
	defer unlock()

	log := logger.FromContext(ctx, m.logger).With("instance_id", instanceID)

	inst, err := m.store.Instance(instanceID)
	if err != nil {
		return err
	}
	if inst.StoredOn != diskID {
		return fmt.Errorf("%s on %s: %w", instanceID, diskID, ErrWrongDisk)
	}
	root, err := m.locator.MountPoint(diskID)
	if err != nil {
		return err
	}

	port, err := m.AllocatePort(instanceID)
	if err != nil {
		m.fail(log, instanceID, "port allocation", err)
		return err
	}
	log = log.With("port", port)

	if err := m.preload(ctx, inst, root); err != nil {
		m.fail(log, instanceID, "image preload", err)
		return err
	}

	p := m.project(inst, root, port)
	if err := m.runtime.Create(ctx, p); err != nil {
		m.fail(log, instanceID, "create", err)
		return err
	}
	if err := m.setStatus(instanceID, models.InstanceStatusCreated, nil); err != nil {
		return err
	}

	if err := m.runtime.Up(ctx, p); err != nil {
		m.fail(log, instanceID, "up", err)
		return err
	}
	started := m.now().UnixMilli()
	if err := m.setStatus(instanceID, models.InstanceStatusRunning, func(i *models.Instance) {
		i.LastStarted = started
	}); err != nil {
		return err
	}

	log.Info("instance started")
	return nil
}

func (m *Manager) fail(log *slog.Logger, instanceID, step string, err error) {
	log.Error("instance start failed", "step", step, "error", err)
	_ = m.setStatus(instanceID, models.InstanceStatusError, nil)
}

// preload makes every service image available locally: images already
// present are skipped, archives shipped on the disk are loaded, and anything
// still missing is pulled.
func (m *Manager) preload(ctx context.Context, inst *models.Instance, root string) error {
	missing, err := m.missingImages(ctx, inst.ServiceImages)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	dirs := []string{filepath.Join(manifest.InstanceFolder(root, inst.ID), ImagesDir)}
	if inst.InstanceOf != "" {
		dirs = append(dirs, filepath.Join(manifest.AppFolder(root, inst.InstanceOf), ImagesDir))
	}
	for _, dir := range dirs {
		archives, _ := filepath.Glob(filepath.Join(dir, "*.tar"))
		for _, archive := range archives {
			name, err := m.runtime.Load(ctx, archive)
			if err != nil {
				m.logger.Warn("failed to load image archive", "archive", archive, "error", err)
				continue
			}
			m.logger.Debug("loaded image archive", "archive", archive, "image", name)
		}
	}

	missing, err = m.missingImages(ctx, missing)
	if err != nil {
		return err
	}
	for _, image := range missing {
		if err := m.runtime.Pull(ctx, image); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) missingImages(ctx context.Context, images []string) ([]string, error) {
	var missing []string
	for _, image := range images {
		ok, err := m.runtime.ImageExists(ctx, image)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, image)
		}
	}
	return missing, nil
}

// Run brings existing containers up. A failure is logged and leaves the
// status unchanged.
func (m *Manager) Run(ctx context.Context, instanceID string) error {
	unlock := m.lock(instanceID)
	defer unlock()

	inst, root, err := m.docked(instanceID)
	if err != nil {
		return err
	}
	port, err := m.AllocatePort(instanceID)
	if err != nil {
		return err
	}

	if err := m.runtime.Up(ctx, m.project(inst, root, port)); err != nil {
		logger.FromContext(ctx, m.logger).Error("failed to run instance", "instance_id", instanceID, "error", err)
		return err
	}
	started := m.now().UnixMilli()
	return m.setStatus(instanceID, models.InstanceStatusRunning, func(i *models.Instance) {
		i.LastStarted = started
	})
}

// Stop brings containers down. A failure is logged and leaves the status
// unchanged.
func (m *Manager) Stop(ctx context.Context, instanceID string) error {
	unlock := m.lock(instanceID)
	defer unlock()

	inst, root, err := m.docked(instanceID)
	if err != nil {
		return err
	}

	if err := m.runtime.Down(ctx, m.project(inst, root, inst.Port)); err != nil {
		logger.FromContext(ctx, m.logger).Error("failed to stop instance", "instance_id", instanceID, "error", err)
		return err
	}
	return m.setStatus(instanceID, models.InstanceStatusStopped, nil)
}

func (m *Manager) docked(instanceID string) (*models.Instance, string, error) {
	inst, err := m.store.Instance(instanceID)
	if err != nil {
		return nil, "", err
	}
	root, err := m.locator.MountPoint(inst.StoredOn)
	if err != nil {
		return nil, "", err
	}
	return inst, root, nil
}

// Undock stops the containers best-effort and forces the instance to
// Undocked, withdrawing it from every network.
func (m *Manager) Undock(ctx context.Context, instanceID string) error {
	unlock := m.lock(instanceID)
	defer unlock()

	log := logger.FromContext(ctx, m.logger).With("instance_id", instanceID)

	inst, err := m.store.Instance(instanceID)
	if err != nil {
		return err
	}

	p := &podman.Project{Name: inst.ID}
	if root, err := m.locator.MountPoint(inst.StoredOn); err == nil {
		p = m.project(inst, root, inst.Port)
	}
	if err := m.runtime.Down(ctx, p); err != nil {
		log.Warn("could not stop containers of undocked instance", "error", err)
	}

	_, err = m.store.Mutate(func(tx *store.Tx) error {
		if err := tx.UpdateInstance(instanceID, func(i *models.Instance) error {
			i.Status = models.InstanceStatusUndocked
			return nil
		}); err != nil {
			return err
		}
		tx.UnpublishInstance(instanceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("undocking %s: %w", instanceID, err)
	}
	m.metrics.InstanceStatus(string(models.InstanceStatusUndocked))
	log.Info("instance undocked")
	return nil
}

// Create makes a new instance of appID on diskID: it writes the instance
// folder with its manifest and registers the record. The instance ID is the
// folder name.
func (m *Manager) Create(ctx context.Context, appID, diskID, name string) (*models.Instance, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	unlock := m.lock(name)
	defer unlock()

	root, err := m.locator.MountPoint(diskID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Instance(name); err == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrInstanceExists)
	}
	folder := manifest.InstanceFolder(root, name)
	if _, err := os.Stat(folder); err == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrInstanceExists)
	}

	app, err := manifest.Load(manifest.AppFolder(root, appID))
	if err != nil {
		return nil, fmt.Errorf("loading app %s: %w", appID, err)
	}
	created := m.now().UnixMilli()
	compose := app.ForInstance(appID, name, created)
	if err := compose.Save(folder); err != nil {
		return nil, err
	}

	inst := compose.InstanceRecord(name, diskID)
	_, err = m.store.Mutate(func(tx *store.Tx) error {
		if err := tx.Put(store.KindInstance, inst.ID, inst); err != nil {
			return err
		}
		tx.AddToSet(store.KindDisk, diskID, "instances", inst.ID)
		tx.PublishInstance(m.store.LocalEngineID(), inst.ID)
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(folder)
		return nil, fmt.Errorf("registering instance %s: %w", name, err)
	}
	m.metrics.InstanceStatus(string(inst.Status))
	logger.FromContext(ctx, m.logger).Info("instance created", "instance_id", inst.ID, "app_id", appID, "disk_id", diskID)
	return inst, nil
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || len(name) > 64 {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}
