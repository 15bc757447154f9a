package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/narvanalabs/fleet-engine/internal/manifest"
	"github.com/narvanalabs/fleet-engine/internal/meta"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/store"
)

// fakeMounter "mounts" a fixture directory by replacing the mount point with
// a symlink to it, so writes through the mount point land on the fixture.
type fakeMounter struct {
	mu         sync.Mutex
	media      map[string]string
	mounted    map[string]bool
	mounts     int
	unmountErr error
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{media: make(map[string]string), mounted: make(map[string]bool)}
}

func (f *fakeMounter) insert(device, fixture string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[device] = fixture
}

func (f *fakeMounter) Mount(_ context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fixture, ok := f.media[filepath.Base(source)]
	if !ok {
		return fmt.Errorf("mount %s: no medium", source)
	}
	if err := os.Remove(target); err != nil {
		return err
	}
	if err := os.Symlink(fixture, target); err != nil {
		return err
	}
	f.mounted[target] = true
	f.mounts++
	return nil
}

func (f *fakeMounter) Unmount(_ context.Context, target string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmountErr != nil {
		return f.unmountErr
	}
	if !f.mounted[target] {
		return ErrNotMounted
	}
	delete(f.mounted, target)
	return os.Remove(target)
}

func (f *fakeMounter) IsMounted(target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted[target], nil
}

type fakeUndocker struct {
	store *store.Store
	mu    sync.Mutex
	ids   []string
}

func (u *fakeUndocker) Undock(_ context.Context, id string) error {
	u.mu.Lock()
	u.ids = append(u.ids, id)
	u.mu.Unlock()
	_, err := u.store.Mutate(func(tx *store.Tx) error {
		return tx.UpdateInstance(id, func(i *models.Instance) error {
			i.Status = models.InstanceStatusUndocked
			return nil
		})
	})
	return err
}

type harness struct {
	store    *store.Store
	mounter  *fakeMounter
	undocker *fakeUndocker
	manager  *Manager
	devDir   string
	mntRoot  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.New("engine-a")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store:   s,
		mounter: newFakeMounter(),
		devDir:  t.TempDir(),
		mntRoot: t.TempDir(),
	}
	h.undocker = &fakeUndocker{store: s}
	h.manager = NewManager(Config{MountRoot: h.mntRoot, DeviceDir: h.devDir, ScanConcurrency: 2},
		s, h.mounter, meta.NewResolver(nil, nil), nil, nil)
	h.manager.SetUndocker(h.undocker)
	return h
}

// plug inserts a fixture disk as device and creates its device node.
func (h *harness) plug(t *testing.T, device, fixture string) {
	t.Helper()
	h.mounter.insert(device, fixture)
	if err := os.WriteFile(filepath.Join(h.devDir, device), nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newFixture(t *testing.T, apps map[string]string, instances map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for id, body := range apps {
		folder := manifest.AppFolder(dir, id)
		if err := os.MkdirAll(folder, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(folder, manifest.FileName), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for id, body := range instances {
		folder := manifest.InstanceFolder(dir, id)
		if err := os.MkdirAll(folder, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(folder, manifest.FileName), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const kolibriApp = `
services:
  kolibri:
    image: docker.io/treehouses/kolibri:0.16
x-app:
  name: kolibri
  version: "1.0"
  title: Kolibri
`

func instanceManifest(appID string) string {
	return fmt.Sprintf(`
services:
  main:
    image: docker.io/treehouses/kolibri:0.16
x-instance:
  instanceOf: %s
`, appID)
}

func TestHandleAddIsIdempotent(t *testing.T) {
	h := newHarness(t)
	fixture := newFixture(t, map[string]string{"kolibri-1.0": kolibriApp},
		map[string]string{"kolibri-main": instanceManifest("kolibri-1.0")})
	h.plug(t, "sdb1", fixture)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.manager.HandleAdd(ctx, "sdb1"); err != nil {
			t.Fatalf("HandleAdd #%d failed: %v", i, err)
		}
	}

	if h.mounter.mounts != 1 {
		t.Errorf("mounted %d times, want 1", h.mounter.mounts)
	}
	disks := h.store.Disks()
	if len(disks) != 1 {
		t.Fatalf("got %d disk records, want 1", len(disks))
	}
	d := disks[0]
	if !d.DockedOn("engine-a") || d.DeviceName() != "sdb1" {
		t.Errorf("disk not docked: %+v", d)
	}
	if !d.Apps["kolibri-1.0"] || !d.Instances["kolibri-main"] {
		t.Errorf("scan not recorded on disk: %+v", d)
	}

	e, err := h.store.Engine("engine-a")
	if err == nil && !e.Disks[d.ID] {
		t.Errorf("engine disks = %v", e.Disks)
	}

	inst, err := h.store.Instance("kolibri-main")
	if err != nil {
		t.Fatalf("instance not registered: %v", err)
	}
	if inst.InstanceOf != "kolibri-1.0" || inst.StoredOn != d.ID {
		t.Errorf("instance = %+v", inst)
	}
	if app, err := h.store.App("kolibri-1.0"); err != nil || app.Title != "Kolibri" {
		t.Errorf("app = %+v, %v", app, err)
	}
}

func TestIdentityStableAcrossDeviceNames(t *testing.T) {
	h := newHarness(t)
	fixture := newFixture(t, nil, nil)
	ctx := context.Background()

	h.plug(t, "sdb1", fixture)
	if err := h.manager.HandleAdd(ctx, "sdb1"); err != nil {
		t.Fatal(err)
	}
	first := h.store.Disks()[0].ID

	if err := h.manager.HandleRemove(ctx, "sdb1"); err != nil {
		t.Fatalf("HandleRemove failed: %v", err)
	}

	h.plug(t, "sdc1", fixture)
	if err := h.manager.HandleAdd(ctx, "sdc1"); err != nil {
		t.Fatal(err)
	}

	disks := h.store.Disks()
	if len(disks) != 1 {
		t.Fatalf("got %d disk records after remount, want 1", len(disks))
	}
	if disks[0].ID != first || disks[0].DeviceName() != "sdc1" {
		t.Errorf("remount = %+v, want id %s on sdc1", disks[0], first)
	}
}

func TestHandleRemoveUndocksInstances(t *testing.T) {
	h := newHarness(t)
	fixture := newFixture(t, map[string]string{"kolibri-1.0": kolibriApp}, map[string]string{
		"kolibri-main":  instanceManifest("kolibri-1.0"),
		"kolibri-extra": instanceManifest("kolibri-1.0"),
		"kolibri-third": instanceManifest("kolibri-1.0"),
	})
	h.plug(t, "sdb", fixture)
	ctx := context.Background()

	if err := h.manager.HandleAdd(ctx, "sdb"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Mutate(func(tx *store.Tx) error {
		for _, inst := range h.store.Instances() {
			if err := tx.UpdateInstance(inst.ID, func(i *models.Instance) error {
				i.Status = models.InstanceStatusRunning
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.manager.HandleRemove(ctx, "sdb"); err != nil {
		t.Fatalf("HandleRemove failed: %v", err)
	}

	if len(h.undocker.ids) != 3 {
		t.Errorf("undocked %v, want 3 instances", h.undocker.ids)
	}
	for _, inst := range h.store.Instances() {
		if inst.Status != models.InstanceStatusUndocked {
			t.Errorf("instance %s status = %s", inst.ID, inst.Status)
		}
	}
	d := h.store.Disks()[0]
	if d.Device != nil || d.DockedTo != nil {
		t.Errorf("disk still docked: device=%v dockedTo=%v", d.Device, d.DockedTo)
	}
}

func TestHandleRemoveToleratesNotMounted(t *testing.T) {
	h := newHarness(t)
	h.plug(t, "sdb", newFixture(t, nil, nil))
	ctx := context.Background()
	if err := h.manager.HandleAdd(ctx, "sdb"); err != nil {
		t.Fatal(err)
	}

	h.mounter.unmountErr = fmt.Errorf("unmount: %w", ErrNotMounted)
	if err := h.manager.HandleRemove(ctx, "sdb"); err != nil {
		t.Fatalf("not-mounted should count as success: %v", err)
	}
	if h.store.Disks()[0].Docked() {
		t.Error("disk should be undocked")
	}
}

func TestHandleRemoveAbortsOnUnmountFailure(t *testing.T) {
	h := newHarness(t)
	h.plug(t, "sdb", newFixture(t, nil, map[string]string{"kolibri-main": instanceManifest("kolibri-1.0")}))
	ctx := context.Background()
	if err := h.manager.HandleAdd(ctx, "sdb"); err != nil {
		t.Fatal(err)
	}

	busy := errors.New("device or resource busy")
	h.mounter.unmountErr = busy
	if err := h.manager.HandleRemove(ctx, "sdb"); !errors.Is(err, busy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if !h.store.Disks()[0].DockedOn("engine-a") {
		t.Error("failed unmount must leave the disk docked")
	}
	if len(h.undocker.ids) != 0 {
		t.Errorf("instances undocked despite failed unmount: %v", h.undocker.ids)
	}
}

func TestIgnoredDevices(t *testing.T) {
	h := newHarness(t)
	for _, dev := range []string{"loop0", "sdb12", "mmcblk0p1", "sd"} {
		if err := h.manager.HandleAdd(context.Background(), dev); !errors.Is(err, ErrIgnoredDevice) {
			t.Errorf("HandleAdd(%q) = %v, want ErrIgnoredDevice", dev, err)
		}
	}
}

func TestReconcileAtBoot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A disk docked on the previous boot whose device is gone.
	if _, err := h.store.Mutate(func(tx *store.Tx) error {
		return tx.Put(store.KindDisk, "stale", &models.Disk{
			ID: "stale", Name: "Old", Device: models.StringPtr("sdz"), DockedTo: models.StringPtr("engine-a"),
		})
	}); err != nil {
		t.Fatal(err)
	}
	// A stray mount point with nothing behind it.
	if err := os.MkdirAll(filepath.Join(h.mntRoot, "sdq"), 0o755); err != nil {
		t.Fatal(err)
	}
	h.plug(t, "sdb1", newFixture(t, map[string]string{"kolibri-1.0": kolibriApp}, nil))

	if err := h.manager.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	stale, err := h.store.Disk("stale")
	if err != nil {
		t.Fatal(err)
	}
	if stale.Docked() {
		t.Errorf("stale disk still docked: %+v", stale)
	}
	if _, err := os.Stat(filepath.Join(h.mntRoot, "sdq")); !os.IsNotExist(err) {
		t.Errorf("stray mount point not removed: %v", err)
	}
	if _, err := h.store.DiskByDevice("engine-a", "sdb1"); err != nil {
		t.Errorf("present device not added: %v", err)
	}
}

func TestScanRegistersEveryFolder(t *testing.T) {
	h := newHarness(t)
	apps := make(map[string]string)
	for i := 0; i < 12; i++ {
		apps[fmt.Sprintf("app%d-1.0", i)] = kolibriApp
	}
	fixture := newFixture(t, apps, nil)
	if err := os.MkdirAll(manifest.AppFolder(fixture, "broken-1.0"), 0o755); err != nil {
		t.Fatal(err)
	}
	h.plug(t, "sdb", fixture)

	if err := h.manager.HandleAdd(context.Background(), "sdb"); err != nil {
		t.Fatal(err)
	}
	d := h.store.Disks()[0]
	if len(d.Apps) != 12 {
		t.Errorf("disk apps = %d, want 12", len(d.Apps))
	}
	if _, err := h.store.App("broken-1.0"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("folder without manifest registered: %v", err)
	}
}

func TestRunSerializesPerDevice(t *testing.T) {
	h := newHarness(t)
	h.plug(t, "sdb", newFixture(t, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 4)
	for i := 0; i < 4; i++ {
		events <- Event{Action: ActionAdd, Device: "sdb"}
	}
	close(events)

	done := make(chan struct{})
	go func() {
		h.manager.Run(ctx, events)
		close(done)
	}()
	<-done
	cancel()

	if h.mounter.mounts != 1 {
		t.Errorf("concurrent adds mounted %d times", h.mounter.mounts)
	}
	if n := len(h.store.Disks()); n != 1 {
		t.Errorf("concurrent adds created %d disks", n)
	}
}

func TestRunKeepsEventOrderPerDevice(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		h := newHarness(t)
		h.plug(t, "sdb", newFixture(t, nil, nil))
		h.plug(t, "sdc", newFixture(t, nil, nil))

		events := make(chan Event, 4)
		events <- Event{Action: ActionAdd, Device: "sdb"}
		events <- Event{Action: ActionAdd, Device: "sdc"}
		events <- Event{Action: ActionRemove, Device: "sdb"}
		close(events)
		h.manager.Run(context.Background(), events)

		docked := 0
		for _, d := range h.store.Disks() {
			if d.DockedOn("engine-a") {
				docked++
				if d.DeviceName() != "sdc" {
					t.Fatalf("trial %d: removed device still docked: %+v", trial, d)
				}
			}
		}
		if docked != 1 {
			t.Fatalf("trial %d: %d docked disks, want 1", trial, docked)
		}
		if mounted, _ := h.mounter.IsMounted(filepath.Join(h.mntRoot, "sdb")); mounted {
			t.Fatalf("trial %d: sdb still mounted", trial)
		}
	}
}

func TestRescanKeepsRecordOfUnreadableManifest(t *testing.T) {
	h := newHarness(t)
	fixture := newFixture(t, map[string]string{"kolibri-1.0": kolibriApp},
		map[string]string{"kolibri-main": instanceManifest("kolibri-1.0")})
	h.plug(t, "sdb1", fixture)
	ctx := context.Background()

	if err := h.manager.HandleAdd(ctx, "sdb1"); err != nil {
		t.Fatal(err)
	}
	diskID := h.store.Disks()[0].ID

	instFile := filepath.Join(manifest.InstanceFolder(fixture, "kolibri-main"), manifest.FileName)
	appFile := filepath.Join(manifest.AppFolder(fixture, "kolibri-1.0"), manifest.FileName)
	for _, f := range []string{instFile, appFile} {
		if err := os.WriteFile(f, []byte("services: [unterminated"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := h.manager.Rescan(ctx, diskID); err != nil {
		t.Fatal(err)
	}
	inst, err := h.store.Instance("kolibri-main")
	if err != nil {
		t.Fatalf("record dropped while manifest was unreadable: %v", err)
	}
	if inst.InstanceOf != "kolibri-1.0" || inst.StoredOn != diskID {
		t.Errorf("instance = %+v", inst)
	}
	d, err := h.store.Disk(diskID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Instances["kolibri-main"] || !d.Apps["kolibri-1.0"] {
		t.Errorf("disk lost entries: apps=%v instances=%v", d.Apps, d.Instances)
	}

	// Once the folder itself is gone the record goes too.
	if err := os.RemoveAll(manifest.InstanceFolder(fixture, "kolibri-main")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Rescan(ctx, diskID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Instance("kolibri-main"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("instance of removed folder still recorded: %v", err)
	}
}
