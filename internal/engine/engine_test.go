package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/command"
	"github.com/narvanalabs/fleet-engine/internal/discovery"
	"github.com/narvanalabs/fleet-engine/internal/disk"
	"github.com/narvanalabs/fleet-engine/internal/manifest"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/peer"
	"github.com/narvanalabs/fleet-engine/internal/podman"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/pkg/config"
)

type fakeHost struct {
	mu     sync.Mutex
	ifaces map[string]models.NetworkInterface
}

func (h *fakeHost) Hostname() (string, error) { return "pi-classroom", nil }

func (h *fakeHost) OS() string { return "Linux 6.1.0 aarch64" }

func (h *fakeHost) Interfaces() (map[string]models.NetworkInterface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]models.NetworkInterface, len(h.ifaces))
	for k, v := range h.ifaces {
		out[k] = v
	}
	return out, nil
}

func (h *fakeHost) set(name string, iface models.NetworkInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ifaces = map[string]models.NetworkInterface{name: iface}
}

type fakeRuntime struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRuntime) Pull(context.Context, string) error {
	f.record("pull")
	return nil
}

func (f *fakeRuntime) Load(context.Context, string) (string, error) {
	f.record("load")
	return "", nil
}

func (f *fakeRuntime) Create(context.Context, *podman.Project) error {
	f.record("create")
	return nil
}

func (f *fakeRuntime) Up(context.Context, *podman.Project) error {
	f.record("up")
	return nil
}

func (f *fakeRuntime) Down(context.Context, *podman.Project) error {
	f.record("down")
	return nil
}

// linkMounter mounts a fixture by symlinking the mount point to it.
type linkMounter struct {
	mu      sync.Mutex
	media   map[string]string
	mounted map[string]bool
}

func (m *linkMounter) Mount(_ context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fixture, ok := m.media[filepath.Base(source)]
	if !ok {
		return fmt.Errorf("mount %s: no medium", source)
	}
	if err := os.Remove(target); err != nil {
		return err
	}
	if err := os.Symlink(fixture, target); err != nil {
		return err
	}
	m.mounted[target] = true
	return nil
}

func (m *linkMounter) Unmount(_ context.Context, target string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted[target] {
		return disk.ErrNotMounted
	}
	delete(m.mounted, target)
	return os.Remove(target)
}

func (m *linkMounter) IsMounted(target string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted[target], nil
}

type serials struct{}

func (serials) Serial(context.Context, string) (string, error) {
	return "", errors.New("no serial")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.LoadWithDefaults()
	cfg.DataDir = t.TempDir()
	cfg.Networks = []string{"appnet"}
	cfg.StaticPeers = nil
	cfg.NetworkSecret = "classroom"
	cfg.Discovery.Enabled = false
	cfg.Disk.MountRoot = t.TempDir()
	cfg.Disk.DeviceDir = t.TempDir()
	cfg.Peer.RetryBackoff = 20 * time.Millisecond
	cfg.Peer.MaxBackoff = 100 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

type node struct {
	engine  *Engine
	host    *fakeHost
	runtime *fakeRuntime
	mounter *linkMounter
	cfg     *config.Config
}

func newNode(t *testing.T, id string) *node {
	t.Helper()
	s, err := store.New(id)
	if err != nil {
		t.Fatal(err)
	}
	n := &node{
		host:    &fakeHost{ifaces: map[string]models.NetworkInterface{"wlan0": {IP4: "192.168.4.10", Netmask: "255.255.255.0", CIDR: "192.168.4.10/24"}}},
		runtime: &fakeRuntime{},
		mounter: &linkMounter{media: make(map[string]string), mounted: make(map[string]bool)},
		cfg:     testConfig(t),
	}
	n.engine, err = New(Options{
		Config:  n.cfg,
		Version: "1.2.0",
		Store:   s,
		Mounter: n.mounter,
		Serials: serials{},
		Runtime: n.runtime,
		Host:    n.host,
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// plug inserts a disk holding the kolibri app and one instance of it.
func (n *node) plug(t *testing.T, device string) {
	t.Helper()
	fixture := t.TempDir()
	write := func(folder, body string) {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(folder, manifest.FileName), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(manifest.AppFolder(fixture, "kolibri-1.0"), `
services:
  kolibri:
    image: docker.io/treehouses/kolibri:0.16
x-app:
  name: kolibri
  version: "1.0"
  title: Kolibri
`)
	write(manifest.InstanceFolder(fixture, "kolibri-main"), `
services:
  main:
    image: docker.io/treehouses/kolibri:0.16
x-instance:
  instanceOf: kolibri-1.0
  name: main
`)
	n.mounter.mu.Lock()
	n.mounter.media[device] = fixture
	n.mounter.mu.Unlock()
	if err := os.WriteFile(filepath.Join(n.cfg.Disk.DeviceDir, device), nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (n *node) serve(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		network := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, peer.SyncPathPrefix), "/sync")
		n.engine.Peers().ServeSync(w, r, network)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func (n *node) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.engine.Run(ctx); err != nil {
			t.Errorf("engine %s: %v", n.engine.ID(), err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBootWritesEngineRecord(t *testing.T) {
	n := newNode(t, "engine-a")
	booted := time.UnixMilli(1_700_000_000_000)
	n.engine.now = func() time.Time { return booted }

	if err := n.engine.Boot(); err != nil {
		t.Fatal(err)
	}

	rec, err := n.engine.Store().Engine("engine-a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Hostname != "pi-classroom" || rec.Version != "1.2.0" || rec.HostOS != "Linux 6.1.0 aarch64" {
		t.Fatalf("unexpected boot record: %+v", rec)
	}
	if rec.LastBooted != booted.UnixMilli() || rec.LastRun != booted.UnixMilli() {
		t.Fatalf("boot times not recorded: %+v", rec)
	}
	if rec.ConnectedInterfaces["wlan0"].IP4 != "192.168.4.10" {
		t.Fatalf("interfaces not recorded: %+v", rec.ConnectedInterfaces)
	}

	nw, err := n.engine.Store().Network("appnet")
	if err != nil {
		t.Fatal(err)
	}
	if !nw.Engines["engine-a"] {
		t.Fatalf("engine did not join appnet: %+v", nw)
	}
}

type nopDiscovery struct{}

func (nopDiscovery) Advertise(discovery.Record, int) (io.Closer, error) {
	return io.NopCloser(nil), nil
}

func (nopDiscovery) Browse(context.Context, time.Duration) ([]discovery.Record, error) {
	return nil, nil
}

func TestDiscoveryAdvertisesHostname(t *testing.T) {
	s, err := store.New("engine-a")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	cfg.ListenAddr = "0.0.0.0:8085"
	eng, err := New(Options{
		Config:    cfg,
		Version:   "1.2.0",
		Store:     s,
		Host:      &fakeHost{},
		Runtime:   &fakeRuntime{},
		Discovery: nopDiscovery{},
	})
	if err != nil {
		t.Fatal(err)
	}
	self := eng.discovery.Self()
	if self.Hostname != "pi-classroom" || self.EngineID != "engine-a" || self.Version != "1.2.0" {
		t.Fatalf("advertised record = %+v", self)
	}
	if !strings.Contains(strings.Join(self.TXT(), " "), "hostname=pi-classroom") {
		t.Fatalf("TXT = %v", self.TXT())
	}
}

func TestHeartbeatRefreshesInterfaces(t *testing.T) {
	n := newNode(t, "engine-a")
	if err := n.engine.Boot(); err != nil {
		t.Fatal(err)
	}

	later := time.UnixMilli(1_800_000_000_000)
	n.engine.now = func() time.Time { return later }
	n.host.set("eth0", models.NetworkInterface{IP4: "10.0.0.7", Netmask: "255.0.0.0", CIDR: "10.0.0.7/8"})

	if err := n.engine.Heartbeat(); err != nil {
		t.Fatal(err)
	}

	rec, err := n.engine.Store().Engine("engine-a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastRun != later.UnixMilli() {
		t.Fatalf("lastRun = %d, want %d", rec.LastRun, later.UnixMilli())
	}
	if _, stale := rec.ConnectedInterfaces["wlan0"]; stale {
		t.Fatalf("stale interface kept: %+v", rec.ConnectedInterfaces)
	}
	if rec.ConnectedInterfaces["eth0"].IP4 != "10.0.0.7" {
		t.Fatalf("new interface missing: %+v", rec.ConnectedInterfaces)
	}
	if rec.Hostname != "pi-classroom" {
		t.Fatal("heartbeat must not rewrite the boot record")
	}
}

func TestLocalCommands(t *testing.T) {
	n := newNode(t, "engine-a")
	ctx := context.Background()

	out, err := n.engine.Registry().Execute(ctx, "ping", command.ScopeEngine, models.Command{})
	if err != nil || out != "pong from engine-a" {
		t.Fatalf("ping = %q, %v", out, err)
	}

	help, err := n.engine.Registry().Execute(ctx, "help", command.ScopeEngine, models.Command{})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"startInstance", "ejectDisk", "connect", "ping"} {
		if !strings.Contains(help, name) {
			t.Errorf("help is missing %s:\n%s", name, help)
		}
	}

	if _, err := n.engine.Registry().Execute(ctx, "startInstance only-one", command.ScopeEngine, models.Command{}); err == nil {
		t.Fatal("expected an argument error")
	}
	if _, err := n.engine.Registry().Execute(ctx, "stopInstance x", command.ScopeClient, models.Command{}); !errors.Is(err, command.ErrScopeViolation) {
		t.Fatalf("expected scope violation, got %v", err)
	}
}

func TestCommandStartsInstanceOnRemoteEngine(t *testing.T) {
	a := newNode(t, "engine-a")
	b := newNode(t, "engine-b")
	b.plug(t, "sdb1")

	addr := b.serve(t)
	a.run(t)
	b.run(t)

	var diskID string
	waitFor(t, "disk docked on engine-b", func() bool {
		d, err := b.engine.Store().DiskByDevice("engine-b", "sdb1")
		if err != nil {
			return false
		}
		diskID = d.ID
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := a.engine.Peers().ConnectEngine(ctx, "appnet", "", addr, false)
	if res.Status != peer.StatusSynced {
		t.Fatalf("link status = %s", res.Status)
	}
	if res.EngineID != "engine-b" {
		t.Fatalf("linked to %q", res.EngineID)
	}

	waitFor(t, "instance replicated to engine-a", func() bool {
		_, err := a.engine.Store().Instance("kolibri-main")
		return err == nil
	})
	if d, err := a.engine.Store().Disk(diskID); err != nil || !d.DockedOn("engine-b") {
		t.Fatalf("disk on engine-a = %+v, %v", d, err)
	}

	cmd, err := a.engine.Send("engine-b", "startInstance kolibri-main "+diskID)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "acknowledgement on engine-a", func() bool {
		eng, err := a.engine.Store().Engine("engine-b")
		if err != nil {
			return false
		}
		_, ok := eng.Processed[cmd.ID]
		return ok
	})

	eng, _ := a.engine.Store().Engine("engine-b")
	ack := eng.Processed[cmd.ID]
	if !ack.OK {
		t.Fatalf("command failed: %s", ack.Output)
	}

	inst, err := a.engine.Store().Instance("kolibri-main")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != models.InstanceStatusRunning {
		t.Fatalf("status = %s, want running", inst.Status)
	}
	if inst.Port != 3000 {
		t.Fatalf("port = %d, want 3000", inst.Port)
	}
	if !strings.Contains(ack.Output, "3000") {
		t.Fatalf("ack output %q does not report the port", ack.Output)
	}

	b.runtime.mu.Lock()
	calls := strings.Join(b.runtime.calls, ",")
	b.runtime.mu.Unlock()
	if calls != "create,up" {
		t.Fatalf("runtime calls on engine-b = %s", calls)
	}
	a.runtime.mu.Lock()
	defer a.runtime.mu.Unlock()
	if len(a.runtime.calls) != 0 {
		t.Fatalf("engine-a must not run containers: %v", a.runtime.calls)
	}
}

func TestCommandForUnknownEngine(t *testing.T) {
	n := newNode(t, "engine-a")
	if err := n.engine.Boot(); err != nil {
		t.Fatal(err)
	}
	if _, err := n.engine.Send("engine-z", "ping"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
