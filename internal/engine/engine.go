// Package engine wires the replicated store, peer links, discovery, disk and
// instance lifecycles and the command queue into one running engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/command"
	"github.com/narvanalabs/fleet-engine/internal/discovery"
	"github.com/narvanalabs/fleet-engine/internal/disk"
	"github.com/narvanalabs/fleet-engine/internal/instance"
	"github.com/narvanalabs/fleet-engine/internal/meta"
	"github.com/narvanalabs/fleet-engine/internal/metrics"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/peer"
	"github.com/narvanalabs/fleet-engine/internal/podman"
	"github.com/narvanalabs/fleet-engine/internal/replica"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/pkg/config"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// Options configures an Engine. Collaborators left nil use the system
// implementation.
type Options struct {
	Config  *config.Config
	Version string
	Store   *store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	Dialer    peer.Dialer
	Mounter   disk.Mounter
	Serials   meta.SerialReader
	Runtime   instance.Runtime
	Discovery discovery.Backend
	Host      Host
	// WatchDevices disables the hot-plug watcher when false. Boot-time
	// reconciliation still runs.
	WatchDevices bool
}

// Engine is one fleet node.
type Engine struct {
	id      string
	version string
	cfg     *config.Config
	host    Host
	watch   bool

	store     *store.Store
	peers     *peer.Manager
	disks     *disk.Manager
	instances *instance.Manager
	registry  *command.Registry
	processor *command.Processor
	discovery *discovery.Service
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pattern *regexp.Regexp
	now     func() time.Time
	wg      sync.WaitGroup
}

// New builds an engine around opts.Store. The engine ID is the store's
// local engine ID.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.LoadWithDefaults()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	host := opts.Host
	if host == nil {
		host = SystemHost{}
	}

	pattern := disk.DefaultPattern
	if cfg.Disk.DevicePattern != "" {
		p, err := regexp.Compile(cfg.Disk.DevicePattern)
		if err != nil {
			return nil, fmt.Errorf("compiling device pattern: %w", err)
		}
		pattern = p
	}

	id := opts.Store.LocalEngineID()
	e := &Engine{
		id:      id,
		version: opts.Version,
		cfg:     cfg,
		host:    host,
		watch:   opts.WatchDevices,
		store:   opts.Store,
		metrics: opts.Metrics,
		logger:  log.With("engine_id", id),
		pattern: pattern,
		now:     time.Now,
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = peer.NewWebSocketDialer(id, cfg.NetworkSecret)
	}
	e.peers = peer.NewManager(e.store, dialer, peer.Config{
		FailureThreshold: cfg.Peer.FailureThreshold,
		RetryBackoff:     cfg.Peer.RetryBackoff,
		MaxBackoff:       cfg.Peer.MaxBackoff,
		Secret:           cfg.NetworkSecret,
		Version:          opts.Version,
	}, opts.Metrics, logger.Component(e.logger, "peer"))

	serials := opts.Serials
	if serials == nil {
		serials = meta.NewSystemSerialReader()
	}
	mounter := opts.Mounter
	if mounter == nil {
		mounter = disk.NewUnixMounter()
	}
	e.disks = disk.NewManager(disk.Config{
		MountRoot:       cfg.Disk.MountRoot,
		DeviceDir:       cfg.Disk.DeviceDir,
		Pattern:         pattern,
		ScanConcurrency: cfg.Disk.ScanConcurrency,
	}, e.store, mounter, meta.NewResolver(serials, logger.Component(e.logger, "meta")), opts.Metrics, logger.Component(e.logger, "disk"))

	runtime := opts.Runtime
	if runtime == nil {
		runtime = podman.NewClient(cfg.Instance.PodmanBinary, logger.Component(e.logger, "podman"))
	}
	e.instances = instance.NewManager(e.store, runtime, e.disks, cfg.Instance.PortBase, opts.Metrics, logger.Component(e.logger, "instance"))
	e.disks.SetUndocker(e.instances)

	e.registry = command.NewRegistry(logger.Component(e.logger, "command"))
	if err := e.registerCommands(e.registry); err != nil {
		return nil, err
	}
	e.processor = command.NewProcessor(e.store, e.registry, cfg.Command.Retention, opts.Metrics, logger.Component(e.logger, "command"))

	if opts.Discovery != nil || cfg.Discovery.Enabled {
		backend := opts.Discovery
		if backend == nil {
			backend = discovery.NewMDNS(logger.Component(e.logger, "discovery"))
		}
		hostname, err := host.Hostname()
		if err != nil {
			e.logger.Warn("could not read hostname for discovery", "error", err)
		}
		e.discovery = discovery.New(backend, e.peers, discovery.Record{
			EngineID: id,
			Hostname: hostname,
			Version:  opts.Version,
			Networks: cfg.Networks,
		}, listenPort(cfg.ListenAddr), cfg.Discovery.Interval, logger.Component(e.logger, "discovery"))
	}

	return e, nil
}

func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// ID returns the engine ID.
func (e *Engine) ID() string { return e.id }

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store returns the engine's replica.
func (e *Engine) Store() *store.Store { return e.store }

// Peers returns the peer connection manager.
func (e *Engine) Peers() *peer.Manager { return e.peers }

// Disks returns the disk lifecycle manager.
func (e *Engine) Disks() *disk.Manager { return e.disks }

// Instances returns the instance lifecycle manager.
func (e *Engine) Instances() *instance.Manager { return e.instances }

// Registry returns the engine command table.
func (e *Engine) Registry() *command.Registry { return e.registry }

// Processor returns the local command queue processor.
func (e *Engine) Processor() *command.Processor { return e.processor }

// Boot writes the engine's boot record and joins the configured networks.
func (e *Engine) Boot() error {
	hostname, err := e.host.Hostname()
	if err != nil {
		e.logger.Warn("could not read hostname", "error", err)
	}
	ifaces, err := e.host.Interfaces()
	if err != nil {
		e.logger.Warn("could not list interfaces", "error", err)
	}
	now := e.now().UnixMilli()

	_, err = e.store.Mutate(func(tx *store.Tx) error {
		rec, err := tx.Store().Engine(e.id)
		if errors.Is(err, store.ErrNotFound) {
			rec = &models.Engine{ID: e.id}
		} else if err != nil {
			return err
		}
		rec.Hostname = hostname
		rec.Version = e.version
		rec.HostOS = e.host.OS()
		rec.LastBooted = now
		rec.LastRun = now
		rec.ConnectedInterfaces = ifaces
		return tx.Put(store.KindEngine, e.id, rec)
	})
	if err != nil {
		return fmt.Errorf("writing boot record: %w", err)
	}

	for _, network := range e.cfg.Networks {
		if err := e.peers.Join(network); err != nil {
			return err
		}
	}
	e.logger.Info("engine booted", "hostname", hostname, "version", e.version, "networks", e.cfg.Networks)
	return nil
}

// Heartbeat refreshes lastRun and the connected interfaces.
func (e *Engine) Heartbeat() error {
	ifaces, err := e.host.Interfaces()
	if err != nil {
		e.logger.Warn("could not list interfaces", "error", err)
	}
	now := e.now().UnixMilli()
	_, err = e.store.Mutate(func(tx *store.Tx) error {
		if err := tx.SetField(store.KindEngine, e.id, "lastRun", now); err != nil {
			return err
		}
		if ifaces == nil {
			return nil
		}
		return tx.Set(store.RecordPath(store.KindEngine, e.id).Child("connectedInterfaces"), ifaces)
	})
	return err
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Heartbeat(); err != nil {
				e.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Run boots the engine and runs every subsystem until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.peers.Start(ctx)
	if err := e.Boot(); err != nil {
		return err
	}

	stopOps := e.store.OnOps(func(origin string, ops []replica.Op) {
		label := "remote"
		if origin == store.OriginLocal {
			label = "local"
		}
		e.metrics.StoreOps(label, len(ops))
	})
	defer stopOps()

	if err := e.disks.Reconcile(ctx); err != nil {
		e.logger.Warn("boot reconciliation failed", "error", err)
	}
	if e.watch {
		events, err := disk.WatchDevices(ctx, e.cfg.Disk.DeviceDir, e.pattern, logger.Component(e.logger, "disk"))
		if err != nil {
			e.logger.Error("hot-plug watcher unavailable", "error", err)
		} else {
			e.goRun(func() { e.disks.Run(ctx, events) })
		}
	}

	e.goRun(func() { e.processor.Run(ctx) })
	e.goRun(func() { e.heartbeatLoop(ctx) })

	for network, addrs := range e.cfg.StaticPeers {
		for _, addr := range addrs {
			e.goRun(func() {
				res := e.peers.ConnectEngine(ctx, network, "", addr, false)
				e.logger.Info("static peer link", "network", network, "address", addr, "status", res.Status)
			})
		}
	}

	if e.discovery != nil {
		e.goRun(func() {
			if err := e.discovery.Run(ctx); err != nil {
				e.logger.Error("discovery stopped", "error", err)
			}
		})
	}

	<-ctx.Done()
	e.logger.Info("engine stopping")
	e.peers.Close()
	e.wg.Wait()
	return nil
}

// Send queues line for engineID on behalf of this engine.
func (e *Engine) Send(engineID, line string) (*models.Command, error) {
	return command.Send(e.store, e.id, engineID, line)
}
