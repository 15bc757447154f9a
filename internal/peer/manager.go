package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/metrics"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/replica"
	"github.com/narvanalabs/fleet-engine/internal/store"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// Config controls reconnection.
type Config struct {
	// FailureThreshold is the number of consecutive failed attempts after
	// which a reconnection-failure-N status is raised.
	FailureThreshold int
	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Secret authenticates inbound links. Empty disables authentication.
	Secret string
	// Version is announced to peers in the handshake.
	Version string
}

// DefaultConfig returns the base reconnection policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RetryBackoff:     time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

type linkKey struct {
	network string
	address string
}

type memberKey struct {
	network  string
	engineID string
}

// Link is a tracked outbound connection to one address on one network.
type Link struct {
	key      linkKey
	timeout  bool
	expectID string

	mu       sync.Mutex
	status   Status
	engineID string
	failures int
	// last is the most recent terminal status. resolved closes when the
	// first one is reached.
	last     *Result
	resolved chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// LinkInfo describes a tracked link.
type LinkInfo struct {
	Network  string `json:"network"`
	Address  string `json:"address"`
	EngineID string `json:"engineId,omitempty"`
	Status   Status `json:"status"`
	Failures int    `json:"failures"`
}

func (l *Link) info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{
		Network:  l.key.network,
		Address:  l.key.address,
		EngineID: l.engineID,
		Status:   l.status,
		Failures: l.failures,
	}
}

// Manager owns the links and inbound sessions of one engine and keeps
// appnet membership in the store in step with them.
type Manager struct {
	store   *store.Store
	dialer  Dialer
	cfg     Config
	secret  string
	version string
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	links     map[linkKey]*Link
	sessions  map[string]*session
	members   map[memberKey]int
	networks  map[string]bool
	listeners []StatusFunc
	wg        sync.WaitGroup
	stopOps   func()
}

// NewManager creates a connection manager for the engine that owns s.
func NewManager(s *store.Store, dialer Dialer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}

	mgr := &Manager{
		store:    s,
		dialer:   dialer,
		cfg:      cfg,
		secret:   cfg.Secret,
		version:  cfg.Version,
		metrics:  m,
		logger:   logger,
		ctx:      context.Background(),
		links:    make(map[linkKey]*Link),
		sessions: make(map[string]*session),
		members:  make(map[memberKey]int),
		networks: make(map[string]bool),
	}
	mgr.stopOps = s.OnOps(mgr.forward)
	return mgr
}

// Start binds the lifetime of every link and session to ctx.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

func (m *Manager) rootContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Close stops every link and waits for them to finish.
func (m *Manager) Close() {
	m.stopOps()

	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.cancel()
	}
	for _, s := range sessions {
		s.cancel(context.Canceled)
	}
	m.wg.Wait()
}

// OnStatus registers an observer of link status changes.
func (m *Manager) OnStatus(fn StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Join makes the local engine a member of network, creating the network
// record if needed.
func (m *Manager) Join(network string) error {
	if network == "" {
		return errors.New("network name is required")
	}
	local := m.store.LocalEngineID()
	_, err := m.store.Mutate(func(tx *store.Tx) error {
		if _, err := tx.Store().Network(network); errors.Is(err, store.ErrNotFound) {
			if err := tx.Put(store.KindNetwork, network, &models.Network{Name: network}); err != nil {
				return err
			}
		}
		tx.AddToSet(store.KindNetwork, network, "engines", local)
		return nil
	})
	if err != nil {
		return fmt.Errorf("joining network %s: %w", network, err)
	}

	m.mu.Lock()
	m.networks[network] = true
	m.mu.Unlock()
	m.logger.Info("joined network", "network", network)
	return nil
}

func (m *Manager) joined(network string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.networks[network]
}

// Networks returns the networks this engine has joined, sorted.
func (m *Manager) Networks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.networks))
	for n := range m.networks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Links returns the tracked outbound links sorted by network and address.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Network != out[j].Network {
			return out[i].Network < out[j].Network
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Connected reports whether a synced link or inbound session to engineID
// exists on network.
func (m *Manager) Connected(network, engineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[memberKey{network: network, engineID: engineID}] > 0
}

// ConnectEngine opens a link to address on network and waits until it is
// synced, disconnected or has failed FailureThreshold times in a row. A link
// that is already tracked is reused. engineID, when known, is the engine
// expected at address. With timeout set the link is dropped after the
// failure threshold instead of retrying forever.
func (m *Manager) ConnectEngine(ctx context.Context, network, engineID, address string, timeout bool) Result {
	key := linkKey{network: network, address: address}

	if !m.joined(network) {
		if err := m.Join(network); err != nil {
			m.logger.Error("failed to join network", "network", network, "error", err)
		}
	}

	m.mu.Lock()
	l, ok := m.links[key]
	if !ok {
		linkCtx, cancel := context.WithCancel(m.ctx)
		l = &Link{
			key:      key,
			timeout:  timeout,
			expectID: engineID,
			status:   StatusUnconnected,
			resolved: make(chan struct{}),
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		m.links[key] = l
		m.wg.Add(1)
		go m.runLink(linkCtx, l)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Debug("reusing tracked link", "network", network, "address", address)
	}

	select {
	case <-l.resolved:
		l.mu.Lock()
		defer l.mu.Unlock()
		return *l.last
	case <-ctx.Done():
		info := l.info()
		return Result{Network: network, Address: address, EngineID: info.EngineID, Status: info.Status}
	}
}

// Disconnect stops tracking the link to address on network.
func (m *Manager) Disconnect(network, address string) bool {
	key := linkKey{network: network, address: address}
	m.mu.Lock()
	l, ok := m.links[key]
	if ok {
		delete(m.links, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	l.cancel()
	<-l.done
	return true
}

// runLink dials, runs sessions and redials with backoff until ctx ends or,
// in timeout mode, the failure threshold is reached.
func (m *Manager) runLink(ctx context.Context, l *Link) {
	defer m.wg.Done()
	defer close(l.done)
	defer l.cancel()

	ctx = logger.ContextWithNetwork(ctx, l.key.network)
	log := logger.FromContext(ctx, m.logger).With("address", l.key.address)
	backoff := m.cfg.RetryBackoff

	for {
		m.setStatus(l, StatusConnecting)

		synced, err := m.attempt(ctx, l, log)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrSelfLink) {
			log.Info("address points at this engine, dropping link")
			m.forget(l)
			return
		}
		if synced {
			backoff = m.cfg.RetryBackoff
		} else {
			log.Debug("connection attempt failed", "error", err)
			if m.recordFailure(l, log) {
				return
			}
		}

		log.Debug("retrying link", "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}
}

// attempt makes one connection and runs its session to the end. It reports
// whether the session got as far as synced.
func (m *Manager) attempt(ctx context.Context, l *Link, log *slog.Logger) (bool, error) {
	conn, err := m.dialer.Dial(ctx, l.key.network, l.key.address)
	if err != nil {
		return false, err
	}
	m.setStatus(l, StatusConnected)

	remote, synced, err := m.runSession(ctx, l.key.network, l.key.address, "", conn, func(remoteID string) {
		if l.expectID != "" && l.expectID != remoteID {
			log.Warn("address is served by a different engine", "expected", l.expectID, "actual", remoteID)
		}
		m.memberUp(l.key.network, remoteID)
		l.mu.Lock()
		l.engineID = remoteID
		l.failures = 0
		l.mu.Unlock()
		m.setStatus(l, StatusSynced)
	})
	if synced {
		m.memberDown(l.key.network, remote)
	}
	if ctx.Err() == nil {
		log.Info("link dropped", "error", err, "was_synced", synced)
		m.setStatus(l, StatusDisconnected)
	}
	return synced, err
}

// recordFailure counts a failed attempt and raises the failure status when
// the threshold is reached. It reports whether the link was torn down.
func (m *Manager) recordFailure(l *Link, log *slog.Logger) bool {
	l.mu.Lock()
	l.failures++
	failures := l.failures
	l.mu.Unlock()

	if failures != m.cfg.FailureThreshold {
		return false
	}

	m.metrics.ReconnectionFailure(l.key.network)
	if l.timeout {
		m.forget(l)
		log.Warn("giving up on link", "failures", failures)
		m.setStatus(l, FailureStatus(failures))
		return true
	}

	log.Warn("link keeps failing, still retrying", "failures", failures)
	m.setStatus(l, FailureStatus(failures))
	return false
}

// forget stops tracking l so the next ConnectEngine for its address starts
// a fresh link.
func (m *Manager) forget(l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.key] == l {
		delete(m.links, l.key)
	}
}

// setStatus records a status change and notifies observers. Terminal
// statuses replace the link's result and resolve pending ConnectEngine calls.
func (m *Manager) setStatus(l *Link, status Status) {
	l.mu.Lock()
	if l.status == status {
		l.mu.Unlock()
		return
	}
	l.status = status
	ev := StatusEvent{Network: l.key.network, Address: l.key.address, EngineID: l.engineID, Status: status}
	if status.Terminal() {
		first := l.last == nil
		l.last = &Result{Network: ev.Network, Address: ev.Address, EngineID: ev.EngineID, Status: status}
		if first {
			close(l.resolved)
		}
	}
	l.mu.Unlock()

	m.metrics.LinkStatus(l.key.network, string(status))
	m.notify(ev)
}

func (m *Manager) notify(ev StatusEvent) {
	m.mu.Lock()
	listeners := append([]StatusFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Accept runs the sync session of an inbound link until it closes.
func (m *Manager) Accept(ctx context.Context, network, address string, conn Conn) error {
	return m.accept(ctx, network, address, "", conn)
}

// accept runs an inbound session. A non-empty claimed ID is the engine the
// link authenticated as; the peer's hello must name the same engine.
func (m *Manager) accept(ctx context.Context, network, address, claimed string, conn Conn) error {
	if !m.joined(network) {
		conn.Close()
		return fmt.Errorf("accepting link on %s: not a member", network)
	}
	ctx = logger.ContextWithNetwork(ctx, network)

	remote, synced, err := m.runSession(ctx, network, address, claimed, conn, func(remoteID string) {
		m.logger.Info("inbound link synced", "network", network, "remote_engine", remoteID, "address", address)
		m.memberUp(network, remoteID)
	})
	if synced {
		m.memberDown(network, remote)
	}
	return err
}

// memberUp counts a synced link to engineID and adds it to the network's
// member set on the first one.
func (m *Manager) memberUp(network, engineID string) {
	key := memberKey{network: network, engineID: engineID}
	m.mu.Lock()
	m.members[key]++
	first := m.members[key] == 1
	m.mu.Unlock()
	m.updateLinkGauge(network)

	if !first {
		return
	}
	local := m.store.LocalEngineID()
	_, err := m.store.Mutate(func(tx *store.Tx) error {
		tx.AddToSet(store.KindNetwork, network, "engines", local)
		tx.AddToSet(store.KindNetwork, network, "engines", engineID)
		return nil
	})
	if err != nil {
		m.logger.Error("failed to add network member", "network", network, "engine_id", engineID, "error", err)
	}
}

// memberDown releases a synced link to engineID and removes it from the
// network's member set when none remain.
func (m *Manager) memberDown(network, engineID string) {
	key := memberKey{network: network, engineID: engineID}
	m.mu.Lock()
	m.members[key]--
	last := m.members[key] <= 0
	if last {
		delete(m.members, key)
	}
	m.mu.Unlock()
	m.updateLinkGauge(network)

	if !last {
		return
	}
	_, err := m.store.Mutate(func(tx *store.Tx) error {
		tx.RemoveFromSet(store.KindNetwork, network, "engines", engineID)
		return nil
	})
	if err != nil {
		m.logger.Error("failed to remove network member", "network", network, "engine_id", engineID, "error", err)
	}
}

func (m *Manager) updateLinkGauge(network string) {
	m.mu.Lock()
	n := 0
	for key, count := range m.members {
		if key.network == network && count > 0 {
			n++
		}
	}
	m.mu.Unlock()
	m.metrics.Links(network, n)
}

func (m *Manager) addSession(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// forward sends operations that won locally to every session except the one
// they arrived on. It runs under the store lock and never blocks.
func (m *Manager) forward(origin string, ops []replica.Op) {
	m.mu.Lock()
	targets := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id != origin {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		if !s.send(&Frame{Type: FrameOps, Ops: ops}) {
			m.logger.Warn("peer is not keeping up, resyncing", "network", s.network, "remote_engine", s.remoteID)
		}
	}
}
