// Package discovery advertises the local engine and finds peers on the LAN,
// handing their addresses to the peer connection manager.
package discovery

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/peer"
)

// Record is an advertised engine.
type Record struct {
	EngineID string
	Hostname string
	Version  string
	Networks []string
	// Address is host:port of the engine's sync endpoint. Only set on
	// discovered records.
	Address string
}

// TXT encodes the record as mDNS TXT fields.
func (r Record) TXT() []string {
	return []string{
		"id=" + r.EngineID,
		"hostname=" + r.Hostname,
		"version=" + r.Version,
		"networks=" + strings.Join(r.Networks, ","),
	}
}

// ParseTXT decodes mDNS TXT fields. Unknown fields are ignored.
func ParseTXT(fields []string) Record {
	var rec Record
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			rec.EngineID = value
		case "hostname":
			rec.Hostname = value
		case "version":
			rec.Version = value
		case "networks":
			for _, n := range strings.Split(value, ",") {
				if n = strings.TrimSpace(n); n != "" {
					rec.Networks = append(rec.Networks, n)
				}
			}
		}
	}
	return rec
}

// Backend publishes and finds records.
type Backend interface {
	Advertise(rec Record, port int) (io.Closer, error)
	Browse(ctx context.Context, timeout time.Duration) ([]Record, error)
}

// Connector opens links to discovered engines.
type Connector interface {
	ConnectEngine(ctx context.Context, network, engineID, address string, timeout bool) peer.Result
}

// Service periodically browses for engines and connects to those sharing a
// network with this one.
type Service struct {
	backend   Backend
	connector Connector
	self      Record
	port      int
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]string
	wg      sync.WaitGroup
}

// New creates a discovery service advertising self on port.
func New(backend Backend, connector Connector, self Record, port int, interval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Service{
		backend:   backend,
		connector: connector,
		self:      self,
		port:      port,
		interval:  interval,
		logger:    logger,
		pending:   make(map[string]string),
	}
}

// Self returns the record advertised for the local engine.
func (s *Service) Self() Record {
	return s.self
}

// Run advertises the engine and browses every interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	adv, err := s.backend.Advertise(s.self, s.port)
	if err != nil {
		// Browsing still works without advertising.
		s.logger.Error("failed to advertise engine", "error", err)
	} else {
		defer adv.Close()
		s.logger.Info("advertising engine", "engine_id", s.self.EngineID, "port", s.port, "networks", s.self.Networks)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Discover(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Discover runs one browse and connects to new peers. Connections proceed in
// the background.
func (s *Service) Discover(ctx context.Context) []Record {
	timeout := s.interval / 3
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	records, err := s.backend.Browse(ctx, timeout)
	if err != nil {
		s.logger.Warn("browse failed", "error", err)
	}

	local := make(map[string]bool, len(s.self.Networks))
	for _, n := range s.self.Networks {
		local[n] = true
	}

	sort.Slice(records, func(i, j int) bool { return records[i].EngineID < records[j].EngineID })
	for _, rec := range records {
		if rec.EngineID == s.self.EngineID {
			continue
		}
		for _, network := range rec.Networks {
			if !local[network] {
				continue
			}
			s.connect(ctx, network, rec)
		}
	}
	return records
}

// connect asks the connector for a link unless a request for the same
// address is still in flight. Links that are already tracked are reused by
// the connector, so repeated browses are cheap.
func (s *Service) connect(ctx context.Context, network string, rec Record) {
	key := network + "/" + rec.EngineID
	s.mu.Lock()
	if s.pending[key] == rec.Address {
		s.mu.Unlock()
		return
	}
	s.pending[key] = rec.Address
	s.mu.Unlock()

	log := s.logger.With("network", network, "engine_id", rec.EngineID, "address", rec.Address)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.connector.ConnectEngine(ctx, network, rec.EngineID, rec.Address, true)

		s.mu.Lock()
		if s.pending[key] == rec.Address {
			delete(s.pending, key)
		}
		s.mu.Unlock()

		if res.Status == peer.StatusSynced {
			log.Debug("discovered engine is linked")
			return
		}
		log.Warn("could not connect to discovered engine", "status", res.Status)
	}()
}
