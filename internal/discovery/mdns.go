package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// ServiceType is the mDNS service engines advertise.
	ServiceType = "_fleet-engine._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
)

// MDNS advertises and browses over multicast DNS.
type MDNS struct {
	Service string
	Domain  string
	logger  *slog.Logger
}

// NewMDNS creates an mDNS backend for the engine service.
func NewMDNS(logger *slog.Logger) *MDNS {
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNS{Service: ServiceType, Domain: Domain, logger: logger}
}

// Advertise publishes rec on port until the returned closer is closed.
func (m *MDNS) Advertise(rec Record, port int) (io.Closer, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("reading hostname: %w", err)
	}
	if !strings.HasSuffix(host, ".") {
		host += "."
	}

	svc, err := mdns.NewMDNSService(rec.EngineID, m.Service, m.Domain, host, port, nil, rec.TXT())
	if err != nil {
		return nil, fmt.Errorf("creating mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("starting mdns server: %w", err)
	}
	return closerFunc(server.Shutdown), nil
}

// Browse queries for engines for up to timeout.
func (m *MDNS) Browse(ctx context.Context, timeout time.Duration) ([]Record, error) {
	entries := make(chan *mdns.ServiceEntry, 32)
	var records []Record
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entries {
			rec, ok := FromEntry(entry)
			if !ok {
				m.logger.Debug("ignoring mdns entry", "name", entry.Name)
				continue
			}
			records = append(records, rec)
		}
	}()

	params := mdns.DefaultParams(m.Service)
	params.Domain = strings.TrimSuffix(m.Domain, ".")
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true

	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-collected
	if err != nil {
		return records, fmt.Errorf("querying mdns: %w", err)
	}
	return records, nil
}

// FromEntry converts a browse result into a Record.
func FromEntry(entry *mdns.ServiceEntry) (Record, bool) {
	rec := ParseTXT(entry.InfoFields)
	if rec.EngineID == "" || entry.Port == 0 {
		return Record{}, false
	}

	var ip net.IP
	switch {
	case entry.AddrV4 != nil:
		ip = entry.AddrV4
	case entry.AddrV6 != nil:
		ip = entry.AddrV6
	default:
		return Record{}, false
	}
	rec.Address = net.JoinHostPort(ip.String(), fmt.Sprint(entry.Port))
	return rec, true
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
