package discovery

import (
	"context"
	"io"
	"net"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/narvanalabs/fleet-engine/internal/peer"
)

type fakeBackend struct {
	mu         sync.Mutex
	records    []Record
	advertised []Record
}

func (b *fakeBackend) Advertise(rec Record, port int) (io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advertised = append(b.advertised, rec)
	return io.NopCloser(nil), nil
}

func (b *fakeBackend) Browse(ctx context.Context, timeout time.Duration) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...), nil
}

type call struct {
	network, engineID, address string
	timeout                    bool
}

type fakeConnector struct {
	mu     sync.Mutex
	calls  []call
	status peer.Status
}

func (c *fakeConnector) ConnectEngine(ctx context.Context, network, engineID, address string, timeout bool) peer.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{network, engineID, address, timeout})
	return peer.Result{Network: network, EngineID: engineID, Address: address, Status: c.status}
}

func (c *fakeConnector) snapshot() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]call(nil), c.calls...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].network != out[j].network {
			return out[i].network < out[j].network
		}
		return out[i].engineID < out[j].engineID
	})
	return out
}

func TestDiscoverConnectsToPeersOnSharedNetworks(t *testing.T) {
	backend := &fakeBackend{records: []Record{
		{EngineID: "engine-a", Networks: []string{"appnet"}, Address: "10.0.0.1:8085"},
		{EngineID: "engine-b", Networks: []string{"appnet", "lab"}, Address: "10.0.0.2:8085"},
		{EngineID: "engine-c", Networks: []string{"elsewhere"}, Address: "10.0.0.3:8085"},
	}}
	connector := &fakeConnector{status: peer.StatusSynced}
	self := Record{EngineID: "engine-a", Networks: []string{"appnet", "lab"}}

	svc := New(backend, connector, self, 8085, time.Minute, nil)
	svc.Discover(context.Background())
	svc.wg.Wait()

	want := []call{
		{"appnet", "engine-b", "10.0.0.2:8085", true},
		{"lab", "engine-b", "10.0.0.2:8085", true},
	}
	if got := connector.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
}

func TestRunAdvertisesSelf(t *testing.T) {
	backend := &fakeBackend{}
	self := Record{EngineID: "engine-a", Version: "1.2.0", Networks: []string{"appnet"}}
	svc := New(backend, &fakeConnector{}, self, 8085, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		backend.mu.Lock()
		n := len(backend.advertised)
		backend.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine was not advertised")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if !reflect.DeepEqual(backend.advertised[0], self) {
		t.Errorf("advertised %+v", backend.advertised[0])
	}
}

func TestTXTRoundTrip(t *testing.T) {
	rec := Record{EngineID: "engine-a", Hostname: "pi-1", Version: "1.0.0", Networks: []string{"appnet", "lab"}}
	got := ParseTXT(append(rec.TXT(), "garbage", "extra=1"))
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("ParseTXT = %+v, want %+v", got, rec)
	}
}

func TestFromEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "engine-b._fleet-engine._tcp.local.",
		AddrV4:     net.ParseIP("192.168.1.20"),
		Port:       8085,
		InfoFields: Record{EngineID: "engine-b", Networks: []string{"appnet"}}.TXT(),
	}
	rec, ok := FromEntry(entry)
	if !ok {
		t.Fatal("entry should be accepted")
	}
	if rec.Address != "192.168.1.20:8085" || rec.EngineID != "engine-b" {
		t.Errorf("record = %+v", rec)
	}

	entry.InfoFields = []string{"hostname=x"}
	if _, ok := FromEntry(entry); ok {
		t.Error("entry without engine ID should be rejected")
	}
}
