package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pipeConn is an in-memory Conn. Frames pass through the CBOR codec so the
// tests exercise the wire encoding.
type pipeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

func pipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (c *pipeConn) ReadFrame() (*Frame, error) {
	select {
	case data := <-c.in:
		return DecodeFrame(data)
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteFrame(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// memNet routes dials by address to managers in the same process.
type memNet struct {
	mu      sync.Mutex
	nodes   map[string]*Manager
	failing map[string]bool
	conns   map[string][]*pipeConn
	dials   map[string]*atomic.Int32
}

func newMemNet() *memNet {
	return &memNet{
		nodes:   make(map[string]*Manager),
		failing: make(map[string]bool),
		conns:   make(map[string][]*pipeConn),
		dials:   make(map[string]*atomic.Int32),
	}
}

func (n *memNet) add(address string, m *Manager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[address] = m
}

func (n *memNet) setFailing(address string, failing bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[address] = failing
}

// sever closes every connection made to address.
func (n *memNet) sever(address string) {
	n.mu.Lock()
	conns := n.conns[address]
	n.conns[address] = nil
	n.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (n *memNet) dialCount(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.dials[address]; ok {
		return int(c.Load())
	}
	return 0
}

func (n *memNet) dialer() Dialer {
	return DialerFunc(func(ctx context.Context, network, address string) (Conn, error) {
		n.mu.Lock()
		if n.dials[address] == nil {
			n.dials[address] = &atomic.Int32{}
		}
		n.dials[address].Add(1)
		target, ok := n.nodes[address]
		failing := n.failing[address]
		n.mu.Unlock()

		if !ok || failing {
			return nil, fmt.Errorf("dial %s: %w", address, errors.New("connection refused"))
		}

		client, server := pipe()
		n.mu.Lock()
		n.conns[address] = append(n.conns[address], server)
		n.mu.Unlock()
		go target.Accept(context.Background(), network, "mem", server)
		return client, nil
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
