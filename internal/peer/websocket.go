package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// SyncPathPrefix is the path under which engines accept sync links.
	SyncPathPrefix = "/appnet/"

	maxFrameSize = 64 << 20
	pongWait     = 90 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// SyncPath returns the HTTP path of the sync endpoint for network.
func SyncPath(network string) string {
	return SyncPathPrefix + network + "/sync"
}

// wsConn adapts a websocket connection to Conn. Frames travel as binary
// messages.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) ReadFrame() (*Frame, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		return DecodeFrame(data)
	}
}

func (c *wsConn) WriteFrame(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Dialer opens links to peers.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, network, address string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, network, address string) (Conn, error) {
	return f(ctx, network, address)
}

// WebSocketDialer dials the sync endpoint of a peer over websockets.
type WebSocketDialer struct {
	// EngineID names the local engine in link tokens.
	EngineID string
	// Secret signs link tokens. Links are unauthenticated when empty.
	Secret string
	// Dialer is the underlying websocket dialer.
	Dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the local engine.
func NewWebSocketDialer(engineID, secret string) *WebSocketDialer {
	return &WebSocketDialer{
		EngineID: engineID,
		Secret:   secret,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial connects to address. address is host:port, or a full ws:// or wss:// URL.
func (d *WebSocketDialer) Dial(ctx context.Context, network, address string) (Conn, error) {
	target := address
	if !strings.HasPrefix(target, "ws://") && !strings.HasPrefix(target, "wss://") {
		target = "ws://" + strings.TrimSuffix(address, "/") + SyncPath(network)
	}

	header := http.Header{}
	if d.Secret != "" {
		token, err := IssueToken(d.Secret, d.EngineID, network)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dialing %s: %w", target, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	return newWSConn(conn), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeSync upgrades an HTTP request on the sync endpoint of network and runs
// the session until the link closes.
func (m *Manager) ServeSync(w http.ResponseWriter, r *http.Request, network string) {
	var claimed string
	if m.secret != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		engineID, err := VerifyToken(m.secret, token, network)
		if err != nil {
			m.logger.Warn("rejected sync link", "network", network, "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		m.logger.Debug("authenticated sync link", "network", network, "engine_id", engineID)
		claimed = engineID
	}
	if !m.joined(network) {
		http.Error(w, "unknown network", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("sync upgrade failed", "network", network, "remote", r.RemoteAddr, "error", err)
		return
	}

	err = m.accept(m.rootContext(), network, r.RemoteAddr, claimed, newWSConn(conn))
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrUnauthorized):
		m.logger.Warn("rejected sync link", "network", network, "remote", r.RemoteAddr, "error", err)
	default:
		m.logger.Debug("inbound link closed", "network", network, "remote", r.RemoteAddr, "error", err)
	}
}
