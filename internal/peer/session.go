package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

// Session errors.
var (
	ErrProtocol = errors.New("protocol error")
	ErrSelfLink = errors.New("link to self")
	ErrOverflow = errors.New("outbound queue overflow")
)

const (
	handshakeTimeout = 10 * time.Second
	outboundQueue    = 256
)

// session is one running sync exchange over a Conn.
type session struct {
	id       string
	network  string
	address  string
	remoteID string

	out    chan *Frame
	cancel context.CancelCauseFunc
}

// send queues a frame without blocking. A full queue ends the session so the
// peer resynchronizes from a fresh snapshot.
func (s *session) send(f *Frame) bool {
	select {
	case s.out <- f:
		return true
	default:
		s.cancel(ErrOverflow)
		return false
	}
}

// runSession performs the handshake, exchanges snapshots and forwards
// operations until conn fails or ctx ends. onSynced is called once, when the
// peer's snapshot has been applied and ours has been acknowledged. When
// claimed is set the peer must introduce itself as that engine.
func (m *Manager) runSession(ctx context.Context, network, address, claimed string, conn Conn, onSynced func(remoteID string)) (string, bool, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	hello := &Frame{Type: FrameHello, EngineID: m.store.LocalEngineID(), Network: network, Version: m.version}
	if err := conn.WriteFrame(hello); err != nil {
		return "", false, fmt.Errorf("sending hello: %w", err)
	}

	timer := time.AfterFunc(handshakeTimeout, func() {
		cancel(fmt.Errorf("%w: no hello within %s", ErrProtocol, handshakeTimeout))
	})
	reply, err := conn.ReadFrame()
	timer.Stop()
	if err != nil {
		return "", false, sessionError(ctx, fmt.Errorf("reading hello: %w", err))
	}
	switch {
	case reply.Type != FrameHello:
		return "", false, fmt.Errorf("%w: expected hello, got %s", ErrProtocol, reply.Type)
	case reply.Network != network:
		return "", false, fmt.Errorf("%w: peer is on network %q", ErrProtocol, reply.Network)
	case reply.EngineID == "":
		return "", false, fmt.Errorf("%w: hello without engine ID", ErrProtocol)
	case reply.EngineID == m.store.LocalEngineID():
		return "", false, ErrSelfLink
	case claimed != "" && reply.EngineID != claimed:
		return "", false, fmt.Errorf("%w: token names %q but hello names %q", ErrUnauthorized, claimed, reply.EngineID)
	}

	sess := &session{
		id:       fmt.Sprintf("%s/%s/%s", network, reply.EngineID, uuid.NewString()),
		network:  network,
		address:  address,
		remoteID: reply.EngineID,
		out:      make(chan *Frame, outboundQueue),
		cancel:   cancel,
	}
	log := logger.FromContext(ctx, m.logger).With("remote_engine", sess.remoteID, "address", address)

	m.addSession(sess)
	defer m.removeSession(sess.id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-sess.out:
				if err := conn.WriteFrame(f); err != nil {
					cancel(fmt.Errorf("writing %s: %w", f.Type, err))
					return
				}
			}
		}
	}()
	defer wg.Wait()
	defer cancel(nil)

	sess.send(&Frame{Type: FrameSnapshot, Ops: m.store.Snapshot()})

	var gotSnapshot, gotAck, synced bool
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return sess.remoteID, synced, sessionError(ctx, err)
		}

		switch f.Type {
		case FrameSnapshot:
			patches := m.store.ApplyRemote(sess.id, f.Ops)
			log.Debug("applied peer snapshot", "ops", len(f.Ops), "patches", len(patches))
			gotSnapshot = true
			sess.send(&Frame{Type: FrameAck})
		case FrameAck:
			gotAck = true
		case FrameOps:
			m.store.ApplyRemote(sess.id, f.Ops)
		default:
			log.Warn("ignoring unexpected frame", "type", f.Type)
		}

		if !synced && gotSnapshot && gotAck {
			synced = true
			if onSynced != nil {
				onSynced(sess.remoteID)
			}
		}
	}
}

// sessionError prefers the reason the session was cancelled over the read
// error it caused.
func sessionError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}
