// Package peer keeps replicas converging across engines. It manages one link
// per (appnet, address), runs the sync session over it, reconnects with
// backoff, reports link status, and maintains appnet membership.
package peer

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/narvanalabs/fleet-engine/internal/replica"
)

// FrameType identifies a sync message.
type FrameType uint8

const (
	// FrameHello opens a session and names the sender.
	FrameHello FrameType = iota + 1
	// FrameSnapshot carries the sender's whole replica.
	FrameSnapshot
	// FrameOps carries operations applied since the snapshot.
	FrameOps
	// FrameAck confirms a snapshot was applied.
	FrameAck
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameSnapshot:
		return "snapshot"
	case FrameOps:
		return "ops"
	case FrameAck:
		return "ack"
	default:
		return fmt.Sprintf("frame(%d)", t)
	}
}

// Frame is one sync message.
type Frame struct {
	Type     FrameType    `cbor:"1,keyasint"`
	EngineID string       `cbor:"2,keyasint,omitempty"`
	Network  string       `cbor:"3,keyasint,omitempty"`
	Version  string       `cbor:"4,keyasint,omitempty"`
	Ops      []replica.Op `cbor:"5,keyasint,omitempty"`
}

// EncodeFrame encodes a frame as CBOR.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame decodes a CBOR frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type < FrameHello || f.Type > FrameAck {
		return nil, fmt.Errorf("decoding frame: unknown type %d", f.Type)
	}
	return &f, nil
}

// Conn is a message-oriented, ordered, reliable link to one peer.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}
