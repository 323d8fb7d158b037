// Package protocol defines the on-wire layout of labrpc frames.
//
// Every datagram starts with a 1-byte kind tag. Request, Response, Cancel and
// Shutdown frames follow the tag with a 16-byte message id used to correlate
// responses (and cancellations) with their originating request. Connect,
// Welcome, Ping and Pong carry their payload directly after the tag.
//
// Frame format:
//
//	0    1                17
//	┌────┬────────────────┬───────────────┐
//	│kind│ msgID (16 B)   │ payload ...    │
//	└────┴────────────────┴───────────────┘
//	      only for Request/Response/Cancel/Shutdown
//
// The protocol may share a port with unrelated traffic, so Decode reports a
// parse error instead of guessing; callers log and drop bad datagrams.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind is the 1-byte frame type tag.
type Kind byte

const (
	KindRequest  Kind = 0x01 // Client → Server remote call
	KindResponse Kind = 0x02 // Server → Client result or error value
	KindPing     Kind = 0x03 // Liveness probe
	KindPong     Kind = 0x04 // Liveness reply
	KindCancel   Kind = 0x05 // Best-effort cancellation of a running task
	KindShutdown Kind = 0x06 // Admin-gated orderly shutdown
	KindConnect  Kind = 0x07 // Handshake: credential → peer id
	KindWelcome  Kind = 0x08 // Handshake reply carrying the assigned peer id
)

// MsgIDSize is the serialized width of a MsgID.
const MsgIDSize = 16

// HasID reports whether frames of this kind carry a message id.
func (k Kind) HasID() bool {
	switch k {
	case KindRequest, KindResponse, KindCancel, KindShutdown:
		return true
	}
	return false
}

func (k Kind) valid() bool {
	return k >= KindRequest && k <= KindWelcome
}

// String returns the tag name for logging.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindCancel:
		return "cancel"
	case KindShutdown:
		return "shutdown"
	case KindConnect:
		return "connect"
	case KindWelcome:
		return "welcome"
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

// MsgID correlates a Response or Cancel with its originating Request.
// It is serialized as 16 bytes, big-endian, fixed width.
type MsgID struct {
	Peer    uint32 // id assigned to the calling node during the handshake
	Session uint32 // per-connection session id, 0 if unused
	Seq     uint64 // monotonic per-node counter, unique for the process lifetime
}

// Bytes serializes the id in network byte order.
func (id MsgID) Bytes() []byte {
	buf := make([]byte, MsgIDSize)
	binary.BigEndian.PutUint32(buf[0:4], id.Peer)
	binary.BigEndian.PutUint32(buf[4:8], id.Session)
	binary.BigEndian.PutUint64(buf[8:16], id.Seq)
	return buf
}

// ParseMsgID decodes a 16-byte message id.
func ParseMsgID(data []byte) (MsgID, error) {
	if len(data) < MsgIDSize {
		return MsgID{}, fmt.Errorf("msg id too short: %d bytes", len(data))
	}
	return MsgID{
		Peer:    binary.BigEndian.Uint32(data[0:4]),
		Session: binary.BigEndian.Uint32(data[4:8]),
		Seq:     binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

// String formats the id for logging.
func (id MsgID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.Peer, id.Session, id.Seq)
}

// Frame is one complete protocol message. ID is the zero value for kinds
// that do not carry one.
type Frame struct {
	Kind    Kind
	ID      MsgID
	Payload []byte
}

// Encode serializes the frame to a single datagram.
func Encode(f *Frame) []byte {
	size := 1 + len(f.Payload)
	if f.Kind.HasID() {
		size += MsgIDSize
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(f.Kind))
	if f.Kind.HasID() {
		buf = append(buf, f.ID.Bytes()...)
	}
	return append(buf, f.Payload...)
}

// Decode parses a datagram into a frame. It rejects unknown tags and frames
// shorter than their kind requires; the payload aliases data.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty datagram")
	}
	kind := Kind(data[0])
	if !kind.valid() {
		return nil, fmt.Errorf("unknown message kind 0x%02x", data[0])
	}
	rest := data[1:]
	f := &Frame{Kind: kind}
	if kind.HasID() {
		id, err := ParseMsgID(rest)
		if err != nil {
			return nil, fmt.Errorf("%s frame: %w", kind, err)
		}
		f.ID = id
		rest = rest[MsgIDSize:]
	}
	f.Payload = rest
	return f, nil
}
