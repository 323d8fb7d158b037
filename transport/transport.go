// Package transport carries labrpc datagrams.
//
// The protocol engines only require the two contracts defined here: a Sender
// to push bytes toward an address, and a Handler to receive whatever arrives.
// UDPTransport is the stock implementation; anything with datagram semantics
// (a reliability layer, an in-process loopback in tests) can stand in.
package transport

import (
	"context"
	"net"
)

// Sender pushes one datagram toward an address. Delivery is fire-and-forget:
// the transport may drop, duplicate or reorder.
type Sender interface {
	SendTo(ctx context.Context, data []byte, addr net.Addr) error
}

// Handler consumes inbound datagrams. data is only valid for the duration of
// the call; implementations must copy what they keep.
type Handler interface {
	Handle(source net.Addr, data []byte)
}
