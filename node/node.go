// Package node runs the labrpc engines over one UDP socket. Every inbound
// datagram is parsed once and demultiplexed by frame kind: handshake and
// work frames go to the server engine, replies to the client engine. A node
// with no Resolver configured is client-only.
package node

import (
	"net"

	"go.uber.org/zap"

	"labrpc/client"
	"labrpc/protocol"
	"labrpc/registry"
	"labrpc/server"
	"labrpc/transport"
)

// Config assembles a node. Address is the UDP listen address (":0" for an
// ephemeral port). Server.Resolver left nil makes the node client-only.
type Config struct {
	Address string
	Client  client.Config
	Server  server.Config
	Logger  *zap.Logger
}

// Node is one RPC peer: a client engine, an optional server engine, and the
// socket they share.
type Node struct {
	Client *client.Engine
	Server *server.Engine

	tr  *transport.UDPTransport
	log *zap.Logger
}

// New binds the socket and starts serving. The node is usable immediately.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	n := &Node{log: cfg.Logger}

	tr, err := transport.ListenUDP(cfg.Address, n, cfg.Logger)
	if err != nil {
		return nil, err
	}
	n.tr = tr

	if cfg.Client.Logger == nil {
		cfg.Client.Logger = cfg.Logger
	}
	n.Client = client.New(tr, cfg.Client)

	if cfg.Server.Resolver != nil {
		if cfg.Server.Logger == nil {
			cfg.Server.Logger = cfg.Logger
		}
		if cfg.Server.OnShutdown == nil {
			// Close tears down the transport whose read loop delivered the
			// shutdown frame, so it must not run inline.
			cfg.Server.OnShutdown = func() { go n.Close() }
		}
		srv, err := server.New(tr, cfg.Server)
		if err != nil {
			tr.Close()
			return nil, err
		}
		n.Server = srv
	}
	return n, nil
}

// Addr returns the bound UDP address.
func (n *Node) Addr() net.Addr {
	return n.tr.Addr()
}

// Handle implements transport.Handler: parse once, route by kind, drop
// garbage. The socket may be shared with foreign traffic, so a parse
// failure is routine, not an error.
func (n *Node) Handle(source net.Addr, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		n.log.Debug("dropping malformed datagram", zap.Stringer("source", source), zap.Error(err))
		return
	}
	switch frame.Kind {
	case protocol.KindConnect, protocol.KindPing, protocol.KindRequest,
		protocol.KindCancel, protocol.KindShutdown:
		if n.Server != nil {
			n.Server.Dispatch(source, frame)
		} else if frame.Kind == protocol.KindPing {
			// A client-only node still answers liveness probes.
			n.Client.Dispatch(source, frame)
		} else {
			n.log.Debug("no server engine for frame", zap.Stringer("kind", frame.Kind), zap.Stringer("source", source))
		}
	case protocol.KindWelcome, protocol.KindPong, protocol.KindResponse:
		n.Client.Dispatch(source, frame)
	}
}

// Announce registers this node's address under a service name.
func (n *Node) Announce(reg registry.Registry, service string, weight int, ttl int64) error {
	return reg.Register(service, registry.NodeInstance{Addr: n.tr.Addr().String(), Weight: weight}, ttl)
}

// Withdraw removes this node's registration.
func (n *Node) Withdraw(reg registry.Registry, service string) error {
	return reg.Deregister(service, n.tr.Addr().String())
}

// Close tears the node down: pending calls fail, running tasks are
// cancelled, the socket closes.
func (n *Node) Close() error {
	n.Client.Close()
	if n.Server != nil {
		n.Server.Close()
	}
	return n.tr.Close()
}
