package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// maxDatagram is the largest datagram the read loop accepts. 64 KiB covers
// the UDP maximum.
const maxDatagram = 64 * 1024

// UDPTransport is the stock Sender over a single UDP socket. One read loop
// feeds the handler; reads share a buffer pool so steady traffic does not
// allocate.
type UDPTransport struct {
	conn    *net.UDPConn
	handler Handler
	log     *zap.Logger
	bufs    sync.Pool
	closed  atomic.Bool
	done    chan struct{}
}

// ListenUDP binds a UDP socket and starts delivering inbound datagrams to
// handler. Pass ":0" to let the kernel pick a port (the usual client case).
func ListenUDP(address string, handler Handler, logger *zap.Logger) (*UDPTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", address, err)
	}
	t := &UDPTransport{
		conn:    conn,
		handler: handler,
		log:     logger,
		done:    make(chan struct{}),
	}
	t.bufs.New = func() any {
		b := make([]byte, maxDatagram)
		return &b
	}
	go t.readLoop()
	return t, nil
}

// Addr returns the bound local address.
func (t *UDPTransport) Addr() net.Addr {
	return t.conn.LocalAddr()
}

// SendTo writes one datagram. The context is consulted before the write;
// UDP writes do not block meaningfully, so no deadline plumbing is needed.
func (t *UDPTransport) SendTo(ctx context.Context, data []byte, addr net.Addr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed.Load() {
		return errors.New("transport: closed")
	}
	if _, err := t.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("transport: send to %v: %w", addr, err)
	}
	return nil
}

func (t *UDPTransport) readLoop() {
	defer close(t.done)
	for {
		bufp := t.bufs.Get().(*[]byte)
		buf := *bufp
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.bufs.Put(bufp)
			if t.closed.Load() {
				return
			}
			t.log.Warn("udp read failed", zap.Error(err))
			continue
		}
		t.handler.Handle(src, buf[:n])
		t.bufs.Put(bufp)
	}
}

// Close stops the read loop and closes the socket.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	<-t.done
	return err
}
