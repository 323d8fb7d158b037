// Package client implements the calling side of the labrpc protocol.
//
// The engine owns a pending-request table keyed by message id. Each remote
// call registers a future and a deadline timer before the request datagram
// goes out, so a response racing the send still finds its entry. Responses,
// timeouts and engine shutdown each resolve an entry exactly once; duplicate
// or stale responses are dropped without effect.
//
//	RemoteCall ──register pending──→ send Request ─→ peer
//	Handle:    ←─ Response(id) ─→ pending[id] resolve → caller wakes up
//	timer:        deadline hit  ─→ best-effort Cancel + RPCTimeout
package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"labrpc/protocol"
	"labrpc/transport"
	"labrpc/wire"
)

// DefaultTimeout applies to calls that carry no explicit timeout.
const DefaultTimeout = 10 * time.Second

// Caller is the minimal calling capability. Engine implements it directly;
// wrappers (circuit breaker, service discovery) layer on top.
type Caller interface {
	Call(ctx context.Context, addr net.Addr, method string, args []any, kwargs map[string]any) (any, error)
}

// Config tunes an Engine. The zero value works.
type Config struct {
	// DefaultTimeout bounds calls without a kwargs timeout. Defaults to
	// DefaultTimeout.
	DefaultTimeout time.Duration
	// NoCancelOnTimeout disables the best-effort Cancel frame normally sent
	// when a call times out.
	NoCancelOnTimeout bool
	Logger            *zap.Logger
}

// Engine issues requests, pings and the connect handshake over a Sender.
type Engine struct {
	sender   transport.Sender
	log      *zap.Logger
	timeout  time.Duration
	noCancel bool

	peerID atomic.Uint32 // assigned by the handshake, 1 until then
	seq    atomic.Uint64 // monotonic, per engine, never reused

	mu       sync.Mutex
	pending  map[protocol.MsgID]*Future // request/response correlation
	awaiting map[string]*Future         // connect/ping keyed by remote address
	closed   bool
}

// New creates a client engine sending through sender.
func New(sender transport.Sender, cfg Config) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Engine{
		sender:   sender,
		log:      cfg.Logger,
		timeout:  cfg.DefaultTimeout,
		noCancel: cfg.NoCancelOnTimeout,
		pending:  make(map[protocol.MsgID]*Future),
		awaiting: make(map[string]*Future),
	}
	e.peerID.Store(1)
	e.seq.Store(1024)
	return e
}

// PeerID returns the id assigned by the last successful Connect, 1 before
// any handshake.
func (e *Engine) PeerID() uint32 {
	return e.peerID.Load()
}

func (e *Engine) nextID(session uint32) protocol.MsgID {
	return protocol.MsgID{
		Peer:    e.peerID.Load(),
		Session: session,
		Seq:     e.seq.Add(1),
	}
}

// RemoteCall sends a request and returns immediately; the caller awaits the
// future. The call timeout comes from kwargs["timeout"] (seconds) when
// present, otherwise the engine default.
func (e *Engine) RemoteCall(addr net.Addr, method string, args []any, kwargs map[string]any) *Future {
	return e.RemoteCallSession(addr, 0, method, args, kwargs)
}

// RemoteCallSession is RemoteCall with an explicit session id baked into the
// message id, for methods operating on server-side session state.
func (e *Engine) RemoteCallSession(addr net.Addr, session uint32, method string, args []any, kwargs map[string]any) *Future {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	timeout := e.timeout
	if d, ok := numericSeconds(kwargs["timeout"]); ok {
		timeout = d
	}

	id := e.nextID(session)
	fut := newFuture(id)

	payload, err := wire.Pack([]any{method, args, kwargs})
	if err != nil {
		fut.resolve(nil, wire.Errorf("pack request: %v", err))
		return fut
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fut.resolve(nil, wire.Errorf("client closed"))
		return fut
	}
	e.pending[id] = fut
	e.mu.Unlock()

	fut.setTimer(time.AfterFunc(timeout, func() { e.expire(addr, id) }))
	e.send(&protocol.Frame{Kind: protocol.KindRequest, ID: id, Payload: payload}, addr)
	return fut
}

// Call is the blocking form of RemoteCall.
func (e *Engine) Call(ctx context.Context, addr net.Addr, method string, args []any, kwargs map[string]any) (any, error) {
	return e.RemoteCall(addr, method, args, kwargs).Wait(ctx)
}

// Connect performs the handshake: it sends the credential and waits for a
// Welcome carrying the assigned peer id. Ids below 1024 mean rejection; on
// success the engine adopts the new id for all subsequent calls.
func (e *Engine) Connect(ctx context.Context, addr net.Addr, credential []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.timeout
	}
	fut, err := e.await(addr, timeout)
	if err != nil {
		return err
	}
	e.send(&protocol.Frame{Kind: protocol.KindConnect, Payload: credential}, addr)

	res, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	raw, ok := res.([]byte)
	if !ok {
		return wire.Errorf("connect %v: malformed welcome payload", addr)
	}
	id, err := protocol.ParseMsgID(raw)
	if err != nil {
		return wire.Errorf("connect %v: %v", addr, err)
	}
	if id.Peer < 1024 {
		return wire.Errorf("connect %v failed", addr)
	}
	e.peerID.Store(id.Peer)
	e.log.Debug("connected", zap.Uint32("peer_id", id.Peer), zap.Stringer("addr", addr))
	return nil
}

// Ping probes a peer. A timeout yields false, not an error — the only call
// that swallows the timeout.
func (e *Engine) Ping(ctx context.Context, addr net.Addr, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	fut, err := e.await(addr, timeout)
	if err != nil {
		return false, err
	}
	e.send(&protocol.Frame{Kind: protocol.KindPing}, addr)

	if _, err := fut.Wait(ctx); err != nil {
		if wire.IsTimeout(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Shutdown asks the peer to shut down, presenting a role proof. Fire and
// forget: the server only acts if its admin predicate accepts the proof.
func (e *Engine) Shutdown(addr net.Addr, roleProof []byte) {
	e.send(&protocol.Frame{Kind: protocol.KindShutdown, ID: e.nextID(0), Payload: roleProof}, addr)
}

// Close cancels every pending entry and its timer and clears the table.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	awaiting := e.awaiting
	e.pending = make(map[protocol.MsgID]*Future)
	e.awaiting = make(map[string]*Future)
	e.mu.Unlock()

	for _, fut := range pending {
		fut.resolve(nil, wire.Errorf("client closed"))
	}
	for _, fut := range awaiting {
		fut.resolve(nil, wire.Errorf("client closed"))
	}
}

// await registers an address-keyed future for exchanges that have no message
// id yet (connect, ping). A new exchange to the same address supersedes a
// stale one.
func (e *Engine) await(addr net.Addr, timeout time.Duration) (*Future, error) {
	key := addr.String()
	fut := newFuture(protocol.MsgID{})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, wire.Errorf("client closed")
	}
	if old, ok := e.awaiting[key]; ok {
		old.resolve(nil, wire.Errorf("superseded by a newer exchange with %s", key))
	}
	e.awaiting[key] = fut
	e.mu.Unlock()

	fut.setTimer(time.AfterFunc(timeout, func() { e.expireAddr(key) }))
	return fut, nil
}

// expire fires when a pending request hits its deadline: drop the entry,
// optionally tell the server to cancel, and fail the caller. The local
// release never depends on what the server does with the Cancel.
func (e *Engine) expire(addr net.Addr, id protocol.MsgID) {
	e.mu.Lock()
	fut, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if !e.noCancel {
		e.send(&protocol.Frame{Kind: protocol.KindCancel, ID: id}, addr)
	}
	fut.resolve(nil, wire.Timeoutf("wait response from %v timeout", addr))
}

func (e *Engine) expireAddr(key string) {
	e.mu.Lock()
	fut, ok := e.awaiting[key]
	if ok {
		delete(e.awaiting, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	fut.resolve(nil, wire.Timeoutf("no reply from %s", key))
}

// Handle lets the engine consume datagrams directly as a transport.Handler
// when it runs without a server half. Frames it does not own are dropped.
func (e *Engine) Handle(source net.Addr, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		e.log.Debug("dropping malformed datagram", zap.Stringer("source", source), zap.Error(err))
		return
	}
	e.Dispatch(source, frame)
}

// Dispatch routes one parsed frame to its handler.
func (e *Engine) Dispatch(source net.Addr, frame *protocol.Frame) {
	switch frame.Kind {
	case protocol.KindResponse:
		e.handleResponse(source, frame.ID, frame.Payload)
	case protocol.KindWelcome:
		e.handleWelcome(source, frame.Payload)
	case protocol.KindPong:
		e.handlePong(source)
	case protocol.KindPing:
		e.send(&protocol.Frame{Kind: protocol.KindPong}, source)
	default:
		e.log.Debug("dropping frame", zap.Stringer("kind", frame.Kind), zap.Stringer("source", source))
	}
}

// handleResponse resolves the pending entry for id. Absent entry — already
// timed out, cancelled, or a duplicate delivery — is a no-op.
func (e *Engine) handleResponse(source net.Addr, id protocol.MsgID, payload []byte) {
	e.mu.Lock()
	fut, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("no pending entry for response", zap.Stringer("id", id), zap.Stringer("source", source))
		return
	}

	result, err := wire.Unpack(payload)
	if err != nil {
		fut.resolve(nil, wire.Errorf("could not read response payload: %v", err))
		return
	}
	if rpcErr, ok := result.(*wire.RPCError); ok {
		fut.resolve(nil, rpcErr)
		return
	}
	fut.resolve(result, nil)
}

func (e *Engine) handleWelcome(source net.Addr, payload []byte) {
	e.mu.Lock()
	fut, ok := e.awaiting[source.String()]
	if ok {
		delete(e.awaiting, source.String())
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	raw := make([]byte, len(payload))
	copy(raw, payload)
	fut.resolve(raw, nil)
}

func (e *Engine) handlePong(source net.Addr) {
	e.mu.Lock()
	fut, ok := e.awaiting[source.String()]
	if ok {
		delete(e.awaiting, source.String())
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	fut.resolve(true, nil)
}

func (e *Engine) send(frame *protocol.Frame, addr net.Addr) {
	if err := e.sender.SendTo(context.Background(), protocol.Encode(frame), addr); err != nil {
		e.log.Warn("send failed", zap.Stringer("kind", frame.Kind), zap.Stringer("addr", addr), zap.Error(err))
	}
}

// numericSeconds interprets a kwargs timeout value, which travels as a
// number of seconds.
func numericSeconds(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second)), n > 0
	case int64:
		return time.Duration(n) * time.Second, n > 0
	case uint64:
		return time.Duration(n) * time.Second, n > 0
	case int:
		return time.Duration(n) * time.Second, n > 0
	}
	return 0, false
}
