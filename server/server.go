// Package server implements the answering side of the labrpc protocol.
//
// Request processing pipeline:
//
//	datagram → Dispatch (receive path, never blocks)
//	  → decode (method, args, kwargs) → running-task entry with cancel func
//	    → worker pool: middleware chain → resolved method → exactly one Response
//
// The engine does not define how method names map to callables; the hosting
// application injects a Resolver. Authentication and the shutdown gate are
// injected predicates as well.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"labrpc/middleware"
	"labrpc/protocol"
	"labrpc/transport"
	"labrpc/wire"
)

// Method executes one remote call.
type Method func(ctx context.Context, req *middleware.Request) (any, error)

// Resolver maps a method name to a callable. Implementations own the method
// table and any permission checks; MethodMap is the stock one.
type Resolver interface {
	Resolve(method string, source net.Addr, id protocol.MsgID) (Method, error)
}

// AuthFunc decides whether a connecting peer's credential is acceptable.
type AuthFunc func(source net.Addr, credential []byte) bool

// AdminFunc decides whether a shutdown frame's role proof is acceptable.
type AdminFunc func(source net.Addr, proof []byte) bool

// Config tunes an Engine. Resolver is required; everything else has a
// default. Auth and IsAdmin default to accepting everyone — deployments
// that care must inject real predicates.
type Config struct {
	Resolver    Resolver
	Auth        AuthFunc
	IsAdmin     AdminFunc
	OnShutdown  func() // runs after an authorized shutdown frame; default closes the engine
	Workers     int    // handler goroutines, default 8
	QueueSize   int    // pending handler queue, default 128
	Middlewares []middleware.Middleware
	Logger      *zap.Logger
}

type sessionKey struct {
	peer    uint32
	session uint32
}

// Engine accepts connect/request/cancel/shutdown frames, tracks running
// tasks, and owns per-connection session state.
type Engine struct {
	sender     transport.Sender
	log        *zap.Logger
	resolver   Resolver
	auth       AuthFunc
	isAdmin    AdminFunc
	onShutdown func()
	handler    middleware.HandlerFunc
	pool       *workerPool

	seq atomic.Uint64 // feeds the MsgID-shaped Welcome payload

	mu            sync.Mutex
	tasks         map[protocol.MsgID]context.CancelFunc
	sessions      map[sessionKey]any
	nextPeerID    uint32
	nextSessionID uint32
	closed        bool
}

// New creates a server engine replying through sender.
func New(sender transport.Sender, cfg Config) (*Engine, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("server: config needs a Resolver")
	}
	if cfg.Auth == nil {
		cfg.Auth = func(net.Addr, []byte) bool { return true }
	}
	if cfg.IsAdmin == nil {
		cfg.IsAdmin = func(net.Addr, []byte) bool { return true }
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Engine{
		sender:        sender,
		log:           cfg.Logger,
		resolver:      cfg.Resolver,
		auth:          cfg.Auth,
		isAdmin:       cfg.IsAdmin,
		onShutdown:    cfg.OnShutdown,
		pool:          newWorkerPool(cfg.Workers, cfg.QueueSize),
		tasks:         make(map[protocol.MsgID]context.CancelFunc),
		sessions:      make(map[sessionKey]any),
		nextPeerID:    1024,
		nextSessionID: 1024,
	}
	e.seq.Store(1024)
	if e.onShutdown == nil {
		e.onShutdown = e.Close
	}

	// The chain is built once; recovery is always outermost so a handler
	// panic becomes a diagnostic Response instead of a crash.
	mws := append([]middleware.Middleware{middleware.RecoveryMiddleware()}, cfg.Middlewares...)
	e.handler = middleware.Chain(mws...)(e.invoke)
	return e, nil
}

// CreateSession stores per-connection state and returns its session id.
// Sessions are application-driven; the protocol itself never touches them.
func (e *Engine) CreateSession(peer uint32, state any) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSessionID++
	id := e.nextSessionID
	e.sessions[sessionKey{peer: peer, session: id}] = state
	return id
}

// Session returns the state stored under (peer, session).
func (e *Engine) Session(peer, session uint32) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.sessions[sessionKey{peer: peer, session: session}]
	return state, ok
}

// RemoveSession drops the state stored under (peer, session).
func (e *Engine) RemoveSession(peer, session uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionKey{peer: peer, session: session})
}

// Close cancels every running task, clears the table and stops the workers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tasks := e.tasks
	e.tasks = make(map[protocol.MsgID]context.CancelFunc)
	e.mu.Unlock()

	for _, cancel := range tasks {
		cancel()
	}
	e.pool.Close()
}

// Handle lets the engine consume datagrams directly as a transport.Handler
// when it runs without a client half. Frames it does not own are dropped.
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
	case protocol.KindConnect:
		e.handleConnect(source, frame.Payload)
	case protocol.KindPing:
		e.send(&protocol.Frame{Kind: protocol.KindPong}, source)
	case protocol.KindRequest:
		e.handleRequest(source, frame.ID, frame.Payload)
	case protocol.KindCancel:
		e.handleCancel(source, frame.ID)
	case protocol.KindShutdown:
		e.handleShutdown(source, frame.ID, frame.Payload)
	default:
		e.log.Debug("dropping frame", zap.Stringer("kind", frame.Kind), zap.Stringer("source", source))
	}
}

// handleConnect runs the auth predicate and replies Welcome. The payload is
// shaped like a MsgID but only the peer id field matters to the client; a
// peer id of 0 signals rejection.
func (e *Engine) handleConnect(source net.Addr, credential []byte) {
	var peer uint32
	if e.auth(source, credential) {
		e.mu.Lock()
		e.nextPeerID++
		peer = e.nextPeerID
		e.mu.Unlock()
	}
	welcome := protocol.MsgID{Peer: peer, Seq: e.seq.Add(1)}
	e.send(&protocol.Frame{Kind: protocol.KindWelcome, Payload: welcome.Bytes()}, source)
	e.log.Debug("connect", zap.Stringer("source", source), zap.Uint32("peer_id", peer))
}

// handleRequest decodes the call, records a cancellable running task and
// hands the work to the pool. Exactly one Response goes out per request,
// carrying either the handler's return value or an error value.
func (e *Engine) handleRequest(source net.Addr, id protocol.MsgID, payload []byte) {
	req, err := decodeRequest(source, id, payload)
	if err != nil {
		e.respond(source, id, nil, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if d, ok := numericSeconds(req.Kwargs["timeout"]); ok {
		ctx, cancel = context.WithTimeout(context.Background(), d)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return
	}
	e.tasks[id] = cancel
	e.mu.Unlock()

	ok := e.pool.Submit(func() {
		defer e.finishTask(id, cancel)
		result, err := e.handler(ctx, req)
		if ctxErr := ctx.Err(); err == nil && ctxErr != nil {
			err = ctxErr
		}
		e.respond(source, id, result, err)
	})
	if !ok {
		e.finishTask(id, cancel)
		e.respond(source, id, nil, wire.Errorf("server busy"))
	}
}

// handleCancel cancels the running task for id, if any. Unknown or finished
// ids are a no-op; no acknowledgement frame exists.
func (e *Engine) handleCancel(source net.Addr, id protocol.MsgID) {
	e.mu.Lock()
	cancel, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.log.Debug("cancelling task", zap.Stringer("id", id), zap.Stringer("source", source))
	cancel()
}

func (e *Engine) handleShutdown(source net.Addr, id protocol.MsgID, proof []byte) {
	if !e.isAdmin(source, proof) {
		e.log.Warn("shutdown rejected", zap.Stringer("source", source), zap.Stringer("id", id))
		return
	}
	e.log.Info("shutdown requested", zap.Stringer("source", source))
	e.onShutdown()
}

// invoke is the innermost handler: resolve the method and run it.
func (e *Engine) invoke(ctx context.Context, req *middleware.Request) (any, error) {
	method, err := e.resolver.Resolve(req.Method, req.Source, req.ID)
	if err != nil {
		return nil, wire.ServerError(err)
	}
	return method(ctx, req)
}

func (e *Engine) finishTask(id protocol.MsgID, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

// respond packs the outcome into the single Response frame for id. Errors
// travel as wire error values; an unexpected one is wrapped with
// diagnostics first.
func (e *Engine) respond(source net.Addr, id protocol.MsgID, result any, err error) {
	var value any
	switch {
	case err == nil:
		value = result
	case errors.Is(err, context.DeadlineExceeded):
		value = wire.Timeoutf("task exceeded its timeout")
	case errors.Is(err, context.Canceled):
		value = wire.Errorf("task cancelled")
	default:
		value = wire.ServerError(err)
	}

	payload, packErr := wire.Pack(value)
	if packErr != nil {
		payload, packErr = wire.Pack(wire.Errorf("unserializable result: %v", packErr))
		if packErr != nil {
			e.log.Error("could not pack response", zap.Stringer("id", id), zap.Error(packErr))
			return
		}
	}
	e.send(&protocol.Frame{Kind: protocol.KindResponse, ID: id, Payload: payload}, source)
}

func (e *Engine) send(frame *protocol.Frame, addr net.Addr) {
	if err := e.sender.SendTo(context.Background(), protocol.Encode(frame), addr); err != nil {
		e.log.Warn("send failed", zap.Stringer("kind", frame.Kind), zap.Stringer("addr", addr), zap.Error(err))
	}
}

// decodeRequest unpacks the (method, args, kwargs) tuple.
func decodeRequest(source net.Addr, id protocol.MsgID, payload []byte) (*middleware.Request, error) {
	value, err := wire.Unpack(payload)
	if err != nil {
		return nil, wire.Errorf("could not read packet: %v", err)
	}
	tuple, ok := value.([]any)
	if !ok || len(tuple) != 3 {
		return nil, wire.Errorf("malformed request payload")
	}
	method, ok := tuple[0].(string)
	if !ok {
		return nil, wire.Errorf("malformed request method")
	}
	args, _ := tuple[1].([]any)
	kwargs, _ := tuple[2].(map[string]any)
	return &middleware.Request{
		Method: method,
		Args:   args,
		Kwargs: kwargs,
		Source: source,
		ID:     id,
	}, nil
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
