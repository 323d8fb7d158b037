package test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"labrpc/client"
	"labrpc/loadbalance"
	"labrpc/middleware"
	"labrpc/node"
	"labrpc/registry"
	"labrpc/server"
	"labrpc/wire"
)

// ---- service under test ----

type Arith struct{}

func (a *Arith) Add(x, y int) int      { return x + y }
func (a *Arith) Multiply(x, y int) int { return x * y }

func (a *Arith) Div(x, y float64) (float64, error) {
	if y == 0 {
		return 0, errors.New("division by zero")
	}
	return x / y, nil
}

// ---- mock registry (no etcd needed) ----

type mockRegistry struct {
	instances map[string][]registry.NodeInstance
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{instances: make(map[string][]registry.NodeInstance)}
}

func (m *mockRegistry) Register(service string, inst registry.NodeInstance, ttl int64) error {
	m.instances[service] = append(m.instances[service], inst)
	return nil
}

func (m *mockRegistry) Deregister(service string, addr string) error {
	insts := m.instances[service]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[service] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockRegistry) Discover(service string) ([]registry.NodeInstance, error) {
	return m.instances[service], nil
}

func (m *mockRegistry) Watch(service string) <-chan []registry.NodeInstance {
	return nil
}

// ---- setup helpers ----

func startServerNode(t testing.TB, cfg server.Config) *node.Node {
	t.Helper()
	if cfg.Resolver == nil {
		methods := server.NewMethodMap()
		if err := methods.Register(&Arith{}); err != nil {
			t.Fatal(err)
		}
		cfg.Resolver = methods
	}
	n, err := node.New(node.Config{Address: "127.0.0.1:0", Server: cfg})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func startClientNode(t testing.TB) *node.Node {
	t.Helper()
	n, err := node.New(node.Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestEndToEndCall(t *testing.T) {
	srv := startServerNode(t, server.Config{})
	cli := startClientNode(t)

	result, err := cli.Client.Call(context.Background(), srv.Addr(), "Arith.Add", []any{int64(3), int64(5)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != int64(8) {
		t.Errorf("Arith.Add: got %v, want 8", result)
	}

	result, err = cli.Client.Call(context.Background(), srv.Addr(), "Arith.Multiply", []any{int64(4), int64(6)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != int64(24) {
		t.Errorf("Arith.Multiply: got %v, want 24", result)
	}
}

func TestHandshake(t *testing.T) {
	srv := startServerNode(t, server.Config{
		Auth: func(source net.Addr, credential []byte) bool {
			return string(credential) == "open sesame"
		},
	})
	cli := startClientNode(t)

	err := cli.Client.Connect(context.Background(), srv.Addr(), []byte("wrong"), time.Second)
	if err == nil {
		t.Fatal("bad credential accepted")
	}

	if err := cli.Client.Connect(context.Background(), srv.Addr(), []byte("open sesame"), time.Second); err != nil {
		t.Fatal(err)
	}
	if cli.Client.PeerID() < 1024 {
		t.Errorf("peer id %d, want >= 1024", cli.Client.PeerID())
	}

	// Calls keep working under the assigned identity.
	result, err := cli.Client.Call(context.Background(), srv.Addr(), "Arith.Add", []any{int64(1), int64(2)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != int64(3) {
		t.Errorf("got %v, want 3", result)
	}
}

func TestServerErrorPropagates(t *testing.T) {
	srv := startServerNode(t, server.Config{})
	cli := startClientNode(t)

	_, err := cli.Client.Call(context.Background(), srv.Addr(), "Arith.Div", []any{1.0, 0.0}, nil)
	if !wire.IsServerError(err) {
		t.Fatalf("expected server error, got %v", err)
	}
	var rpcErr *wire.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error type: %T", err)
	}
	if rpcErr.Message != "division by zero" {
		t.Errorf("message: got %q", rpcErr.Message)
	}
}

func TestTimeoutCancelsServerTask(t *testing.T) {
	cancelled := make(chan struct{})
	methods := server.NewMethodMap()
	methods.RegisterFunc("block", func(ctx context.Context, req *middleware.Request) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	srv := startServerNode(t, server.Config{Resolver: methods})
	cli := startClientNode(t)

	_, err := cli.Client.Call(context.Background(), srv.Addr(), "block", nil, map[string]any{"timeout": 0.1})
	if !wire.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The Cancel frame sent on expiry must reach the server task.
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("server task was never cancelled")
	}
}

func TestNDArrayOverTheWire(t *testing.T) {
	methods := server.NewMethodMap()
	methods.RegisterFunc("echo", func(ctx context.Context, req *middleware.Request) (any, error) {
		return req.Args[0], nil
	})
	srv := startServerNode(t, server.Config{Resolver: methods})
	cli := startClientNode(t)

	arr, err := wire.NewFloat64Array([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	result, err := cli.Client.Call(context.Background(), srv.Addr(), "echo", []any{arr}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := result.(*wire.NDArray)
	if !ok {
		t.Fatalf("got %T, want *wire.NDArray", result)
	}
	values, err := got.Float64Values()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Shape) != 2 || got.Shape[0] != 2 || got.Shape[1] != 3 {
		t.Errorf("shape: got %v, want [2 3]", got.Shape)
	}
	for i, want := range []float64{1, 2, 3, 4, 5, 6} {
		if values[i] != want {
			t.Fatalf("values[%d]: got %v, want %v", i, values[i], want)
		}
	}
}

func TestPing(t *testing.T) {
	srv := startServerNode(t, server.Config{})
	cli := startClientNode(t)

	ok, err := cli.Client.Ping(context.Background(), srv.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("live peer should answer ping")
	}

	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	ok, err = cli.Client.Ping(context.Background(), dead, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("dead peer should not answer ping")
	}
}

func TestRemoteShutdown(t *testing.T) {
	srv := startServerNode(t, server.Config{
		IsAdmin: func(source net.Addr, proof []byte) bool { return string(proof) == "root" },
	})
	cli := startClientNode(t)

	// Without the right proof the server stays up.
	cli.Client.Shutdown(srv.Addr(), []byte("guest"))
	time.Sleep(100 * time.Millisecond)
	if ok, _ := cli.Client.Ping(context.Background(), srv.Addr(), 500*time.Millisecond); !ok {
		t.Fatal("server went down without authorization")
	}

	cli.Client.Shutdown(srv.Addr(), []byte("root"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := cli.Client.Ping(context.Background(), srv.Addr(), 200*time.Millisecond); !ok {
			return
		}
	}
	t.Fatal("server ignored authorized shutdown")
}

func TestServiceDiscoveryRoundRobin(t *testing.T) {
	srv1 := startServerNode(t, server.Config{})
	srv2 := startServerNode(t, server.Config{})
	cli := startClientNode(t)

	reg := newMockRegistry()
	if err := srv1.Announce(reg, "Arith", 10, 10); err != nil {
		t.Fatal(err)
	}
	if err := srv2.Announce(reg, "Arith", 10, 10); err != nil {
		t.Fatal(err)
	}

	caller := client.NewServiceCaller(reg, &loadbalance.RoundRobinBalancer{}, cli.Client)
	for i := 1; i <= 10; i++ {
		result, err := caller.Call(context.Background(), "Arith", "Arith.Add", []any{int64(i), int64(i * 10)}, nil)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if result != int64(i+i*10) {
			t.Fatalf("request %d: got %v, want %d", i, result, i+i*10)
		}
	}

	if err := srv1.Withdraw(reg, "Arith"); err != nil {
		t.Fatal(err)
	}
	insts, _ := reg.Discover("Arith")
	if len(insts) != 1 {
		t.Errorf("instances after withdraw: got %d, want 1", len(insts))
	}
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	cli := startClientNode(t)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "dead-peer",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
	caller := client.NewCircuitBreakerCaller(cli.Client, breaker)

	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	kwargs := map[string]any{"timeout": 0.05}
	for i := 0; i < 2; i++ {
		if _, err := caller.Call(context.Background(), dead, "m", nil, kwargs); !wire.IsTimeout(err) {
			t.Fatalf("warm-up call %d: got %v, want timeout", i, err)
		}
	}

	start := time.Now()
	_, err := caller.Call(context.Background(), dead, "m", nil, kwargs)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Error("open breaker should fail without waiting out the timeout")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	srv := startServerNode(t, server.Config{
		Middlewares: []middleware.Middleware{middleware.RateLimitMiddleware(1, 1)},
	})
	cli := startClientNode(t)

	if _, err := cli.Client.Call(context.Background(), srv.Addr(), "Arith.Add", []any{int64(1), int64(1)}, nil); err != nil {
		t.Fatal(err)
	}
	_, err := cli.Client.Call(context.Background(), srv.Addr(), "Arith.Add", []any{int64(1), int64(1)}, nil)
	if err == nil {
		t.Fatal("second burst call should be limited")
	}
}

func TestConcurrentCalls(t *testing.T) {
	srv := startServerNode(t, server.Config{Workers: 16, QueueSize: 256})
	cli := startClientNode(t)

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			result, err := cli.Client.Call(context.Background(), srv.Addr(), "Arith.Add", []any{int64(i), int64(1)}, nil)
			if err == nil && result != int64(i+1) {
				err = errors.New("wrong result")
			}
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}
