package middleware

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"labrpc/wire"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) (any, error) {
				order = append(order, name+".before")
				result, err := next(ctx, req)
				order = append(order, name+".after")
				return result, err
			}
		}
	}

	handler := Chain(mark("A"), mark("B"))(func(ctx context.Context, req *Request) (any, error) {
		order = append(order, "handler")
		return "ok", nil
	})

	result, err := handler(context.Background(), &Request{Method: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if result != "ok" {
		t.Errorf("result: got %v, want ok", result)
	}

	want := []string{"A.before", "B.before", "handler", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	handler := Chain(RateLimitMiddleware(1, 2))(func(ctx context.Context, req *Request) (any, error) {
		return nil, nil
	})

	req := &Request{Method: "m"}
	// Burst of 2 passes, third call is rejected.
	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}
	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("second call rejected: %v", err)
	}
	if _, err := handler(context.Background(), req); err == nil {
		t.Error("third call should hit the rate limit")
	}
}

func TestRecovery(t *testing.T) {
	handler := Chain(RecoveryMiddleware())(func(ctx context.Context, req *Request) (any, error) {
		panic("boom")
	})

	_, err := handler(context.Background(), &Request{Method: "m"})
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if !wire.IsServerError(err) {
		t.Errorf("expected server error, got %v", err)
	}
}

func TestLoggingPassesThrough(t *testing.T) {
	handler := Chain(LoggingMiddleware(zap.NewNop()))(func(ctx context.Context, req *Request) (any, error) {
		return 7, nil
	})
	result, err := handler(context.Background(), &Request{Method: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if result != 7 {
		t.Errorf("result: got %v, want 7", result)
	}
}
