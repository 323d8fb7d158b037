package client

import (
	"context"
	"net"

	"github.com/sony/gobreaker"
)

// CircuitBreakerCaller wraps a Caller with a circuit breaker so a flapping
// peer fails fast instead of burning a full timeout per call.
type CircuitBreakerCaller struct {
	caller  Caller
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerCaller wires a breaker in front of caller.
func NewCircuitBreakerCaller(caller Caller, breaker *gobreaker.CircuitBreaker) *CircuitBreakerCaller {
	return &CircuitBreakerCaller{caller: caller, breaker: breaker}
}

func (c *CircuitBreakerCaller) Call(ctx context.Context, addr net.Addr, method string, args []any, kwargs map[string]any) (any, error) {
	return c.breaker.Execute(func() (any, error) {
		return c.caller.Call(ctx, addr, method, args, kwargs)
	})
}
