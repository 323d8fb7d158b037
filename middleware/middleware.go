// Package middleware wraps server-side request handling. The server builds
// the chain once at construction; every accepted request flows through it
// before reaching the resolved method.
package middleware

import (
	"context"
	"net"

	"labrpc/protocol"
)

// Request is one decoded remote call on its way to a handler.
type Request struct {
	Method string
	Args   []any
	Kwargs map[string]any
	Source net.Addr
	ID     protocol.MsgID
}

// HandlerFunc executes a request and returns its result value or error.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a handler with extra behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, onion style:
// Chain(A, B)(h) runs A.before → B.before → h → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
