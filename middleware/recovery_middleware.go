package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"labrpc/wire"
)

// RecoveryMiddleware converts a handler panic into a server error carrying
// the panic's stack, so one bad method cannot take the node down and the
// caller still gets a diagnostic payload.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = wire.ServerErrorWithStack(fmt.Errorf("panic: %v", r), string(debug.Stack()))
				}
			}()
			return next(ctx, req)
		}
	}
}
