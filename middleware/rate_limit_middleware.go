package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"labrpc/wire"
)

// RateLimitMiddleware rejects requests beyond r per second (token bucket
// with the given burst). Rejected calls fail with a protocol error the
// caller sees immediately instead of a timeout.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			if !limiter.Allow() {
				return nil, wire.Errorf("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
