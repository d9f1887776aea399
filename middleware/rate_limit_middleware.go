package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/ytrstu/rfoo/message"
)

// RateLimitMiddleware rejects invocations above a token-bucket rate of r per
// second with bursts of up to burst. The limiter is shared by every
// connection the chain serves, bounding the server as a whole.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{
					Error: "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}
}
