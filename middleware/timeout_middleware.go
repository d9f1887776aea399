package middleware

import (
	"context"
	"time"

	"github.com/ytrstu/rfoo/message"
)

// TimeoutMiddleware bounds one handler invocation. The base protocol has no
// timeout of its own: a server that wants slow handlers cut off opts in here.
// The invocation goroutine is not killed on timeout, only abandoned; its
// late response is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					Error: "request timed out",
				}
			}
		}
	}
}
