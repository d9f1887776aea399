// Package middleware wraps the server's per-request invocation path.
//
// Middlewares compose in the onion model: Chain(A, B, C)(handler) executes
// A.before, B.before, C.before, handler, C.after, B.after, A.after. The chain
// runs inside one connection's dispatch loop, so a middleware sees requests
// of that connection strictly in order.
package middleware

import (
	"context"

	"github.com/ytrstu/rfoo/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
