package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ytrstu/rfoo/message"
)

// LoggingMiddleware logs every invocation with its duration, and the error
// text when the invocation failed.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Error != "" {
				zap.L().Warn("method failed",
					zap.String("method", req.Method),
					zap.Duration("duration", duration),
					zap.String("error", resp.Error))
			} else {
				zap.L().Info("method served",
					zap.String("method", req.Method),
					zap.Duration("duration", duration))
			}
			return resp
		}
	}
}
