package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shm-discovery/message"
)

// Logging logs every request with its kind, result code and duration.
// Failed requests are logged at warn level, the rest at debug.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("kind", string(req.Kind)),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Warn("request failed", append(fields,
					zap.String("code", string(resp.Code)),
					zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("request", append(fields, zap.Int("results", len(resp.Descriptions)))...)
			return resp
		}
	}
}
