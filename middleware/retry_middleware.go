package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shm-discovery/message"
)

// Retry re-sends read-only requests (find, counter) that failed for a
// transport or availability reason, with exponential backoff starting at
// baseDelay. Offers are never retried: a duplicate would add a reference.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp := next(ctx, req)
			if !req.Kind.ReadOnly() {
				return resp
			}
			for i := 0; i < maxRetries && retryable(resp.Code); i++ {
				logger.Debug("retrying request",
					zap.Int("attempt", i+1),
					zap.String("kind", string(req.Kind)),
					zap.String("code", string(resp.Code)))

				select {
				case <-ctx.Done():
					return resp
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(code message.ErrCode) bool {
	return code == message.CodeTransport || code == message.CodeUnavailable
}
