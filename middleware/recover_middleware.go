package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"shm-discovery/message"
)

// Recover turns a panic in next into a CodeInternal response.
func Recover(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", zap.String("kind", string(req.Kind)), zap.Any("panic", r), zap.Stack("stack"))
					resp = message.Fail(req.Kind, fmt.Errorf("%w: %v", message.ErrInternal, r))
				}
			}()
			return next(ctx, req)
		}
	}
}
