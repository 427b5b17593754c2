package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"shm-discovery/message"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件
// Requests over the limit fail with CodeRateLimited; they are never queued.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.Fail(req.Kind, message.ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
