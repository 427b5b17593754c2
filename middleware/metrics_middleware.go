package middleware

import (
	"context"
	"time"

	"shm-discovery/message"
)

// RequestObserver records one handled request.
type RequestObserver interface {
	ObserveRequest(kind message.Kind, code message.ErrCode, d time.Duration)
}

// Metrics reports every request's kind, result code and duration to obs.
func Metrics(obs RequestObserver) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			obs.ObserveRequest(req.Kind, resp.Code, time.Since(start))
			return resp
		}
	}
}
