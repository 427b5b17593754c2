package middleware

import (
	"context"
	"time"

	"shm-discovery/message"
)

// Timeout answers with CodeTimeout if next has not returned within timeout.
// next keeps running in the background; its late response is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Fail(req.Kind, message.ErrTimeout)
			}
		}
	}
}
