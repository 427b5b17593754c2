// Package middleware wraps registry request handlers.
//
// The same HandlerFunc shape serves both ends of the connection: the daemon
// wraps its registry dispatcher, the client wraps its network round trip.
// Chain(A, B, C)(h) builds A(B(C(h))), so A sees the request first and the
// response last.
package middleware

import (
	"context"

	"shm-discovery/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
