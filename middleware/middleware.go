// Package middleware wraps message handlers in the onion model:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"
	"errors"

	"mini-wire/message"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrPanic       = errors.New("receiver panicked")
)

// HandlerFunc handles one request on the receiving side.
type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// CallFunc performs one call on the sending side. Unlike HandlerFunc it reports
// transport failures as errors.
type CallFunc func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

type CallMiddleware func(next CallFunc) CallFunc

// ChainCalls composes call middlewares; the first one is the outermost.
func ChainCalls(middlewares ...CallMiddleware) CallMiddleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
