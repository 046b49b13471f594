package middleware

import (
	"context"
	"time"

	"mini-wire/message"
)

// Timeout answers with ErrTimeout when next does not return within timeout. next keeps
// running in the background and should watch ctx.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()
			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return req.Fail(ErrTimeout)
			}
		}
	}
}
