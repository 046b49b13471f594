package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mini-wire/message"
	"mini-wire/metrics"
)

// Recover turns a panicking receiver into an error response.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("receiver panicked",
						zap.String("wire", req.WireID),
						zap.String("method", req.Method),
						zap.Any("panic", p))
					resp = req.Fail(ErrPanic)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Metrics records the latency and outcome of every request on r.
func Metrics(r *metrics.Recorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			var err error
			if resp != nil && resp.Error != "" {
				err = errors.New(resp.Error)
			}
			r.Call(req.Method, time.Since(start).Seconds(), err)
			return resp
		}
	}
}
