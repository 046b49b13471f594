package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-wire/message"
)

// RateLimit rejects requests beyond r per second with bursts up to burst (token bucket).
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return req.Fail(ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
