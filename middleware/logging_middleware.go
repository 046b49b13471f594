package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-wire/message"
)

// Logging logs every request at debug level and failed ones at warn.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("wire", req.WireID),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != "" {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("request served", fields...)
			return resp
		}
	}
}
