package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mini-wire/message"
)

// Retry repeats a failed call with exponential backoff starting at baseDelay, at most
// maxRetries times. Context errors and errors wrapped with backoff.Permanent are
// returned at once. Receiver errors travel in the response and are never retried.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) CallMiddleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = baseDelay
			policy.MaxElapsedTime = 0

			attempt := 0
			var resp *message.RPCMessage
			op := func() error {
				attempt++
				r, err := next(ctx, req)
				if err == nil {
					resp = r
					return nil
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return backoff.Permanent(err)
				}
				return err
			}
			notify := func(err error, wait time.Duration) {
				logger.Debug("retrying call",
					zap.String("wire", req.WireID),
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err))
			}

			b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)
			if err := backoff.RetryNotify(op, b, notify); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}
}
