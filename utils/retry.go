package utils

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry runs op up to attempts times with jittered exponential backoff.
// Errors for which retryable returns false end the loop immediately and are
// returned unchanged; so is the last error once attempts are spent.
func Retry[T any](ctx context.Context, name string, attempts int, retryable func(error) bool, op func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil && !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("Retrying operation", "operation", name, "error", err, "next", next)
		}),
	)
}
