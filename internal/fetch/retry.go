package fetch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"ocrbot/internal/domain"
	"ocrbot/internal/metrics"
)

// retryable reports whether a failed platform call may be attempted again.
// An attempt that hit its own deadline is retryable; the caller checks the
// parent context separately.
func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrPayloadTooLarge),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// withRetry runs fn, retrying up to retries times with backoff plus jitter.
func withRetry[T any](ctx context.Context, op string, retries int, base time.Duration, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(attempt*attempt)
			backoff += time.Duration(rand.Int64N(int64(backoff/2 + 1)))
			metrics.FetchRetries.Inc()
			logger.Warn("retrying platform call", "op", op, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
