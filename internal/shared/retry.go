package shared

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of SQLite writes that hit lock contention.
type RetryPolicy struct {
	MaxRetries uint
	BaseDelay  time.Duration
}

// DefaultRetryPolicy matches the store's historical 3 attempts starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}
}

// RetryOnBusy runs op, retrying with exponential backoff while it fails with
// SQLITE_BUSY or "database is locked". Any other error is returned immediately.
func RetryOnBusy[T any](ctx context.Context, policy RetryPolicy, name string, op func() (T, error)) (T, error) {
	if policy.MaxRetries == 0 {
		policy = DefaultRetryPolicy()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !IsSQLiteConflictError(err) {
			return v, backoff.Permanent(err)
		}
		slog.Debug("database locked, retrying",
			"operation", name,
			"attempt", attempt,
		)
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(policy.MaxRetries))
}
