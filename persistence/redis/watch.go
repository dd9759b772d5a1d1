package redis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 10

// watchWithRetry runs fn under WATCH on keys and retries with exponential
// backoff and jitter while the optimistic lock keeps failing. Any other error
// from fn is returned as is.
func watchWithRetry(ctx context.Context, client redis.UniversalClient, op string, fn func(*redis.Tx) error, keys ...string) error {
	var lastErr error

	for i := 0; i < maxWatchRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("failed to %s after %d retries: %w", op, maxWatchRetries, lastErr)
}
