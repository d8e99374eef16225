package safeio

import (
	"context"
	"fmt"
	"time"

	"github.com/shelfsync/shelfsync/internal/platform/rng"
)

// RetryConfig configures WithRetry.
type RetryConfig struct {
	Times    int // additional attempts beyond the first; total = Times+1
	BaseMs   int64
	JitterMs int64
	RNG      rng.Source
	Sleep    func(context.Context, time.Duration) error // overridable for tests
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry executes op up to cfg.Times+1 times total. Between attempts it
// sleeps baseMs*2^(attempt-1) + U[0,jitterMs) using the injectable PRNG.
// After exhaustion it returns a wrapped "failed after N attempts" error.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}
	source := cfg.RNG
	if source == nil {
		source = rng.Fixed{Value: 0}
	}

	attempts := cfg.Times + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		backoff := time.Duration(cfg.BaseMs) * time.Millisecond * time.Duration(1<<uint(attempt-1))
		var jitter time.Duration
		if cfg.JitterMs > 0 {
			jitter = time.Duration(source.Int63n(cfg.JitterMs)) * time.Millisecond
		}
		if err := sleep(ctx, backoff+jitter); err != nil {
			lastErr = err
			break
		}
	}

	return zero, fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
