package safeio

import (
	"context"
	"time"

	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/resilience/breaker"
	"github.com/shelfsync/shelfsync/internal/resilience/bulkhead"
)

// Guard bundles the bulkhead and circuit breaker every I/O call passes
// through: bulkhead admission first, breaker gate second. Retry is
// orthogonal and layered on top by the caller via Guarded.
type Guard struct {
	Bulkhead *bulkhead.Bulkhead
	Breaker  *breaker.Breaker
}

// NewGuard builds a Guard around one named bulkhead+breaker pair.
func NewGuard(name string, concurrencyLimit, queueSize int, breakerThreshold int, cooldown, timeout time.Duration, clk clock.Clock) *Guard {
	return &Guard{
		Bulkhead: bulkhead.New(name, concurrencyLimit, queueSize),
		Breaker: breaker.New(breaker.Config{
			Name:      name,
			Threshold: breakerThreshold,
			Cooldown:  cooldown,
			Timeout:   timeout,
			Clock:     clk,
		}),
	}
}

// Do runs fn through the bulkhead then the breaker.
func Do[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	return bulkhead.Run(ctx, g.Bulkhead, func(ctx context.Context) (T, error) {
		return breaker.Run(ctx, g.Breaker, fn)
	})
}

// Guarded runs fn through the Guard, retrying the whole guarded call per
// retryCfg on failure, for call sites that want both bounded
// concurrency/circuit-breaking AND backoff-retry around transient
// failures. The event log, inventory, snapshot and sync worker stores
// call Do, not Guarded, so their I/O is not retried.
func Guarded[T any](ctx context.Context, g *Guard, retryCfg RetryConfig, name string, fn func(context.Context) (T, error)) (T, error) {
	return WithRetry(ctx, retryCfg, name, func(ctx context.Context) (T, error) {
		return Do(ctx, g, fn)
	})
}
