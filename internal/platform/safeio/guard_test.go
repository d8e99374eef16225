package safeio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/rng"
)

func TestGuardedRetriesThenSucceeds(t *testing.T) {
	g := NewGuard("test-io", 4, 4, 3, time.Second, 0, clock.Real{})
	attempts := 0

	result, err := Guarded(context.Background(), g, RetryConfig{
		Times:  2,
		BaseMs: 1,
		RNG:    rng.Fixed{Value: 0},
	}, "op", func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 2, attempts)
}

func TestGuardedPropagatesSaturation(t *testing.T) {
	g := NewGuard("test-io", 1, 0, 3, time.Second, 0, clock.Real{})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), g, func(ctx context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started
	defer close(release)

	_, err := Guarded(context.Background(), g, RetryConfig{Times: 0}, "op", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.Error(t, err)
}
