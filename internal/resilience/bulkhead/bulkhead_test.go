package bulkhead

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBulkhead_AdmitsUpToLimit(t *testing.T) {
	b := New("test", 2, 0)
	var inFlight atomic.Int32
	var maxSeen atomic.Int32

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
				n := inFlight.Add(1)
				for {
					old := maxSeen.Load()
					if n <= old || maxSeen.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				inFlight.Add(-1)
				return struct{}{}, nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 2, inFlight.Load())
	close(release)
	wg.Wait()
	require.EqualValues(t, 2, maxSeen.Load())
}

func TestBulkhead_SaturatesWhenQueueFull(t *testing.T) {
	b := New("test", 1, 1)
	release := make(chan struct{})

	// Occupy the single slot.
	started := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started

	// Occupy the single queue slot.
	queued := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		close(queued)
	}()
	time.Sleep(30 * time.Millisecond)

	// A third caller must be rejected immediately.
	_, err := Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.Error(t, err)
	var sat *Saturated
	require.ErrorAs(t, err, &sat)

	close(release)
	<-queued
}

func TestBulkhead_CompletionSchedulesOldestQueued(t *testing.T) {
	b := New("test", 1, 5)
	var order []int
	var mu sync.Mutex
	release := make(chan struct{})

	started := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
		time.Sleep(10 * time.Millisecond) // stagger arrival order
	}

	close(release)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2}, order)
}
