// Package bulkhead bounds concurrent in-flight work and the FIFO queue of
// callers waiting for a slot, failing fast once both are full. Admission
// ordering is delegated to golang.org/x/sync/semaphore.Weighted, which
// already grants waiters FIFO.
package bulkhead

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Saturated is returned when the bulkhead is at capacity and its queue is
// also full.
type Saturated struct {
	Name string
}

func (e *Saturated) Error() string {
	return fmt.Sprintf("bulkhead %s is saturated", e.Name)
}

// Stats are the observable counters exposed for /metrics.
type Stats struct {
	Active    int64
	Queued    int64
	Completed int64
}

// Bulkhead admits at most Limit concurrent executions, parks up to
// QueueSize further callers FIFO, and fails the rest immediately.
type Bulkhead struct {
	name      string
	limit     int64
	queueSize int64
	sem       *semaphore.Weighted

	active    atomic.Int64
	queued    atomic.Int64
	completed atomic.Int64
}

// New creates a Bulkhead admitting at most limit concurrent callers with a
// queue of queueSize additional waiters.
func New(name string, limit, queueSize int) *Bulkhead {
	if limit < 1 {
		limit = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Bulkhead{
		name:      name,
		limit:     int64(limit),
		queueSize: int64(queueSize),
		sem:       semaphore.NewWeighted(int64(limit)),
	}
}

// Run executes fn once a slot is admitted. It returns *Saturated
// immediately if the bulkhead is full and the queue is also full.
// Completion of one in-flight unit always lets the oldest queued caller
// proceed next, since semaphore.Weighted serves waiters FIFO.
func Run[T any](ctx context.Context, b *Bulkhead, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	// Reserve a queue slot before blocking on the semaphore, so "queue
	// full" can be detected without actually parking a goroutine.
	if b.active.Load() >= b.limit {
		if b.queued.Load() >= b.queueSize {
			return zero, &Saturated{Name: b.name}
		}
		b.queued.Add(1)
		defer b.queued.Add(-1)
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.sem.Release(1)
		b.completed.Add(1)
	}()

	return fn(ctx)
}

// Stats returns a snapshot of the bulkhead's counters.
func (b *Bulkhead) Stats() Stats {
	return Stats{
		Active:    b.active.Load(),
		Queued:    b.queued.Load(),
		Completed: b.completed.Load(),
	}
}

// Name returns the bulkhead's identifying name.
func (b *Bulkhead) Name() string { return b.name }
