// Package syncworker folds unapplied events into the central aggregate on
// a timer, applying the sync worker's retry/dead-letter policy per
// failed event and triggering snapshots on cadence.
package syncworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/eventlog"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/platform/apierr"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/logging"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
	"github.com/shelfsync/shelfsync/internal/snapshot"
)

type persistedState struct {
	CentralInv          domain.CentralInventory `json:"centralInventory"`
	LastAppliedSequence int64                   `json:"lastAppliedSequence"`
}

// Result summarizes one syncOnce call.
type Result struct {
	Applied      int
	Failed       int
	DeadLettered int
}

// Worker processes unapplied events into the central aggregate.
type Worker struct {
	path         string
	maxRetries   int
	guard        *safeio.Guard
	eventLog     *eventlog.Store
	snapshotter  *snapshot.Snapshotter
	snapshotKeep int
	clock        clock.Clock
	logger       *logging.Logger
	metrics      *metrics.Registry

	mu        sync.Mutex
	state     persistedState
	running   bool
	interval  time.Duration
	lastRunAt time.Time
	lastErr   error

	stopCh chan struct{}
	doneCh chan struct{}
}

// Status is the point-in-time snapshot returned by GET /sync/status.
type Status struct {
	Running    bool
	LastRunAt  time.Time
	LastCursor int64
	LastError  string
	NextRunAt  time.Time
}

// Status reports the worker's current run state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Running:    w.running,
		LastRunAt:  w.lastRunAt,
		LastCursor: w.state.LastAppliedSequence,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	if w.running && !w.lastRunAt.IsZero() && w.interval > 0 {
		s.NextRunAt = w.lastRunAt.Add(w.interval)
	}
	return s
}

// New loads (or initializes) the central-inventory file at path.
// snapshotKeep bounds how many snapshot files CleanupOldSnapshots
// retains after each compaction; m may be nil, in which case sync
// outcomes are not recorded.
func New(path string, maxRetries int, guard *safeio.Guard, log *eventlog.Store, snap *snapshot.Snapshotter, snapshotKeep int, clk clock.Clock, logger *logging.Logger, m *metrics.Registry) (*Worker, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if snapshotKeep <= 0 {
		snapshotKeep = 5
	}
	w := &Worker{
		path:         path,
		maxRetries:   maxRetries,
		guard:        guard,
		eventLog:     log,
		snapshotter:  snap,
		snapshotKeep: snapshotKeep,
		clock:        clk,
		logger:       logger,
		metrics:      m,
	}
	w.state.CentralInv = domain.CentralInventory{}

	if safeio.FileExists(path) {
		if err := safeio.ReadJSON(path, &w.state); err != nil {
			return nil, fmt.Errorf("load central inventory: %w", err)
		}
		if w.state.CentralInv == nil {
			w.state.CentralInv = domain.CentralInventory{}
		}
	}
	return w, nil
}

// Aggregate returns a copy of the current central aggregate.
func (w *Worker) Aggregate() domain.CentralInventory {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.CentralInv.Clone()
}

// Cursor returns the sequence of the last successfully applied event.
func (w *Worker) Cursor() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.LastAppliedSequence
}

func applyHandler(agg domain.CentralInventory, e domain.Event) (domain.CentralInventory, error) {
	switch e.Type {
	case domain.EventStockAdjusted, domain.EventStockReserved:
		if e.Payload.SKU == "" || e.Payload.StoreID == "" {
			return agg, fmt.Errorf("event %s: missing sku/storeId", e.ID)
		}
		skus, ok := agg[e.Payload.StoreID]
		if !ok {
			skus = make(map[string]domain.StoreAggregate)
			agg[e.Payload.StoreID] = skus
		}
		skus[e.Payload.SKU] = domain.StoreAggregate{
			Qty:       e.Payload.NewQty,
			Version:   e.Payload.NewVersion,
			UpdatedAt: e.Timestamp,
		}
		return agg, nil
	default:
		return agg, nil
	}
}

// SyncOnce processes every event after the current cursor into the
// aggregate, persists on progress, and triggers a snapshot check.
func (w *Worker) SyncOnce(ctx context.Context) (Result, error) {
	result, err := safeio.Do(ctx, w.guard, func(ctx context.Context) (Result, error) {
		return w.syncOnceLocked(ctx)
	})
	w.mu.Lock()
	w.lastRunAt = w.clock.Now()
	w.lastErr = err
	w.mu.Unlock()
	return result, err
}

func (w *Worker) syncOnceLocked(ctx context.Context) (Result, error) {
	w.mu.Lock()
	cursor := w.state.LastAppliedSequence
	aggregate := w.state.CentralInv.Clone()
	w.mu.Unlock()

	pending := w.eventLog.GetAfterSequence(cursor)

	var result Result
	lastApplied := cursor
	progressed := false

	for _, e := range pending {
		if e.Type != domain.EventStockAdjusted && e.Type != domain.EventStockReserved {
			if w.logger != nil {
				w.logger.Warn().Str("eventId", e.ID).Str("type", string(e.Type)).Msg("sync: skipping unrecognized event type")
			}
			lastApplied = e.Sequence
			progressed = true
			continue
		}

		folded, err := applyHandler(aggregate, e)
		if err != nil {
			result.Failed++
			w.observeOutcome("failed")
			reason := err.Error()
			if recErr := w.eventLog.RecordFailure(ctx, e.ID, reason); recErr != nil && w.logger != nil {
				w.logger.Error().Err(recErr).Str("eventId", e.ID).Msg("sync: failed to record failure")
			}

			current, getErr := w.eventLog.GetByID(e.ID)
			retryCount := 0
			if getErr == nil && current.Retry != nil {
				retryCount = current.Retry.RetryCount
			}
			if retryCount >= w.maxRetries {
				dlqReason := fmt.Sprintf("Max retries (%d) exceeded", w.maxRetries)
				if dlqErr := w.eventLog.MoveToDeadLetter(ctx, e.ID, dlqReason); dlqErr != nil && !apierr.Is(dlqErr, apierr.KindNotFound) {
					if w.logger != nil {
						w.logger.Error().Err(dlqErr).Str("eventId", e.ID).Msg("sync: failed to move event to dead letter")
					}
				} else {
					result.DeadLettered++
					w.observeOutcome("dead_lettered")
				}
			}
			continue
		}

		aggregate = folded
		lastApplied = e.Sequence
		progressed = true
		result.Applied++
		w.observeOutcome("applied")
	}

	if progressed {
		w.mu.Lock()
		w.state.CentralInv = aggregate
		w.state.LastAppliedSequence = lastApplied
		stateSnapshot := w.state
		w.mu.Unlock()

		if _, err := safeio.Do(ctx, w.guard, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, safeio.WriteJSONAtomic(w.path, stateSnapshot)
		}); err != nil {
			return result, err
		}
	}

	if w.snapshotter != nil {
		all := w.eventLog.GetAll()
		snap, err := w.snapshotter.MaybeSnapshot(ctx, all, aggregate)
		if err != nil {
			return result, err
		}
		if snap != nil {
			if w.logger != nil {
				w.logger.Info().Int64("sequence", snap.Sequence).Msg("sync: snapshot written")
			}
			if err := w.snapshotter.CompactEventLog(ctx, snap.Sequence); err != nil {
				return result, err
			}
			if err := w.snapshotter.CleanupOldSnapshots(w.snapshotKeep); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// observeOutcome increments the matching sync-event counter, if a
// metrics registry was supplied.
func (w *Worker) observeOutcome(outcome string) {
	if w.metrics == nil {
		return
	}
	switch outcome {
	case "applied":
		w.metrics.SyncApplied.Inc()
	case "failed":
		w.metrics.SyncFailed.Inc()
	case "dead_lettered":
		w.metrics.SyncDeadLettered.Inc()
	}
}

// ReplayOnBoot reconstructs the aggregate from the latest snapshot (if
// present) by syncing its tail, or from the beginning otherwise.
func (w *Worker) ReplayOnBoot(ctx context.Context) (Result, error) {
	if w.snapshotter != nil {
		snap, err := w.snapshotter.GetLatestSnapshot()
		if err == nil {
			w.mu.Lock()
			w.state.CentralInv = snap.CentralInv.Clone()
			w.state.LastAppliedSequence = snap.Sequence
			w.mu.Unlock()
		} else if !apierr.Is(err, apierr.KindNotFound) {
			return Result{}, err
		}
	}
	return w.SyncOnce(ctx)
}

// Start runs syncOnce every interval until Stop is called. It must not be
// called while the loop is already running; call Stop first to restart it.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.mu.Lock()
	w.running = true
	w.interval = interval
	w.mu.Unlock()

	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.SyncOnce(ctx); err != nil && w.logger != nil {
					w.logger.Error().Err(err).Msg("sync: syncOnce failed")
				}
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic loop and waits for the in-flight syncOnce (if
// any) to finish.
func (w *Worker) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.stopCh = nil
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}
