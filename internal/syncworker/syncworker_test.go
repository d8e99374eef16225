package syncworker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/eventlog"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/logging"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
	"github.com/shelfsync/shelfsync/internal/snapshot"
)

func testGuard() *safeio.Guard {
	return safeio.NewGuard("test-sync", 8, 8, 5, time.Second, 0, clock.Real{})
}

func newHarness(t *testing.T, everyN int) (*eventlog.Store, *snapshot.Snapshotter, *Worker) {
	t.Helper()
	dir := t.TempDir()
	log, err := eventlog.New(filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), testGuard(), clock.Real{})
	require.NoError(t, err)
	snap := snapshot.New(filepath.Join(dir, "snapshots"), everyN, testGuard(), log, clock.Real{})
	w, err := New(filepath.Join(dir, "central-inventory.json"), 3, testGuard(), log, snap, 5, clock.Real{}, logging.NewSilent(), nil)
	require.NoError(t, err)
	return log, snap, w
}

func appendEvent(t *testing.T, log *eventlog.Store, id, sku string, qty int64) domain.Event {
	t.Helper()
	e, err := log.Append(context.Background(), domain.Event{
		ID:   id,
		Type: domain.EventStockAdjusted,
		Payload: domain.EventPayload{
			SKU: sku, StoreID: "store-1", NewQty: qty, NewVersion: qty,
		},
	})
	require.NoError(t, err)
	return e
}

func TestWorker_SyncOnceAppliesEventsAndAdvancesCursor(t *testing.T) {
	log, _, w := newHarness(t, 100)
	appendEvent(t, log, "e1", "sku-1", 5)
	appendEvent(t, log, "e2", "sku-1", 8)

	result, err := w.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Applied)
	require.EqualValues(t, 2, w.Cursor())
	require.Equal(t, int64(8), w.Aggregate()["store-1"]["sku-1"].Qty)
}

func TestWorker_SyncOnceIsIdempotentWithNoNewEvents(t *testing.T) {
	log, _, w := newHarness(t, 100)
	appendEvent(t, log, "e1", "sku-1", 5)

	_, err := w.SyncOnce(context.Background())
	require.NoError(t, err)
	result, err := w.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.Applied)
}

func TestWorker_SyncOnceTriggersSnapshotOnCadence(t *testing.T) {
	log, snap, w := newHarness(t, 2)
	appendEvent(t, log, "e1", "sku-1", 1)
	appendEvent(t, log, "e2", "sku-1", 2)

	_, err := w.SyncOnce(context.Background())
	require.NoError(t, err)

	latest, err := snap.GetLatestSnapshot()
	require.NoError(t, err)
	require.EqualValues(t, 2, latest.Sequence)
}

func TestWorker_SyncOnceCompactsLogAndPrunesSnapshotsOnCadence(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.New(filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), testGuard(), clock.Real{})
	require.NoError(t, err)
	snap := snapshot.New(filepath.Join(dir, "snapshots"), 2, testGuard(), log, clock.Real{})
	w, err := New(filepath.Join(dir, "central-inventory.json"), 3, testGuard(), log, snap, 1, clock.Real{}, logging.NewSilent(), nil)
	require.NoError(t, err)

	appendEvent(t, log, "e1", "sku-1", 1)
	appendEvent(t, log, "e2", "sku-1", 2)
	_, err = w.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, log.GetAll(), "events at or below the snapshot sequence should be compacted away")

	appendEvent(t, log, "e3", "sku-1", 3)
	appendEvent(t, log, "e4", "sku-1", 4)
	_, err = w.SyncOnce(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "keepCount=1 should prune every snapshot but the latest")
}

func TestWorker_ReplayOnBootResumesFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.New(filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), testGuard(), clock.Real{})
	require.NoError(t, err)
	snap := snapshot.New(filepath.Join(dir, "snapshots"), 1, testGuard(), log, clock.Real{})
	w1, err := New(filepath.Join(dir, "central-inventory.json"), 3, testGuard(), log, snap, 5, clock.Real{}, logging.NewSilent(), nil)
	require.NoError(t, err)

	appendEvent(t, log, "e1", "sku-1", 5)
	_, err = w1.SyncOnce(context.Background())
	require.NoError(t, err)

	appendEvent(t, log, "e2", "sku-1", 9)

	w2, err := New(filepath.Join(dir, "central-inventory.json"), 3, testGuard(), log, snap, 5, clock.Real{}, logging.NewSilent(), nil)
	require.NoError(t, err)

	result, err := w2.ReplayOnBoot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)
	require.Equal(t, int64(9), w2.Aggregate()["store-1"]["sku-1"].Qty)
}

func TestWorker_StartAndStop(t *testing.T) {
	log, _, w := newHarness(t, 100)
	appendEvent(t, log, "e1", "sku-1", 5)

	w.Start(context.Background(), 5*time.Millisecond)
	require.True(t, w.Status().Running)
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	require.EqualValues(t, 1, w.Cursor())
	require.False(t, w.Status().Running)
}

func TestWorker_StatusReflectsLastRun(t *testing.T) {
	log, _, w := newHarness(t, 100)
	appendEvent(t, log, "e1", "sku-1", 5)

	before := w.Status()
	require.True(t, before.LastRunAt.IsZero())

	_, err := w.SyncOnce(context.Background())
	require.NoError(t, err)

	after := w.Status()
	require.False(t, after.LastRunAt.IsZero())
	require.Empty(t, after.LastError)
	require.EqualValues(t, 1, after.LastCursor)
}
