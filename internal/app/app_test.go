package app

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/domain"
)

func TestNewApp_WiresComponentsAndAcceptsAdjust(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")

	a, err := NewApp("")
	require.NoError(t, err)

	result, err := a.Mutation.AdjustStock(context.Background(), "STORE001", "SKU123", 100, nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(100), result.Qty)
	require.Equal(t, int64(2), result.Version)

	rec, err := a.Inventory.Get("STORE001", "SKU123")
	require.NoError(t, err)
	require.Equal(t, int64(100), rec.Qty)
}

func TestApp_ReplayOnBootFoldsEventLogAndSnapshots(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("SNAPSHOT_EVERY_N_EVENTS", "3")
	t.Setenv("LOG_LEVEL", "error")

	a, err := NewApp("")
	require.NoError(t, err)

	seedEvent := func(id string, delta, prevQty, newQty, prevVer, newVer int64) {
		_, err := a.EventLog.Append(context.Background(), domain.Event{
			ID:        id,
			Timestamp: time.Now(),
			Type:      domain.EventStockAdjusted,
			Payload: domain.EventPayload{
				SKU: "SKU123", StoreID: "STORE001", Delta: delta,
				PreviousQty: prevQty, NewQty: newQty,
				PreviousVersion: prevVer, NewVersion: newVer,
			},
		})
		require.NoError(t, err)
	}
	seedEvent("e1", 50, 100, 150, 1, 2)
	seedEvent("e2", -20, 150, 130, 2, 3)
	seedEvent("e3", 25, 130, 155, 3, 4)

	require.NoError(t, a.ReplayOnBoot(context.Background()))

	agg := a.Sync.Aggregate()
	require.Equal(t, int64(155), agg["STORE001"]["SKU123"].Qty)
	require.Equal(t, int64(4), agg["STORE001"]["SKU123"].Version)

	latest, err := a.Snapshotter.GetLatestSnapshot()
	require.NoError(t, err)
	require.EqualValues(t, 3, latest.Sequence)
	require.Equal(t, int64(155), latest.CentralInv["STORE001"]["SKU123"].Qty)
}

func TestApp_StartSyncLoopDrainsOnShutdown(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")

	a, err := NewApp("")
	require.NoError(t, err)

	_, err = a.Mutation.AdjustStock(context.Background(), "STORE001", "SKU123", 10, nil, "")
	require.NoError(t, err)

	a.StartSyncLoop(5 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		a.lifecycle.TriggerShutdown()
	}()

	require.NoError(t, a.WaitForShutdown(time.Second))
	require.Equal(t, int64(1), a.Sync.Cursor())
}

func TestApp_ConfigValidationFailureSurfacesError(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BREAKER_THRESHOLD", strconv.FormatFloat(2.0, 'f', -1, 64))

	_, err := NewApp("")
	require.Error(t, err)
}
