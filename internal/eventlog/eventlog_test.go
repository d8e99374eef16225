package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
)

func testGuard() *safeio.Guard {
	return safeio.NewGuard("test-eventlog", 8, 8, 5, time.Second, 0, clock.Real{})
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), testGuard(), clock.NewFrozen(time.Unix(0, 0)))
	require.NoError(t, err)
	return s
}

func adjustEvent(id string, delta int64) domain.Event {
	return domain.Event{
		ID:   id,
		Type: domain.EventStockAdjusted,
		Payload: domain.EventPayload{
			SKU: "sku-1", StoreID: "store-1", Delta: delta,
		},
	}
}

func TestStore_AppendAssignsSequence(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.Append(context.Background(), adjustEvent("e1", 1))
	require.NoError(t, err)
	require.EqualValues(t, 1, e1.Sequence)

	e2, err := s.Append(context.Background(), adjustEvent("e2", 2))
	require.NoError(t, err)
	require.EqualValues(t, 2, e2.Sequence)
}

func TestStore_AppendDuplicateIDIsNoOp(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.Append(context.Background(), adjustEvent("e1", 1))
	require.NoError(t, err)

	e1Again, err := s.Append(context.Background(), adjustEvent("e1", 99))
	require.NoError(t, err)
	require.Equal(t, e1, e1Again)
	require.Equal(t, 1, s.GetCount())
}

func TestStore_GetByIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	appended, err := s.Append(context.Background(), adjustEvent("e1", 1))
	require.NoError(t, err)

	got, err := s.GetByID("e1")
	require.NoError(t, err)
	require.Equal(t, appended, got)
}

func TestStore_GetByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetByID("missing")
	require.Error(t, err)
}

func TestStore_RecordFailureIncrementsRetryCount(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), adjustEvent("e1", 1))
	require.NoError(t, err)

	require.NoError(t, s.RecordFailure(context.Background(), "e1", "boom"))
	require.NoError(t, s.RecordFailure(context.Background(), "e1", "boom again"))

	got, err := s.GetByID("e1")
	require.NoError(t, err)
	require.Equal(t, 2, got.Retry.RetryCount)
	require.Equal(t, "boom again", got.Retry.FailureReason)
}

func TestStore_MoveToDeadLetterRemovesFromMainLogAndAppendsDLQ(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), adjustEvent("e1", 1))
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(context.Background(), "e1", "boom"))

	require.NoError(t, s.MoveToDeadLetter(context.Background(), "e1", "Max retries (3) exceeded"))

	_, err = s.GetByID("e1")
	require.Error(t, err)

	entries := s.DeadLetterEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "e1", entries[0].OriginalEvent.ID)
	require.Equal(t, 1, entries[0].TotalRetries)
}

func TestStore_GetAfterSequence(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 3; i++ {
		_, err := s.Append(context.Background(), adjustEvent(string(rune('a'+i)), int64(i)))
		require.NoError(t, err)
	}
	out := s.GetAfterSequence(1)
	require.Len(t, out, 2)
	require.EqualValues(t, 2, out[0].Sequence)
}

func TestStore_GetPaginated(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Append(context.Background(), adjustEvent(string(rune('a'+i)), int64(i)))
		require.NoError(t, err)
	}
	page := s.GetPaginated(2, 2)
	require.Len(t, page, 2)
	require.EqualValues(t, 3, page[0].Sequence)
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "event-log.json")
	dlqPath := filepath.Join(dir, "dead-letter.json")

	s1, err := New(logPath, dlqPath, testGuard(), clock.Real{})
	require.NoError(t, err)
	_, err = s1.Append(context.Background(), adjustEvent("e1", 1))
	require.NoError(t, err)

	s2, err := New(logPath, dlqPath, testGuard(), clock.Real{})
	require.NoError(t, err)
	require.Equal(t, 1, s2.GetCount())
	got, err := s2.GetByID("e1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Sequence)
}
