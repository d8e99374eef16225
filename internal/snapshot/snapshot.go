// Package snapshot produces sequence-addressed snapshots of the central
// aggregate, compacts the event log behind them, and supports replay
// from the latest snapshot forward.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/eventlog"
	"github.com/shelfsync/shelfsync/internal/platform/apierr"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
)

const filePrefix = "central-"

// Snapshotter manages the snapshot directory and cadence.
type Snapshotter struct {
	dir      string
	everyN   int
	guard    *safeio.Guard
	clock    clock.Clock
	eventLog *eventlog.Store
}

// New builds a Snapshotter rooted at dir.
func New(dir string, everyN int, guard *safeio.Guard, log *eventlog.Store, clk clock.Clock) *Snapshotter {
	if clk == nil {
		clk = clock.Real{}
	}
	if everyN <= 0 {
		everyN = 1
	}
	return &Snapshotter{dir: dir, everyN: everyN, guard: guard, eventLog: log, clock: clk}
}

func (sn *Snapshotter) pathFor(sequence int64) string {
	return filepath.Join(sn.dir, fmt.Sprintf("%s%d.json", filePrefix, sequence))
}

// MaybeSnapshot builds and persists a snapshot if len(events) is non-zero
// and a multiple of everyN; otherwise returns (nil, nil).
func (sn *Snapshotter) MaybeSnapshot(ctx context.Context, events []domain.Event, aggregate domain.CentralInventory) (*domain.Snapshot, error) {
	if len(events) == 0 || len(events)%sn.everyN != 0 {
		return nil, nil
	}

	last := events[len(events)-1]
	snap := domain.Snapshot{
		Sequence:   last.Sequence,
		Timestamp:  sn.clock.Now(),
		CentralInv: aggregate.Clone(),
		EventCount: len(events),
	}

	if err := safeio.EnsureDir(sn.dir); err != nil {
		return nil, err
	}
	if _, err := safeio.Do(ctx, sn.guard, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, safeio.WriteJSONAtomic(sn.pathFor(snap.Sequence), snap)
	}); err != nil {
		return nil, err
	}

	return &snap, nil
}

// CompactEventLog drops every event with sequence <= snapshotSequence
// from the main log, preserving lastId/lastSequence derivation rules.
func (sn *Snapshotter) CompactEventLog(ctx context.Context, snapshotSequence int64) error {
	events := sn.eventLog.GetAll()
	for _, e := range events {
		if e.Sequence <= snapshotSequence {
			if err := sn.eventLog.RemoveEvent(ctx, e.ID); err != nil && !apierr.Is(err, apierr.KindNotFound) {
				return err
			}
		}
	}
	return nil
}

// LoadSnapshot reads the snapshot at sequence.
func (sn *Snapshotter) LoadSnapshot(sequence int64) (domain.Snapshot, error) {
	var snap domain.Snapshot
	path := sn.pathFor(sequence)
	if !safeio.FileExists(path) {
		return domain.Snapshot{}, apierr.NotFound("snapshot at sequence %d not found", sequence)
	}
	if err := safeio.ReadJSON(path, &snap); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// GetLatestSnapshot scans the snapshot directory and returns the one
// with the highest sequence, or apierr NotFound if none exist.
func (sn *Snapshotter) GetLatestSnapshot() (domain.Snapshot, error) {
	entries, err := os.ReadDir(sn.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Snapshot{}, apierr.NotFound("no snapshots present")
		}
		return domain.Snapshot{}, err
	}

	var best int64 = -1
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		seqStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json")
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			continue
		}
		if seq > best {
			best = seq
		}
	}
	if best < 0 {
		return domain.Snapshot{}, apierr.NotFound("no snapshots present")
	}
	return sn.LoadSnapshot(best)
}

// ReplayFromSnapshot folds every event with sequence > snap.Sequence, in
// order, onto a copy of snap's aggregate.
func (sn *Snapshotter) ReplayFromSnapshot(snap domain.Snapshot, apply func(domain.CentralInventory, domain.Event) domain.CentralInventory) domain.CentralInventory {
	aggregate := snap.CentralInv.Clone()
	tail := sn.eventLog.GetAfterSequence(snap.Sequence)
	sort.Slice(tail, func(i, j int) bool { return tail[i].Sequence < tail[j].Sequence })
	for _, e := range tail {
		aggregate = apply(aggregate, e)
	}
	return aggregate
}

// CleanupOldSnapshots removes every snapshot but the keepCount most
// recent, by sequence.
func (sn *Snapshotter) CleanupOldSnapshots(keepCount int) error {
	entries, err := os.ReadDir(sn.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type seqFile struct {
		seq  int64
		path string
	}
	var files []seqFile
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		seqStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json")
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, seqFile{seq: seq, path: filepath.Join(sn.dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq > files[j].seq })

	if keepCount < 0 {
		keepCount = 0
	}
	for i := keepCount; i < len(files); i++ {
		if err := safeio.DeleteFile(files[i].path); err != nil {
			return err
		}
	}
	return nil
}
