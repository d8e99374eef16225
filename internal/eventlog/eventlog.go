// Package eventlog is the append-only, sequence-ordered log every mutation
// writes to and the sync worker reads from. Append is the system's
// linearization point: sequence is the total order every downstream
// consumer must honor.
package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/platform/apierr"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
)

// logFile is the on-disk shape of the main event log.
type logFile struct {
	Events       []domain.Event `json:"events"`
	LastID       string         `json:"lastId,omitempty"`
	LastSequence int64          `json:"lastSequence,omitempty"`
}

// dlqFile is the on-disk shape of the dead-letter queue.
type dlqFile struct {
	Entries []domain.DeadLetterEvent `json:"entries"`
}

// Stats summarizes the log's current contents for /metrics and admin
// endpoints.
type Stats struct {
	TotalEvents  int
	DeadLettered int
	LastSequence int64
}

// Store is the file-backed event log. The in-memory copy is the
// authoritative read path; every mutation persists the whole file
// atomically before returning.
type Store struct {
	path    string
	dlqPath string
	guard   *safeio.Guard
	clock   clock.Clock

	mu  sync.RWMutex
	log logFile
	dlq dlqFile
}

// New loads (or initializes) the log and DLQ files at path/dlqPath.
func New(path, dlqPath string, guard *safeio.Guard, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Store{path: path, dlqPath: dlqPath, guard: guard, clock: clk}

	if safeio.FileExists(path) {
		if err := safeio.ReadJSON(path, &s.log); err != nil {
			return nil, fmt.Errorf("load event log: %w", err)
		}
	}
	if safeio.FileExists(dlqPath) {
		if err := safeio.ReadJSON(dlqPath, &s.dlq); err != nil {
			return nil, fmt.Errorf("load dead-letter queue: %w", err)
		}
	}
	return s, nil
}

// Append assigns event.Sequence and persists it. A duplicate id is a
// no-op that returns the previously stored event.
func (s *Store) Append(ctx context.Context, event domain.Event) (domain.Event, error) {
	s.mu.Lock()
	for _, e := range s.log.Events {
		if e.ID == event.ID {
			s.mu.Unlock()
			return e, nil
		}
	}

	event.Sequence = s.log.LastSequence + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	s.log.Events = append(s.log.Events, event)
	s.log.LastID = event.ID
	s.log.LastSequence = event.Sequence
	snapshot := s.log
	s.mu.Unlock()

	if err := s.persistLogSnapshot(ctx, snapshot); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

// persistLogSnapshot writes a captured copy of the log state, used so the
// lock is not held across I/O.
func (s *Store) persistLogSnapshot(ctx context.Context, snapshot logFile) error {
	_, err := safeio.Do(ctx, s.guard, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, safeio.WriteJSONAtomic(s.path, snapshot)
	})
	return err
}

// GetAll returns every event in sequence order.
func (s *Store) GetAll() []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Event, len(s.log.Events))
	copy(out, s.log.Events)
	return out
}

// GetByType filters to events of the given type.
func (s *Store) GetByType(t domain.EventType) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.log.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// GetByTimeRange returns events with a <= Timestamp <= b.
func (s *Store) GetByTimeRange(a, b time.Time) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.log.Events {
		if !e.Timestamp.Before(a) && !e.Timestamp.After(b) {
			out = append(out, e)
		}
	}
	return out
}

// GetAfterSequence returns events with Sequence > seq, in order.
func (s *Store) GetAfterSequence(seq int64) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.log.Events {
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

// GetByID returns the event with the given id, or apierr NotFound.
func (s *Store) GetByID(id string) (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.log.Events {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.Event{}, apierr.NotFound("event %q not found", id)
}

// GetLast returns the most recently appended event, or apierr NotFound if
// the log is empty.
func (s *Store) GetLast() (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.log.Events) == 0 {
		return domain.Event{}, apierr.NotFound("event log is empty")
	}
	return s.log.Events[len(s.log.Events)-1], nil
}

// GetPaginated returns up to limit events starting at offset, in
// sequence order.
func (s *Store) GetPaginated(offset, limit int) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset >= len(s.log.Events) {
		return nil
	}
	end := offset + limit
	if end > len(s.log.Events) {
		end = len(s.log.Events)
	}
	out := make([]domain.Event, end-offset)
	copy(out, s.log.Events[offset:end])
	return out
}

// GetCount returns the total number of events currently retained.
func (s *Store) GetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log.Events)
}

// UpdateRetryInfo sets event id's retry bookkeeping to retryCount,
// lastFailureTs=now, and the given reason.
func (s *Store) UpdateRetryInfo(ctx context.Context, id string, retryCount int, reason string) error {
	s.mu.Lock()
	idx := -1
	for i, e := range s.log.Events {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return apierr.NotFound("event %q not found", id)
	}
	s.log.Events[idx].Retry = &domain.RetryInfo{
		RetryCount:    retryCount,
		LastFailureTs: s.clock.Now(),
		FailureReason: reason,
	}
	snapshot := s.log
	s.mu.Unlock()

	return s.persistLogSnapshot(ctx, snapshot)
}

// RecordFailure increments id's retryCount by one and records reason,
// equivalent to UpdateRetryInfo(id, current+1, reason).
func (s *Store) RecordFailure(ctx context.Context, id string, reason string) error {
	s.mu.RLock()
	current := 0
	found := false
	for _, e := range s.log.Events {
		if e.ID == id {
			found = true
			if e.Retry != nil {
				current = e.Retry.RetryCount
			}
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return apierr.NotFound("event %q not found", id)
	}
	return s.UpdateRetryInfo(ctx, id, current+1, reason)
}

// MoveToDeadLetter reads event id, appends a DeadLetterEvent to the DLQ,
// then removes the original from the main log.
func (s *Store) MoveToDeadLetter(ctx context.Context, id string, finalReason string) error {
	event, err := s.GetByID(id)
	if err != nil {
		return err
	}

	totalRetries := 0
	if event.Retry != nil {
		totalRetries = event.Retry.RetryCount
	}

	s.mu.Lock()
	s.dlq.Entries = append(s.dlq.Entries, domain.DeadLetterEvent{
		OriginalEvent:       event,
		DeadLetterTimestamp: s.clock.Now(),
		FinalFailureReason:  finalReason,
		TotalRetries:        totalRetries,
	})
	dlqSnapshot := s.dlq
	s.mu.Unlock()

	if err := s.persistDLQSnapshot(ctx, dlqSnapshot); err != nil {
		return err
	}
	return s.RemoveEvent(ctx, id)
}

func (s *Store) persistDLQSnapshot(ctx context.Context, snapshot dlqFile) error {
	_, err := safeio.Do(ctx, s.guard, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, safeio.WriteJSONAtomic(s.dlqPath, snapshot)
	})
	return err
}

// RemoveEvent deletes the event with the given id from the main log.
func (s *Store) RemoveEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := -1
	for i, e := range s.log.Events {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return apierr.NotFound("event %q not found", id)
	}
	s.log.Events = append(s.log.Events[:idx], s.log.Events[idx+1:]...)
	snapshot := s.log
	s.mu.Unlock()

	return s.persistLogSnapshot(ctx, snapshot)
}

// Clear empties the main log, preserving lastId/lastSequence.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.log.Events = nil
	snapshot := s.log
	s.mu.Unlock()

	return s.persistLogSnapshot(ctx, snapshot)
}

// Stats returns a summary of the log's current contents.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalEvents:  len(s.log.Events),
		DeadLettered: len(s.dlq.Entries),
		LastSequence: s.log.LastSequence,
	}
}

// DeadLetterEntries returns every quarantined event, oldest first.
func (s *Store) DeadLetterEntries() []domain.DeadLetterEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeadLetterEvent, len(s.dlq.Entries))
	copy(out, s.dlq.Entries)
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeadLetterTimestamp.Before(out[j].DeadLetterTimestamp)
	})
	return out
}
