// Package idempotency caches the result of a request keyed by its
// caller-supplied Idempotency-Key, guarded by a payload fingerprint so a
// key reused with a different payload is rejected as a conflict rather
// than replayed. Entries are in-memory only and TTL-bounded — unlike the
// durable stores, the idempotency cache is not one of the files the
// service persists across restarts.
package idempotency

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
)

// CheckResult is the outcome of Check.
type CheckResult struct {
	Hit          bool
	CachedResult any
	Conflict     bool
}

// Store is the in-memory idempotency cache. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]domain.IdempotencyEntry
	clock   clock.Clock
}

// New builds an empty Store.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{entries: make(map[string]domain.IdempotencyEntry), clock: clk}
}

// Fingerprint canonically serializes payload (object keys sorted
// recursively) so differing key order in the caller's request body never
// changes the fingerprint.
func Fingerprint(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Check looks up key. hit=true iff an unexpired entry exists whose
// fingerprint matches payload's. conflict=true iff an unexpired entry
// exists with a different fingerprint. An entry still pending is
// reported as a hit only once it has settled to completed or failed —
// pending is never handed back as a cached result, since the work it
// caches has not committed yet.
func (s *Store) Check(key string, payload any) (CheckResult, error) {
	fp, err := Fingerprint(payload)
	if err != nil {
		return CheckResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || s.clock.Now().After(entry.ExpiresAt) {
		return CheckResult{}, nil
	}
	if entry.PayloadFingerprint != fp {
		return CheckResult{Conflict: true}, nil
	}
	if entry.Status == domain.IdempotencyPending {
		return CheckResult{}, nil
	}
	return CheckResult{Hit: true, CachedResult: entry.CachedResult}, nil
}

// Reserve records a pending entry for key before the guarded work runs.
// A concurrent Check with the same payload sees no hit (exactly as for an
// absent key, since a pending entry has no result to replay); one with a
// different payload sees a conflict.
func (s *Store) Reserve(key string, payload any, ttl time.Duration) error {
	fp, err := Fingerprint(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = domain.IdempotencyEntry{
		RequestKey:         key,
		PayloadFingerprint: fp,
		Status:             domain.IdempotencyPending,
		ExpiresAt:          s.clock.Now().Add(ttl),
	}
	return nil
}

// Set stores result under key with the given status, replacing any
// pending reservation.
func (s *Store) Set(key string, payload any, result any, status domain.IdempotencyStatus, ttl time.Duration) error {
	fp, err := Fingerprint(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = domain.IdempotencyEntry{
		RequestKey:         key,
		PayloadFingerprint: fp,
		CachedResult:       result,
		Status:             status,
		ExpiresAt:          s.clock.Now().Add(ttl),
	}
	return nil
}

// ExpireOld removes every entry whose ExpiresAt has passed. Intended to
// be called periodically by a background sweep.
func (s *Store) ExpireOld() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Count returns the number of entries currently cached, expired or not.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
