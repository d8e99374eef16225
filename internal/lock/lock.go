// Package lock implements the optional, flag-gated cross-process lease
// lock: one file per key under LOCK_DIR, exclusive-created, carrying
// {owner, expiresAt}. It is the cross-process counterpart to
// internal/keyserial's in-process mutual exclusion.
package lock

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
)

// LostError is returned by Renew/Release when the lease file's owner no
// longer matches the caller's handle.
type LostError struct{ Key string }

func (e *LostError) Error() string { return fmt.Sprintf("lock %s: lost (owner mismatch)", e.Key) }

// ContentionError is returned by Acquire when the key is held by another
// live owner.
type ContentionError struct {
	Key    string
	Stolen bool // true if an expired or unparseable lease file was removed and the retried create still failed
}

func (e *ContentionError) Error() string {
	if e.Stolen {
		return fmt.Sprintf("lock %s: race during steal retry", e.Key)
	}
	return fmt.Sprintf("lock %s: held by another process", e.Key)
}

// Handle identifies one acquired lease; Release/Renew take it back.
type Handle struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Manager persists lease files under dir and tracks every handle this
// process has acquired, so shutdown can force-release all of them.
type Manager struct {
	dir   string
	clock clock.Clock

	mu      sync.Mutex
	handles map[string]*Handle // key -> outstanding handle, for shutdown sweep
}

// New builds a Manager rooted at dir.
func New(dir string, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{dir: dir, clock: clk, handles: make(map[string]*Handle)}
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".lock")
}

// Acquire attempts to exclusively create the lease file for key. On
// contention it inspects the existing file: an unparseable file is
// treated as absent (removed and retried once); an expired lease is
// stolen (removed and retried once); otherwise it reports
// ContentionError. No count of steals, expiries or contentions is kept.
func (m *Manager) Acquire(key string, ttl time.Duration, owner string) (*Handle, error) {
	if err := safeio.EnsureDir(m.dir); err != nil {
		return nil, err
	}
	h, err := m.tryAcquire(key, ttl, owner, false)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.handles[key] = h
	m.mu.Unlock()
	return h, nil
}

func (m *Manager) tryAcquire(key string, ttl time.Duration, owner string, isRetry bool) (*Handle, error) {
	path := m.path(key)
	expiresAt := m.clock.Now().Add(ttl)
	lease := domain.LockLease{Key: key, Owner: owner, ExpiresAt: expiresAt}
	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return nil, err
	}

	err = safeio.CreateExclusive(path, data)
	if err == nil {
		return &Handle{Key: key, Owner: owner, ExpiresAt: expiresAt}, nil
	}

	if isRetry {
		return nil, &ContentionError{Key: key, Stolen: true}
	}

	var existing domain.LockLease
	if readErr := safeio.ReadJSON(path, &existing); readErr != nil {
		// Unparseable or vanished: treat as absent and retry once.
		_ = safeio.DeleteFile(path)
		return m.tryAcquire(key, ttl, owner, true)
	}

	if existing.ExpiresAt.Before(m.clock.Now()) {
		_ = safeio.DeleteFile(path)
		return m.tryAcquire(key, ttl, owner, true)
	}

	return nil, &ContentionError{Key: key, Stolen: false}
}

// Renew re-reads the lease file and, if h's owner still matches,
// rewrites it with a new expiry. Owner mismatch is LostError.
func (m *Manager) Renew(h *Handle, ttl time.Duration) error {
	path := m.path(h.Key)
	var existing domain.LockLease
	if err := safeio.ReadJSON(path, &existing); err != nil {
		return &LostError{Key: h.Key}
	}
	if existing.Owner != h.Owner {
		return &LostError{Key: h.Key}
	}

	h.ExpiresAt = m.clock.Now().Add(ttl)
	existing.ExpiresAt = h.ExpiresAt
	return safeio.WriteJSONAtomic(path, existing)
}

// Release removes the lease file if h still owns it. A missing file is
// treated as already released, not an error. Owner mismatch is LostError.
func (m *Manager) Release(h *Handle) error {
	defer func() {
		m.mu.Lock()
		delete(m.handles, h.Key)
		m.mu.Unlock()
	}()

	path := m.path(h.Key)
	var existing domain.LockLease
	if err := safeio.ReadJSON(path, &existing); err != nil {
		return nil
	}
	if existing.Owner != h.Owner {
		return &LostError{Key: h.Key}
	}
	return safeio.DeleteFile(path)
}

// IsLocked reports whether key is currently held by an unexpired lease.
// As a side effect, an expired lease file it encounters is removed.
func (m *Manager) IsLocked(key string) bool {
	path := m.path(key)
	var existing domain.LockLease
	if err := safeio.ReadJSON(path, &existing); err != nil {
		return false
	}
	if existing.ExpiresAt.Before(m.clock.Now()) {
		_ = safeio.DeleteFile(path)
		return false
	}
	return true
}

// ForceRelease removes key's lease file unconditionally, bypassing the
// owner check. Used only during shutdown.
func (m *Manager) ForceRelease(key string) error {
	m.mu.Lock()
	delete(m.handles, key)
	m.mu.Unlock()
	return safeio.DeleteFile(m.path(key))
}

// ForceReleaseAll force-releases every lease this process currently
// tracks as outstanding, in the order the lifecycle shutdown sequence
// calls for.
func (m *Manager) ForceReleaseAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.handles))
	for k := range m.handles {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		_ = m.ForceRelease(k)
	}
}
