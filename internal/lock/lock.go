// Package lock implements the per-change writer lock: a content-bearing
// .lock file carrying owner, acquisition time and TTL. Acquisition never
// blocks; a live lock is a hard conflict, an expired one is scavenged and
// acquisition retried exactly once.
package lock

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/taskmcp/internal/fault"
)

// FileName is the lock file name inside a change directory.
const FileName = ".lock"

// Record is the JSON payload of a lock file.
type Record struct {
	Owner string `json:"owner"`
	Since int64  `json:"since"` // epoch millis
	TTL   int    `json:"ttl"`   // seconds
}

// Live reports whether the lock is still held at now.
func (r Record) Live(now time.Time) bool {
	return now.UnixMilli() < r.Since+int64(r.TTL)*1000
}

// Remaining returns the seconds left before the lock expires, floored at 0.
func (r Record) Remaining(now time.Time) int {
	left := (r.Since + int64(r.TTL)*1000 - now.UnixMilli()) / 1000
	if left < 0 {
		return 0
	}
	return int(left)
}

// Handle identifies a held lock. Release is idempotent and only removes
// the file while this handle's owner still holds it.
type Handle struct {
	ID    string
	Owner string
	path  string
	mgr   *Manager
}

// Manager acquires and releases change-directory locks.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager. logger must not be nil.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger, now: time.Now}
}

// Acquire claims <dir>/.lock for owner with the given TTL in seconds.
// On collision with a live lock it fails immediately with ELOCKED carrying
// the holder and remaining TTL; an expired lock is removed and acquisition
// retried once. It never blocks.
func (m *Manager) Acquire(dir, owner string, ttlSeconds int) (*Handle, error) {
	h, err := m.tryAcquire(dir, owner, ttlSeconds)
	if err == nil {
		return h, nil
	}
	f := fault.From(err)
	if f.Code != fault.CodeLockScavenged {
		return nil, err
	}
	// Stale lock was removed; one retry only.
	m.logger.Warn("scavenged stale lock", "dir", dir, "owner", owner)
	return m.tryAcquire(dir, owner, ttlSeconds)
}

// scavengeGrace protects a freshly created lock file whose record write
// is still in flight from being classified as unreadable garbage.
const scavengeGrace = 2 * time.Second

func (m *Manager) tryAcquire(dir, owner string, ttlSeconds int) (*Handle, error) {
	path := filepath.Join(dir, FileName)

	// The exclusive create is the atomic claim. The record is written and
	// fsynced through the same descriptor; there is no rename that could
	// clobber a lock taken by someone else in the meantime.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fault.Wrap(fault.CodeIO, err, "creating lock file")
		}
		return nil, m.onCollision(path)
	}

	rec := Record{Owner: owner, Since: m.now().UnixMilli(), TTL: ttlSeconds}
	data, err := json.Marshal(rec)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fault.Wrap(fault.CodeIO, err, "encoding lock record")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fault.Wrap(fault.CodeIO, err, "writing lock record")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fault.Wrap(fault.CodeIO, err, "syncing lock record")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fault.Wrap(fault.CodeIO, err, "closing lock file")
	}

	return &Handle{ID: uuid.NewString(), Owner: owner, path: path, mgr: m}, nil
}

// onCollision inspects an existing lock file and classifies the conflict.
func (m *Manager) onCollision(path string) error {
	rec, err := m.Read(filepath.Dir(path))
	if err != nil {
		// Unreadable: either a concurrent acquirer between create and
		// write, or debris from a crash. Only the second is scavengeable.
		if info, statErr := os.Stat(path); statErr == nil && m.now().Sub(info.ModTime()) < scavengeGrace {
			return fault.New(fault.CodeLocked, "change is locked").
				WithHint("a lock acquisition is in flight, retry shortly")
		}
		os.Remove(path)
		return fault.New(fault.CodeLockScavenged, "removed unreadable lock file")
	}
	now := m.now()
	if rec.Live(now) {
		return fault.Newf(fault.CodeLocked, "change is locked by %s", rec.Owner).
			WithHint("retry after the lock TTL elapses or contact the holder").
			WithContext("holder", rec.Owner).
			WithContext("remainingSeconds", rec.Remaining(now))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.CodeIO, err, "removing expired lock")
	}
	return fault.New(fault.CodeLockScavenged, "removed expired lock file")
}

// Read returns the lock record in dir, or nil if no lock file exists.
func (m *Manager) Read(dir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.CodeIO, err, "reading lock file")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "decoding lock record")
	}
	return &rec, nil
}

// IsLocked reports whether dir holds a live lock, and by whom.
func (m *Manager) IsLocked(dir string) (bool, *Record) {
	rec, err := m.Read(dir)
	if err != nil || rec == nil {
		return false, nil
	}
	if !rec.Live(m.now()) {
		return false, rec
	}
	return true, rec
}

// HeldBy reports whether dir holds a live lock owned by owner.
func (m *Manager) HeldBy(dir, owner string) bool {
	live, rec := m.IsLocked(dir)
	return live && rec.Owner == owner
}

// Release removes the lock if this handle's owner still holds it.
// Releasing an already-released or expired-and-replaced lock is a no-op.
func (h *Handle) Release() error {
	rec, err := h.mgr.Read(filepath.Dir(h.path))
	if err != nil || rec == nil {
		return nil
	}
	if rec.Owner != h.Owner {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.CodeIO, err, "removing lock file")
	}
	return nil
}

// ReleaseOwned removes the lock in dir if it is owned by owner. Used for
// explicit release without a live handle.
func (m *Manager) ReleaseOwned(dir, owner string) (bool, error) {
	rec, err := m.Read(dir)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Owner != owner {
		return false, nil
	}
	if err := os.Remove(filepath.Join(dir, FileName)); err != nil && !os.IsNotExist(err) {
		return false, fault.Wrap(fault.CodeIO, err, "removing lock file")
	}
	return true, nil
}
