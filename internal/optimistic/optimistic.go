// Package optimistic applies local mutations into a collection cache before
// backend confirmation and arms the rollback timers that undo them when no
// confirmation arrives in time.
package optimistic

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/livesync/internal/collection"
)

// Status is the lifecycle state of an optimistic entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusRolledBack Status = "rolledback"
)

// Errors surfaced to mutation callers.
var (
	// ErrTooManyPending is backpressure: the system-wide pending budget is
	// spent and the new apply is rejected rather than evicting an older one.
	ErrTooManyPending = errors.New("too many pending optimistic updates")
	// ErrNoSuchRecord means an optimistic update/delete targeted a row the
	// cache does not hold.
	ErrNoSuchRecord = errors.New("record not in cache")
	// ErrAlreadyExists means an optimistic insert targeted an existing row.
	ErrAlreadyExists = errors.New("record already in cache")
)

// Entry tracks one optimistic mutation from apply to confirm or rollback.
type Entry struct {
	ID        string
	Table     string
	EntityID  string
	Op        collection.Op
	Payload   collection.Record
	AppliedAt time.Time
	ExpiresAt time.Time
	Status    Status

	cache *collection.Cache
}

// Options configures the manager.
type Options struct {
	Timeout    time.Duration // rollback deadline, default 5s
	MaxPending int           // system-wide pending budget, default 10
}

// DefaultOptions returns the standard optimistic settings.
func DefaultOptions() Options {
	return Options{Timeout: 5 * time.Second, MaxPending: 10}
}

// Manager owns every pending optimistic entry and its rollback timer.
// Timers are tracked in a map keyed by entry id so teardown can always find
// and cancel each one deterministically.
type Manager struct {
	opts Options

	mu       sync.Mutex
	entries  map[string]*Entry // entry id -> entry
	byEntity map[string]string // table + "/" + entity id -> entry id
	timers   map[string]*time.Timer

	// OnRollback, when set, is invoked (outside the lock) after a timer
	// expiry rolls an entry back, so the original caller can be told the
	// mutation failed.
	OnRollback func(Entry)
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 10
	}
	return &Manager{
		opts:     opts,
		entries:  make(map[string]*Entry),
		byEntity: make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
}

func entityKey(table, entityID string) string {
	return table + "/" + entityID
}

// Apply mutates the cache's overlay immediately and arms the rollback
// timer. Returns the entry id used for explicit rollback.
func (m *Manager) Apply(cache *collection.Cache, table, entityID string, op collection.Op, payload collection.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A newer apply for the same entity supersedes the older entry rather
	// than counting against the budget: the net pending count does not grow.
	// The overlay revert target stays the true pre-mutation state, which the
	// cache still holds in its authoritative records.
	oldID, supersede := m.byEntity[entityKey(table, entityID)]
	if !supersede && len(m.entries) >= m.opts.MaxPending {
		return "", ErrTooManyPending
	}
	if supersede {
		m.dropLocked(oldID)
	}

	switch op {
	case collection.OpInsert:
		if !cache.SetOverlayInsert(entityID, payload) {
			return "", ErrAlreadyExists
		}
	case collection.OpUpdate:
		if !cache.SetOverlayUpdate(entityID, payload) {
			return "", ErrNoSuchRecord
		}
	case collection.OpDelete:
		if !cache.SetOverlayUpdate(entityID, nil) {
			return "", ErrNoSuchRecord
		}
	default:
		return "", errors.New("unknown operation")
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:        uuid.NewString(),
		Table:     table,
		EntityID:  entityID,
		Op:        op,
		Payload:   payload.Clone(),
		AppliedAt: now,
		ExpiresAt: now.Add(m.opts.Timeout),
		Status:    StatusPending,
		cache:     cache,
	}

	m.entries[entry.ID] = entry
	m.byEntity[entityKey(table, entityID)] = entry.ID
	m.timers[entry.ID] = time.AfterFunc(m.opts.Timeout, func() {
		m.expire(entry.ID)
	})

	slog.Debug("optimistic applied", "table", table, "entity", entityID, "op", op)
	return entry.ID, nil
}

// Confirm is called when a change event for a pending entity arrives: the
// timer is cancelled, the overlay dropped, and the authoritative record
// stands. Confirming an entity with no pending entry is a no-op; an entry
// is confirmed at most once.
func (m *Manager) Confirm(table, entityID string) bool {
	m.mu.Lock()
	entryID, ok := m.byEntity[entityKey(table, entityID)]
	if !ok {
		m.mu.Unlock()
		return false
	}
	entry := m.entries[entryID]
	entry.Status = StatusConfirmed
	m.dropLocked(entryID)
	m.mu.Unlock()

	entry.cache.ClearOverlay(entityID)
	slog.Debug("optimistic confirmed", "table", table, "entity", entityID)
	return true
}

// Rollback reverts an entry by id, either from timer expiry or an explicit
// caller request. Best-effort local repair: it never fails, and rolling
// back an unknown or already-settled entry is a no-op.
func (m *Manager) Rollback(entryID string) {
	m.rollback(entryID, false)
}

func (m *Manager) expire(entryID string) {
	m.rollback(entryID, true)
}

func (m *Manager) rollback(entryID string, expired bool) {
	m.mu.Lock()
	entry, ok := m.entries[entryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.Status = StatusRolledBack
	m.dropLocked(entryID)
	cb := m.OnRollback
	m.mu.Unlock()

	entry.cache.RevertOverlay(entry.EntityID, entry.Op == collection.OpInsert)
	slog.Debug("optimistic rolled back", "table", entry.Table, "entity", entry.EntityID, "expired", expired)

	if expired && cb != nil {
		cb(*entry)
	}
}

// dropLocked removes an entry and cancels its timer. Caller holds the lock.
func (m *Manager) dropLocked(entryID string) {
	entry, ok := m.entries[entryID]
	if !ok {
		return
	}
	if t, ok := m.timers[entryID]; ok {
		t.Stop()
		delete(m.timers, entryID)
	}
	delete(m.entries, entryID)
	delete(m.byEntity, entityKey(entry.Table, entry.EntityID))
}

// Pending reports whether the entity has an unconfirmed optimistic entry.
func (m *Manager) Pending(table, entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byEntity[entityKey(table, entityID)]
	return ok
}

// PendingEntry returns a copy of the pending entry for an entity, if any.
func (m *Manager) PendingEntry(table, entityID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entryID, ok := m.byEntity[entityKey(table, entityID)]
	if !ok {
		return Entry{}, false
	}
	return *m.entries[entryID], true
}

// PendingCount returns the number of pending entries system-wide.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CancelAllForCache drops every pending entry belonging to the given cache
// and cancels its timers. Used when a subscription is torn down; the cache
// itself is being discarded so no overlay repair is attempted.
func (m *Manager) CancelAllForCache(cache *collection.Cache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.entries {
		if entry.cache == cache {
			m.dropLocked(id)
		}
	}
}

// Close cancels every pending timer. Entries are dropped without overlay
// repair; the process is going away.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.entries {
		m.dropLocked(id)
	}
}
