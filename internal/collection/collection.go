// Package collection holds the ordered record set for one subscribed query
// and applies change events and the optimistic overlay to produce the view
// observed by callers.
package collection

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is a backend row of unknown shape. The canonical "id" field
// identifies the entity.
type Record map[string]any

// ID returns the record's entity id, or "" when absent.
func (r Record) ID() string {
	if v, ok := r["id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Op is a change stream operation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is a single notification from the backend change stream.
// Immutable once created.
type ChangeEvent struct {
	Table      string
	Op         Op
	Record     Record
	PrevRecord Record
	ReceivedAt time.Time
}

// EntityID returns the id the event refers to. Deletes may carry the entity
// only in PrevRecord.
func (ev ChangeEvent) EntityID() string {
	if id := ev.Record.ID(); id != "" {
		return id
	}
	return ev.PrevRecord.ID()
}

// Cache is the ordered record set for one query. The externally observed
// list is orderedIDs resolved through the optimistic overlay over the
// authoritative records.
type Cache struct {
	mu      sync.Mutex
	table   string
	orderBy string

	orderedIDs []string
	records    map[string]Record

	// overlay holds optimistic values keyed by entity id. A nil value marks
	// an optimistic delete (the row is hidden from snapshots). Every overlay
	// id is also present in orderedIDs.
	overlay map[string]*Record

	lastServerSyncAt time.Time
}

// New creates an empty cache for the given table. orderBy names the record
// field that determines insert position; empty means arrival order (append).
func New(table, orderBy string) *Cache {
	return &Cache{
		table:   table,
		orderBy: orderBy,
		records: make(map[string]Record),
		overlay: make(map[string]*Record),
	}
}

// Table returns the table this cache tracks.
func (c *Cache) Table() string { return c.table }

// Seed replaces the cache contents with an initial snapshot, preserving the
// snapshot's order. The overlay is left untouched.
func (c *Cache) Seed(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.orderedIDs = c.orderedIDs[:0]
	c.records = make(map[string]Record, len(records))
	for _, r := range records {
		id := r.ID()
		if id == "" {
			continue
		}
		if _, dup := c.records[id]; dup {
			c.records[id] = r.Clone()
			continue
		}
		c.orderedIDs = append(c.orderedIDs, id)
		c.records[id] = r.Clone()
	}
	c.lastServerSyncAt = time.Now().UTC()
}

// Apply applies a change event. Application is idempotent and
// order-preserving: duplicate inserts overwrite in place, updates and
// deletes for absent ids are no-ops.
func (c *Cache) Apply(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := ev.EntityID()
	if id == "" {
		return
	}

	switch ev.Op {
	case OpInsert:
		if _, exists := c.records[id]; exists {
			// Duplicate delivery or a local optimistic placeholder:
			// overwrite in place, keep position.
			c.records[id] = ev.Record.Clone()
		} else {
			c.records[id] = ev.Record.Clone()
			c.insertOrdered(id)
		}
	case OpUpdate:
		if _, exists := c.records[id]; !exists {
			return // record outside the current window
		}
		c.records[id] = ev.Record.Clone()
	case OpDelete:
		if _, exists := c.records[id]; !exists {
			return
		}
		delete(c.records, id)
		delete(c.overlay, id)
		c.removeOrdered(id)
	default:
		return
	}

	c.lastServerSyncAt = time.Now().UTC()
}

// insertOrdered places id at its sorted position when orderBy is set,
// otherwise appends. Caller holds the lock.
func (c *Cache) insertOrdered(id string) {
	if c.orderBy == "" {
		c.orderedIDs = append(c.orderedIDs, id)
		return
	}
	key := c.records[id][c.orderBy]
	pos := sort.Search(len(c.orderedIDs), func(i int) bool {
		other := c.records[c.orderedIDs[i]]
		return !lessValue(other[c.orderBy], key)
	})
	c.orderedIDs = append(c.orderedIDs, "")
	copy(c.orderedIDs[pos+1:], c.orderedIDs[pos:])
	c.orderedIDs[pos] = id
}

func (c *Cache) removeOrdered(id string) {
	for i, v := range c.orderedIDs {
		if v == id {
			c.orderedIDs = append(c.orderedIDs[:i], c.orderedIDs[i+1:]...)
			return
		}
	}
}

// lessValue orders record field values: numbers numerically, everything
// else by string form.
func lessValue(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)) < 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// Snapshot returns the observed record list: ordered ids resolved through
// the overlay over the authoritative records. Optimistically deleted rows
// are omitted.
func (c *Cache) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, len(c.orderedIDs))
	for _, id := range c.orderedIDs {
		if ov, ok := c.overlay[id]; ok {
			if ov == nil {
				continue // optimistic delete
			}
			out = append(out, (*ov).Clone())
			continue
		}
		if r, ok := c.records[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Get returns the observed value for id (overlay first), or false when the
// row is absent or optimistically deleted.
func (c *Cache) Get(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ov, ok := c.overlay[id]; ok {
		if ov == nil {
			return nil, false
		}
		return (*ov).Clone(), true
	}
	r, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// ServerRecord returns the authoritative (non-overlay) value for id.
func (c *Cache) ServerRecord(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// SetOverlayUpdate records an optimistic update or delete for an existing
// row. A nil record hides the row (optimistic delete). Returns false when
// the row does not exist.
func (c *Cache) SetOverlayUpdate(id string, rec Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[id]; !exists {
		return false
	}
	if rec == nil {
		c.overlay[id] = nil
	} else {
		r := rec.Clone()
		c.overlay[id] = &r
	}
	return true
}

// SetOverlayInsert records an optimistic insert: the id is added to the
// ordered list and the overlay simultaneously. Returns false when the id
// already exists.
func (c *Cache) SetOverlayInsert(id string, rec Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[id]; exists {
		return false
	}
	if _, exists := c.overlay[id]; exists {
		return false
	}
	r := rec.Clone()
	c.records[id] = r.Clone()
	c.insertOrdered(id)
	c.overlay[id] = &r
	return true
}

// ClearOverlay removes the overlay entry for id, letting the authoritative
// record stand. Used on optimistic confirmation.
func (c *Cache) ClearOverlay(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overlay, id)
}

// RevertOverlay rolls back an optimistic entry. For an insert the
// placeholder row is removed entirely; for update/delete the overlay entry
// is dropped so the pre-mutation record shows through again.
func (c *Cache) RevertOverlay(id string, wasInsert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.overlay, id)
	if wasInsert {
		delete(c.records, id)
		c.removeOrdered(id)
	}
}

// HasOverlay reports whether id has a pending optimistic entry.
func (c *Cache) HasOverlay(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.overlay[id]
	return ok
}

// Contains reports whether id is present in the authoritative record set.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[id]
	return ok
}

// Len returns the observed row count (overlay deletes excluded).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, id := range c.orderedIDs {
		if ov, ok := c.overlay[id]; ok && ov == nil {
			continue
		}
		n++
	}
	return n
}

// LastServerSyncAt returns the time the last change event or seed was
// applied.
func (c *Cache) LastServerSyncAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastServerSyncAt
}
