// Package conflict detects disagreements between a local unconfirmed edit
// and an incoming authoritative record for the same entity, and applies or
// requests a resolution strategy.
package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/livesync/internal/collection"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyLocalWins keeps the local payload and re-sends it as a fresh
	// mutation.
	StrategyLocalWins Strategy = "local_wins"
	// StrategyRemoteWins adopts the remote payload as-is.
	StrategyRemoteWins Strategy = "remote_wins"
	// StrategyTimestampWins adopts whichever side has the newer
	// last-modified timestamp; ties fall back to remote.
	StrategyTimestampWins Strategy = "timestamp_wins"
	// StrategyMerge overlays the local side's changed fields onto the
	// remote base; same-field divergence falls back to manual.
	StrategyMerge Strategy = "merge"
	// StrategyManual leaves the conflict pending for an explicit choice.
	StrategyManual Strategy = "manual"
)

// Status is the conflict lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// ErrManualRequired is returned by a merge that found the same field
// changed to different values on both sides; the conflict stays pending.
var ErrManualRequired = errors.New("merge needs manual resolution")

// ErrNotFound is returned when resolving an unknown conflict id.
var ErrNotFound = errors.New("conflict not found")

// metadataFields are excluded from divergence checks: two payloads that
// differ only in these are not in conflict.
var metadataFields = map[string]bool{
	"id":         true,
	"updated_at": true,
	"created_at": true,
	"timestamp":  true,
}

// Conflict is one detected disagreement. At most one pending conflict
// exists per entity id; resolved conflicts are retained for history until
// explicitly cleared.
type Conflict struct {
	ID         string
	EntityID   string
	EntityType string
	LocalData  collection.Record
	RemoteData collection.Record
	BaseData   collection.Record // pre-edit snapshot both sides diverged from
	DetectedAt time.Time
	Status     Status
	Strategy   Strategy          // strategy that resolved it
	Resolution collection.Record // winning payload
}

// Resolution is the outcome handed to the caller that applies it.
type Resolution struct {
	Conflict Conflict
	Winner   collection.Record
	// Resend is set by local_wins (and merges that changed the remote
	// base): the winner must be re-sent to the backend as a fresh mutation.
	Resend bool
}

// Options configures the detector.
type Options struct {
	// DefaultStrategy is applied when no strategy is passed to Resolve and
	// as the auto-resolution fallback for manual conflicts. When it is
	// manual itself, auto-resolution falls back to remote_wins.
	DefaultStrategy    Strategy
	AutoResolveTimeout time.Duration // 0 disables auto-resolution
}

// DefaultOptions returns manual resolution with a 30s auto-resolve fallback.
func DefaultOptions() Options {
	return Options{DefaultStrategy: StrategyManual, AutoResolveTimeout: 30 * time.Second}
}

// Detector tracks pending and resolved conflicts and their auto-resolve
// timers, keyed by conflict id so teardown cancels deterministically.
type Detector struct {
	opts Options

	mu       sync.Mutex
	pending  map[string]*Conflict // entity id -> conflict
	byID     map[string]*Conflict
	resolved []Conflict
	timers   map[string]*time.Timer

	// OnResolved, when set, receives every resolution (including
	// auto-resolutions) so the store can apply the winner.
	OnResolved func(Resolution)
}

// NewDetector creates an empty detector.
func NewDetector(opts Options) *Detector {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyManual
	}
	return &Detector{
		opts:    opts,
		pending: make(map[string]*Conflict),
		byID:    make(map[string]*Conflict),
		timers:  make(map[string]*time.Timer),
	}
}

// Diverged reports whether local and remote disagree on at least one
// non-metadata field.
func Diverged(local, remote collection.Record) bool {
	for k, lv := range local {
		if metadataFields[k] {
			continue
		}
		rv, ok := remote[k]
		if !ok || fmt.Sprintf("%v", lv) != fmt.Sprintf("%v", rv) {
			return true
		}
	}
	for k := range remote {
		if metadataFields[k] {
			continue
		}
		if _, ok := local[k]; !ok {
			return true
		}
	}
	return false
}

// Detect raises a conflict for an entity whose local edit disagrees with an
// incoming remote record. Returns false when the payloads agree on all
// non-metadata fields. A pending conflict for the same entity is updated in
// place rather than duplicated.
func (d *Detector) Detect(entityType, entityID string, local, remote, base collection.Record) (Conflict, bool) {
	if !Diverged(local, remote) {
		return Conflict{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.pending[entityID]; ok {
		// Only one active conflict per entity: newer remote data replaces
		// the stale side of the existing record.
		existing.RemoteData = remote.Clone()
		return *existing, true
	}

	c := &Conflict{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		EntityType: entityType,
		LocalData:  local.Clone(),
		RemoteData: remote.Clone(),
		BaseData:   base.Clone(),
		DetectedAt: time.Now().UTC(),
		Status:     StatusPending,
	}
	d.pending[entityID] = c
	d.byID[c.ID] = c
	slog.Info("conflict detected", "entity_type", entityType, "entity_id", entityID, "conflict_id", c.ID)

	if d.opts.AutoResolveTimeout > 0 {
		id := c.ID
		d.timers[id] = time.AfterFunc(d.opts.AutoResolveTimeout, func() {
			d.autoResolve(id)
		})
	}
	return *c, true
}

// autoResolve applies the configured fallback strategy to a conflict that
// received no manual choice in time.
func (d *Detector) autoResolve(conflictID string) {
	strategy := d.opts.DefaultStrategy
	if strategy == StrategyManual {
		strategy = StrategyRemoteWins
	}
	res, err := d.Resolve(conflictID, strategy)
	if errors.Is(err, ErrManualRequired) {
		// Merge could not settle it either; take the remote side.
		res, err = d.Resolve(conflictID, StrategyRemoteWins)
	}
	if err != nil {
		return
	}
	slog.Info("conflict auto-resolved", "conflict_id", conflictID, "strategy", res.Conflict.Strategy)
}

// Resolve settles a conflict with the given strategy (empty means the
// configured default). Exactly one pending→resolved transition happens per
// conflict: resolving an already-resolved conflict returns its original
// resolution and changes nothing.
func (d *Detector) Resolve(conflictID string, strategy Strategy) (Resolution, error) {
	d.mu.Lock()

	c, ok := d.byID[conflictID]
	if !ok {
		d.mu.Unlock()
		return Resolution{}, ErrNotFound
	}
	if c.Status == StatusResolved {
		res := Resolution{Conflict: *c, Winner: c.Resolution.Clone()}
		d.mu.Unlock()
		return res, nil
	}

	if strategy == "" {
		strategy = d.opts.DefaultStrategy
	}
	if strategy == StrategyManual {
		d.mu.Unlock()
		return Resolution{Conflict: *c}, ErrManualRequired
	}

	winner, resend, err := settle(c, strategy)
	if err != nil {
		d.mu.Unlock()
		return Resolution{Conflict: *c}, err
	}

	c.Status = StatusResolved
	c.Strategy = strategy
	c.Resolution = winner.Clone()
	if t, ok := d.timers[conflictID]; ok {
		t.Stop()
		delete(d.timers, conflictID)
	}
	delete(d.pending, c.EntityID)
	d.resolved = append(d.resolved, *c)

	res := Resolution{Conflict: *c, Winner: winner, Resend: resend}
	cb := d.OnResolved
	d.mu.Unlock()

	slog.Info("conflict resolved", "conflict_id", conflictID, "strategy", strategy)
	if cb != nil {
		cb(res)
	}
	return res, nil
}

// settle computes the winning payload for a strategy.
func settle(c *Conflict, strategy Strategy) (winner collection.Record, resend bool, err error) {
	switch strategy {
	case StrategyLocalWins:
		return c.LocalData.Clone(), true, nil
	case StrategyRemoteWins:
		return c.RemoteData.Clone(), false, nil
	case StrategyTimestampWins:
		lt, lok := lastModified(c.LocalData)
		rt, rok := lastModified(c.RemoteData)
		if lok && rok && lt.After(rt) {
			return c.LocalData.Clone(), true, nil
		}
		// Ties and unparseable timestamps fall back to remote.
		return c.RemoteData.Clone(), false, nil
	case StrategyMerge:
		return merge(c)
	default:
		return nil, false, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// merge overlays the local side's changed fields (relative to base) onto
// the remote payload. A field both sides changed to different values aborts
// the merge.
func merge(c *Conflict) (collection.Record, bool, error) {
	out := c.RemoteData.Clone()
	changed := false
	for k, lv := range c.LocalData {
		if metadataFields[k] {
			continue
		}
		bv, hadBase := c.BaseData[k]
		localChanged := !hadBase || fmt.Sprintf("%v", lv) != fmt.Sprintf("%v", bv)
		if !localChanged {
			continue
		}
		rv, hasRemote := c.RemoteData[k]
		remoteChanged := !hadBase && hasRemote || hadBase && hasRemote && fmt.Sprintf("%v", rv) != fmt.Sprintf("%v", bv)
		if remoteChanged && fmt.Sprintf("%v", rv) != fmt.Sprintf("%v", lv) {
			return nil, false, ErrManualRequired
		}
		out[k] = lv
		changed = true
	}
	return out, changed, nil
}

// lastModified extracts a last-modified timestamp from a payload, trying
// the same field list the divergence check treats as metadata.
func lastModified(r collection.Record) (time.Time, bool) {
	for _, key := range []string{"updated_at", "timestamp", "created_at"} {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, err := parseTimestamp(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTimestamp tries common timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// PendingFor returns the pending conflict for an entity, if any.
func (d *Detector) PendingFor(entityID string) (Conflict, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pending[entityID]
	if !ok {
		return Conflict{}, false
	}
	return *c, true
}

// Pending returns all pending conflicts.
func (d *Detector) Pending() []Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conflict, 0, len(d.pending))
	for _, c := range d.pending {
		out = append(out, *c)
	}
	return out
}

// History returns resolved conflicts, oldest first.
func (d *Detector) History() []Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conflict, len(d.resolved))
	copy(out, d.resolved)
	return out
}

// Counts returns the pending and resolved conflict counts.
func (d *Detector) Counts() (pending, resolved int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending), len(d.resolved)
}

// ClearResolved discards resolved conflict history.
func (d *Detector) ClearResolved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.resolved {
		delete(d.byID, c.ID)
	}
	d.resolved = nil
}

// Close cancels every auto-resolve timer.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}
