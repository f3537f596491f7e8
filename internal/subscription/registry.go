// Package subscription maps query descriptors to active channels, routes
// incoming change events to the right collection cache, and deduplicates
// descriptors so the same query is never subscribed twice.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcus/livesync/internal/backend"
	"github.com/marcus/livesync/internal/collection"
	"github.com/marcus/livesync/internal/connection"
	"github.com/marcus/livesync/internal/retry"
)

// Descriptor identifies one query. Two descriptors are equal iff all
// fields match.
type Descriptor struct {
	Table   string
	Filter  string
	OrderBy string
	Limit   int
}

// Key returns the map identity for descriptor deduplication.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", d.Table, d.Filter, d.OrderBy, d.Limit)
}

// entry is one active channel: a cache shared by every subscriber with an
// equal descriptor.
type entry struct {
	desc     Descriptor
	cache    *collection.Cache
	refcount int
}

// Handle is one subscriber's reference to a shared channel.
type Handle struct {
	reg   *Registry
	key   string
	cache *collection.Cache
	once  sync.Once
}

// Cache returns the collection cache backing this subscription.
func (h *Handle) Cache() *collection.Cache { return h.cache }

// Close releases the subscription. When the last handle for a descriptor
// closes, the channel is discarded along with its cache.
func (h *Handle) Close() {
	h.once.Do(func() { h.reg.release(h.key) })
}

// Options configures the registry.
type Options struct {
	SeedRetries  int           // snapshot fetch attempts before surfacing the error
	SeedBackoff  retry.Policy  // spacing between snapshot retries
	PollLimit    int           // max events per poll
	PollInterval time.Duration // idle wait between empty polls
}

// DefaultOptions returns the standard registry settings.
func DefaultOptions() Options {
	return Options{
		SeedRetries:  3,
		SeedBackoff:  retry.DefaultPolicy(),
		PollLimit:    200,
		PollInterval: time.Second,
	}
}

// Registry owns every active subscription and the single event pump that
// feeds them. Each cache is exclusively owned by its registry entry and
// mutated only through dispatch and the optimistic operations.
type Registry struct {
	be   backend.Backend
	conn *connection.Manager
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	cursor  int64

	// OnEvent, when set, handles each dispatched event instead of the
	// default cache.Apply: the store hooks optimistic confirmation and
	// conflict detection in here.
	OnEvent func(cache *collection.Cache, ev collection.ChangeEvent)
	// OnCacheDiscard is called when the last handle for a descriptor
	// closes, before the cache is dropped.
	OnCacheDiscard func(cache *collection.Cache)
}

// NewRegistry creates an empty registry.
func NewRegistry(be backend.Backend, conn *connection.Manager, opts Options) *Registry {
	if opts.PollLimit <= 0 {
		opts.PollLimit = 200
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.SeedRetries <= 0 {
		opts.SeedRetries = 3
	}
	return &Registry{
		be:      be,
		conn:    conn,
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// Subscribe returns a handle for the descriptor, reusing an existing
// channel when an equal descriptor is already active. A new channel fetches
// its initial snapshot before the handle is returned; a snapshot failure
// after the retry budget is surfaced with the last error.
func (r *Registry) Subscribe(ctx context.Context, desc Descriptor) (*Handle, error) {
	key := desc.Key()

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.refcount++
		r.mu.Unlock()
		return &Handle{reg: r, key: key, cache: e.cache}, nil
	}
	r.mu.Unlock()

	cache := collection.New(desc.Table, desc.OrderBy)
	if err := r.seed(ctx, desc, cache); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check: a concurrent subscriber may have won the race.
	if e, ok := r.entries[key]; ok {
		e.refcount++
		return &Handle{reg: r, key: key, cache: e.cache}, nil
	}
	r.entries[key] = &entry{desc: desc, cache: cache, refcount: 1}
	slog.Debug("subscription opened", "table", desc.Table, "filter", desc.Filter)
	return &Handle{reg: r, key: key, cache: cache}, nil
}

// seed fetches the initial ordered snapshot with bounded retries.
func (r *Registry) seed(ctx context.Context, desc Descriptor, cache *collection.Cache) error {
	var lastErr error
	for attempt := 0; attempt < r.opts.SeedRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.SeedBackoff.Delay(attempt - 1)):
			}
		}
		records, err := r.be.Query(desc.Table, desc.Filter, desc.OrderBy, desc.Limit)
		if err != nil {
			lastErr = err
			slog.Warn("snapshot fetch failed", "table", desc.Table, "attempt", attempt, "err", err)
			continue
		}
		cache.Seed(records)
		return nil
	}
	return fmt.Errorf("seed %s: %w", desc.Table, lastErr)
}

// release decrements a descriptor's refcount and discards the channel at
// zero.
func (r *Registry) release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refcount--
	if e.refcount > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	if r.OnCacheDiscard != nil {
		r.OnCacheDiscard(e.cache)
	}
	slog.Debug("subscription closed", "table", e.desc.Table, "filter", e.desc.Filter)
}

// Dispatch routes one change event to every matching entry, in strict
// arrival order. Events for records a filter rejects are dropped
// client-side.
func (r *Registry) Dispatch(ev collection.ChangeEvent) {
	r.mu.Lock()
	var targets []*collection.Cache
	for _, e := range r.entries {
		if e.desc.Table != ev.Table {
			continue
		}
		if e.desc.Filter != "" && !matchesFilter(ev, e.desc.Filter) {
			continue
		}
		targets = append(targets, e.cache)
	}
	onEvent := r.OnEvent
	r.mu.Unlock()

	for _, cache := range targets {
		if onEvent != nil {
			onEvent(cache, ev)
		} else {
			cache.Apply(ev)
		}
	}
}

// matchesFilter applies the descriptor's filter to an event client-side.
// Filters are conjunctions of "field=value" terms joined by "&". Delete
// events always pass so removals reach filtered caches.
func matchesFilter(ev collection.ChangeEvent, filter string) bool {
	if ev.Op == collection.OpDelete {
		return true
	}
	for _, term := range strings.Split(filter, "&") {
		k, v, ok := strings.Cut(term, "=")
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", ev.Record[k]) != v {
			return false
		}
	}
	return true
}

// CacheFor returns a live cache for the table, preferring an unfiltered
// one. Reports false when no subscription covers the table.
func (r *Registry) CacheFor(table string) (*collection.Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fallback *collection.Cache
	for _, e := range r.entries {
		if e.desc.Table != table {
			continue
		}
		if e.desc.Filter == "" {
			return e.cache, true
		}
		fallback = e.cache
	}
	return fallback, fallback != nil
}

// Tables returns the set of tables with at least one active subscription.
func (r *Registry) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	for _, e := range r.entries {
		seen[e.desc.Table] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SyncTimes returns the last server sync timestamp per active descriptor.
func (r *Registry) SyncTimes() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.entries))
	for key, e := range r.entries {
		out[key] = e.cache.LastServerSyncAt()
	}
	return out
}

// ActiveCount returns the number of deduplicated active channels.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run is the event pump: it long-polls the backend for change events while
// the connection is up and dispatches them serially in arrival order, so
// no two events interleave inside a state update. Returns when ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !r.conn.Connected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.PollInterval):
			}
			continue
		}

		resp, err := r.be.Poll(r.currentCursor(), r.opts.PollLimit)
		if err != nil {
			r.conn.ReportFailure(err)
			continue
		}
		r.conn.RecordActivity()

		for _, wire := range resp.Events {
			ev, err := wire.Decode()
			if err != nil {
				slog.Warn("dropping undecodable event", "seq", wire.Seq, "err", err)
				continue
			}
			r.Dispatch(ev)
		}
		r.setCursor(resp.Cursor)

		if !resp.HasMore {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.PollInterval):
			}
		}
	}
}

func (r *Registry) currentCursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Registry) setCursor(c int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c > r.cursor {
		r.cursor = c
	}
}

// CloseAll releases every entry regardless of refcounts. Used at teardown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if r.OnCacheDiscard != nil {
			r.OnCacheDiscard(e.cache)
		}
	}
}
