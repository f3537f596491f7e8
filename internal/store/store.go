// Package store is the client facade: it wires the backend, the connection
// manager, the subscription registry, optimistic updates, the offline queue,
// and the conflict detector behind one construction path.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/livesync/internal/backend"
	"github.com/marcus/livesync/internal/collection"
	"github.com/marcus/livesync/internal/config"
	"github.com/marcus/livesync/internal/conflict"
	"github.com/marcus/livesync/internal/connection"
	"github.com/marcus/livesync/internal/health"
	"github.com/marcus/livesync/internal/offline"
	"github.com/marcus/livesync/internal/optimistic"
	"github.com/marcus/livesync/internal/subscription"
)

// OutcomeStatus classifies how a mutation left the store.
type OutcomeStatus string

const (
	// OutcomeApplied means the backend accepted the mutation.
	OutcomeApplied OutcomeStatus = "applied"
	// OutcomeQueued means the mutation was written to the durable offline
	// queue for replay on reconnect.
	OutcomeQueued OutcomeStatus = "queued"
	// OutcomeRejected means the backend refused the mutation and any
	// optimistic overlay was rolled back.
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome reports what happened to one mutation.
type Outcome struct {
	Status  OutcomeStatus
	EntryID string            // optimistic entry id, empty when no cache was live
	Record  collection.Record // authoritative record on acceptance
	Action  *offline.Action   // set when queued
	Reason  string            // backend reason on rejection
}

// MutationError is a backend rejection: the mutation was delivered and
// refused, as opposed to a transport failure which queues instead.
type MutationError struct {
	Reason string
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation rejected: %s", e.Reason)
}

// StatusReport is the health snapshot behind `livesync status`.
type StatusReport struct {
	Connection         connection.State
	Uptime             time.Duration
	SyncTimes          map[string]time.Time
	ActiveChannels     int
	Queue              offline.Stats
	PendingOptimistic  int
	PendingConflicts   int
	ResolvedConflicts  int
	MutationCount      int64
	AvgRoundTripMillis float64
}

// Store owns every moving part of the sync client. Construct with Open (or
// New in tests); everything reads connection state through the one injected
// manager.
type Store struct {
	settings *config.Settings

	be    backend.Backend
	conn  *connection.Manager
	reg   *subscription.Registry
	opt   *optimistic.Manager
	queue *offline.Queue
	det   *conflict.Detector
	trips health.RoundTrips

	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Open builds a store from resolved settings, connects, and starts the
// event pump. A failed initial connect is not fatal: the connection manager
// keeps retrying and Status reflects the state.
func Open(s *config.Settings) (*Store, error) {
	be := backend.New(s.ServerURL, s.APIKey, s.DeviceID)

	policy := s.Reconnect
	policy.MaxAttempts = s.QueueMaxRetries
	queue, err := offline.Open(s.QueuePath, be, policy)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}

	return New(be, queue, s), nil
}

// New wires a store around an existing backend and queue. The queue's
// sender must target the same backend.
func New(be backend.Backend, queue *offline.Queue, s *config.Settings) *Store {
	st := &Store{
		settings:  s,
		be:        be,
		queue:     queue,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	st.conn = connection.New(be, connection.Options{
		Policy:            s.Reconnect,
		HeartbeatInterval: s.HeartbeatInterval,
		HeartbeatTimeout:  s.HeartbeatTimeout,
	})
	st.opt = optimistic.NewManager(optimistic.Options{
		Timeout:    s.OptimisticTimeout,
		MaxPending: s.OptimisticMaxPending,
	})
	st.det = conflict.NewDetector(conflict.Options{
		DefaultStrategy:    conflict.Strategy(s.ConflictStrategy),
		AutoResolveTimeout: s.AutoResolveTimeout,
	})
	st.reg = subscription.NewRegistry(be, st.conn, subscription.Options{
		SeedBackoff: s.Reconnect,
	})

	st.reg.OnEvent = st.reconcile
	st.reg.OnCacheDiscard = st.opt.CancelAllForCache
	st.queue.OnTransportError = st.conn.ReportFailure
	st.det.OnResolved = st.applyResolution
	st.opt.OnRollback = func(e optimistic.Entry) {
		slog.Warn("optimistic update timed out", "table", e.Table, "entity", e.EntityID, "op", e.Op)
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel

	if err := st.conn.Connect(); err != nil {
		slog.Warn("initial connect failed", "err", err)
	}

	go func() {
		defer close(st.done)
		st.reg.Run(ctx)
	}()
	go st.flushOnReconnect(ctx)

	return st
}

// flushOnReconnect drains the offline queue every time the connection comes
// back up. A link drop mid-flush cancels the flush so the unsent remainder
// stays pending and resumes transparently on the next reconnect.
func (s *Store) flushOnReconnect(ctx context.Context) {
	ch := make(chan connection.State, 8)
	s.conn.Notify(ch)
	defer s.conn.Unnotify(ch)

	var cancelFlush context.CancelFunc
	stop := func() {
		if cancelFlush != nil {
			cancelFlush()
			cancelFlush = nil
		}
	}
	start := func() {
		stop()
		fctx, cancel := context.WithCancel(ctx)
		cancelFlush = cancel
		go s.flushQueue(fctx)
	}

	if s.conn.Connected() {
		start()
	}
	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case state := <-ch:
			if state.Status == connection.StatusConnected {
				start()
			} else {
				stop()
			}
		}
	}
}

func (s *Store) flushQueue(ctx context.Context) {
	if err := s.queue.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("queue flush failed", "err", err)
	}
}

// Query fetches a one-shot snapshot without opening a subscription.
func (s *Store) Query(table, filter, orderBy string, limit int) ([]collection.Record, error) {
	return s.be.Query(table, filter, orderBy, limit)
}

// Subscribe opens (or joins) a live subscription for the descriptor.
// Closing the returned handle unsubscribes.
func (s *Store) Subscribe(ctx context.Context, desc subscription.Descriptor) (*subscription.Handle, error) {
	return s.reg.Subscribe(ctx, desc)
}

// Mutate applies a mutation optimistically and routes it: connected sends
// it to the backend, disconnected queues it durably for replay.
func (s *Store) Mutate(table string, op collection.Op, payload collection.Record, filter string) (Outcome, error) {
	entityID := payload.ID()

	var entryID string
	if cache, ok := s.reg.CacheFor(table); ok {
		id, err := s.opt.Apply(cache, table, entityID, op, payload)
		if err != nil {
			return Outcome{}, err
		}
		entryID = id
	}

	if !s.conn.Connected() {
		return s.enqueue(table, op, payload, filter, entryID)
	}

	start := time.Now()
	resp, err := s.be.Mutate(table, op, payload, filter)
	if err != nil {
		// Transport failure, not a rejection: flag the link and fall back
		// to the durable queue. The optimistic overlay stands.
		s.conn.ReportFailure(err)
		return s.enqueue(table, op, payload, filter, entryID)
	}
	s.conn.RecordActivity()
	s.trips.Observe(time.Since(start))

	if !resp.Accepted {
		if entryID != "" {
			s.opt.Rollback(entryID)
		}
		return Outcome{Status: OutcomeRejected, EntryID: entryID, Reason: resp.Reason},
			&MutationError{Reason: resp.Reason}
	}

	s.opt.Confirm(table, entityID)
	if resp.Record != nil {
		s.reg.Dispatch(collection.ChangeEvent{
			Table:      table,
			Op:         op,
			Record:     resp.Record,
			ReceivedAt: time.Now().UTC(),
		})
	}
	return Outcome{Status: OutcomeApplied, EntryID: entryID, Record: resp.Record}, nil
}

func (s *Store) enqueue(table string, op collection.Op, payload collection.Record, filter, entryID string) (Outcome, error) {
	action, err := s.queue.Enqueue(offline.Action{
		Table:   table,
		Op:      op,
		Payload: payload,
		Filter:  filter,
	})
	if err != nil {
		if entryID != "" {
			s.opt.Rollback(entryID)
		}
		return Outcome{}, fmt.Errorf("queue mutation: %w", err)
	}
	return Outcome{Status: OutcomeQueued, EntryID: entryID, Action: &action}, nil
}

// reconcile is the event pump's per-event hook: incoming remote changes
// either confirm a pending optimistic entry, raise a conflict, or apply
// straight through.
func (s *Store) reconcile(cache *collection.Cache, ev collection.ChangeEvent) {
	entityID := ev.EntityID()
	entry, pending := s.opt.PendingEntry(ev.Table, entityID)
	if !pending {
		cache.Apply(ev)
		return
	}

	if ev.Op == collection.OpDelete || !conflict.Diverged(entry.Payload, ev.Record) {
		// The remote change agrees with our local edit (or removes the
		// entity outright): confirmation, not conflict.
		s.opt.Confirm(ev.Table, entityID)
		cache.Apply(ev)
		return
	}

	base, _ := cache.ServerRecord(entityID)
	s.det.Detect(ev.Table, entityID, entry.Payload, ev.Record, base)
	// Advance the authoritative record underneath the overlay; the local
	// edit stays visible until the conflict settles.
	cache.Apply(ev)
}

// applyResolution pushes a settled conflict's winner into the caches and,
// for local-wins outcomes, re-sends it as a fresh mutation.
func (s *Store) applyResolution(res conflict.Resolution) {
	table := res.Conflict.EntityType
	entityID := res.Conflict.EntityID

	s.opt.Confirm(table, entityID)
	s.reg.Dispatch(collection.ChangeEvent{
		Table:      table,
		Op:         collection.OpUpdate,
		Record:     res.Winner,
		ReceivedAt: time.Now().UTC(),
	})

	if !res.Resend {
		return
	}
	if s.conn.Connected() {
		if _, err := s.be.Mutate(table, collection.OpUpdate, res.Winner, ""); err == nil {
			return
		}
	}
	if _, err := s.queue.Enqueue(offline.Action{Table: table, Op: collection.OpUpdate, Payload: res.Winner}); err != nil {
		slog.Error("queue conflict resend", "entity", entityID, "err", err)
	}
}

// Resolve settles a pending conflict with the given strategy (empty means
// the configured default). The winner is applied through the same path as
// auto-resolutions.
func (s *Store) Resolve(conflictID string, strategy conflict.Strategy) (conflict.Resolution, error) {
	return s.det.Resolve(conflictID, strategy)
}

// Conflicts exposes the detector for listing and counts.
func (s *Store) Conflicts() *conflict.Detector { return s.det }

// Queue exposes the offline queue for maintenance commands.
func (s *Store) Queue() *offline.Queue { return s.queue }

// Connection exposes the connection manager.
func (s *Store) Connection() *connection.Manager { return s.conn }

// Connect (re)establishes the link, including after the retry budget was
// exhausted.
func (s *Store) Connect() error { return s.conn.Connect() }

// Status assembles the full health snapshot.
func (s *Store) Status() (StatusReport, error) {
	qstats, err := s.queue.Stats()
	if err != nil {
		return StatusReport{}, fmt.Errorf("queue stats: %w", err)
	}
	pending, resolved := s.det.Counts()

	return StatusReport{
		Connection:         s.conn.Snapshot(),
		Uptime:             time.Since(s.startedAt),
		SyncTimes:          s.reg.SyncTimes(),
		ActiveChannels:     s.reg.ActiveCount(),
		Queue:              qstats,
		PendingOptimistic:  s.opt.PendingCount(),
		PendingConflicts:   pending,
		ResolvedConflicts:  resolved,
		MutationCount:      s.trips.Count(),
		AvgRoundTripMillis: s.trips.AverageMs(),
	}, nil
}

// Close tears everything down: pump, subscriptions, timers, queue,
// connection. Unflushed actions stay durable on disk.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.reg.CloseAll()
	s.opt.Close()
	s.det.Close()
	s.conn.Close()
	return s.queue.Close()
}
