// Package offline durably records mutations that cannot reach the backend
// and replays them in order when connectivity returns. The log is a sqlite
// database owned exclusively by the Queue; external status reporters only
// read derived statistics.
package offline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus/livesync/internal/backend"
	"github.com/marcus/livesync/internal/collection"
	"github.com/marcus/livesync/internal/retry"
)

// clockAfter is time.After, swappable in tests so retry backoff doesn't
// sleep for real.
var clockAfter = func(d time.Duration) <-chan time.Time { return time.After(d) }

// Sender delivers a queued action to the backend. Satisfied by
// *backend.Client.
type Sender interface {
	Mutate(table string, op collection.Op, payload collection.Record, filter string) (*backend.MutateResponse, error)
}

// Stats is the observable queue state.
type Stats struct {
	Size        int // pending + inflight
	ByStatus    map[ActionStatus]int
	SuccessRate float64 // completed / (completed + failed)
}

// Queue is the durable offline action log.
type Queue struct {
	db     *sql.DB
	sender Sender
	policy retry.Policy

	// flushMu serializes flush passes so every trigger gets a real pass.
	flushMu sync.Mutex

	mu        sync.Mutex
	completed int // successful sends this session

	ownsDB bool

	// OnTransportError, when set, is told about a send that died on the
	// wire. The connection layer hooks in here so a mid-flush link drop
	// transitions the manager instead of going unnoticed until the next
	// heartbeat.
	OnTransportError func(error)
}

// Open opens (or creates) the durable queue at path.
func Open(path string, sender Sender, policy retry.Policy) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	q, err := New(db, sender, policy)
	if err != nil {
		db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// New wraps an existing database connection. Used by tests.
func New(db *sql.DB, sender Sender, policy retry.Policy) (*Queue, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Queue{db: db, sender: sender, policy: policy}, nil
}

// Enqueue appends an action to the durable log.
func (q *Queue) Enqueue(a Action) (Action, error) {
	a.Status = StatusPending
	a.Attempts = 0
	stored, err := insertAction(q.db, a)
	if err != nil {
		return stored, err
	}
	slog.Debug("action queued", "seq", stored.Seq, "table", stored.Table, "op", stored.Op)
	return stored, nil
}

// Actions lists queued actions in insertion order; empty status means all.
func (q *Queue) Actions(status ActionStatus) ([]Action, error) {
	return listActions(q.db, status)
}

// Flush replays pending actions: strict FIFO within each table, tables
// processed concurrently. Triggered by a connected transition or an
// explicit back-online signal. Overlapping calls serialize, so a reconnect
// that lands while a cancelled flush is winding down still gets its own
// pass. A context cancellation (connectivity dropped mid-flush) leaves the
// remaining actions pending for the next reconnect.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tables, err := pendingTables(q.db)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}
	slog.Debug("queue flush started", "tables", len(tables))

	var wg sync.WaitGroup
	for _, table := range tables {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			q.flushTable(ctx, table)
		}(table)
	}
	wg.Wait()
	return ctx.Err()
}

// flushTable sends one table's actions in enqueue order. Actions never
// overtake each other: a retrying action blocks everything behind it until
// it completes or exhausts its budget.
func (q *Queue) flushTable(ctx context.Context, table string) {
	for {
		if ctx.Err() != nil {
			return
		}

		action, ok, err := nextPending(q.db, table)
		if err != nil {
			slog.Warn("queue: next pending", "table", table, "err", err)
			return
		}
		if !ok {
			return
		}

		if err := setStatus(q.db, action.Seq, StatusInFlight, action.Attempts); err != nil {
			slog.Warn("queue: mark inflight", "seq", action.Seq, "err", err)
			return
		}

		resp, sendErr := q.sender.Mutate(action.Table, action.Op, action.Payload, action.Filter)
		if sendErr != nil {
			// Transport failure: connectivity is gone, not a verdict on
			// the action. It goes back untouched so the next reconnect
			// resumes exactly here, with no retry budget charged.
			if err := setStatus(q.db, action.Seq, StatusPending, action.Attempts); err != nil {
				slog.Warn("queue: restore pending", "seq", action.Seq, "err", err)
			}
			slog.Debug("queue: flush paused on transport failure", "seq", action.Seq, "table", table, "err", sendErr)
			if q.OnTransportError != nil {
				q.OnTransportError(sendErr)
			}
			return
		}
		if resp.Accepted {
			if err := deleteAction(q.db, action.Seq); err != nil {
				slog.Warn("queue: remove completed", "seq", action.Seq, "err", err)
			}
			q.mu.Lock()
			q.completed++
			q.mu.Unlock()
			slog.Debug("queue: action completed", "seq", action.Seq, "table", table)
			continue
		}

		// The server saw the action and refused it: that charges the budget.
		action.Attempts++
		if !q.policy.ShouldRetry(action.Attempts) {
			// Retry budget spent: the action is marked failed and stays
			// visible until manually retried or cleared, never dropped.
			if err := setStatus(q.db, action.Seq, StatusFailed, action.Attempts); err != nil {
				slog.Warn("queue: mark failed", "seq", action.Seq, "err", err)
			}
			slog.Warn("queue: action exhausted retries", "seq", action.Seq, "table", table, "attempts", action.Attempts, "reason", resp.Reason)
			continue
		}

		if err := setStatus(q.db, action.Seq, StatusPending, action.Attempts); err != nil {
			slog.Warn("queue: reschedule", "seq", action.Seq, "err", err)
			return
		}
		slog.Debug("queue: action retry scheduled", "seq", action.Seq, "attempt", action.Attempts, "reason", resp.Reason)

		select {
		case <-ctx.Done():
			return
		case <-clockAfter(q.policy.Delay(action.Attempts - 1)):
		}
	}
}

// Stats returns queue size, counts by status, and the derived success rate.
func (q *Queue) Stats() (Stats, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM queued_actions GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	byStatus := make(map[ActionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		byStatus[ActionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	completed := q.completed
	q.mu.Unlock()
	byStatus[StatusCompleted] = completed

	s := Stats{
		Size:     byStatus[StatusPending] + byStatus[StatusInFlight],
		ByStatus: byStatus,
	}
	if total := completed + byStatus[StatusFailed]; total > 0 {
		s.SuccessRate = float64(completed) / float64(total)
	}
	return s, nil
}

// RetryFailed returns failed actions to pending with a fresh attempt
// budget. Returns the number of actions requeued.
func (q *Queue) RetryFailed() (int64, error) {
	res, err := q.db.Exec(`UPDATE queued_actions SET status = 'pending', attempts = 0 WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("retry failed actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear removes every queued action.
func (q *Queue) Clear() error {
	if _, err := q.db.Exec(`DELETE FROM queued_actions`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Close releases the database when the queue owns it. Unflushed actions
// stay durably queued for the next session.
func (q *Queue) Close() error {
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}
