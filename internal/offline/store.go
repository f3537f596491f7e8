package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/livesync/internal/collection"
)

// ActionStatus is the queue lifecycle state of an action.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusInFlight  ActionStatus = "inflight"
	StatusFailed    ActionStatus = "failed"
	StatusCompleted ActionStatus = "completed"
)

// Action is one queued mutation. Insertion order (seq) preserves per-table
// FIFO across process restarts.
type Action struct {
	Seq       int64
	ID        string
	Table     string
	Op        collection.Op
	Payload   collection.Record
	Filter    string
	CreatedAt time.Time
	Attempts  int
	Status    ActionStatus
}

// initSchema creates the durable queue log if it doesn't exist.
func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_actions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			table_name  TEXT NOT NULL,
			op          TEXT NOT NULL,
			payload     JSON NOT NULL,
			filter      TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			attempts    INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'pending'
		);
		CREATE INDEX IF NOT EXISTS idx_queued_actions_status ON queued_actions(status);
		CREATE INDEX IF NOT EXISTS idx_queued_actions_table ON queued_actions(table_name, seq);
	`)
	if err != nil {
		return fmt.Errorf("init queue schema: %w", err)
	}
	// Actions left inflight by a crash resume as pending.
	if _, err := db.Exec(`UPDATE queued_actions SET status = 'pending' WHERE status = 'inflight'`); err != nil {
		return fmt.Errorf("reset inflight actions: %w", err)
	}
	return nil
}

// insertAction appends an action to the durable log and returns it with its
// assigned sequence number.
func insertAction(db *sql.DB, a Action) (Action, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return a, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := db.Exec(
		`INSERT INTO queued_actions (id, table_name, op, payload, filter, attempts, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Table, string(a.Op), string(payload), a.Filter, a.Attempts, string(a.Status),
	)
	if err != nil {
		return a, fmt.Errorf("insert action: %w", err)
	}
	a.Seq, err = res.LastInsertId()
	if err != nil {
		return a, fmt.Errorf("last insert id: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return a, nil
}

func scanActions(rows *sql.Rows) ([]Action, error) {
	var actions []Action
	for rows.Next() {
		var (
			a          Action
			op, status string
			payload    string
			ts         string
		)
		if err := rows.Scan(&a.Seq, &a.ID, &a.Table, &op, &payload, &a.Filter, &ts, &a.Attempts, &status); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Op = collection.Op(op)
		a.Status = ActionStatus(status)
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload seq=%d: %w", a.Seq, err)
		}
		if t, err := parseTimestamp(ts); err == nil {
			a.CreatedAt = t
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

const actionColumns = `seq, id, table_name, op, payload, filter, created_at, attempts, status`

// listActions returns actions in insertion order, optionally filtered by
// status.
func listActions(db *sql.DB, status ActionStatus) ([]Action, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = db.Query(
			`SELECT `+actionColumns+` FROM queued_actions WHERE status = ? ORDER BY seq ASC`,
			string(status))
	} else {
		rows, err = db.Query(`SELECT ` + actionColumns + ` FROM queued_actions ORDER BY seq ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// pendingTables returns the distinct tables that have pending actions.
func pendingTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT table_name FROM queued_actions WHERE status = 'pending' ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("query pending tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// nextPending returns the oldest pending action for a table, or false.
func nextPending(db *sql.DB, table string) (Action, bool, error) {
	rows, err := db.Query(
		`SELECT `+actionColumns+` FROM queued_actions WHERE status = 'pending' AND table_name = ? ORDER BY seq ASC LIMIT 1`,
		table)
	if err != nil {
		return Action{}, false, fmt.Errorf("query next pending: %w", err)
	}
	defer rows.Close()

	actions, err := scanActions(rows)
	if err != nil || len(actions) == 0 {
		return Action{}, false, err
	}
	return actions[0], true, nil
}

func setStatus(db *sql.DB, seq int64, status ActionStatus, attempts int) error {
	_, err := db.Exec(`UPDATE queued_actions SET status = ?, attempts = ? WHERE seq = ?`,
		string(status), attempts, seq)
	if err != nil {
		return fmt.Errorf("update action seq=%d: %w", seq, err)
	}
	return nil
}

func deleteAction(db *sql.DB, seq int64) error {
	if _, err := db.Exec(`DELETE FROM queued_actions WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("delete action seq=%d: %w", seq, err)
	}
	return nil
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05.999999999-07:00",
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
