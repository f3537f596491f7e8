package monitor

import (
	"time"

	"github.com/marcus/livesync/internal/offline"
	"github.com/marcus/livesync/internal/store"
)

// FetchData retrieves all data needed for the monitor display
func FetchData(st *store.Store) RefreshDataMsg {
	msg := RefreshDataMsg{
		Timestamp: time.Now(),
	}

	report, err := st.Status()
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Report = report

	msg.Queued = fetchQueued(st, 50)
	msg.Conflicts = st.Conflicts().Pending()
	return msg
}

// fetchQueued lists pending and failed actions, pending first, capped at
// limit so a deep queue doesn't blow out the panel.
func fetchQueued(st *store.Store, limit int) []offline.Action {
	var items []offline.Action

	pending, _ := st.Queue().Actions(offline.StatusPending)
	items = append(items, pending...)

	failed, _ := st.Queue().Actions(offline.StatusFailed)
	items = append(items, failed...)

	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
