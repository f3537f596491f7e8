// Package monitor is the live sync-status dashboard behind
// `livesync monitor`: connection state, offline queue, and conflicts,
// refreshed on an interval.
package monitor

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/livesync/internal/conflict"
	"github.com/marcus/livesync/internal/offline"
	"github.com/marcus/livesync/internal/store"
)

// Panel represents which panel is active
type Panel int

const (
	PanelConnection Panel = iota
	PanelQueue
	PanelConflicts
)

// Model is the main Bubble Tea model for the monitor TUI
type Model struct {
	Store *store.Store

	// Window dimensions
	Width  int
	Height int

	// Panel data
	Report    store.StatusReport
	Queued    []offline.Action
	Conflicts []conflict.Conflict

	// UI state
	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	LastRefresh  time.Time
	Err          error

	// Configuration
	RefreshInterval time.Duration
	Version         string
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 12

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Report    store.StatusReport
	Queued    []offline.Action
	Conflicts []conflict.Conflict
	Err       error
	Timestamp time.Time
}

// NewModel creates a new monitor model
func NewModel(st *store.Store, interval time.Duration, version string) Model {
	return Model{
		Store:           st,
		RefreshInterval: interval,
		ScrollOffset:    make(map[Panel]int),
		ActivePanel:     PanelConnection,
		Version:         version,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Report = msg.Report
		m.Queued = msg.Queued
		m.Conflicts = msg.Conflicts
		m.Err = msg.Err
		m.LastRefresh = msg.Timestamp
		return m, nil
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.ActivePanel = (m.ActivePanel + 1) % 3
		return m, nil

	case "shift+tab":
		m.ActivePanel = (m.ActivePanel + 2) % 3
		return m, nil

	case "1":
		m.ActivePanel = PanelConnection
		return m, nil

	case "2":
		m.ActivePanel = PanelQueue
		return m, nil

	case "3":
		m.ActivePanel = PanelConflicts
		return m, nil

	case "j", "down":
		m.ScrollOffset[m.ActivePanel]++
		return m, nil

	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}
		return m, nil

	case "c":
		// Kick a reconnect; the next refresh shows the result.
		m.Store.Connect() //nolint:errcheck
		return m, m.fetchData()

	case "f":
		return m, m.flushQueue()

	case "r":
		return m, m.fetchData()

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	return func() tea.Msg {
		return FetchData(m.Store)
	}
}

// flushQueue requeues failed actions and triggers a flush, then refreshes.
func (m Model) flushQueue() tea.Cmd {
	st := m.Store
	return func() tea.Msg {
		st.Queue().RetryFailed()               //nolint:errcheck
		st.Queue().Flush(context.Background()) //nolint:errcheck
		return FetchData(st)
	}
}
