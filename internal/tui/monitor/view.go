package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/livesync/internal/health"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	// Handle small terminal sizes gracefully
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	if m.Err != nil {
		return m.renderError()
	}

	if m.ShowHelp {
		return m.renderHelp()
	}

	// Calculate panel heights (3 panels + footer)
	availableHeight := m.Height - 3 // Leave room for footer
	panelHeight := availableHeight / 3

	conn := m.renderConnectionPanel(panelHeight)
	queue := m.renderQueuePanel(panelHeight)
	conflicts := m.renderConflictsPanel(panelHeight)

	panels := lipgloss.JoinVertical(lipgloss.Left,
		conn,
		queue,
		conflicts,
	)

	footer := m.renderFooter()

	return lipgloss.JoinVertical(lipgloss.Left, panels, footer)
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder

	s.WriteString("livesync monitor (resize for full view)\n\n")
	s.WriteString(fmt.Sprintf("Status: %s\n", m.Report.Connection.Status))
	s.WriteString(fmt.Sprintf("Queued: %d | Conflicts: %d\n",
		m.Report.Queue.Size, m.Report.PendingConflicts))
	s.WriteString("\nq:quit r:refresh ?:help")

	return s.String()
}

// renderError renders an error message
func (m Model) renderError() string {
	return fmt.Sprintf("Error: %v\n\nPress r to retry, q to quit", m.Err)
}

// renderConnectionPanel renders the connection panel (Panel 1)
func (m Model) renderConnectionPanel(height int) string {
	var content strings.Builder
	state := m.Report.Connection

	content.WriteString(titleStyle.Render("Status: "))
	content.WriteString(formatConnStatus(state.Status))
	if state.Attempt > 0 {
		content.WriteString(subtleStyle.Render(fmt.Sprintf("  (attempt %d)", state.Attempt)))
	}
	content.WriteString("\n")

	content.WriteString(fmt.Sprintf("Uptime: %s    Channels: %d    Pending optimistic: %d\n",
		health.FormatUptime(m.Report.Uptime),
		m.Report.ActiveChannels,
		m.Report.PendingOptimistic))
	content.WriteString(fmt.Sprintf("Mutations: %d    Avg round trip: %s\n",
		m.Report.MutationCount,
		health.FormatAvgDuration(m.Report.AvgRoundTripMillis)))

	if state.LastError != nil {
		content.WriteString(subtleStyle.Render(fmt.Sprintf("Last error: %v", state.LastError)))
		content.WriteString("\n")
	}

	if len(m.Report.SyncTimes) > 0 {
		content.WriteString("\n")
		keys := make([]string, 0, len(m.Report.SyncTimes))
		for k := range m.Report.SyncTimes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ts := m.Report.SyncTimes[k]
			when := "never"
			if !ts.IsZero() {
				when = ts.Local().Format("15:04:05")
			}
			content.WriteString(fmt.Sprintf("  %s  %s\n",
				m.truncate(k, m.Width/2), timestampStyle.Render("synced "+when)))
		}
	}

	return m.wrapPanel("CONNECTION", content.String(), height, PanelConnection)
}

// renderQueuePanel renders the offline queue panel (Panel 2)
func (m Model) renderQueuePanel(height int) string {
	var content strings.Builder
	stats := m.Report.Queue

	content.WriteString(fmt.Sprintf("Size: %d    Failed: %d    Success rate: %.0f%%\n",
		stats.Size, stats.ByStatus["failed"], stats.SuccessRate*100))

	if len(m.Queued) == 0 {
		content.WriteString(subtleStyle.Render("Queue empty"))
		content.WriteString("\n")
	} else {
		offset := m.ScrollOffset[PanelQueue]
		visible := m.visibleItems(len(m.Queued), offset, height-3)
		for i := offset; i < offset+visible && i < len(m.Queued); i++ {
			a := m.Queued[i]
			line := fmt.Sprintf("%s %s %s/%s %s",
				formatOpBadge(string(a.Op)),
				formatActionStatus(a.Status),
				a.Table,
				m.truncate(a.Payload.ID(), 20),
				subtleStyle.Render(fmt.Sprintf("attempts:%d", a.Attempts)))
			content.WriteString(line)
			content.WriteString("\n")
		}
	}

	return m.wrapPanel("OFFLINE QUEUE", content.String(), height, PanelQueue)
}

// renderConflictsPanel renders the conflicts panel (Panel 3)
func (m Model) renderConflictsPanel(height int) string {
	var content strings.Builder

	content.WriteString(fmt.Sprintf("Pending: %d    Resolved: %d\n",
		m.Report.PendingConflicts, m.Report.ResolvedConflicts))

	if len(m.Conflicts) == 0 {
		content.WriteString(subtleStyle.Render("No pending conflicts"))
		content.WriteString("\n")
	} else {
		offset := m.ScrollOffset[PanelConflicts]
		visible := m.visibleItems(len(m.Conflicts), offset, height-3)
		for i := offset; i < offset+visible && i < len(m.Conflicts); i++ {
			c := m.Conflicts[i]
			line := fmt.Sprintf("%s %s/%s %s",
				timestampStyle.Render(c.DetectedAt.Local().Format("15:04:05")),
				c.EntityType,
				m.truncate(c.EntityID, 20),
				subtleStyle.Render(m.truncate(c.ID, 8)))
			content.WriteString(line)
			content.WriteString("\n")
		}
	}

	return m.wrapPanel("CONFLICTS", content.String(), height, PanelConflicts)
}

// renderFooter renders the key hints and refresh timestamp
func (m Model) renderFooter() string {
	hints := "tab:panel  j/k:scroll  c:reconnect  f:retry failed  r:refresh  ?:help  q:quit"
	refreshed := ""
	if !m.LastRefresh.IsZero() {
		refreshed = "  refreshed " + m.LastRefresh.Local().Format("15:04:05")
	}
	return helpStyle.Render(m.truncate(hints+refreshed, m.Width))
}

// renderHelp renders the help overlay
func (m Model) renderHelp() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("livesync monitor"))
	if m.Version != "" {
		s.WriteString(subtleStyle.Render("  " + m.Version))
	}
	s.WriteString("\n\n")
	s.WriteString(`Key bindings:
  Tab/Shift+Tab  Switch panels
  1/2/3          Jump to panel
  j/k, up/down   Scroll active panel
  c              Force a reconnect
  f              Requeue failed actions
  r              Force refresh
  ?              Toggle this help
  q              Quit
`)
	return s.String()
}

// wrapPanel applies the panel border, title, and active highlight
func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}
	header := panelTitleStyle.Render(title)
	body := lipgloss.JoinVertical(lipgloss.Left, header, content)
	return style.Width(m.Width - 2).Height(height - 2).Render(body)
}

// visibleItems returns how many rows fit given the offset and budget
func (m Model) visibleItems(total, offset, budget int) int {
	if budget < 1 {
		budget = 1
	}
	remaining := total - offset
	if remaining < 0 {
		return 0
	}
	if remaining < budget {
		return remaining
	}
	return budget
}

// truncate shortens a string to fit the given width
func (m Model) truncate(s string, width int) string {
	if width <= 3 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
