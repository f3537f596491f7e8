package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/livesync/internal/connection"
	"github.com/marcus/livesync/internal/offline"
)

var (
	// Base colors
	primaryColor   = lipgloss.Color("212")
	secondaryColor = lipgloss.Color("141")
	mutedColor     = lipgloss.Color("241")
	successColor   = lipgloss.Color("42")
	warningColor   = lipgloss.Color("214")
	errorColor     = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	// Connection status styles
	statusStyles = map[connection.Status]lipgloss.Style{
		connection.StatusConnected:    lipgloss.NewStyle().Foreground(successColor).Bold(true),
		connection.StatusConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		connection.StatusReconnecting: lipgloss.NewStyle().Foreground(warningColor),
		connection.StatusDisconnected: lipgloss.NewStyle().Foreground(mutedColor),
		connection.StatusError:        lipgloss.NewStyle().Foreground(errorColor).Bold(true),
	}

	// Queue action status styles
	actionStyles = map[offline.ActionStatus]lipgloss.Style{
		offline.StatusPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		offline.StatusInFlight: lipgloss.NewStyle().Foreground(warningColor),
		offline.StatusFailed:   lipgloss.NewStyle().Foreground(errorColor),
	}

	// Operation badges
	insertBadge = lipgloss.NewStyle().Foreground(successColor)
	updateBadge = lipgloss.NewStyle().Foreground(secondaryColor)
	deleteBadge = lipgloss.NewStyle().Foreground(errorColor)
)

// formatConnStatus renders a connection status with color
func formatConnStatus(s connection.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatActionStatus renders a queue action status with color
func formatActionStatus(s offline.ActionStatus) string {
	style, ok := actionStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatOpBadge renders an operation badge
func formatOpBadge(op string) string {
	switch op {
	case "insert":
		return insertBadge.Render("[INS]")
	case "update":
		return updateBadge.Render("[UPD]")
	case "delete":
		return deleteBadge.Render("[DEL]")
	default:
		return subtleStyle.Render("[???]")
	}
}
