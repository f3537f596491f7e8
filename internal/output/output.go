// Package output provides styled terminal output helpers (success, error,
// warning, record formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/livesync/internal/collection"
	"github.com/marcus/livesync/internal/connection"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[connection.Status]lipgloss.Style{
		connection.StatusConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		connection.StatusConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		connection.StatusReconnecting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		connection.StatusDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		connection.StatusError:        lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Title renders a bold heading
func Title(s string) string {
	return titleStyle.Render(s)
}

// Subtle renders muted text
func Subtle(s string) string {
	return subtleStyle.Render(s)
}

// ConnStatus renders a connection status with its color
func ConnStatus(s connection.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// FormatRecord renders one record as "id  k=v k=v", fields sorted for
// stable output.
func FormatRecord(r collection.Record) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		if k == "id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(titleStyle.Render(r.ID()))
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(" %s=%v", k, r[k]))
	}
	return b.String()
}

// FormatTimestamp renders a time in local short form, "never" when zero.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
