// Package health derives the human-readable indicators exposed by status
// reporting: uptime, average round-trip duration, and the rolling tracker
// feeding it.
package health

import (
	"fmt"
	"sync"
	"time"
)

// FormatUptime renders a duration as "30s", "1m 30s", or "1h 1m". Hours
// never roll over into days.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// FormatAvgDuration renders a millisecond value with exactly two decimal
// places.
func FormatAvgDuration(ms float64) string {
	return fmt.Sprintf("%.2fms", ms)
}

// RoundTrips tracks mutation round-trip durations and exposes their mean.
type RoundTrips struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
}

// Observe records one round trip.
func (r *RoundTrips) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.sum += d
}

// AverageMs returns the mean round trip in milliseconds, 0 when empty.
func (r *RoundTrips) AverageMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	return float64(r.sum) / float64(r.count) / float64(time.Millisecond)
}

// Count returns the number of observed round trips.
func (r *RoundTrips) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
