// Package retry provides the backoff policy shared by everything that
// retries: connection reconnects and offline queue replay.
package retry

import (
	"math"
	"time"
)

// Policy computes exponential backoff delays and enforces an attempt budget.
// It is pure: no clock, no shared state.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultPolicy returns the standard backoff: 1s base, doubling, 30s cap,
// 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff delay for the given attempt number (0-based):
// min(Base * Multiplier^attempt, Cap).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.Cap) || d < 0 {
		return p.Cap
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is within budget.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
