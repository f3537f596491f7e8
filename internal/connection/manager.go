// Package connection owns the one logical link to the backend change
// service: the connect/reconnect state machine, the heartbeat watchdog, and
// the status feed every other component reads.
package connection

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/livesync/internal/retry"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// State is a snapshot of the connection. Owned and written exclusively by
// the Manager; everything else reads copies.
//
// Attempt counts reconnect tries only: a clean first connect leaves it at 0,
// and each scheduled retry increments it before probing. A successful
// connect resets it to 0.
type State struct {
	Status          Status
	Attempt         int
	LastConnectedAt *time.Time
	LastError       error
}

// ErrClosed is returned by Connect after the manager has been torn down.
var ErrClosed = errors.New("connection manager closed")

// Prober is the probe used to establish and verify the link. The backend
// client's HealthCheck satisfies it.
type Prober interface {
	HealthCheck() error
}

// Options configures the manager.
type Options struct {
	Policy            retry.Policy
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultOptions returns the standard connection settings: 30s heartbeat,
// 10s probe timeout, default backoff.
func DefaultOptions() Options {
	return Options{
		Policy:            retry.DefaultPolicy(),
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Manager owns one logical connection. Construct with New, inject
// everywhere a status read or reconnect trigger is needed; consumers never
// create their own.
type Manager struct {
	prober Prober
	opts   Options

	mu           sync.Mutex
	state        State
	observers    map[chan State]struct{}
	reconnect    *time.Timer
	lastActivity time.Time
	hbStop       chan struct{}
	closed       bool
}

// New creates a manager in the disconnected state. Call Connect to start.
func New(prober Prober, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	return &Manager{
		prober:    prober,
		opts:      opts,
		state:     State{Status: StatusDisconnected},
		observers: make(map[chan State]struct{}),
	}
}

// Snapshot returns a copy of the current connection state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the link is currently up.
func (m *Manager) Connected() bool {
	return m.Snapshot().Status == StatusConnected
}

// Notify registers an observer channel. Every status transition is sent
// non-blocking; slow observers miss updates rather than stalling the
// manager.
func (m *Manager) Notify(ch chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[ch] = struct{}{}
}

// Unnotify removes an observer channel.
func (m *Manager) Unnotify(ch chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, ch)
}

// setState transitions the state machine and fans the new state out to
// observers. Caller holds the lock.
func (m *Manager) setState(s State) {
	m.state = s
	slog.Debug("connection state", "status", s.Status, "attempt", s.Attempt)
	for ch := range m.observers {
		select {
		case ch <- s:
		default:
		}
	}
}

// Connect establishes the link. Also the explicit external call that
// restarts a manager stuck in terminal error after exhausting its retry
// budget: it resets the attempt counter and probes again.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopReconnectLocked()
	m.state.Attempt = 0
	m.setState(State{Status: StatusConnecting, LastConnectedAt: m.state.LastConnectedAt})
	m.mu.Unlock()

	return m.probe()
}

// probe runs one connection attempt and transitions accordingly.
func (m *Manager) probe() error {
	err := m.proberCheck()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if err != nil {
		m.state.LastError = err
		m.scheduleReconnectLocked(err)
		return err
	}

	now := time.Now().UTC()
	m.lastActivity = now
	m.setState(State{Status: StatusConnected, Attempt: 0, LastConnectedAt: &now})
	m.startHeartbeatLocked()
	return nil
}

// proberCheck runs the probe bounded by the heartbeat timeout.
func (m *Manager) proberCheck() error {
	done := make(chan error, 1)
	go func() { done <- m.prober.HealthCheck() }()
	select {
	case err := <-done:
		return err
	case <-time.After(m.opts.HeartbeatTimeout):
		return errors.New("heartbeat timeout")
	}
}

// ReportFailure is called by the event pump when channel traffic fails.
// Transitions connected → disconnected and schedules reconnection.
func (m *Manager) ReportFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state.Status != StatusConnected {
		return
	}
	m.stopHeartbeatLocked()
	m.state.LastError = err
	m.setState(State{Status: StatusDisconnected, Attempt: m.state.Attempt, LastConnectedAt: m.state.LastConnectedAt, LastError: err})
	m.scheduleReconnectLocked(err)
}

// RecordActivity feeds the heartbeat watchdog: any channel traffic counts
// as proof of life, so the next heartbeat probe is skipped.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the next retry, or parks the manager in
// terminal error when the budget is spent. Caller holds the lock.
func (m *Manager) scheduleReconnectLocked(cause error) {
	attempt := m.state.Attempt
	if !m.opts.Policy.ShouldRetry(attempt) {
		slog.Warn("reconnect budget exhausted", "attempts", attempt, "err", cause)
		m.setState(State{Status: StatusError, Attempt: attempt, LastConnectedAt: m.state.LastConnectedAt, LastError: cause})
		return
	}

	delay := m.opts.Policy.Delay(attempt)
	m.setState(State{Status: StatusReconnecting, Attempt: attempt, LastConnectedAt: m.state.LastConnectedAt, LastError: cause})
	slog.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)

	m.stopReconnectLocked()
	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.state.Attempt++
		m.setState(State{Status: StatusConnecting, Attempt: m.state.Attempt, LastConnectedAt: m.state.LastConnectedAt, LastError: m.state.LastError})
		m.mu.Unlock()
		m.probe() //nolint:errcheck // failure reschedules itself
	})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// startHeartbeatLocked launches the heartbeat loop for the current
// connected session. Caller holds the lock.
func (m *Manager) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.hbStop = stop

	go func() {
		ticker := time.NewTicker(m.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				idle := time.Since(m.lastActivity)
				m.mu.Unlock()
				if idle < m.opts.HeartbeatInterval {
					continue // channel traffic already proved the link
				}
				if err := m.proberCheck(); err != nil {
					m.heartbeatFailed(err, stop)
					return
				}
				m.RecordActivity()
			}
		}
	}()
}

// heartbeatFailed forces the error transition and schedules reconnection.
func (m *Manager) heartbeatFailed(err error, stop chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.hbStop != stop {
		return // a newer session superseded this heartbeat
	}
	m.hbStop = nil
	slog.Warn("heartbeat failed", "err", err)
	m.state.LastError = err
	m.setState(State{Status: StatusError, Attempt: m.state.Attempt, LastConnectedAt: m.state.LastConnectedAt, LastError: err})
	m.scheduleReconnectLocked(err)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

// Disconnect drops the link without scheduling reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopHeartbeatLocked()
	m.stopReconnectLocked()
	m.setState(State{Status: StatusDisconnected, LastConnectedAt: m.state.LastConnectedAt})
}

// Close tears the manager down permanently. Further Connect calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopHeartbeatLocked()
	m.stopReconnectLocked()
	m.setState(State{Status: StatusDisconnected, LastConnectedAt: m.state.LastConnectedAt})
}
