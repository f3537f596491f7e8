package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcus/livesync/internal/retry"
)

// fakeProber fails a configurable number of times before succeeding.
type fakeProber struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeProber) HealthCheck() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("probe failed")
	}
	return nil
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testOptions(maxAttempts int) Options {
	return Options{
		Policy: retry.Policy{
			Base:        5 * time.Millisecond,
			Cap:         20 * time.Millisecond,
			Multiplier:  2,
			MaxAttempts: maxAttempts,
		},
		HeartbeatInterval: time.Hour, // keep heartbeat out of these tests
		HeartbeatTimeout:  time.Second,
	}
}

func waitForStatus(t *testing.T, m *Manager, want Status, timeout time.Duration) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := m.Snapshot()
		if s.Status == want {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status never reached %s, last %s", want, m.Snapshot().Status)
	return State{}
}

func TestConnect_CleanFirstConnect(t *testing.T) {
	m := New(&fakeProber{}, testOptions(5))
	t.Cleanup(m.Close)

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s := m.Snapshot()
	if s.Status != StatusConnected || s.Attempt != 0 {
		t.Fatalf("state = %+v", s)
	}
	if s.LastConnectedAt == nil {
		t.Fatal("LastConnectedAt not set")
	}
}

func TestConnect_FailTwiceThenSucceed(t *testing.T) {
	p := &fakeProber{failures: 2}
	m := New(p, testOptions(5))
	t.Cleanup(m.Close)

	if err := m.Connect(); err == nil {
		t.Fatal("first connect should fail")
	}

	s := waitForStatus(t, m, StatusConnected, time.Second)
	if s.Attempt != 0 {
		t.Fatalf("attempt = %d after successful reconnect, want 0", s.Attempt)
	}
	// Initial probe plus exactly two backoff-delayed retries.
	if got := p.callCount(); got != 3 {
		t.Fatalf("probe calls = %d, want 3", got)
	}
}

func TestConnect_ExhaustedBudgetIsTerminal(t *testing.T) {
	p := &fakeProber{failures: 1000}
	m := New(p, testOptions(2))
	t.Cleanup(m.Close)

	m.Connect() //nolint:errcheck

	s := waitForStatus(t, m, StatusError, time.Second)
	if s.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", s.Attempt)
	}
	calls := p.callCount()

	// No third retry gets scheduled.
	time.Sleep(50 * time.Millisecond)
	if got := p.callCount(); got != calls {
		t.Fatalf("probe calls grew from %d to %d after terminal error", calls, got)
	}
	if m.Snapshot().Status != StatusError {
		t.Fatalf("status = %s, want error", m.Snapshot().Status)
	}
}

func TestConnect_ExplicitCallRestartsAfterTerminalError(t *testing.T) {
	p := &fakeProber{failures: 3}
	m := New(p, testOptions(2))
	t.Cleanup(m.Close)

	m.Connect() //nolint:errcheck
	waitForStatus(t, m, StatusError, time.Second)

	// Explicit external call is required to leave terminal error.
	if err := m.Connect(); err != nil {
		t.Fatalf("explicit reconnect: %v", err)
	}
	s := m.Snapshot()
	if s.Status != StatusConnected || s.Attempt != 0 {
		t.Fatalf("state = %+v", s)
	}
}

func TestReportFailure_SchedulesReconnect(t *testing.T) {
	p := &fakeProber{}
	m := New(p, testOptions(5))
	t.Cleanup(m.Close)

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m.ReportFailure(errors.New("poll broke"))
	waitForStatus(t, m, StatusConnected, time.Second)
}

func TestReportFailure_IgnoredWhenNotConnected(t *testing.T) {
	m := New(&fakeProber{}, testOptions(5))
	t.Cleanup(m.Close)

	m.ReportFailure(errors.New("noise"))
	if s := m.Snapshot(); s.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", s.Status)
	}
}

func TestNotify_ObserversSeeTransitions(t *testing.T) {
	m := New(&fakeProber{}, testOptions(5))
	t.Cleanup(m.Close)

	ch := make(chan State, 16)
	m.Notify(ch)
	defer m.Unnotify(ch)

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var seen []Status
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case s := <-ch:
			seen = append(seen, s.Status)
		case <-deadline:
			t.Fatalf("observed only %v", seen)
		}
	}
	if seen[0] != StatusConnecting || seen[1] != StatusConnected {
		t.Fatalf("transitions = %v", seen)
	}
}

func TestHeartbeat_MissedProbeForcesErrorAndReconnect(t *testing.T) {
	p := &fakeProber{}
	opts := testOptions(5)
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.HeartbeatTimeout = 50 * time.Millisecond

	m := New(p, opts)
	t.Cleanup(m.Close)

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Make the next heartbeat probe fail.
	p.mu.Lock()
	p.failures = p.calls + 1
	p.mu.Unlock()

	// Heartbeat fires, fails, schedules reconnect, which then succeeds.
	waitForStatus(t, m, StatusReconnecting, time.Second)
	waitForStatus(t, m, StatusConnected, time.Second)
}

func TestClose_RejectsFurtherConnects(t *testing.T) {
	m := New(&fakeProber{}, testOptions(5))
	m.Close()

	if err := m.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
