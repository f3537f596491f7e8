package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestConfig points HOME at a temp dir holding the given config.json.
func writeTestConfig(t *testing.T, cfg *Config) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	dir := filepath.Join(tmpDir, ".config", "livesync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func intPtr(n int) *int { return &n }

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LIVESYNC_URL", "LIVESYNC_API_KEY", "LIVESYNC_DEVICE_ID",
		"LIVESYNC_RECONNECT_MAX_RETRIES", "LIVESYNC_RECONNECT_INITIAL_DELAY",
		"LIVESYNC_RECONNECT_MAX_DELAY", "LIVESYNC_RECONNECT_MULTIPLIER",
		"LIVESYNC_HEARTBEAT_INTERVAL", "LIVESYNC_HEARTBEAT_TIMEOUT",
		"LIVESYNC_OPTIMISTIC_TIMEOUT", "LIVESYNC_OPTIMISTIC_MAX_PENDING",
		"LIVESYNC_CONFLICT_STRATEGY", "LIVESYNC_CONFLICT_AUTO_RESOLVE",
		"LIVESYNC_QUEUE_PATH", "LIVESYNC_QUEUE_MAX_RETRIES",
	} {
		t.Setenv(key, "")
	}
}

func TestResolve_Defaults(t *testing.T) {
	writeTestConfig(t, &Config{})
	clearEnv(t)

	s, err := Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.ServerURL != "http://localhost:8080" {
		t.Errorf("url = %q", s.ServerURL)
	}
	if s.Reconnect.MaxAttempts != 5 || s.Reconnect.Base != time.Second || s.Reconnect.Cap != 30*time.Second || s.Reconnect.Multiplier != 2 {
		t.Errorf("reconnect = %+v", s.Reconnect)
	}
	if s.HeartbeatInterval != 30*time.Second || s.HeartbeatTimeout != 10*time.Second {
		t.Errorf("heartbeat = %v/%v", s.HeartbeatInterval, s.HeartbeatTimeout)
	}
	if s.OptimisticTimeout != 5*time.Second || s.OptimisticMaxPending != 10 {
		t.Errorf("optimistic = %v/%d", s.OptimisticTimeout, s.OptimisticMaxPending)
	}
	if s.ConflictStrategy != "manual" || s.AutoResolveTimeout != 30*time.Second {
		t.Errorf("conflict = %q/%v", s.ConflictStrategy, s.AutoResolveTimeout)
	}
	if s.QueueMaxRetries != 5 {
		t.Errorf("queue retries = %d", s.QueueMaxRetries)
	}
	if s.QueuePath == "" {
		t.Error("queue path not defaulted")
	}
}

func TestResolve_FileValues(t *testing.T) {
	writeTestConfig(t, &Config{
		Server: ServerConfig{URL: "https://sync.example.com", APIKey: "k1", DeviceID: "dev1"},
		Reconnect: ReconnectConfig{
			MaxRetries: intPtr(3), InitialDelay: "500ms", MaxDelay: "10s", BackoffMultiplier: 3,
		},
		Heartbeat:  HeartbeatConfig{Interval: "15s", Timeout: "2s"},
		Optimistic: OptimisticConfig{Timeout: "1s", MaxPending: intPtr(50)},
		Conflict:   ConflictConfig{DefaultStrategy: "timestamp_wins", AutoResolveTimeout: "1m"},
		Queue:      QueueConfig{Path: "/tmp/q.db", MaxRetries: intPtr(7)},
	})
	clearEnv(t)

	s, err := Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.ServerURL != "https://sync.example.com" || s.APIKey != "k1" || s.DeviceID != "dev1" {
		t.Errorf("server = %q/%q/%q", s.ServerURL, s.APIKey, s.DeviceID)
	}
	if s.Reconnect.MaxAttempts != 3 || s.Reconnect.Base != 500*time.Millisecond || s.Reconnect.Cap != 10*time.Second || s.Reconnect.Multiplier != 3 {
		t.Errorf("reconnect = %+v", s.Reconnect)
	}
	if s.HeartbeatInterval != 15*time.Second || s.HeartbeatTimeout != 2*time.Second {
		t.Errorf("heartbeat = %v/%v", s.HeartbeatInterval, s.HeartbeatTimeout)
	}
	if s.OptimisticTimeout != time.Second || s.OptimisticMaxPending != 50 {
		t.Errorf("optimistic = %v/%d", s.OptimisticTimeout, s.OptimisticMaxPending)
	}
	if s.ConflictStrategy != "timestamp_wins" || s.AutoResolveTimeout != time.Minute {
		t.Errorf("conflict = %q/%v", s.ConflictStrategy, s.AutoResolveTimeout)
	}
	if s.QueuePath != "/tmp/q.db" || s.QueueMaxRetries != 7 {
		t.Errorf("queue = %q/%d", s.QueuePath, s.QueueMaxRetries)
	}
}

func TestResolve_EnvOverridesFile(t *testing.T) {
	writeTestConfig(t, &Config{
		Server:   ServerConfig{URL: "https://file.example.com", DeviceID: "dev1"},
		Conflict: ConflictConfig{DefaultStrategy: "manual"},
	})
	clearEnv(t)
	t.Setenv("LIVESYNC_URL", "https://env.example.com")
	t.Setenv("LIVESYNC_CONFLICT_STRATEGY", "Remote_Wins")
	t.Setenv("LIVESYNC_RECONNECT_MAX_RETRIES", "9")
	t.Setenv("LIVESYNC_OPTIMISTIC_TIMEOUT", "250ms")

	s, err := Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.ServerURL != "https://env.example.com" {
		t.Errorf("url = %q, env should win", s.ServerURL)
	}
	if s.ConflictStrategy != "remote_wins" {
		t.Errorf("strategy = %q, want lowered env value", s.ConflictStrategy)
	}
	if s.Reconnect.MaxAttempts != 9 {
		t.Errorf("max retries = %d", s.Reconnect.MaxAttempts)
	}
	if s.OptimisticTimeout != 250*time.Millisecond {
		t.Errorf("optimistic timeout = %v", s.OptimisticTimeout)
	}
}

func TestResolve_InvalidValuesFallThrough(t *testing.T) {
	writeTestConfig(t, &Config{
		Server:    ServerConfig{DeviceID: "dev1"},
		Heartbeat: HeartbeatConfig{Interval: "not-a-duration"},
	})
	clearEnv(t)
	t.Setenv("LIVESYNC_RECONNECT_MAX_RETRIES", "banana")

	s, err := Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.HeartbeatInterval != 30*time.Second {
		t.Errorf("interval = %v, want default on bad value", s.HeartbeatInterval)
	}
	if s.Reconnect.MaxAttempts != 5 {
		t.Errorf("max retries = %d, want default on bad env", s.Reconnect.MaxAttempts)
	}
}

func TestResolve_GeneratesAndPersistsDeviceID(t *testing.T) {
	writeTestConfig(t, &Config{})
	clearEnv(t)

	s, err := Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(s.DeviceID) != 32 {
		t.Fatalf("device id = %q, want 16-byte hex", s.DeviceID)
	}

	// A second resolve reads the persisted id back.
	s2, err := Resolve()
	if err != nil {
		t.Fatalf("resolve 2: %v", err)
	}
	if s2.DeviceID != s.DeviceID {
		t.Fatalf("device id not stable: %q vs %q", s.DeviceID, s2.DeviceID)
	}
}

func TestLoad_MissingFileIsEmptyConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.URL != "" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	want := &Config{
		Server: ServerConfig{URL: "https://s.example.com", DeviceID: "d1"},
		Queue:  QueueConfig{MaxRetries: intPtr(2)},
	}
	if err := Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Server.URL != want.Server.URL || got.Server.DeviceID != want.Server.DeviceID {
		t.Errorf("server = %+v", got.Server)
	}
	if got.Queue.MaxRetries == nil || *got.Queue.MaxRetries != 2 {
		t.Errorf("queue = %+v", got.Queue)
	}
}
