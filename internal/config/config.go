// Package config loads the livesync configuration from
// ~/.config/livesync/config.json with LIVESYNC_* environment overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/livesync/internal/retry"
)

// ReconnectConfig holds backoff settings for the connection manager.
type ReconnectConfig struct {
	MaxRetries        *int    `json:"max_retries,omitempty"`        // nil = default 5
	InitialDelay      string  `json:"initial_delay,omitempty"`      // duration string, default "1s"
	MaxDelay          string  `json:"max_delay,omitempty"`          // duration string, default "30s"
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"` // 0 = default 2
}

// HeartbeatConfig holds liveness probe settings.
type HeartbeatConfig struct {
	Interval string `json:"interval,omitempty"` // duration string, default "30s"
	Timeout  string `json:"timeout,omitempty"`  // duration string, default "10s"
}

// OptimisticConfig holds optimistic update settings.
type OptimisticConfig struct {
	Timeout    string `json:"timeout,omitempty"`     // rollback deadline, default "5s"
	MaxPending *int   `json:"max_pending,omitempty"` // nil = default 10
}

// ConflictConfig holds conflict resolution settings.
type ConflictConfig struct {
	DefaultStrategy    string `json:"default_strategy,omitempty"`     // default "manual"
	AutoResolveTimeout string `json:"auto_resolve_timeout,omitempty"` // default "30s"
}

// ServerConfig holds backend connection settings.
type ServerConfig struct {
	URL      string `json:"url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// QueueConfig holds offline queue settings.
type QueueConfig struct {
	Path       string `json:"path,omitempty"`        // default ~/.config/livesync/queue.db
	MaxRetries *int   `json:"max_retries,omitempty"` // nil = default 5
}

// Config is the on-disk shape of ~/.config/livesync/config.json.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Reconnect  ReconnectConfig  `json:"reconnect"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Optimistic OptimisticConfig `json:"optimistic"`
	Conflict   ConflictConfig   `json:"conflict"`
	Queue      QueueConfig      `json:"queue"`
}

// Settings is the fully resolved configuration consumed by the store:
// file values with env overrides applied and defaults filled in.
type Settings struct {
	ServerURL string
	APIKey    string
	DeviceID  string

	Reconnect         retry.Policy
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	OptimisticTimeout    time.Duration
	OptimisticMaxPending int

	ConflictStrategy   string
	AutoResolveTimeout time.Duration

	QueuePath       string
	QueueMaxRetries int
}

const defaultServerURL = "http://localhost:8080"

// Dir returns ~/.config/livesync, creating it if necessary.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "livesync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads config.json. A missing file yields an empty config.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config.json.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Resolve loads the config and applies env overrides and defaults.
func Resolve() (*Settings, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	s := &Settings{
		ServerURL: defaultServerURL,
		Reconnect: retry.DefaultPolicy(),

		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,

		OptimisticTimeout:    5 * time.Second,
		OptimisticMaxPending: 10,

		ConflictStrategy:   "manual",
		AutoResolveTimeout: 30 * time.Second,

		QueueMaxRetries: 5,
	}

	if cfg.Server.URL != "" {
		s.ServerURL = cfg.Server.URL
	}
	s.APIKey = cfg.Server.APIKey
	s.DeviceID = cfg.Server.DeviceID

	if cfg.Reconnect.MaxRetries != nil && *cfg.Reconnect.MaxRetries >= 0 {
		s.Reconnect.MaxAttempts = *cfg.Reconnect.MaxRetries
	}
	if d, ok := parseDur(cfg.Reconnect.InitialDelay); ok {
		s.Reconnect.Base = d
	}
	if d, ok := parseDur(cfg.Reconnect.MaxDelay); ok {
		s.Reconnect.Cap = d
	}
	if cfg.Reconnect.BackoffMultiplier > 0 {
		s.Reconnect.Multiplier = cfg.Reconnect.BackoffMultiplier
	}
	if d, ok := parseDur(cfg.Heartbeat.Interval); ok {
		s.HeartbeatInterval = d
	}
	if d, ok := parseDur(cfg.Heartbeat.Timeout); ok {
		s.HeartbeatTimeout = d
	}
	if d, ok := parseDur(cfg.Optimistic.Timeout); ok {
		s.OptimisticTimeout = d
	}
	if cfg.Optimistic.MaxPending != nil && *cfg.Optimistic.MaxPending > 0 {
		s.OptimisticMaxPending = *cfg.Optimistic.MaxPending
	}
	if cfg.Conflict.DefaultStrategy != "" {
		s.ConflictStrategy = cfg.Conflict.DefaultStrategy
	}
	if d, ok := parseDur(cfg.Conflict.AutoResolveTimeout); ok {
		s.AutoResolveTimeout = d
	}
	s.QueuePath = cfg.Queue.Path
	if cfg.Queue.MaxRetries != nil && *cfg.Queue.MaxRetries >= 0 {
		s.QueueMaxRetries = *cfg.Queue.MaxRetries
	}

	applyEnv(s)

	if s.QueuePath == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		s.QueuePath = filepath.Join(dir, "queue.db")
	}
	if s.DeviceID == "" {
		id, err := GenerateDeviceID()
		if err != nil {
			return nil, err
		}
		s.DeviceID = id
		cfg.Server.DeviceID = id
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
	}
	return s, nil
}

// applyEnv overlays LIVESYNC_* environment variables. Env always wins
// over config.json.
func applyEnv(s *Settings) {
	if v := os.Getenv("LIVESYNC_URL"); v != "" {
		s.ServerURL = v
	}
	if v := os.Getenv("LIVESYNC_API_KEY"); v != "" {
		s.APIKey = v
	}
	if v := os.Getenv("LIVESYNC_DEVICE_ID"); v != "" {
		s.DeviceID = v
	}
	if n, ok := parseIntEnv("LIVESYNC_RECONNECT_MAX_RETRIES"); ok && n >= 0 {
		s.Reconnect.MaxAttempts = n
	}
	if d, ok := parseDurEnv("LIVESYNC_RECONNECT_INITIAL_DELAY"); ok {
		s.Reconnect.Base = d
	}
	if d, ok := parseDurEnv("LIVESYNC_RECONNECT_MAX_DELAY"); ok {
		s.Reconnect.Cap = d
	}
	if v := os.Getenv("LIVESYNC_RECONNECT_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			s.Reconnect.Multiplier = f
		}
	}
	if d, ok := parseDurEnv("LIVESYNC_HEARTBEAT_INTERVAL"); ok {
		s.HeartbeatInterval = d
	}
	if d, ok := parseDurEnv("LIVESYNC_HEARTBEAT_TIMEOUT"); ok {
		s.HeartbeatTimeout = d
	}
	if d, ok := parseDurEnv("LIVESYNC_OPTIMISTIC_TIMEOUT"); ok {
		s.OptimisticTimeout = d
	}
	if n, ok := parseIntEnv("LIVESYNC_OPTIMISTIC_MAX_PENDING"); ok && n > 0 {
		s.OptimisticMaxPending = n
	}
	if v := os.Getenv("LIVESYNC_CONFLICT_STRATEGY"); v != "" {
		s.ConflictStrategy = strings.ToLower(v)
	}
	if d, ok := parseDurEnv("LIVESYNC_CONFLICT_AUTO_RESOLVE"); ok {
		s.AutoResolveTimeout = d
	}
	if v := os.Getenv("LIVESYNC_QUEUE_PATH"); v != "" {
		s.QueuePath = v
	}
	if n, ok := parseIntEnv("LIVESYNC_QUEUE_MAX_RETRIES"); ok && n >= 0 {
		s.QueueMaxRetries = n
	}
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func parseDur(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func parseDurEnv(key string) (time.Duration, bool) {
	return parseDur(os.Getenv(key))
}

func parseIntEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
