// Package config provides configuration loading and validation for the
// telemetry gateway. Configuration comes from an optional JSON file with
// environment variable overrides; the loaded value is wrapped in a SafeConfig
// for atomic access and reload.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	NATS       NATSConfig       `json:"nats"`
	Queue      QueueConfig      `json:"queue"`
	Worker     WorkerConfig     `json:"worker"`
	Inventory  InventoryConfig  `json:"inventory"`
	Forwarder  ForwarderConfig  `json:"forwarder"`
	Quarantine QuarantineConfig `json:"quarantine"`
	Templates  TemplatesConfig  `json:"templates"`
	MQTT       MQTTConfig       `json:"mqtt"`
	TestMode   bool             `json:"test_mode"`
	LogLevel   string           `json:"log_level"`
	LogFormat  string           `json:"log_format"`
}

// HTTPConfig defines the inbound HTTP listener settings
type HTTPConfig struct {
	Port           int   `json:"port"`
	MaxRequestSize int64 `json:"max_request_size"`
}

// NATSConfig defines NATS connection settings for the inventory KV backend
type NATSConfig struct {
	URL           string        `json:"url"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
}

// QueueConfig defines the Redis work-queue backend settings
type QueueConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DB       int    `json:"db"`
	Password string `json:"password,omitempty"`
	Prefix   string `json:"prefix"`
}

// Addr returns the host:port address for the queue backend
func (q QueueConfig) Addr() string {
	return fmt.Sprintf("%s:%d", q.Host, q.Port)
}

// WorkerConfig defines the delivery worker pool settings
type WorkerConfig struct {
	Count           int           `json:"count"`
	PollInterval    time.Duration `json:"poll_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MaxRetries      int           `json:"max_retries"`
}

// InventoryConfig defines inventory-store behavior
type InventoryConfig struct {
	OfflineThreshold time.Duration `json:"offline_threshold"`
	SweepInterval    time.Duration `json:"sweep_interval"`
}

// ForwarderConfig defines outbound delivery settings
type ForwarderConfig struct {
	Timeout    time.Duration `json:"timeout"`
	APIVersion string        `json:"api_version"`
}

// QuarantineConfig defines the filesystem quarantine root
type QuarantineConfig struct {
	DataDir string `json:"data_dir"`
}

// TemplatesConfig defines where template and flow artifacts load from
type TemplatesConfig struct {
	Dir string `json:"dir"`
}

// MQTTConfig defines the optional MQTT ingest input
type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           8091,
			MaxRequestSize: 1 << 20, // 1MB
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Queue: QueueConfig{
			Host:   "localhost",
			Port:   6379,
			DB:     0,
			Prefix: "telemetrygate",
		},
		Worker: WorkerConfig{
			Count:           2,
			PollInterval:    500 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
			MaxRetries:      3,
		},
		Inventory: InventoryConfig{
			OfflineThreshold: 15 * time.Minute,
			SweepInterval:    time.Minute,
		},
		Forwarder: ForwarderConfig{
			Timeout:    10 * time.Second,
			APIVersion: "2.1.5",
		},
		Quarantine: QuarantineConfig{
			DataDir: "data",
		},
		Templates: TemplatesConfig{
			Dir: "templates",
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "telemetrygate",
			Topic:    "gateways/+/telemetry",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads configuration from an optional JSON file, then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = n
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("QUEUE_HOST"); v != "" {
		c.Queue.Host = v
	}
	if v := os.Getenv("QUEUE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Port = n
		}
	}
	if v := os.Getenv("QUEUE_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.DB = n
		}
	}
	if v := os.Getenv("QUEUE_PASSWORD"); v != "" {
		c.Queue.Password = v
	}
	if v := os.Getenv("QUEUE_PREFIX"); v != "" {
		c.Queue.Prefix = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Count = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("OFFLINE_THRESHOLD_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Inventory.OfflineThreshold = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Quarantine.DataDir = v
	}
	if v := os.Getenv("TEMPLATES_DIR"); v != "" {
		c.Templates.Dir = v
	}
	if v := os.Getenv("TEST_MODE"); v != "" {
		c.TestMode = parseBool(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Enabled = true
		c.MQTT.Broker = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http.port %d out of range", c.HTTP.Port)
	}
	if c.NATS.URL == "" {
		return errors.New("config: nats.url is required")
	}
	if c.Queue.Host == "" {
		return errors.New("config: queue.host is required")
	}
	if c.Queue.Prefix == "" {
		return errors.New("config: queue.prefix is required")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("config: worker.count must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("config: worker.max_retries cannot be negative")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("config: worker.poll_interval must be positive")
	}
	if c.Inventory.OfflineThreshold <= 0 {
		return errors.New("config: inventory.offline_threshold must be positive")
	}
	if c.Forwarder.Timeout <= 0 {
		return errors.New("config: forwarder.timeout must be positive")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
