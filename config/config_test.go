package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Inventory.OfflineThreshold)
	assert.Equal(t, 10*time.Second, cfg.Forwarder.Timeout)
	assert.False(t, cfg.TestMode)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"http": {"port": 9000, "max_request_size": 2048},
		"queue": {"host": "redis.internal", "port": 6380, "prefix": "tg-test"},
		"test_mode": true
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Queue.Addr())
	assert.Equal(t, "tg-test", cfg.Queue.Prefix)
	assert.True(t, cfg.TestMode)
	// Untouched fields keep defaults
	assert.Equal(t, 2, cfg.Worker.Count)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_HOST", "queue.example")
	t.Setenv("QUEUE_PORT", "7000")
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("OFFLINE_THRESHOLD_MIN", "30")
	t.Setenv("TEST_MODE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "queue.example:7000", cfg.Queue.Addr())
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Inventory.OfflineThreshold)
	assert.True(t, cfg.TestMode)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.HTTP.Port = 0 }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"empty queue host", func(c *Config) { c.Queue.Host = "" }},
		{"empty queue prefix", func(c *Config) { c.Queue.Prefix = "" }},
		{"zero workers", func(c *Config) { c.Worker.Count = 0 }},
		{"negative retries", func(c *Config) { c.Worker.MaxRetries = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSafeConfig_AtomicUpdate(t *testing.T) {
	sc := NewSafeConfig(Default())

	updated := Default()
	updated.Worker.Count = 8
	require.NoError(t, sc.Update(updated))

	got := sc.Get()
	assert.Equal(t, 8, got.Worker.Count)

	// Mutating the returned copy must not affect the stored config.
	got.Worker.Count = 99
	assert.Equal(t, 8, sc.Get().Worker.Count)
}

func TestSafeConfig_RejectsInvalid(t *testing.T) {
	sc := NewSafeConfig(Default())
	bad := Default()
	bad.Worker.Count = -1
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))
}
