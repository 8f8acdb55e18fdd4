package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowjobs.toml")

	content := `
[database]
path = "/tmp/test-jobs.db"

[server]
port = 9000

[webhook]
enabled = true
url = "https://hooks.example.com/jobs"
secret = "shh"
timeout_seconds = 5
retries = 2
user_agent = "flowjobs-test/1.0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-jobs.db", cfg.Database.Path)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, "https://hooks.example.com/jobs", cfg.Webhook.URL)
	assert.Equal(t, "shh", cfg.Webhook.Secret)
	assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, 2, cfg.Webhook.Retries)
}

func TestLoadFromFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowjobs.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "flowjobs.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.False(t, cfg.Webhook.Enabled)
	assert.Equal(t, 3, cfg.Webhook.Retries)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 256, cfg.Scheduler.EventBufferSize)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/flowjobs.toml")
	assert.Error(t, err)
}

func TestTickIntervalFloor(t *testing.T) {
	c := SchedulerConfig{TickIntervalSeconds: 0}
	assert.Equal(t, time.Second, c.TickInterval())

	c = SchedulerConfig{TickIntervalSeconds: 5}
	assert.Equal(t, 5*time.Second, c.TickInterval())
}
