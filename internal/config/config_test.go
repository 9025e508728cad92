package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/internal/jobs"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, config.Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
hub:
  id: studio-hub
api:
  listen: 0.0.0.0:9000
router:
  rate_limit: 5
jobs:
  max_concurrent: 1
  priority_limits:
    urgent: 2
orchestrator:
  poll_interval: 500ms
transport:
  codec: msgpack
  peers:
    - id: popup-1
      type: popup
      transport: websocket
      address: ws://127.0.0.1:9100/ws
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "studio-hub", cfg.Hub.ID)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)
	assert.Equal(t, 5, cfg.Router.RateLimit)
	assert.Equal(t, 10, cfg.Router.BatchSize, "unset fields keep defaults")
	assert.Equal(t, 1, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 2, cfg.Jobs.PriorityLimits[jobs.PriorityUrgent])
	assert.Equal(t, 25, cfg.Jobs.PriorityLimits[jobs.PriorityHigh])
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.PollInterval)
	assert.Equal(t, "msgpack", cfg.Transport.Codec)
	require.Len(t, cfg.Transport.Peers, 1)

	assert.Equal(t, "studio-hub", cfg.Connection.LocalID)
	assert.Equal(t, "studio-hub", cfg.Sync.SourceID)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COURIER_HUB_ID", "env-hub")
	t.Setenv("COURIER_STORAGE_BACKEND", "memory")
	t.Setenv("COURIER_TRANSCRIPTION_PROVIDER", "http")
	t.Setenv("COURIER_TRANSCRIPTION_BASE_URL", "https://stt.example.com")
	t.Setenv("COURIER_TRANSCRIPTION_API_KEY", "secret")
	t.Setenv("COURIER_API_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("COURIER_LOG_LEVEL", "debug")

	cfg, err := config.LoadConfig(writeFile(t, "hub:\n  id: file-hub\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-hub", cfg.Hub.ID)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "http", cfg.Transcription.Provider)
	assert.Equal(t, "secret", cfg.Transcription.APIKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"missing hub id", func(c *config.Config) { c.Hub.ID = "" }, "hub.id"},
		{"unknown codec", func(c *config.Config) { c.Transport.Codec = "xml" }, "transport.codec"},
		{"unknown transport", func(c *config.Config) { c.Transport.Default = "carrier-pigeon" }, "transport.default"},
		{"bad peer type", func(c *config.Config) {
			c.Transport.Peers = []config.PeerConfig{{ID: "x", Type: "toaster", Address: "ws://x"}}
		}, "not a component type"},
		{"duplicate peer", func(c *config.Config) {
			peer := config.PeerConfig{ID: "x", Type: "popup", Address: "ws://x"}
			c.Transport.Peers = []config.PeerConfig{peer, peer}
		}, "duplicate peer"},
		{"router", func(c *config.Config) { c.Router.BatchSize = 0 }, "router:"},
		{"jobs", func(c *config.Config) { c.Jobs.MaxConcurrent = 0 }, "jobs:"},
		{"sqlite path", func(c *config.Config) { c.Storage.SQLitePath = "" }, "sqlite_path"},
		{"redis url", func(c *config.Config) { c.Storage.Backend = "redis" }, "redis_url"},
		{"http provider", func(c *config.Config) { c.Transcription.Provider = "http" }, "base_url"},
		{"log level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"short auth secret", func(c *config.Config) { c.API.AuthSecret = "hunter2" }, "api.auth_secret"},
		{"token ttl", func(c *config.Config) {
			c.API.AuthSecret = strings.Repeat("k", 32)
			c.API.TokenTTL = 0
		}, "api.token_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yml")
	cfg := config.Default()
	cfg.Hub.ID = "saved-hub"
	cfg.Orchestrator.TickInterval = 3 * time.Second
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "saved-hub", loaded.Hub.ID)
	assert.Equal(t, 3*time.Second, loaded.Orchestrator.TickInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
