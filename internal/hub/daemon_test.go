package hub_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/internal/hub"
	"courier/internal/transcribe"
)

func daemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Hub.ID = "daemon-test"
	cfg.Hub.CheckpointInterval = 20 * time.Millisecond
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "courier.db")
	cfg.Orchestrator.TickInterval = 5 * time.Millisecond
	cfg.Orchestrator.PollInterval = 2 * time.Millisecond
	cfg.Orchestrator.ShutdownTimeout = time.Second
	return cfg
}

func TestNewDaemonRejectsInvalidConfig(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.Hub.ID = ""
	_, err := hub.NewDaemon(cfg)
	assert.Error(t, err)
}

func TestDaemonServesAndStops(t *testing.T) {
	d, err := hub.NewDaemon(daemonConfig(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Start() }()

	require.Eventually(t, func() bool {
		return d.IsRunning() && !strings.HasSuffix(d.APIAddr(), ":0")
	}, 2*time.Second, 5*time.Millisecond)

	client, err := hub.NewClient(d.APIAddr(), time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Health(ctx)
	require.NoError(t, err)
	res, err := client.SubmitJob(ctx, hub.JobRequest{
		Type:    "transcription",
		Request: transcribe.Request{AudioURL: "https://cdn.example.com/daemon.wav"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	d.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.IsRunning())
}

func TestDaemonRestoresAcrossRestarts(t *testing.T) {
	cfg := daemonConfig(t)
	ctx := context.Background()

	first, err := hub.NewDaemon(cfg)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- first.Start() }()
	require.Eventually(t, first.IsRunning, 2*time.Second, 5*time.Millisecond)

	res := first.Hub().SyncData(ctx, hub.SyncRequest{DataType: "settings", Key: "theme", Data: "dark"})
	require.True(t, res.Success, res.Error)
	first.Stop()
	require.NoError(t, <-done)

	second, err := hub.NewDaemon(cfg)
	require.NoError(t, err)
	go func() { done <- second.Start() }()
	t.Cleanup(func() {
		second.Stop()
		<-done
	})

	require.Eventually(t, func() bool {
		return second.Hub().Subsystems().Sync.Stats().Records == 1
	}, 2*time.Second, 5*time.Millisecond)
}
