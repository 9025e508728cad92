package hub_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"courier/internal/hub"
)

func TestReplayGuardDropsRepeats(t *testing.T) {
	g := hub.NewReplayGuard(4, time.Minute)

	assert.False(t, g.Seen("editor", "m1"))
	assert.True(t, g.Seen("editor", "m1"))
	assert.False(t, g.Seen("viewer", "m1"), "IDs are tracked per component")
	assert.False(t, g.Seen("editor", ""))
	assert.False(t, g.Seen("editor", ""))

	stats := g.Stats()
	assert.Equal(t, 2, stats.Components)
	assert.Equal(t, 2, stats.Tracked)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestReplayGuardWindow(t *testing.T) {
	g := hub.NewReplayGuard(2, time.Minute)
	g.Seen("editor", "m1")
	g.Seen("editor", "m2")
	g.Seen("editor", "m3")

	assert.False(t, g.Seen("editor", "m1"), "oldest ID falls out of the window")

	expiring := hub.NewReplayGuard(2, time.Millisecond)
	expiring.Seen("editor", "m1")
	time.Sleep(5 * time.Millisecond)
	assert.False(t, expiring.Seen("editor", "m1"))
}

func TestReplayGuardForget(t *testing.T) {
	g := hub.NewReplayGuard(0, 0)
	g.Seen("editor", "m1")
	g.Forget("editor")

	assert.False(t, g.Seen("editor", "m1"))
	assert.Equal(t, 1, g.Stats().Components)
}
