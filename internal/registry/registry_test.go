package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/envelope"
	"courier/internal/registry"
)

func newRegistration(id string, types ...string) *registry.Registration {
	if len(types) == 0 {
		types = []string{envelope.TypeAny}
	}
	return &registry.Registration{
		ComponentID: id,
		Type:        envelope.ComponentPopup,
		Capabilities: registry.Capabilities{
			SupportedMessageTypes: types,
		},
		Health: registry.Health{Responsive: true},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := registry.New()

	tests := []struct {
		name string
		reg  *registry.Registration
	}{
		{"nil", nil},
		{"missing id", newRegistration("")},
		{"unknown type", &registry.Registration{ComponentID: "x", Type: "toolbar", Capabilities: registry.Capabilities{SupportedMessageTypes: []string{"*"}}}},
		{"no message types", &registry.Registration{ComponentID: "x", Type: envelope.ComponentPopup}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Register(tt.reg), registry.ErrInvalidRegistration)
		})
	}
	assert.Equal(t, 0, r.Count())
}

func TestRegisterOverwriteKeepsOrder(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(newRegistration("a")))
	require.NoError(t, r.Register(newRegistration("b")))

	updated := newRegistration("a", "ping")
	require.NoError(t, r.Register(updated))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ComponentID)
	assert.Equal(t, []string{"ping"}, list[0].Capabilities.SupportedMessageTypes)
	assert.Equal(t, "b", list[1].ComponentID)
}

func TestSupportsAndTargets(t *testing.T) {
	reg := newRegistration("c", "sync_data")
	tab := 3
	reg.TabID = &tab

	assert.True(t, reg.Supports("sync_data"))
	assert.False(t, reg.Supports("heartbeat"))
	assert.True(t, newRegistration("d").Supports("anything"))

	other := 4
	assert.True(t, reg.MatchesTarget(nil, nil))
	assert.True(t, reg.MatchesTarget(&tab, nil))
	assert.False(t, reg.MatchesTarget(&other, nil))
	assert.False(t, reg.MatchesTarget(nil, &tab))
}

func TestHealthUpdates(t *testing.T) {
	r := registry.New()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	require.NoError(t, r.Register(newRegistration("a")))

	now = now.Add(time.Second)
	require.NoError(t, r.RecordHeartbeat("a", 250*time.Millisecond))
	require.NoError(t, r.RecordError("a"))

	reg, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(250), reg.Health.ResponseTimeMs)
	assert.Equal(t, now, reg.Health.LastHeartbeat)
	assert.Equal(t, 1, reg.Health.ErrorCount)

	require.NoError(t, r.SetResponsive("a", false))
	stats := r.Stats()
	assert.Equal(t, registry.Stats{Registered: 1, Active: 0, Errored: 1}, stats)

	assert.ErrorIs(t, r.Touch("missing"), registry.ErrNotRegistered)
}

func TestUnregister(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(newRegistration("a")))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(newRegistration("a", "x")))

	reg, _ := r.Get("a")
	reg.Capabilities.SupportedMessageTypes[0] = "mutated"

	again, _ := r.Get("a")
	assert.Equal(t, "x", again.Capabilities.SupportedMessageTypes[0])
}
