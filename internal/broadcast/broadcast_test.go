package broadcast_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/broadcast"
	"courier/internal/envelope"
	"courier/internal/registry"
	"courier/internal/router"
)

type recordingDeliverer struct {
	mutex    sync.Mutex
	received map[string][]*envelope.Envelope
	failFor  map[string]bool
}

func (d *recordingDeliverer) Deliver(_ context.Context, componentID string, env *envelope.Envelope) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.failFor[componentID] {
		return errors.New("unreachable")
	}
	d.received[componentID] = append(d.received[componentID], env)
	return nil
}

func (d *recordingDeliverer) count(componentID string) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.received[componentID])
}

var background = envelope.Source{ComponentID: "bg", Type: envelope.ComponentBackground}

func setup(t *testing.T, components map[string]envelope.ComponentType) (*broadcast.Manager, *recordingDeliverer) {
	t.Helper()
	d := &recordingDeliverer{received: map[string][]*envelope.Envelope{}, failFor: map[string]bool{}}
	cfg := router.DefaultConfig()
	cfg.QueueEnabled = false
	r, err := router.New(registry.New(), d, cfg)
	require.NoError(t, err)

	for id, typ := range components {
		require.NoError(t, r.Register(&registry.Registration{
			ComponentID:  id,
			Type:         typ,
			Capabilities: registry.Capabilities{SupportedMessageTypes: []string{envelope.TypeAny}},
		}))
	}
	return broadcast.NewManager(r, broadcast.Config{HistorySize: 3}), d
}

func TestBroadcastToAll(t *testing.T) {
	m, d := setup(t, map[string]envelope.ComponentType{
		"bg":      envelope.ComponentBackground,
		"popup":   envelope.ComponentPopup,
		"content": envelope.ComponentContent,
	})

	result, err := m.BroadcastToAll(context.Background(), background, "theme_changed", map[string]string{"theme": "dark"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ComponentsReached)
	assert.Equal(t, 0, result.ComponentsFailed)
	assert.Equal(t, 1, d.count("popup"))
	assert.Equal(t, 0, d.count("bg"))

	env := d.received["popup"][0]
	assert.True(t, env.HasTag("event:theme_changed"))
	assert.Equal(t, envelope.PriorityNormal, env.Priority)
}

func TestBroadcastPartialFailure(t *testing.T) {
	m, d := setup(t, map[string]envelope.ComponentType{
		"popup":   envelope.ComponentPopup,
		"options": envelope.ComponentOptions,
		"panel":   envelope.ComponentSidePanel,
	})
	d.failFor["options"] = true

	result, err := m.BroadcastToAll(context.Background(), background, "ping", nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ComponentsReached+result.ComponentsFailed)
	assert.Equal(t, 1, result.ComponentsFailed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "options", result.Failures[0].ComponentID)
}

func TestBroadcastNoTargetsIsSuccess(t *testing.T) {
	m, _ := setup(t, nil)

	result, err := m.BroadcastToAll(context.Background(), background, "ping", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ComponentsReached)
}

func TestBroadcastToTypes(t *testing.T) {
	m, d := setup(t, map[string]envelope.ComponentType{
		"popup":   envelope.ComponentPopup,
		"content": envelope.ComponentContent,
	})

	result, err := m.BroadcastToTypes(context.Background(), background, "ping", nil, []envelope.ComponentType{envelope.ComponentContent})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ComponentsReached)
	assert.Equal(t, 1, d.count("content"))
	assert.Equal(t, 0, d.count("popup"))
}

func TestChannelACL(t *testing.T) {
	m, d := setup(t, map[string]envelope.ComponentType{
		"popup":   envelope.ComponentPopup,
		"content": envelope.ComponentContent,
	})

	_, err := m.BroadcastEvent(context.Background(), broadcast.Event{
		Type:    "hub_started",
		Channel: broadcast.ChannelSystemEvents,
		Source:  envelope.Source{ComponentID: "content", Type: envelope.ComponentContent},
	})
	assert.ErrorIs(t, err, broadcast.ErrPublishDenied)

	// meeting-events subscribers exclude content scripts
	result, err := m.BroadcastEvent(context.Background(), broadcast.Event{
		Type:    "meeting_started",
		Channel: broadcast.ChannelMeetingEvents,
		Source:  background,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ComponentsReached)
	assert.Equal(t, 0, d.count("content"))

	_, err = m.BroadcastEvent(context.Background(), broadcast.Event{
		Type:    "meeting_started",
		Channel: "nope",
		Source:  background,
	})
	assert.ErrorIs(t, err, broadcast.ErrUnknownChannel)

	_, err = m.BroadcastEvent(context.Background(), broadcast.Event{
		Type:    "meeting_started",
		Channel: broadcast.ChannelJobEvents,
		Source:  background,
	})
	assert.ErrorIs(t, err, broadcast.ErrInvalidEvent)
}

func TestChannelRateLimit(t *testing.T) {
	m, _ := setup(t, nil)
	m.DefineChannel(broadcast.ChannelDefinition{
		Name:     "tiny",
		Behavior: broadcast.Behavior{RateLimitPerMinute: 2},
	})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	event := broadcast.Event{Type: "ping", Channel: "tiny", Source: background}
	for i := 0; i < 2; i++ {
		_, err := m.BroadcastEvent(context.Background(), event)
		require.NoError(t, err)
	}
	_, err := m.BroadcastEvent(context.Background(), event)
	assert.ErrorIs(t, err, broadcast.ErrChannelThrottle)

	now = now.Add(time.Minute + time.Second)
	_, err = m.BroadcastEvent(context.Background(), event)
	assert.NoError(t, err)
}

func TestUrgentEventsBypassChannelRateLimit(t *testing.T) {
	m, d := setup(t, map[string]envelope.ComponentType{"popup": envelope.ComponentPopup})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	progress := broadcast.Event{Type: envelope.TypeJobProgress, Channel: broadcast.ChannelJobEvents, Source: background}
	for i := 0; i < 600; i++ {
		_, err := m.BroadcastEvent(context.Background(), progress)
		require.NoError(t, err)
	}
	_, err := m.BroadcastEvent(context.Background(), progress)
	require.ErrorIs(t, err, broadcast.ErrChannelThrottle)

	completed := broadcast.Event{
		Type:     envelope.TypeJobCompleted,
		Channel:  broadcast.ChannelJobEvents,
		Source:   background,
		Priority: envelope.PriorityUrgent,
	}
	result, err := m.BroadcastEvent(context.Background(), completed)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ComponentsReached)
	assert.Equal(t, 601, d.count("popup"))

	_, err = m.BroadcastEvent(context.Background(), progress)
	assert.ErrorIs(t, err, broadcast.ErrChannelThrottle, "urgent events do not refill the budget")
}

func TestMaxSubscribers(t *testing.T) {
	components := map[string]envelope.ComponentType{}
	for i := 0; i < 4; i++ {
		components[fmt.Sprintf("popup-%d", i)] = envelope.ComponentPopup
	}
	m, _ := setup(t, components)
	m.DefineChannel(broadcast.ChannelDefinition{
		Name:     "small",
		Behavior: broadcast.Behavior{MaxSubscribers: 2},
	})

	result, err := m.BroadcastEvent(context.Background(), broadcast.Event{Type: "ping", Channel: "small", Source: background})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ComponentsReached)
}

func TestHistoryRing(t *testing.T) {
	m, _ := setup(t, nil)

	for i := 0; i < 5; i++ {
		_, err := m.BroadcastEvent(context.Background(), broadcast.Event{
			ID:     fmt.Sprintf("evt-%d", i),
			Type:   "ping",
			Source: background,
		})
		require.NoError(t, err)
	}

	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, "evt-2", history[0].Event.ID)
	assert.Equal(t, "evt-4", history[2].Event.ID)
	assert.Equal(t, "evt-4", history[2].Result.EventID)
}

func TestRetainedEvents(t *testing.T) {
	m, _ := setup(t, nil)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	_, err := m.BroadcastEvent(context.Background(), broadcast.Event{
		Type:    "meeting_started",
		Channel: broadcast.ChannelMeetingEvents,
		Source:  background,
	})
	require.NoError(t, err)
	assert.Len(t, m.Retained(broadcast.ChannelMeetingEvents), 1)
	assert.Empty(t, m.Retained(broadcast.ChannelSystemEvents))

	now = now.Add(2 * time.Hour)
	assert.Empty(t, m.Retained(broadcast.ChannelMeetingEvents))
}

func TestInvalidEvent(t *testing.T) {
	m, _ := setup(t, nil)

	_, err := m.BroadcastEvent(context.Background(), broadcast.Event{Source: background})
	assert.ErrorIs(t, err, broadcast.ErrInvalidEvent)

	_, err = m.BroadcastEvent(context.Background(), broadcast.Event{Type: "ping"})
	assert.ErrorIs(t, err, broadcast.ErrInvalidEvent)
}

func TestChannels(t *testing.T) {
	m, _ := setup(t, nil)
	names := []string{}
	for _, c := range m.Channels() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"job-events", "meeting-events", "sync-events", "system-events"}, names)
}
