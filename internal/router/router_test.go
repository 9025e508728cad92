package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/envelope"
	"courier/internal/registry"
	"courier/internal/router"
)

type delivery struct {
	componentID string
	messageID   string
}

type fakeDeliverer struct {
	mutex      sync.Mutex
	deliveries []delivery
	failFor    map[string]error
}

func (f *fakeDeliverer) Deliver(_ context.Context, componentID string, env *envelope.Envelope) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if err := f.failFor[componentID]; err != nil {
		return err
	}
	f.deliveries = append(f.deliveries, delivery{componentID: componentID, messageID: env.ID})
	return nil
}

func (f *fakeDeliverer) to(componentID string) []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var ids []string
	for _, d := range f.deliveries {
		if d.componentID == componentID {
			ids = append(ids, d.messageID)
		}
	}
	return ids
}

func newRouter(t *testing.T, mutate func(*router.Config)) (*router.Router, *fakeDeliverer) {
	t.Helper()
	cfg := router.DefaultConfig()
	cfg.QueueEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	d := &fakeDeliverer{failFor: map[string]error{}}
	r, err := router.New(registry.New(), d, cfg)
	require.NoError(t, err)
	return r, d
}

func register(t *testing.T, r *router.Router, id string, typ envelope.ComponentType, types ...string) {
	t.Helper()
	if len(types) == 0 {
		types = []string{envelope.TypeAny}
	}
	require.NoError(t, r.Register(&registry.Registration{
		ComponentID:  id,
		Type:         typ,
		Capabilities: registry.Capabilities{SupportedMessageTypes: types},
	}))
}

func newEnvelope(t *testing.T, from, msgType string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(msgType, envelope.Source{ComponentID: from, Type: envelope.ComponentBackground}, map[string]string{"k": "v"})
	require.NoError(t, err)
	return env
}

func TestUnicastDeliversOnce(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "bg", envelope.ComponentBackground)
	register(t, r, "popup", envelope.ComponentPopup)
	register(t, r, "options", envelope.ComponentOptions)

	env := newEnvelope(t, "bg", "ping")
	env.DeliveryMode = envelope.DeliveryUnicast
	env.Target.ComponentID = "popup"

	id, err := r.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, id)

	assert.Equal(t, []string{env.ID}, d.to("popup"))
	assert.Empty(t, d.to("options"))
	require.Len(t, env.Delivery.Confirmations, 1)
	assert.True(t, env.Delivery.Confirmations[0].Success)
	assert.Equal(t, "popup", env.Delivery.Confirmations[0].ComponentID)
}

func TestUnicastRequiresCapability(t *testing.T) {
	r, _ := newRouter(t, nil)
	register(t, r, "popup", envelope.ComponentPopup, "sync_data")

	env := newEnvelope(t, "bg", "ping")
	env.DeliveryMode = envelope.DeliveryUnicast
	env.Target.ComponentID = "popup"

	_, err := r.Send(context.Background(), env)
	assert.ErrorIs(t, err, router.ErrNoTargets)
}

func TestBroadcastAndMulticast(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "bg", envelope.ComponentBackground)
	register(t, r, "popup", envelope.ComponentPopup)
	register(t, r, "content-1", envelope.ComponentContent)
	register(t, r, "content-2", envelope.ComponentContent)

	env := newEnvelope(t, "bg", "ping")
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Len(t, env.Delivery.Confirmations, 3)
	assert.Empty(t, d.to("bg"), "broadcast excludes the sender")

	multi := newEnvelope(t, "bg", "ping")
	multi.DeliveryMode = envelope.DeliveryMulticast
	multi.Target.ComponentTypes = []envelope.ComponentType{envelope.ComponentContent}
	_, err = r.Send(context.Background(), multi)
	require.NoError(t, err)
	assert.Len(t, multi.Delivery.Confirmations, 2)
	assert.Len(t, d.to("popup"), 1)
}

func TestTabFilter(t *testing.T) {
	r, d := newRouter(t, nil)
	tab1, tab2 := 1, 2
	require.NoError(t, r.Register(&registry.Registration{
		ComponentID: "content-1", Type: envelope.ComponentContent, TabID: &tab1,
		Capabilities: registry.Capabilities{SupportedMessageTypes: []string{"*"}},
	}))
	require.NoError(t, r.Register(&registry.Registration{
		ComponentID: "content-2", Type: envelope.ComponentContent, TabID: &tab2,
		Capabilities: registry.Capabilities{SupportedMessageTypes: []string{"*"}},
	}))

	env := newEnvelope(t, "bg", "ping")
	env.Target.TabID = &tab2
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)

	assert.Empty(t, d.to("content-1"))
	assert.Len(t, d.to("content-2"), 1)
}

func TestAnycastPicksFastest(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "a", envelope.ComponentContent)
	register(t, r, "b", envelope.ComponentContent)
	register(t, r, "c", envelope.ComponentContent)
	require.NoError(t, r.Registry().RecordHeartbeat("a", 300*time.Millisecond))
	require.NoError(t, r.Registry().RecordHeartbeat("b", 50*time.Millisecond))
	require.NoError(t, r.Registry().RecordHeartbeat("c", 50*time.Millisecond))

	env := newEnvelope(t, "bg", "ping")
	env.DeliveryMode = envelope.DeliveryAnycast
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)

	assert.Len(t, d.to("b"), 1, "tie goes to the earlier registration")
	assert.Empty(t, d.to("a"))
	assert.Empty(t, d.to("c"))
}

func TestUnresponsiveComponentSkipped(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "a", envelope.ComponentPopup)
	register(t, r, "b", envelope.ComponentPopup)
	require.NoError(t, r.Registry().SetResponsive("a", false))

	_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	require.NoError(t, err)
	assert.Empty(t, d.to("a"))
	assert.Len(t, d.to("b"), 1)
}

func TestRateLimit(t *testing.T) {
	r, _ := newRouter(t, nil)
	register(t, r, "popup", envelope.ComponentPopup)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	for i := 0; i < 100; i++ {
		_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
		require.NoError(t, err, "send %d", i)
		now = now.Add(100 * time.Millisecond)
	}

	_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	assert.ErrorIs(t, err, router.ErrRateLimited)
	assert.True(t, router.IsRetryable(err))

	now = now.Add(60 * time.Second)
	_, err = r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	assert.NoError(t, err)

	assert.Equal(t, int64(1), r.Metrics().RateLimited)
}

func TestDuplicateSuppressed(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "popup", envelope.ComponentPopup)

	env := newEnvelope(t, "bg", "ping")
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)

	again := env.Clone()
	_, err = r.Send(context.Background(), again)
	assert.ErrorIs(t, err, router.ErrDuplicateMessage)
	assert.Len(t, d.to("popup"), 1)
}

func TestValidationRejected(t *testing.T) {
	r, _ := newRouter(t, func(c *router.Config) { c.MaxPayloadBytes = 4 })
	register(t, r, "popup", envelope.ComponentPopup)

	_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	assert.ErrorIs(t, err, envelope.ErrPayloadTooLarge)

	_, err = r.Send(context.Background(), nil)
	assert.ErrorIs(t, err, envelope.ErrInvalidEnvelope)
}

func TestFailureIsolation(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "a", envelope.ComponentPopup)
	register(t, r, "b", envelope.ComponentPopup)
	d.failFor["a"] = errors.New("channel closed")

	env := newEnvelope(t, "bg", "ping")
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)

	require.Len(t, env.Delivery.Confirmations, 2)
	results := map[string]bool{}
	for _, c := range env.Delivery.Confirmations {
		results[c.ComponentID] = c.Success
	}
	assert.False(t, results["a"])
	assert.True(t, results["b"])

	reg, _ := r.Registry().Get("a")
	assert.Equal(t, 1, reg.Health.ErrorCount)

	m := r.Metrics()
	assert.Equal(t, int64(1), m.Delivered)
	assert.Equal(t, int64(1), m.Failed)
}

func TestQueuedDeliveryOrder(t *testing.T) {
	r, d := newRouter(t, func(c *router.Config) { c.QueueEnabled = true })
	register(t, r, "popup", envelope.ComponentPopup)

	var sent []*envelope.Envelope
	for _, p := range []envelope.Priority{envelope.PriorityBulk, envelope.PriorityNormal, envelope.PriorityCritical, envelope.PriorityNormal} {
		env := newEnvelope(t, "bg", "ping")
		env.Priority = p
		_, err := r.Send(context.Background(), env)
		require.NoError(t, err)
		sent = append(sent, env)
	}

	assert.Empty(t, d.to("popup"))
	assert.Equal(t, 4, r.QueueDepth())

	assert.Equal(t, 4, r.ProcessBatch(context.Background()))
	assert.Equal(t, []string{sent[2].ID, sent[1].ID, sent[3].ID, sent[0].ID}, d.to("popup"))
	assert.Len(t, sent[0].Delivery.Confirmations, 1)
}

func TestQueueBatchSize(t *testing.T) {
	r, d := newRouter(t, func(c *router.Config) {
		c.QueueEnabled = true
		c.BatchSize = 2
	})
	register(t, r, "popup", envelope.ComponentPopup)

	for i := 0; i < 3; i++ {
		_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, r.ProcessBatch(context.Background()))
	assert.Len(t, d.to("popup"), 2)
	assert.Equal(t, 1, r.QueueDepth())
}

func TestQueueOverflow(t *testing.T) {
	r, _ := newRouter(t, func(c *router.Config) {
		c.QueueEnabled = true
		c.MaxQueueSize = 2
	})
	register(t, r, "popup", envelope.ComponentPopup)

	send := func(p envelope.Priority) (*envelope.Envelope, error) {
		env := newEnvelope(t, "bg", "ping")
		env.Priority = p
		_, err := r.Send(context.Background(), env)
		return env, err
	}

	_, err := send(envelope.PriorityNormal)
	require.NoError(t, err)
	_, err = send(envelope.PriorityLow)
	require.NoError(t, err)

	_, err = send(envelope.PriorityCritical)
	require.NoError(t, err)
	m := r.Metrics()
	assert.Equal(t, int64(1), m.Dropped)
	assert.Equal(t, 2, m.QueueDepth)
	assert.Equal(t, map[string]int{"normal": 1, "critical": 1}, m.QueueDepthByPriority)

	_, err = send(envelope.PriorityBulk)
	assert.ErrorIs(t, err, router.ErrQueueFull)
	assert.True(t, router.IsRetryable(err))
}

func TestUnregisterPurgesQueueAndSubscriptions(t *testing.T) {
	r, d := newRouter(t, func(c *router.Config) { c.QueueEnabled = true })
	register(t, r, "popup", envelope.ComponentPopup)
	register(t, r, "options", envelope.ComponentOptions)

	_, err := r.Subscribe("popup", []string{"ping"}, router.Filters{})
	require.NoError(t, err)

	env := newEnvelope(t, "bg", "ping")
	env.DeliveryMode = envelope.DeliveryUnicast
	env.Target.ComponentID = "popup"
	_, err = r.Send(context.Background(), env)
	require.NoError(t, err)

	_, err = r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.QueueDepth())

	assert.True(t, r.Unregister("popup"))
	assert.Empty(t, r.Subscriptions("popup"))
	assert.Equal(t, 1, r.QueueDepth())

	r.ProcessBatch(context.Background())
	assert.Empty(t, d.to("popup"))
	assert.Len(t, d.to("options"), 1)
}

func TestSubscriptionFiltering(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "open", envelope.ComponentPopup)
	register(t, r, "picky", envelope.ComponentPopup)

	threshold := envelope.PriorityUrgent
	_, err := r.Subscribe("picky", []string{"meeting_event"}, router.Filters{
		PriorityThreshold: &threshold,
		ContentFilters:    map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)

	_, err = r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	require.NoError(t, err)
	assert.Len(t, d.to("open"), 1)
	assert.Empty(t, d.to("picky"))

	low := newEnvelope(t, "bg", "meeting_event")
	_, err = r.Send(context.Background(), low)
	require.NoError(t, err)
	assert.Empty(t, d.to("picky"))

	urgent := newEnvelope(t, "bg", "meeting_event")
	urgent.Priority = envelope.PriorityUrgent
	_, err = r.Send(context.Background(), urgent)
	require.NoError(t, err)
	assert.Equal(t, []string{urgent.ID}, d.to("picky"))

	_, err = r.Subscribe("ghost", []string{"ping"}, router.Filters{})
	assert.ErrorIs(t, err, registry.ErrNotRegistered)
	_, err = r.Subscribe("open", nil, router.Filters{})
	assert.ErrorIs(t, err, router.ErrInvalidSubscription)
}

func TestUnsubscribe(t *testing.T) {
	r, _ := newRouter(t, nil)
	register(t, r, "popup", envelope.ComponentPopup)

	sub, err := r.Subscribe("popup", []string{"ping"}, router.Filters{SourceFilters: []string{"bg"}})
	require.NoError(t, err)
	require.Len(t, r.Subscriptions("popup"), 1)

	require.NoError(t, r.Unsubscribe(sub.ID))
	assert.Empty(t, r.Subscriptions("popup"))
	assert.ErrorIs(t, r.Unsubscribe(sub.ID), router.ErrSubscriptionUnknown)
}

func TestRules(t *testing.T) {
	r, d := newRouter(t, nil)
	register(t, r, "popup", envelope.ComponentPopup)
	register(t, r, "options", envelope.ComponentOptions)

	r.Rules().Add(router.Rule{
		Name:     "to-popup",
		Priority: 1,
		Enabled:  true,
		Condition: router.Condition{MessageTypes: []string{"route_me"}},
		Actions: router.Actions{
			DeliveryModeOverride: envelope.DeliveryUnicast,
			Transform: func(env *envelope.Envelope, _ time.Time) {
				env.Target.ComponentID = "popup"
			},
			AddMetadata: map[string]string{"routed": "yes"},
		},
	})
	r.Rules().Add(router.Rule{
		Name:     "block",
		Priority: 50,
		Enabled:  true,
		Condition: router.Condition{
			Predicate: func(env *envelope.Envelope) bool { return env.HasTag("blocked") },
		},
		Actions: router.Actions{Veto: true},
	})

	rules := r.Rules().List()
	require.Len(t, rules, 2)
	assert.Equal(t, "block", rules[0].Name)

	env := newEnvelope(t, "bg", "route_me")
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, envelope.DeliveryUnicast, env.DeliveryMode)
	assert.Equal(t, "yes", env.Metadata.Extra["routed"])
	assert.Len(t, d.to("popup"), 1)
	assert.Empty(t, d.to("options"))

	blocked := newEnvelope(t, "bg", "ping")
	blocked.AddTag("blocked")
	_, err = r.Send(context.Background(), blocked)
	assert.ErrorIs(t, err, router.ErrVetoed)
}

func TestMetricsSnapshot(t *testing.T) {
	r, _ := newRouter(t, nil)
	register(t, r, "popup", envelope.ComponentPopup)

	env := newEnvelope(t, "bg", "ping")
	env.Priority = envelope.PriorityUrgent
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)

	m := r.Metrics()
	assert.Equal(t, int64(1), m.Sent)
	assert.Equal(t, int64(1), m.MessagesByType["ping"])
	assert.Equal(t, int64(1), m.MessagesByPriority["urgent"])
	assert.Equal(t, int64(1), m.MessagesByMode["broadcast"])
	assert.Equal(t, 1, m.RegisteredComponents)
	assert.Equal(t, 1, m.ActiveComponents)
}

func TestUpdateConfig(t *testing.T) {
	r, _ := newRouter(t, nil)

	bad := r.Config()
	bad.BatchSize = 0
	assert.Error(t, r.UpdateConfig(bad))

	good := r.Config()
	good.QueueEnabled = true
	good.RateLimit = 1
	require.NoError(t, r.UpdateConfig(good))
	assert.True(t, r.Config().QueueEnabled)

	register(t, r, "popup", envelope.ComponentPopup)
	_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	require.NoError(t, err)
	_, err = r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	assert.ErrorIs(t, err, router.ErrRateLimited)
}

func TestBatchLoop(t *testing.T) {
	r, d := newRouter(t, func(c *router.Config) {
		c.QueueEnabled = true
		c.BatchInterval = 5 * time.Millisecond
	})
	register(t, r, "popup", envelope.ComponentPopup)

	r.Start(context.Background())
	defer r.Stop()

	_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(d.to("popup")) == 1 }, time.Second, 5*time.Millisecond)

	r.Stop()
	_, err = r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	assert.ErrorIs(t, err, router.ErrStopped)
}

func TestRejectedEnvelopeCanBeResent(t *testing.T) {
	r, d := newRouter(t, func(c *router.Config) {
		c.QueueEnabled = true
		c.MaxQueueSize = 1
	})

	orphan := newEnvelope(t, "bg", "ping")
	_, err := r.Send(context.Background(), orphan)
	require.ErrorIs(t, err, router.ErrNoTargets)

	register(t, r, "popup", envelope.ComponentPopup)
	_, err = r.Send(context.Background(), orphan)
	require.NoError(t, err)

	bulk := newEnvelope(t, "bg", "ping")
	bulk.Priority = envelope.PriorityBulk
	_, err = r.Send(context.Background(), bulk)
	require.ErrorIs(t, err, router.ErrQueueFull)

	assert.Equal(t, 1, r.ProcessBatch(context.Background()))
	_, err = r.Send(context.Background(), bulk)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ProcessBatch(context.Background()))
	assert.Equal(t, []string{orphan.ID, bulk.ID}, d.to("popup"))

	_, err = r.Send(context.Background(), bulk.Clone())
	assert.ErrorIs(t, err, router.ErrDuplicateMessage)
}

func TestOverflowVictimCanBeResent(t *testing.T) {
	r, _ := newRouter(t, func(c *router.Config) {
		c.QueueEnabled = true
		c.MaxQueueSize = 1
	})
	register(t, r, "popup", envelope.ComponentPopup)

	low := newEnvelope(t, "bg", "ping")
	low.Priority = envelope.PriorityLow
	_, err := r.Send(context.Background(), low)
	require.NoError(t, err)

	urgent := newEnvelope(t, "bg", "ping")
	urgent.Priority = envelope.PriorityUrgent
	_, err = r.Send(context.Background(), urgent)
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Metrics().Dropped)

	r.ProcessBatch(context.Background())
	_, err = r.Send(context.Background(), low)
	assert.NoError(t, err)
}

func TestReregisterKeepsRateWindow(t *testing.T) {
	r, _ := newRouter(t, func(c *router.Config) {
		c.RateLimit = 2
		c.RateWindow = time.Minute
	})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	register(t, r, "popup", envelope.ComponentPopup)
	register(t, r, "bg", envelope.ComponentBackground)

	for i := 0; i < 2; i++ {
		_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
		require.NoError(t, err)
	}

	r.Unregister("bg")
	register(t, r, "bg", envelope.ComponentBackground)

	_, err := r.Send(context.Background(), newEnvelope(t, "bg", "ping"))
	assert.ErrorIs(t, err, router.ErrRateLimited)
}

func TestDefaultRulesUseRouterClock(t *testing.T) {
	r, _ := newRouter(t, nil)
	for _, rule := range router.DefaultRules() {
		r.Rules().Add(rule)
	}
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	register(t, r, "popup", envelope.ComponentPopup)

	env := newEnvelope(t, "bg", "ping")
	env.Priority = envelope.PriorityBulk
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)

	require.NotNil(t, env.Metadata.ExpiresAt)
	assert.Equal(t, now.Add(5*time.Minute), *env.Metadata.ExpiresAt)
}
