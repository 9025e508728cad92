package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/envelope"
	"courier/internal/logger"
	"courier/internal/router"
)

var (
	ErrInvalidEvent    = errors.New("invalid broadcast event")
	ErrUnknownChannel  = errors.New("unknown broadcast channel")
	ErrPublishDenied   = errors.New("component type may not publish on channel")
	ErrChannelThrottle = errors.New("channel rate limit exceeded")
)

// Event is a typed notification fanned out to subscribed components
type Event struct {
	ID          string                   `json:"id"`
	Type        string                   `json:"type"`
	Channel     string                   `json:"channel,omitempty"`
	Source      envelope.Source          `json:"source"`
	Data        interface{}              `json:"data,omitempty"`
	Priority    envelope.Priority        `json:"priority"`
	TargetTypes []envelope.ComponentType `json:"target_types,omitempty"`
	Tags        []string                 `json:"tags,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

// Result reports how far a broadcast reached
type Result struct {
	EventID           string                   `json:"event_id"`
	Success           bool                     `json:"success"`
	ComponentsReached int                      `json:"components_reached"`
	ComponentsFailed  int                      `json:"components_failed"`
	Failures          []router.DeliveryFailure `json:"failures,omitempty"`
	Duration          time.Duration            `json:"duration"`
}

// Config for the broadcast manager
type Config struct {
	HistorySize int                 `yaml:"history_size" json:"history_size"`
	Channels    []ChannelDefinition `yaml:"channels" json:"channels,omitempty"`
}

// Manager publishes events through the router on declared channels
type Manager struct {
	router   *router.Router
	channels map[string]*ChannelDefinition
	limiters map[string]*router.RateLimiter
	retained map[string][]Event
	history  *history
	now      func() time.Time
	logger   zerolog.Logger
	mutex    sync.RWMutex
}

// NewManager creates a broadcast manager with the default channels plus any configured ones
func NewManager(r *router.Router, config Config) *Manager {
	m := &Manager{
		router:   r,
		channels: make(map[string]*ChannelDefinition),
		limiters: make(map[string]*router.RateLimiter),
		retained: make(map[string][]Event),
		history:  newHistory(config.HistorySize),
		now:      time.Now,
		logger:   logger.GetLogger("broadcast"),
	}

	for _, def := range DefaultChannels() {
		m.DefineChannel(def)
	}
	for _, def := range config.Channels {
		m.DefineChannel(def)
	}
	return m
}

// SetClock replaces the time source for channel throttling and retention
func (m *Manager) SetClock(now func() time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = now
}

// DefineChannel declares or replaces a channel
func (m *Manager) DefineChannel(def ChannelDefinition) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	d := def
	m.channels[def.Name] = &d
	m.limiters[def.Name] = router.NewRateLimiter(def.Behavior.RateLimitPerMinute, time.Minute)
	m.logger.Debug().Str("channel", def.Name).Msg("Broadcast channel defined")
}

// Channel returns a channel definition
func (m *Manager) Channel(name string) (ChannelDefinition, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	def, ok := m.channels[name]
	if !ok {
		return ChannelDefinition{}, false
	}
	return *def, true
}

// Channels lists channel definitions sorted by name
func (m *Manager) Channels() []ChannelDefinition {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]ChannelDefinition, 0, len(m.channels))
	for _, def := range m.channels {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BroadcastEvent delivers event to every eligible component. Zero eligible
// targets is a successful broadcast that reached nobody.
func (m *Manager) BroadcastEvent(ctx context.Context, event Event) (*Result, error) {
	if event.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if event.Source.ComponentID == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if !event.Priority.Valid() {
		event.Priority = envelope.PriorityNormal
	}

	m.mutex.RLock()
	now := m.now()
	m.mutex.RUnlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	targetTypes := event.TargetTypes
	reachable := true
	var channel *ChannelDefinition
	if event.Channel != "" {
		def, err := m.admit(event, now)
		if err != nil {
			return nil, err
		}
		channel = def
		targetTypes, reachable = restrictTypes(targetTypes, def.Subscribers)
	}

	env, err := m.buildEnvelope(event, targetTypes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var targets []string
	if reachable {
		targets = m.router.ResolveTargets(env)
	}
	if channel != nil && channel.Behavior.MaxSubscribers > 0 && len(targets) > channel.Behavior.MaxSubscribers {
		m.logger.Warn().
			Str("channel", channel.Name).
			Int("targets", len(targets)).
			Int("max_subscribers", channel.Behavior.MaxSubscribers).
			Msg("Broadcast target count capped")
		targets = targets[:channel.Behavior.MaxSubscribers]
	}

	result := Result{EventID: event.ID}
	if len(targets) > 0 {
		report := m.router.Deliver(ctx, env, targets)
		result.ComponentsReached = len(report.Delivered)
		result.ComponentsFailed = len(report.Failures)
		result.Failures = report.Failures
	}
	result.Success = result.ComponentsFailed == 0
	result.Duration = time.Since(start)

	m.history.add(Record{Event: event, Result: result})
	if channel != nil && channel.Behavior.Persistent {
		m.retain(channel, event, now)
	}

	log := m.logger.Debug()
	if !result.Success {
		log = m.logger.Warn()
	}
	log.Str("event_id", event.ID).
		Str("type", event.Type).
		Str("channel", event.Channel).
		Int("reached", result.ComponentsReached).
		Int("failed", result.ComponentsFailed).
		Msg("Broadcast delivered")

	return &result, nil
}

// admit checks the channel exists, carries the event, allows the publisher and has
// rate budget. Urgent and critical events bypass the channel rate limit.
func (m *Manager) admit(event Event, now time.Time) (*ChannelDefinition, error) {
	m.mutex.RLock()
	def, ok := m.channels[event.Channel]
	limiter := m.limiters[event.Channel]
	m.mutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, event.Channel)
	}
	if !def.Carries(event.Type) {
		return nil, fmt.Errorf("%w: channel %s does not carry %s", ErrInvalidEvent, def.Name, event.Type)
	}
	if !def.CanPublish(event.Source.Type) {
		return nil, fmt.Errorf("%w: %s on %s", ErrPublishDenied, event.Source.Type, def.Name)
	}
	if event.Priority < envelope.PriorityUrgent && !limiter.Allow(def.Name, now) {
		return nil, fmt.Errorf("%w: %s", ErrChannelThrottle, def.Name)
	}
	return def, nil
}

func (m *Manager) buildEnvelope(event Event, targetTypes []envelope.ComponentType) (*envelope.Envelope, error) {
	env, err := envelope.New(event.Type, event.Source, event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to build broadcast envelope: %w", err)
	}
	env.ID = event.ID
	env.Priority = event.Priority
	env.Metadata.Timestamp = event.Timestamp
	env.AddTag("event:" + event.Type)
	if event.Channel != "" {
		env.AddTag("channel:" + event.Channel)
	}
	for _, tag := range event.Tags {
		env.AddTag(tag)
	}

	if len(targetTypes) > 0 {
		env.DeliveryMode = envelope.DeliveryMulticast
		env.Target.ComponentTypes = targetTypes
	}
	return env, nil
}

func (m *Manager) retain(def *ChannelDefinition, event Event, now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	events := append(m.retained[def.Name], event)
	m.retained[def.Name] = pruneRetained(events, now, def.Behavior.RetentionPeriod)
}

// Retained returns the events a persistent channel still holds, oldest first
func (m *Manager) Retained(channel string) []Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	def, ok := m.channels[channel]
	if !ok {
		return nil
	}
	events := pruneRetained(m.retained[channel], m.now(), def.Behavior.RetentionPeriod)
	m.retained[channel] = events
	return append([]Event(nil), events...)
}

// BroadcastToAll sends an event to every reachable component
func (m *Manager) BroadcastToAll(ctx context.Context, source envelope.Source, eventType string, data interface{}) (*Result, error) {
	return m.BroadcastEvent(ctx, Event{Type: eventType, Source: source, Data: data})
}

// BroadcastToTypes sends an event to every reachable component of the given types
func (m *Manager) BroadcastToTypes(ctx context.Context, source envelope.Source, eventType string, data interface{}, types []envelope.ComponentType) (*Result, error) {
	return m.BroadcastEvent(ctx, Event{Type: eventType, Source: source, Data: data, TargetTypes: types})
}

// History returns recent broadcasts from oldest to newest
func (m *Manager) History() []Record {
	return m.history.list()
}

func pruneRetained(events []Event, now time.Time, retention time.Duration) []Event {
	if retention <= 0 {
		return events
	}
	cutoff := now.Add(-retention)
	i := 0
	for i < len(events) && events[i].Timestamp.Before(cutoff) {
		i++
	}
	return events[i:]
}

// restrictTypes narrows requested target types to those a channel allows.
// With no request, the channel's subscriber list is used. It reports false
// when none of the requested types may subscribe.
func restrictTypes(requested, allowed []envelope.ComponentType) ([]envelope.ComponentType, bool) {
	if len(allowed) == 0 {
		return requested, true
	}
	if len(requested) == 0 {
		return allowed, true
	}
	var out []envelope.ComponentType
	for _, t := range requested {
		if containsType(allowed, t) {
			out = append(out, t)
		}
	}
	return out, len(out) > 0
}
