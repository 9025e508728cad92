package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"courier/internal/envelope"
	"courier/internal/logger"
	"courier/internal/registry"
)

// Deliverer hands an envelope to a single component's channel
type Deliverer interface {
	Deliver(ctx context.Context, componentID string, env *envelope.Envelope) error
}

// Config controls validation, rate limiting and queued delivery
type Config struct {
	QueueEnabled    bool          `yaml:"queue_enabled" json:"queue_enabled"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	BatchInterval   time.Duration `yaml:"batch_interval" json:"batch_interval"`
	MaxQueueSize    int           `yaml:"max_queue_size" json:"max_queue_size"`
	RateLimit       int           `yaml:"rate_limit" json:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window" json:"rate_window"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	DedupeSize      int           `yaml:"dedupe_size" json:"dedupe_size"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" json:"delivery_timeout"`
}

// DefaultConfig returns the router defaults
func DefaultConfig() Config {
	return Config{
		QueueEnabled:    true,
		BatchSize:       10,
		BatchInterval:   100 * time.Millisecond,
		MaxQueueSize:    1000,
		RateLimit:       100,
		RateWindow:      60 * time.Second,
		MaxPayloadBytes: 1 << 20,
		DedupeSize:      1024,
		DeliveryTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for usable values
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive")
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size must not be negative")
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return fmt.Errorf("rate_window must be positive when rate_limit is set")
	}
	if c.DedupeSize <= 0 {
		return fmt.Errorf("dedupe_size must be positive")
	}
	return nil
}

// DeliveryFailure names a target that did not accept an envelope
type DeliveryFailure struct {
	ComponentID string `json:"component_id"`
	Error       string `json:"error"`
}

// DeliveryReport is the outcome of fanning one envelope out to its targets
type DeliveryReport struct {
	Delivered []string          `json:"delivered"`
	Failures  []DeliveryFailure `json:"failures,omitempty"`
}

// Router validates, rate limits, prioritizes and delivers envelopes
type Router struct {
	registry      *registry.Registry
	deliverer     Deliverer
	rules         *RuleSet
	subscriptions *subscriptionStore
	limiter       *RateLimiter
	seen          *lru.Cache[string, struct{}]
	metrics       *metricsCollector

	queue      *priorityQueue
	queueMutex sync.Mutex
	processing atomic.Bool

	config      Config
	configMutex sync.RWMutex
	now         func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	resetCh chan time.Duration
	running atomic.Bool
	stopped atomic.Bool
	logger  zerolog.Logger
}

// New creates a router over a registry and a deliverer
func New(reg *registry.Registry, deliverer Deliverer, config Config) (*Router, error) {
	if reg == nil || deliverer == nil {
		return nil, fmt.Errorf("router requires a registry and a deliverer")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}

	seen, err := lru.New[string, struct{}](config.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	log := logger.GetLogger("router")
	return &Router{
		registry:      reg,
		deliverer:     deliverer,
		rules:         NewRuleSet(log),
		subscriptions: newSubscriptionStore(),
		limiter:       NewRateLimiter(config.RateLimit, config.RateWindow),
		seen:          seen,
		metrics:       newMetricsCollector(),
		queue:         newPriorityQueue(config.MaxQueueSize),
		config:        config,
		now:           time.Now,
		resetCh:       make(chan time.Duration, 1),
		logger:        log,
	}, nil
}

// SetClock replaces the time source used for rate limiting and latency
func (r *Router) SetClock(now func() time.Time) {
	r.configMutex.Lock()
	defer r.configMutex.Unlock()
	r.now = now
}

func (r *Router) clock() time.Time {
	r.configMutex.RLock()
	defer r.configMutex.RUnlock()
	return r.now()
}

// Config returns the active configuration
func (r *Router) Config() Config {
	r.configMutex.RLock()
	defer r.configMutex.RUnlock()
	return r.config
}

// Rules exposes the routing rule set
func (r *Router) Rules() *RuleSet {
	return r.rules
}

// Registry returns the component registry the router resolves against
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Register adds a component to the registry
func (r *Router) Register(reg *registry.Registration) error {
	return r.registry.Register(reg)
}

// Unregister removes a component, its subscriptions and the queued envelopes
// addressed to it. Its rate-limit window survives so re-registering does not
// refill it.
func (r *Router) Unregister(componentID string) bool {
	existed := r.registry.Unregister(componentID)
	subs := r.subscriptions.removeComponent(componentID)

	r.queueMutex.Lock()
	purged := r.queue.removeTarget(componentID)
	r.queueMutex.Unlock()

	if existed || subs > 0 || purged > 0 {
		r.logger.Info().
			Str("component_id", componentID).
			Int("subscriptions", subs).
			Int("purged", purged).
			Msg("Component removed from router")
	}
	return existed
}

// Subscribe records a component's interest in message types
func (r *Router) Subscribe(componentID string, messageTypes []string, filters Filters) (*Subscription, error) {
	if _, ok := r.registry.Get(componentID); !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotRegistered, componentID)
	}
	sub, err := r.subscriptions.add(componentID, messageTypes, filters, r.clock())
	if err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("component_id", componentID).
		Str("subscription_id", sub.ID).
		Strs("message_types", messageTypes).
		Msg("Subscription added")
	return sub, nil
}

// Unsubscribe removes a subscription by ID
func (r *Router) Unsubscribe(subscriptionID string) error {
	if _, ok := r.subscriptions.remove(subscriptionID); !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionUnknown, subscriptionID)
	}
	return nil
}

// Subscriptions lists a component's subscriptions
func (r *Router) Subscriptions(componentID string) []*Subscription {
	return r.subscriptions.forComponent(componentID)
}

// Send routes env and returns its message ID. The router takes ownership of env:
// rules mutate it and delivery confirmations are appended to it. An ID is
// remembered as seen only once the envelope was queued or delivered, so a
// rejected envelope can be sent again.
func (r *Router) Send(ctx context.Context, env *envelope.Envelope) (id string, err error) {
	if env == nil {
		return "", fmt.Errorf("%w: nil envelope", envelope.ErrInvalidEnvelope)
	}
	if r.stopped.Load() {
		return "", ErrStopped
	}

	config := r.Config()
	start := r.clock()

	if err := env.ValidateAt(config.MaxPayloadBytes, start); err != nil {
		r.metrics.incr(&r.metrics.rejected)
		return "", err
	}

	claimed := env.ID
	if found, _ := r.seen.ContainsOrAdd(claimed, struct{}{}); found {
		r.metrics.incr(&r.metrics.duplicates)
		return "", fmt.Errorf("%w: %s", ErrDuplicateMessage, claimed)
	}
	defer func() {
		if err != nil {
			r.seen.Remove(claimed)
		}
	}()

	if !r.limiter.Allow(env.Source.ComponentID, start) {
		r.metrics.incr(&r.metrics.rateLimited)
		r.logger.Warn().
			Str("source", env.Source.ComponentID).
			Str("message_id", env.ID).
			Msg("Rate limit exceeded")
		return "", fmt.Errorf("%w: %s", ErrRateLimited, env.Source.ComponentID)
	}

	if err := r.rules.Apply(env, start); err != nil {
		r.metrics.incr(&r.metrics.vetoed)
		return "", err
	}
	if err := env.ValidateAt(config.MaxPayloadBytes, start); err != nil {
		r.metrics.incr(&r.metrics.rejected)
		return "", fmt.Errorf("envelope invalid after routing rules: %w", err)
	}

	targets := r.ResolveTargets(env)
	if len(targets) == 0 {
		r.metrics.incr(&r.metrics.rejected)
		return "", fmt.Errorf("%w: %s (%s)", ErrNoTargets, env.ID, env.DeliveryMode)
	}

	r.metrics.recordRouted(env)
	_ = r.registry.Touch(env.Source.ComponentID)

	if config.QueueEnabled {
		if err := r.enqueue(env, targets, start); err != nil {
			return "", err
		}
		return env.ID, nil
	}

	r.Deliver(ctx, env, targets)
	r.metrics.recordLatency(r.clock().Sub(start))
	return env.ID, nil
}

func (r *Router) enqueue(env *envelope.Envelope, targets []string, at time.Time) error {
	r.queueMutex.Lock()
	dropped, err := r.queue.push(&queuedEnvelope{env: env, targets: targets, enqueuedAt: at})
	r.queueMutex.Unlock()

	if err != nil {
		r.metrics.incr(&r.metrics.dropped)
		r.logger.Warn().
			Str("message_id", env.ID).
			Str("priority", env.Priority.String()).
			Msg("Router queue full, rejecting message")
		return fmt.Errorf("%w: %s", ErrQueueFull, env.ID)
	}
	if dropped != nil {
		r.seen.Remove(dropped.env.ID)
		r.metrics.incr(&r.metrics.dropped)
		r.logger.Warn().
			Str("dropped_id", dropped.env.ID).
			Str("dropped_priority", dropped.env.Priority.String()).
			Msg("Router queue overflow, dropped oldest low-priority message")
	}
	return nil
}

// ResolveTargets returns the component IDs env would be delivered to
func (r *Router) ResolveTargets(env *envelope.Envelope) []string {
	var payload map[string]interface{}
	payloadDecoded := false

	var candidates []*registry.Registration
	for _, reg := range r.registry.List() {
		if !r.modeSelects(env, reg) {
			continue
		}
		if !reg.Health.Responsive || !reg.Supports(env.Type) {
			continue
		}
		if !reg.MatchesTarget(env.Target.TabID, env.Target.WindowID) {
			continue
		}
		if !payloadDecoded {
			payload = decodePayloadObject(env)
			payloadDecoded = true
		}
		if !r.subscriptions.accepts(reg.ComponentID, env, payload) {
			continue
		}
		candidates = append(candidates, reg)
	}

	if env.DeliveryMode == envelope.DeliveryAnycast {
		// List is in registration order so the first minimum wins ties
		var best *registry.Registration
		for _, reg := range candidates {
			if best == nil || reg.Health.ResponseTimeMs < best.Health.ResponseTimeMs {
				best = reg
			}
		}
		if best == nil {
			return nil
		}
		return []string{best.ComponentID}
	}

	ids := make([]string, len(candidates))
	for i, reg := range candidates {
		ids[i] = reg.ComponentID
	}
	return ids
}

func (r *Router) modeSelects(env *envelope.Envelope, reg *registry.Registration) bool {
	switch env.DeliveryMode {
	case envelope.DeliveryUnicast:
		return reg.ComponentID == env.Target.ComponentID
	case envelope.DeliveryMulticast:
		if reg.ComponentID == env.Source.ComponentID {
			return false
		}
		for _, t := range env.Target.ComponentTypes {
			if reg.Type == t {
				return true
			}
		}
		return false
	case envelope.DeliveryBroadcast, envelope.DeliveryAnycast:
		return reg.ComponentID != env.Source.ComponentID
	}
	return false
}

// Deliver fans env out to targets concurrently and appends one confirmation per
// target. Failures are isolated per target and never retried here.
func (r *Router) Deliver(ctx context.Context, env *envelope.Envelope, targets []string) DeliveryReport {
	timeout := r.Config().DeliveryTimeout
	errs := make([]error, len(targets))

	env.Delivery.Attempts++

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()

			deliverCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				deliverCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			errs[i] = r.deliverer.Deliver(deliverCtx, target, env.Clone())
		}(i, target)
	}
	wg.Wait()

	report := DeliveryReport{Delivered: make([]string, 0, len(targets))}
	for i, target := range targets {
		env.Confirm(target, errs[i])
		if errs[i] != nil {
			report.Failures = append(report.Failures, DeliveryFailure{
				ComponentID: target,
				Error:       errs[i].Error(),
			})
			_ = r.registry.RecordError(target)
			r.logger.Warn().
				Err(errs[i]).
				Str("message_id", env.ID).
				Str("target", target).
				Msg("Delivery failed")
			continue
		}
		report.Delivered = append(report.Delivered, target)
	}

	r.metrics.recordDelivery(len(report.Delivered), len(report.Failures))
	return report
}

// Start launches the batch delivery loop
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running.Store(true)

	r.wg.Add(1)
	go r.batchLoop()

	r.logger.Info().
		Bool("queue_enabled", r.Config().QueueEnabled).
		Dur("batch_interval", r.Config().BatchInterval).
		Msg("Router started")
}

// Stop halts the batch loop and waits for an in-flight batch
func (r *Router) Stop() {
	r.stopped.Store(true)
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info().Msg("Router stopped")
}

func (r *Router) batchLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.Config().BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case interval := <-r.resetCh:
			ticker.Reset(interval)
		case <-ticker.C:
			r.ProcessBatch(r.ctx)
		}
	}
}

// ProcessBatch drains up to BatchSize envelopes in priority order and delivers
// them one after another so per-target order follows queue order. A call that
// overlaps a running batch returns 0 without doing anything.
func (r *Router) ProcessBatch(ctx context.Context) int {
	if !r.processing.CompareAndSwap(false, true) {
		return 0
	}
	defer r.processing.Store(false)

	r.queueMutex.Lock()
	batch := r.queue.popBatch(r.Config().BatchSize)
	r.queueMutex.Unlock()

	if len(batch) == 0 {
		return 0
	}

	for _, item := range batch {
		if item.env.Expired(r.clock()) {
			r.metrics.incr(&r.metrics.dropped)
			r.logger.Debug().Str("message_id", item.env.ID).Msg("Dropping expired queued message")
			continue
		}
		r.Deliver(ctx, item.env, item.targets)
		r.metrics.recordLatency(r.clock().Sub(item.enqueuedAt))
	}
	return len(batch)
}

// QueueDepth returns the number of pending envelopes
func (r *Router) QueueDepth() int {
	r.queueMutex.Lock()
	defer r.queueMutex.Unlock()
	return r.queue.len()
}

// UpdateConfig applies a new configuration at runtime
func (r *Router) UpdateConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid router config: %w", err)
	}

	r.configMutex.Lock()
	previous := r.config
	r.config = config
	r.configMutex.Unlock()

	r.limiter.Configure(config.RateLimit, config.RateWindow)

	r.queueMutex.Lock()
	r.queue.maxSize = config.MaxQueueSize
	r.queueMutex.Unlock()

	if config.BatchInterval != previous.BatchInterval {
		select {
		case r.resetCh <- config.BatchInterval:
		default:
		}
	}

	r.logger.Info().
		Bool("queue_enabled", config.QueueEnabled).
		Int("batch_size", config.BatchSize).
		Int("rate_limit", config.RateLimit).
		Msg("Router configuration updated")
	return nil
}

// Metrics returns a snapshot of routing counters
func (r *Router) Metrics() Metrics {
	snap := r.metrics.snapshot()

	r.queueMutex.Lock()
	snap.QueueDepth = r.queue.len()
	snap.QueueDepthByPriority = r.queue.depths()
	r.queueMutex.Unlock()

	snap.Subscriptions = r.subscriptions.count()

	stats := r.registry.Stats()
	snap.RegisteredComponents = stats.Registered
	snap.ActiveComponents = stats.Active
	snap.ErrorComponents = stats.Errored
	return snap
}
