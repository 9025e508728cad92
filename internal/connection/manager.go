package connection

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
	"courier/internal/network"
	"courier/internal/registry"
)

const watchBuffer = 64

// InboundHandler receives envelopes arriving from a connected component
type InboundHandler func(componentID string, env *envelope.Envelope)

type entry struct {
	conn    Connection
	health  Health
	channel network.Channel
	reg     *registry.Registration
	peer    network.PeerRef

	pending   map[string]time.Time
	lastAck   time.Time
	stopBeat  context.CancelFunc
	reconnect bool
}

// Manager owns one channel per component and keeps it healthy
type Manager struct {
	connector network.Connector
	registry  *registry.Registry
	config    Config
	entries   map[string]*entry
	inbound   InboundHandler
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    zerolog.Logger
	mutex     sync.RWMutex

	watchers   map[uint64]chan Event
	nextWatch  uint64
	watchMutex sync.Mutex
}

// NewManager creates a connection manager. reg may be nil.
func NewManager(connector network.Connector, reg *registry.Registry, cfg Config) (*Manager, error) {
	if connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		connector: connector,
		registry:  reg,
		config:    cfg,
		entries:   make(map[string]*entry),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.GetLogger("connection"),
		watchers:  make(map[uint64]chan Event),
	}, nil
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = now
}

// OnInbound installs the handler for non-heartbeat inbound traffic
func (m *Manager) OnInbound(handler InboundHandler) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.inbound = handler
}

// Config returns the active configuration
func (m *Manager) Config() Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.config
}

// UpdateConfig applies new settings. Running heartbeat loops pick up the new
// interval on their next connection.
func (m *Manager) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.config = cfg
	return nil
}

// Start runs the periodic health sweep until Stop
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.healthLoop()
	m.logger.Info().Dur("interval", m.Config().HealthCheckInterval).Msg("Connection manager started")
}

// Stop disconnects every component and releases all watches
func (m *Manager) Stop() {
	m.cancel()

	for _, id := range m.componentIDs() {
		m.Disconnect(id, "shutdown")
	}
	m.wg.Wait()

	m.watchMutex.Lock()
	for id, ch := range m.watchers {
		close(ch)
		delete(m.watchers, id)
	}
	m.watchMutex.Unlock()
	m.logger.Info().Msg("Connection manager stopped")
}

// Connect opens a channel to the component described by reg. It returns the
// existing connection when one is already connected.
func (m *Manager) Connect(ctx context.Context, reg *registry.Registration, peer network.PeerRef) (*Connection, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if m.ctx.Err() != nil {
		return nil, ErrStopped
	}
	if peer.ComponentID == "" {
		peer.ComponentID = reg.ComponentID
	}

	m.mutex.Lock()
	if e, ok := m.entries[reg.ComponentID]; ok {
		switch e.conn.State {
		case StateConnected:
			conn := e.conn
			m.mutex.Unlock()
			return &conn, nil
		case StateConnecting:
			m.mutex.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrConnecting, reg.ComponentID)
		}
		m.teardownLocked(e)
	}
	e := m.newEntryLocked(reg, peer, false)
	timeout := m.config.ConnectTimeout
	m.mutex.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	channel, err := m.connector.Connect(attemptCtx, peer)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, err)
		}
		m.mutex.Lock()
		e.health.ErrorCount++
		m.setStateLocked(e, StateError, err.Error())
		m.mutex.Unlock()

		m.logger.Error().Err(err).
			Str("component_id", reg.ComponentID).
			Str("transport", peer.Transport).
			Msg("Failed to connect to component")
		return nil, err
	}

	conn := m.install(e, channel)
	m.logger.Info().
		Str("component_id", reg.ComponentID).
		Str("connection_id", conn.ID).
		Str("channel", channel.ID()).
		Msg("Component connected")
	return &conn, nil
}

// Attach adopts a channel the component opened towards us. Attached
// connections are never reconnected; the component must come back itself.
func (m *Manager) Attach(reg *registry.Registration, channel network.Channel) (*Connection, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if m.ctx.Err() != nil {
		return nil, ErrStopped
	}

	m.mutex.Lock()
	if old, ok := m.entries[reg.ComponentID]; ok {
		if old.channel == channel {
			conn := old.conn
			m.mutex.Unlock()
			return &conn, nil
		}
		m.teardownLocked(old)
	}
	e := m.newEntryLocked(reg, network.PeerRef{ComponentID: reg.ComponentID}, true)
	m.mutex.Unlock()

	conn := m.install(e, channel)
	m.logger.Info().
		Str("component_id", reg.ComponentID).
		Str("connection_id", conn.ID).
		Str("channel", channel.ID()).
		Msg("Component attached")
	return &conn, nil
}

// Disconnect closes the component's channel and forgets the connection
func (m *Manager) Disconnect(componentID, reason string) error {
	m.mutex.Lock()
	e, ok := m.entries[componentID]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, componentID)
	}
	m.setStateLocked(e, StateDisconnecting, reason)
	m.teardownLocked(e)
	m.setStateLocked(e, StateDisconnected, reason)
	delete(m.entries, componentID)
	m.mutex.Unlock()

	if forgetter, ok := m.connector.(interface{ Forget(string) }); ok {
		forgetter.Forget(componentID)
	}

	m.logger.Info().
		Str("component_id", componentID).
		Str("reason", reason).
		Msg("Component disconnected")
	return nil
}

// Deliver sends env to the component over its channel
func (m *Manager) Deliver(ctx context.Context, componentID string, env *envelope.Envelope) error {
	m.mutex.RLock()
	e, ok := m.entries[componentID]
	var channel network.Channel
	if ok {
		channel = e.channel
	}
	connected := ok && channel != nil && (e.conn.State == StateConnected || e.conn.State == StateTimeout)
	m.mutex.RUnlock()

	if !connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, componentID)
	}

	err := channel.Send(ctx, env)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if current, ok := m.entries[componentID]; ok && current.channel == channel {
		if err != nil {
			current.health.ErrorCount++
		} else {
			current.health.MessagesSent++
			current.conn.MessageCount++
			current.conn.LastActivity = m.now()
		}
		m.rescoreLocked(current)
	}
	if err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", componentID, err)
	}
	return nil
}

// Reconnect tears down the component's channel and dials it again, waiting
// RetryDelay before each attempt
func (m *Manager) Reconnect(ctx context.Context, componentID string) (*Connection, error) {
	m.mutex.Lock()
	e, ok := m.entries[componentID]
	if !ok {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, componentID)
	}
	if e.conn.Attached || e.reg == nil {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s was attached by the peer", ErrNoPeer, componentID)
	}
	reg, peer := e.reg, e.peer
	m.setStateLocked(e, StateDisconnecting, "reconnect")
	m.teardownLocked(e)
	m.setStateLocked(e, StateDisconnected, "reconnect")
	delay, attempts := m.config.RetryDelay, m.config.MaxReconnectAttempts
	m.mutex.Unlock()

	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.ctx.Done():
			return nil, ErrStopped
		}

		conn, err := m.Connect(ctx, reg, peer)
		if err == nil {
			m.logger.Info().
				Str("component_id", componentID).
				Int("attempt", attempt).
				Msg("Component reconnected")
			return conn, nil
		}
		lastErr = err
		m.logger.Warn().Err(err).
			Str("component_id", componentID).
			Int("attempt", attempt).
			Msg("Reconnect attempt failed")
	}
	return nil, lastErr
}

// Connection returns a snapshot of the component's connection
func (m *Manager) Connection(componentID string) (Connection, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.entries[componentID]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

// Connections returns snapshots of every connection ordered by component ID
func (m *Manager) Connections() []Connection {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	result := make([]Connection, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e.conn)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ComponentID < result[j].ComponentID })
	return result
}

// Health returns the component's connection health
func (m *Manager) Health(componentID string) (Health, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.entries[componentID]
	if !ok {
		return Health{}, false
	}
	return e.health, true
}

// Watch subscribes to connection events
func (m *Manager) Watch() *Watch {
	ch := make(chan Event, watchBuffer)

	m.watchMutex.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch
	m.watchMutex.Unlock()

	return &Watch{
		C: ch,
		release: func() {
			m.watchMutex.Lock()
			defer m.watchMutex.Unlock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(ch)
			}
		},
	}
}

// SweepHealth flags connections whose quality is under the threshold and
// returns their component IDs
func (m *Manager) SweepHealth() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var flagged []string
	for id, e := range m.entries {
		m.rescoreLocked(e)
		degraded := e.health.QualityScore < m.config.QualityThreshold
		if degraded && !e.health.Degraded {
			m.logger.Warn().
				Str("component_id", id).
				Int("quality", e.health.QualityScore).
				Int("threshold", m.config.QualityThreshold).
				Msg("Connection quality below threshold")
			m.emit(Event{
				Kind:         EventDegraded,
				ComponentID:  id,
				ConnectionID: e.conn.ID,
				State:        e.conn.State,
				Quality:      e.health.QualityScore,
				Reason:       "quality_below_threshold",
				At:           m.now(),
			})
		}
		e.health.Degraded = degraded
		if degraded {
			flagged = append(flagged, id)
		}
	}
	sort.Strings(flagged)
	return flagged
}

func (m *Manager) newEntryLocked(reg *registry.Registration, peer network.PeerRef, attached bool) *entry {
	r := *reg
	e := &entry{
		conn: Connection{
			ID:            "conn_" + uuid.NewString(),
			ComponentID:   reg.ComponentID,
			ComponentType: reg.Type,
			Transport:     peer.Transport,
			Attached:      attached,
			TabID:         reg.TabID,
			WindowID:      reg.WindowID,
		},
		health:  Health{QualityScore: 100},
		reg:     &r,
		peer:    peer,
		pending: make(map[string]time.Time),
	}
	m.entries[reg.ComponentID] = e
	m.setStateLocked(e, StateConnecting, "")
	return e
}

// install binds a live channel to the entry and starts its loops
func (m *Manager) install(e *entry, channel network.Channel) Connection {
	componentID := e.conn.ComponentID
	channel.OnMessage(func(env *envelope.Envelope) {
		m.handleInbound(componentID, channel, env)
	})

	m.mutex.Lock()
	now := m.now()
	e.channel = channel
	e.conn.ChannelID = channel.ID()
	e.conn.ConnectedAt = now
	e.conn.LastActivity = now
	e.lastAck = now
	e.health.LastHeartbeat = now
	m.setStateLocked(e, StateConnected, "")

	beatCtx, stop := context.WithCancel(m.ctx)
	e.stopBeat = stop
	interval := m.config.HeartbeatInterval
	conn := e.conn
	m.mutex.Unlock()

	m.wg.Add(2)
	go m.heartbeatLoop(beatCtx, componentID, channel, interval)
	go m.watchChannel(beatCtx, componentID, channel)

	m.markResponsive(componentID, true)
	return conn
}

func (m *Manager) teardownLocked(e *entry) {
	if e.stopBeat != nil {
		e.stopBeat()
		e.stopBeat = nil
	}
	if e.channel != nil {
		channel := e.channel
		e.channel = nil
		if err := channel.Disconnect(); err != nil {
			m.logger.Debug().Err(err).Str("channel", channel.ID()).Msg("Channel close reported error")
		}
	}
	e.pending = make(map[string]time.Time)
}

func (m *Manager) setStateLocked(e *entry, state State, reason string) {
	previous := e.conn.State
	if previous == state {
		return
	}
	e.conn.State = state
	e.health.State = state
	m.rescoreLocked(e)
	m.emit(Event{
		Kind:         EventStateChanged,
		ComponentID:  e.conn.ComponentID,
		ConnectionID: e.conn.ID,
		Previous:     previous,
		State:        state,
		Quality:      e.health.QualityScore,
		Reason:       reason,
		At:           m.now(),
	})
}

func (m *Manager) rescoreLocked(e *entry) {
	e.health.QualityScore = QualityScore(e.conn.State, e.health.ErrorCount, e.health.ResponseTimeMs)
}

// emit never blocks; a watcher that falls behind loses events
func (m *Manager) emit(event Event) {
	m.watchMutex.Lock()
	defer m.watchMutex.Unlock()
	for id, ch := range m.watchers {
		select {
		case ch <- event:
		default:
			m.logger.Debug().Uint64("watch", id).Str("component_id", event.ComponentID).Msg("Watcher full, event dropped")
		}
	}
}

func (m *Manager) handleInbound(componentID string, channel network.Channel, env *envelope.Envelope) {
	m.mutex.Lock()
	e, ok := m.entries[componentID]
	if !ok || e.channel != channel {
		m.mutex.Unlock()
		return
	}
	now := m.now()
	e.health.MessagesReceived++
	e.conn.MessageCount++
	e.conn.LastActivity = now

	var rtt time.Duration
	acked := false
	if env.Type == envelope.TypeHeartbeatAck {
		if sentAt, ok := e.pending[env.Metadata.CorrelationID]; ok {
			delete(e.pending, env.Metadata.CorrelationID)
			rtt = now.Sub(sentAt)
			e.lastAck = now
			e.health.LastHeartbeat = now
			e.health.ResponseTimeMs = rtt.Milliseconds()
			acked = true
			if e.conn.State == StateTimeout {
				m.setStateLocked(e, StateConnected, "heartbeat_recovered")
			}
		}
	}
	m.rescoreLocked(e)
	handler := m.inbound
	localID := m.config.LocalID
	m.mutex.Unlock()

	if m.registry != nil {
		m.registry.Touch(componentID)
	}

	switch env.Type {
	case envelope.TypeHeartbeatAck:
		if acked {
			m.recordHeartbeat(componentID, rtt)
		}
		return
	case envelope.TypeHeartbeat:
		// peers that run their own liveness checks get an ack
		reply, err := env.Reply(envelope.TypeHeartbeatAck, envelope.Source{
			ComponentID: localID,
			Type:        envelope.ComponentBackground,
		}, nil)
		if err == nil {
			reply.Priority = envelope.PriorityLow
			ctx, cancel := context.WithTimeout(m.ctx, m.Config().HeartbeatInterval)
			if err := channel.Send(ctx, reply); err != nil {
				m.logger.Debug().Err(err).Str("component_id", componentID).Msg("Failed to ack heartbeat")
			}
			cancel()
		}
		return
	}

	if handler != nil {
		handler(componentID, env)
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, componentID string, channel network.Channel, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.heartbeat(ctx, componentID, channel, interval) {
				return
			}
		}
	}
}

// heartbeat runs one tick. It returns false once the loop should end.
func (m *Manager) heartbeat(ctx context.Context, componentID string, channel network.Channel, interval time.Duration) bool {
	m.mutex.Lock()
	e, ok := m.entries[componentID]
	if !ok || e.channel != channel {
		m.mutex.Unlock()
		return false
	}
	now := m.now()

	missed := 0
	for id, sentAt := range e.pending {
		if now.Sub(sentAt) >= interval {
			delete(e.pending, id)
			missed++
		}
	}
	if missed > 0 {
		e.health.ErrorCount += missed
		m.rescoreLocked(e)
		m.logger.Warn().
			Str("component_id", componentID).
			Int("missed", missed).
			Msg("Heartbeat not acknowledged")
	}

	timedOut := false
	if now.Sub(e.lastAck) > 3*interval && e.conn.State == StateConnected {
		m.setStateLocked(e, StateTimeout, "heartbeat_timeout")
		timedOut = true
	}

	reconnect := false
	if timedOut && m.config.AutoReconnect && !e.conn.Attached && !e.reconnect {
		e.reconnect = true
		reconnect = true
	}

	hb, err := envelope.NewUnicast(envelope.TypeHeartbeat, envelope.Source{
		ComponentID: m.config.LocalID,
		Type:        envelope.ComponentBackground,
	}, componentID, map[string]any{"sent_at": now})
	if err == nil {
		hb.Priority = envelope.PriorityLow
		e.pending[hb.ID] = now
	}
	m.mutex.Unlock()

	if timedOut {
		m.logger.Warn().Str("component_id", componentID).Msg("Connection timed out")
		m.markResponsive(componentID, false)
	}

	if reconnect {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.Reconnect(m.ctx, componentID); err != nil {
				m.logger.Error().Err(err).Str("component_id", componentID).Msg("Reconnect failed")
				m.mutex.Lock()
				if e, ok := m.entries[componentID]; ok {
					e.reconnect = false
				}
				m.mutex.Unlock()
			}
		}()
		return false
	}

	if hb == nil {
		return true
	}

	sendCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	if err := channel.Send(sendCtx, hb); err != nil {
		m.mutex.Lock()
		if e, ok := m.entries[componentID]; ok && e.channel == channel {
			delete(e.pending, hb.ID)
			e.health.ErrorCount++
			m.rescoreLocked(e)
		}
		m.mutex.Unlock()
		m.logger.Warn().Err(err).Str("component_id", componentID).Msg("Failed to send heartbeat")
		return true
	}

	m.mutex.Lock()
	if e, ok := m.entries[componentID]; ok && e.channel == channel {
		e.health.MessagesSent++
	}
	m.mutex.Unlock()
	return true
}

// watchChannel notices channels closed from the far side
func (m *Manager) watchChannel(ctx context.Context, componentID string, channel network.Channel) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-channel.Done():
	}

	m.mutex.Lock()
	e, ok := m.entries[componentID]
	if !ok || e.channel != channel {
		m.mutex.Unlock()
		return
	}
	reconnect := m.config.AutoReconnect && !e.conn.Attached && !e.reconnect
	if reconnect {
		e.reconnect = true
		m.mutex.Unlock()

		m.logger.Warn().Str("component_id", componentID).Msg("Channel lost, reconnecting")
		m.markResponsive(componentID, false)
		if _, err := m.Reconnect(m.ctx, componentID); err != nil {
			m.logger.Error().Err(err).Str("component_id", componentID).Msg("Reconnect failed")
			m.Disconnect(componentID, "channel_lost")
		}
		return
	}
	m.mutex.Unlock()

	m.Disconnect(componentID, "channel_closed")
}

func (m *Manager) componentIDs() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.Config().HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.SweepHealth()
		}
	}
}

func (m *Manager) markResponsive(componentID string, responsive bool) {
	if m.registry == nil {
		return
	}
	if err := m.registry.SetResponsive(componentID, responsive); err != nil && !errors.Is(err, registry.ErrNotRegistered) {
		m.logger.Debug().Err(err).Str("component_id", componentID).Msg("Failed to update responsiveness")
	}
}

func (m *Manager) recordHeartbeat(componentID string, rtt time.Duration) {
	if m.registry == nil {
		return
	}
	if err := m.registry.RecordHeartbeat(componentID, rtt); err != nil && !errors.Is(err, registry.ErrNotRegistered) {
		m.logger.Debug().Err(err).Str("component_id", componentID).Msg("Failed to record heartbeat")
	}
}
