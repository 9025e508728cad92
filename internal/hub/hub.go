// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/broadcast"
	"courier/internal/connection"
	"courier/internal/envelope"
	"courier/internal/jobs"
	"courier/internal/logger"
	"courier/internal/network"
	"courier/internal/orchestrator"
	"courier/internal/registry"
	"courier/internal/resilience"
	"courier/internal/router"
	"courier/internal/statesync"
	"courier/internal/storage"
	"courier/internal/transcribe"
)

const checkpointTimeout = 10 * time.Second

var (
	ErrMissingSubsystem = errors.New("required subsystem missing")
	ErrShutdown         = errors.New("hub is shut down")
)

// Result is the structured outcome of every control operation. Expected
// failures are reported here rather than returned as errors.
type Result struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Data      interface{} `json:"data,omitempty"`

	cause error
}

// Err returns the underlying error of a failed result
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.cause != nil {
		return r.cause
	}
	return errors.New(r.Error)
}

// Decode converts Data, typically decoded from JSON as generic maps, into v
func (r Result) Decode(v interface{}) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("failed to encode result data: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode result data: %w", err)
	}
	return nil
}

func success(data interface{}) Result {
	return Result{Success: true, Data: data}
}

func failure(err error) Result {
	return Result{Error: err.Error(), Retryable: retryable(err), cause: err}
}

// retryable marks capacity and connectivity errors the caller may try again
func retryable(err error) bool {
	return router.IsRetryable(err) ||
		errors.Is(err, connection.ErrConnectTimeout) ||
		errors.Is(err, connection.ErrConnecting) ||
		errors.Is(err, network.ErrPeerUnavailable) ||
		errors.Is(err, storage.ErrQuotaExceeded)
}

// Subsystems is the set of services a hub is composed from. Every field
// except Quota is required.
type Subsystems struct {
	Registry     *registry.Registry
	Router       *router.Router
	Broadcast    *broadcast.Manager
	Connections  *connection.Manager
	Sync         *statesync.Coordinator
	Queue        *jobs.Queue
	Tracker      *jobs.Tracker
	Orchestrator *orchestrator.Orchestrator
	Storage      storage.Backend
	Quota        *storage.QuotaManager
}

// Validate reports the first missing required subsystem
func (s Subsystems) Validate() error {
	required := []struct {
		name    string
		missing bool
	}{
		{"registry", s.Registry == nil},
		{"router", s.Router == nil},
		{"broadcast", s.Broadcast == nil},
		{"connections", s.Connections == nil},
		{"sync", s.Sync == nil},
		{"queue", s.Queue == nil},
		{"tracker", s.Tracker == nil},
		{"orchestrator", s.Orchestrator == nil},
		{"storage", s.Storage == nil},
	}
	for _, r := range required {
		if r.missing {
			return fmt.Errorf("%w: %s", ErrMissingSubsystem, r.name)
		}
	}
	return nil
}

// Hub is the composition root and the exposed control surface
type Hub struct {
	source        envelope.Source
	sub           Subsystems
	registrations map[string]registry.Registration
	replays       *ReplayGuard
	watch         *connection.Watch

	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
	logger  zerolog.Logger
	mutex   sync.RWMutex
}

// New validates the subsystem set and wires inbound dispatch
func New(id string, sub Subsystems) (*Hub, error) {
	if id == "" {
		return nil, fmt.Errorf("hub id is required")
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	h := &Hub{
		source:        envelope.Source{ComponentID: id, Type: envelope.ComponentBackground},
		sub:           sub,
		registrations: make(map[string]registry.Registration),
		replays:       NewReplayGuard(defaultReplayWindow, defaultReplayExpiry),
		logger:        logger.GetLogger("hub").With().Str("hub_id", id).Logger(),
	}
	sub.Connections.OnInbound(h.handleInbound)
	return h, nil
}

// Source identifies the hub as a message source
func (h *Hub) Source() envelope.Source {
	return h.source
}

// Subsystems returns the composed services
func (h *Hub) Subsystems() Subsystems {
	return h.sub
}

// Start restores persisted state and launches the router, connection,
// orchestrator and watch loops
func (h *Hub) Start(ctx context.Context) error {
	if h.closed.Load() {
		return ErrShutdown
	}
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("hub already started")
	}

	if err := h.Restore(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to restore checkpoints, starting empty")
	}

	h.sub.Router.Start(ctx)
	h.sub.Connections.Start()
	h.sub.Orchestrator.Start(ctx)

	h.watch = h.sub.Connections.Watch()
	h.wg.Add(1)
	go h.watchLoop(h.watch)

	h.logger.Info().Msg("Hub started")
	return nil
}

// RegisterRequest registers a component. With a peer the hub also dials it.
type RegisterRequest struct {
	Registration registry.Registration `json:"registration"`
	Peer         *network.PeerRef      `json:"peer,omitempty"`
}

// RegisterComponent adds a component to the registry and connects to it when
// a peer is given. A failed connect leaves nothing registered.
func (h *Hub) RegisterComponent(ctx context.Context, req RegisterRequest) Result {
	if h.closed.Load() {
		return failure(ErrShutdown)
	}
	reg := req.Registration
	if err := reg.Validate(); err != nil {
		return failure(err)
	}
	if err := h.sub.Router.Register(&reg); err != nil {
		return failure(err)
	}
	h.remember(reg)

	if req.Peer != nil {
		if _, err := h.sub.Connections.Connect(ctx, &reg, *req.Peer); err != nil {
			h.forget(reg.ComponentID)
			h.sub.Router.Unregister(reg.ComponentID)
			return failure(err)
		}
	}

	h.announce(ctx, envelope.TypeComponentUp, reg.ComponentID, reg.Type)
	stored, _ := h.sub.Registry.Get(reg.ComponentID)
	return success(stored)
}

// AttachComponent registers a component whose channel it opened itself
func (h *Hub) AttachComponent(ctx context.Context, reg registry.Registration, channel network.Channel) Result {
	if h.closed.Load() {
		return failure(ErrShutdown)
	}
	if err := reg.Validate(); err != nil {
		return failure(err)
	}
	if err := h.sub.Router.Register(&reg); err != nil {
		return failure(err)
	}
	h.remember(reg)

	if _, err := h.sub.Connections.Attach(&reg, channel); err != nil {
		h.forget(reg.ComponentID)
		h.sub.Router.Unregister(reg.ComponentID)
		return failure(err)
	}

	h.announce(ctx, envelope.TypeComponentUp, reg.ComponentID, reg.Type)
	stored, _ := h.sub.Registry.Get(reg.ComponentID)
	return success(stored)
}

// UnregisterComponent disconnects a component and purges its subscriptions
// and queued messages
func (h *Hub) UnregisterComponent(ctx context.Context, componentID string) Result {
	reg, known := h.forget(componentID)
	disconnectErr := h.sub.Connections.Disconnect(componentID, "unregistered")
	removed := h.sub.Router.Unregister(componentID)

	if !known && !removed && disconnectErr != nil {
		return failure(fmt.Errorf("%w: %s", registry.ErrNotRegistered, componentID))
	}
	if removed {
		h.announce(ctx, envelope.TypeComponentDown, componentID, reg.Type)
	}
	return success(map[string]string{"component_id": componentID})
}

// Send routes an envelope from a registered component
func (h *Hub) Send(ctx context.Context, env *envelope.Envelope) Result {
	if h.closed.Load() {
		return failure(ErrShutdown)
	}
	id, err := h.sub.Router.Send(ctx, env)
	if err != nil {
		return failure(err)
	}
	return success(map[string]string{"message_id": id})
}

// SubscribeRequest records interest in message types
type SubscribeRequest struct {
	ComponentID  string         `json:"component_id"`
	MessageTypes []string       `json:"message_types"`
	Filters      router.Filters `json:"filters"`
}

// Subscribe adds a subscription for a registered component
func (h *Hub) Subscribe(req SubscribeRequest) Result {
	sub, err := h.sub.Router.Subscribe(req.ComponentID, req.MessageTypes, req.Filters)
	if err != nil {
		return failure(err)
	}
	return success(sub)
}

// Unsubscribe removes a subscription
func (h *Hub) Unsubscribe(subscriptionID string) Result {
	if err := h.sub.Router.Unsubscribe(subscriptionID); err != nil {
		return failure(err)
	}
	return success(map[string]string{"subscription_id": subscriptionID})
}

// Broadcast publishes an event. Events without a source are sent as the hub.
func (h *Hub) Broadcast(ctx context.Context, event broadcast.Event) Result {
	if h.closed.Load() {
		return failure(ErrShutdown)
	}
	if event.Source.ComponentID == "" {
		event.Source = h.source
	}
	res, err := h.sub.Broadcast.BroadcastEvent(ctx, event)
	if err != nil {
		return failure(err)
	}
	out := success(res)
	out.Success = res.Success
	if !res.Success {
		out.Error = fmt.Sprintf("%d of %d components unreachable",
			res.ComponentsFailed, res.ComponentsReached+res.ComponentsFailed)
	}
	return out
}

// JobRequest describes a transcription job to run
type JobRequest struct {
	Type            string             `json:"type,omitempty"`
	Priority        jobs.Priority      `json:"priority,omitempty"`
	Request         transcribe.Request `json:"request"`
	Source          string             `json:"source,omitempty"`
	EstimatedMemory int64              `json:"estimated_memory,omitempty"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
}

// SubmitJob queues a job. Capacity rejections are retryable.
func (h *Hub) SubmitJob(req JobRequest) Result {
	if h.closed.Load() {
		return Result{Error: ErrShutdown.Error(), Retryable: true, cause: ErrShutdown}
	}
	res := h.sub.Orchestrator.SubmitJob(&jobs.Job{
		Type:            req.Type,
		Priority:        req.Priority,
		Request:         req.Request,
		Source:          req.Source,
		EstimatedMemory: req.EstimatedMemory,
		Metadata:        req.Metadata,
	})
	return Result{Success: res.Success, Error: res.Reason, Retryable: res.Retryable, Data: res}
}

// CancelJob stops a job. An external call already in flight is not aborted.
func (h *Hub) CancelJob(ctx context.Context, jobID string) Result {
	job, err := h.sub.Orchestrator.CancelJob(ctx, jobID)
	if err != nil {
		return failure(err)
	}
	return success(job)
}

// PauseJob holds a queued job back
func (h *Hub) PauseJob(jobID string) Result {
	if err := h.sub.Orchestrator.PauseJob(jobID); err != nil {
		return failure(err)
	}
	return h.GetJobStatus(jobID)
}

// ResumeJob releases a paused job
func (h *Hub) ResumeJob(jobID string) Result {
	if err := h.sub.Orchestrator.ResumeJob(jobID); err != nil {
		return failure(err)
	}
	return h.GetJobStatus(jobID)
}

// GetJobStatus returns a job with its tracked history
func (h *Hub) GetJobStatus(jobID string) Result {
	status, err := h.sub.Orchestrator.JobStatus(jobID)
	if err != nil {
		return failure(err)
	}
	return success(status)
}

// ListJobs returns retained jobs, optionally filtered by status
func (h *Hub) ListJobs(status jobs.Status) Result {
	return success(h.sub.Queue.List(status))
}

// SyncRequest writes or deletes a shared record as the hub
type SyncRequest struct {
	DataType  string              `json:"data_type"`
	Key       string              `json:"key"`
	Data      interface{}         `json:"data,omitempty"`
	Operation statesync.Operation `json:"operation"`
}

// SyncData applies a local write and replicates it
func (h *Hub) SyncData(ctx context.Context, req SyncRequest) Result {
	op := req.Operation
	if op == "" {
		op = statesync.OpSet
	}
	rec, err := h.sub.Sync.SyncData(ctx, req.DataType, req.Key, req.Data, op)
	if err != nil {
		return failure(err)
	}
	return success(rec)
}

// ResolveConflict settles a pending sync conflict
func (h *Hub) ResolveConflict(ctx context.Context, conflictID string, resolution statesync.Resolution, manual interface{}) Result {
	rec, err := h.sub.Sync.ResolveConflict(ctx, conflictID, resolution, manual)
	if err != nil {
		return failure(err)
	}
	return success(rec)
}

// Conflicts lists pending sync conflicts
func (h *Hub) Conflicts() Result {
	return success(h.sub.Sync.Conflicts())
}

// ConnectionMetrics summarizes the connection table
type ConnectionMetrics struct {
	Total          int                      `json:"total"`
	ByState        map[connection.State]int `json:"by_state"`
	Degraded       []string                 `json:"degraded,omitempty"`
	AverageQuality float64                  `json:"average_quality"`
}

// Metrics is the aggregate view returned by GetMetrics
type Metrics struct {
	Router       router.Metrics                 `json:"router"`
	Connections  ConnectionMetrics              `json:"connections"`
	Broadcasts   int                            `json:"broadcasts"`
	Sync         statesync.Stats                `json:"sync"`
	Jobs         map[jobs.Status]int            `json:"jobs"`
	Orchestrator orchestrator.Stats             `json:"orchestrator"`
	Storage      map[storage.Area]storage.Usage `json:"storage"`
	Replays      ReplayStats                    `json:"replays"`
}

// GetMetrics collects counters from every subsystem
func (h *Hub) GetMetrics(ctx context.Context) Result {
	metrics := Metrics{
		Router:       h.sub.Router.Metrics(),
		Connections:  h.connectionMetrics(),
		Broadcasts:   len(h.sub.Broadcast.History()),
		Sync:         h.sub.Sync.Stats(),
		Jobs:         h.sub.Tracker.Counts(),
		Orchestrator: h.sub.Orchestrator.Stats(),
		Storage:      make(map[storage.Area]storage.Usage),
		Replays:      h.replays.Stats(),
	}

	for _, area := range storage.Areas() {
		if h.sub.Quota != nil {
			usage, err := h.sub.Quota.Usage(ctx, area)
			if err != nil {
				return failure(fmt.Errorf("failed to read %s usage: %w", area, err))
			}
			metrics.Storage[area] = usage
			continue
		}
		used, err := h.sub.Storage.BytesInUse(ctx, area)
		if err != nil {
			return failure(fmt.Errorf("failed to read %s usage: %w", area, err))
		}
		metrics.Storage[area] = storage.Usage{Area: area, Bytes: used}
	}
	return success(metrics)
}

func (h *Hub) connectionMetrics() ConnectionMetrics {
	out := ConnectionMetrics{ByState: make(map[connection.State]int)}
	quality := 0
	for _, conn := range h.sub.Connections.Connections() {
		out.Total++
		out.ByState[conn.State]++
		if health, ok := h.sub.Connections.Health(conn.ComponentID); ok {
			quality += health.QualityScore
			if health.Degraded {
				out.Degraded = append(out.Degraded, conn.ComponentID)
			}
		}
	}
	if out.Total > 0 {
		out.AverageQuality = float64(quality) / float64(out.Total)
	}
	return out
}

// ConfigUpdate carries the runtime-adjustable settings. Nil sections are left alone.
type ConfigUpdate struct {
	Router       *router.Config       `json:"router,omitempty"`
	Connection   *connection.Config   `json:"connection,omitempty"`
	Orchestrator *orchestrator.Config `json:"orchestrator,omitempty"`
}

// UpdateConfig validates every section before applying any of them
func (h *Hub) UpdateConfig(update ConfigUpdate) Result {
	if update.Router == nil && update.Connection == nil && update.Orchestrator == nil {
		return failure(fmt.Errorf("no configuration sections given"))
	}

	if update.Router != nil {
		if err := update.Router.Validate(); err != nil {
			return failure(fmt.Errorf("router: %w", err))
		}
	}
	if update.Connection != nil {
		if err := update.Connection.Validate(); err != nil {
			return failure(fmt.Errorf("connection: %w", err))
		}
	}
	if update.Orchestrator != nil {
		// retry hooks are runtime wiring, not configuration
		current := h.sub.Orchestrator.Config()
		update.Orchestrator.Retry.Retryable = current.Retry.Retryable
		update.Orchestrator.Retry.OnRetry = current.Retry.OnRetry
		if err := update.Orchestrator.Validate(); err != nil {
			return failure(fmt.Errorf("orchestrator: %w", err))
		}
	}

	var applied []string
	if update.Router != nil {
		if err := h.sub.Router.UpdateConfig(*update.Router); err != nil {
			return failure(err)
		}
		applied = append(applied, "router")
	}
	if update.Connection != nil {
		if err := h.sub.Connections.UpdateConfig(*update.Connection); err != nil {
			return failure(err)
		}
		applied = append(applied, "connection")
	}
	if update.Orchestrator != nil {
		if err := h.sub.Orchestrator.UpdateConfig(*update.Orchestrator); err != nil {
			return failure(err)
		}
		applied = append(applied, "orchestrator")
	}

	h.logger.Info().Strs("sections", applied).Msg("Configuration updated")
	return success(map[string][]string{"applied": applied})
}

// Checkpoint persists the sync store and the job queue
func (h *Hub) Checkpoint(ctx context.Context) error {
	var errs []error
	if err := h.sub.Sync.Checkpoint(ctx, h.sub.Storage); err != nil {
		errs = append(errs, fmt.Errorf("sync store: %w", err))
	}
	if err := h.sub.Queue.Checkpoint(ctx, h.sub.Storage); err != nil {
		errs = append(errs, fmt.Errorf("job queue: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	h.logger.Debug().Msg("Checkpoint written")
	return nil
}

// Restore reloads the sync store and the job queue and re-tracks restored jobs
func (h *Hub) Restore(ctx context.Context) error {
	records, err := h.sub.Sync.Restore(ctx, h.sub.Storage)
	if err != nil {
		return fmt.Errorf("sync store: %w", err)
	}
	restored, err := h.sub.Queue.Restore(ctx, h.sub.Storage)
	if err != nil {
		return fmt.Errorf("job queue: %w", err)
	}

	for _, job := range h.sub.Queue.List("") {
		if job.Status.Terminal() {
			continue
		}
		if err := h.sub.Tracker.Track(job); err != nil {
			continue
		}
		if job.Status == jobs.StatusPaused {
			_ = h.sub.Tracker.Transition(job.ID, jobs.StatusPaused, "restored paused")
		}
	}

	if records > 0 || restored > 0 {
		h.logger.Info().Int("records", records).Int("jobs", restored).Msg("State restored from checkpoint")
	}
	return nil
}

// Shutdown stops accepting work, drains the orchestrator within ctx, stops
// every loop and writes a final checkpoint
func (h *Hub) Shutdown(ctx context.Context) Result {
	if !h.closed.CompareAndSwap(false, true) {
		return failure(ErrShutdown)
	}
	h.logger.Info().Msg("Hub shutting down")

	var errs []error
	if err := h.sub.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	h.sub.Router.Stop()
	if h.watch != nil {
		h.watch.Close()
	}
	h.sub.Connections.Stop()
	h.wg.Wait()

	cpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	if err := h.Checkpoint(cpCtx); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		h.logger.Warn().Err(err).Msg("Hub shutdown finished with errors")
		return failure(err)
	}
	h.logger.Info().Msg("Hub stopped")
	return success(nil)
}

// Breaker exposes the external API circuit breaker state
func (h *Hub) Breaker() resilience.BreakerStats {
	return h.sub.Orchestrator.Breaker().Stats()
}

func (h *Hub) remember(reg registry.Registration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.registrations[reg.ComponentID] = reg
}

func (h *Hub) forget(componentID string) (registry.Registration, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	reg, ok := h.registrations[componentID]
	delete(h.registrations, componentID)
	h.replays.Forget(componentID)
	return reg, ok
}

func (h *Hub) registration(componentID string) (registry.Registration, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	reg, ok := h.registrations[componentID]
	return reg, ok
}

// announce publishes component lifecycle on the system channel
func (h *Hub) announce(ctx context.Context, eventType, componentID string, componentType envelope.ComponentType) {
	_, err := h.sub.Broadcast.BroadcastEvent(ctx, broadcast.Event{
		Type:    eventType,
		Channel: broadcast.ChannelSystemEvents,
		Source:  h.source,
		Data: map[string]string{
			"component_id":   componentID,
			"component_type": string(componentType),
		},
		Priority: envelope.PriorityLow,
	})
	if err != nil {
		h.logger.Debug().Err(err).Str("component_id", componentID).Str("event", eventType).Msg("Lifecycle event not broadcast")
	}
}
