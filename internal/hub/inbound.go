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
	"errors"
	"time"

	"courier/internal/connection"
	"courier/internal/envelope"
	"courier/internal/network"
	"courier/internal/registry"
	"courier/internal/router"
	"courier/internal/statesync"
)

const inboundTimeout = 10 * time.Second

// handleInbound dispatches traffic from connected components. Heartbeats are
// consumed by the connection manager before they get here.
func (h *Hub) handleInbound(componentID string, env *envelope.Envelope) {
	if h.closed.Load() {
		return
	}
	if env.Source.ComponentID == "" {
		env.Source.ComponentID = componentID
	}
	if h.replays.Seen(componentID, env.ID) {
		h.logger.Debug().
			Str("component_id", componentID).
			Str("message_id", env.ID).
			Msg("Dropping replayed message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	switch env.Type {
	case envelope.TypeSyncData:
		h.handleSync(ctx, componentID, env)
	case envelope.TypeJobSubmit:
		h.handleJobSubmit(ctx, componentID, env)
	case envelope.TypeRegister:
		h.logger.Debug().Str("component_id", componentID).Msg("Ignoring register from connected component")
	default:
		if _, err := h.sub.Router.Send(ctx, env); err != nil {
			h.logger.Warn().Err(err).
				Str("component_id", componentID).
				Str("message_id", env.ID).
				Str("type", env.Type).
				Msg("Failed to route inbound message")
		}
	}
}

// handleSync reconciles a peer write and relays it to the other peers when it
// was taken as is. Settled conflicts are published by the coordinator itself.
func (h *Hub) handleSync(ctx context.Context, componentID string, env *envelope.Envelope) {
	var msg statesync.Message
	if err := env.DecodePayload(&msg); err != nil {
		h.logger.Warn().Err(err).Str("component_id", componentID).Msg("Dropping undecodable sync message")
		return
	}
	if msg.Source == "" {
		msg.Source = componentID
	}

	outcome, err := h.sub.Sync.HandleRemote(ctx, msg)
	if err != nil {
		h.logger.Warn().Err(err).
			Str("component_id", componentID).
			Str("data_type", msg.DataType).
			Str("key", msg.Key).
			Msg("Failed to apply sync message")
		return
	}
	if !outcome.Applied || outcome.Resolved {
		return
	}

	if _, err := h.sub.Router.Send(ctx, env); err != nil && !errors.Is(err, router.ErrNoTargets) {
		h.logger.Warn().Err(err).Str("component_id", componentID).Msg("Failed to relay sync message")
	}
}

// handleJobSubmit queues a job sent over a channel and acks the sender
func (h *Hub) handleJobSubmit(ctx context.Context, componentID string, env *envelope.Envelope) {
	var req JobRequest
	result := Result{}
	if err := env.DecodePayload(&req); err != nil {
		result = failure(err)
	} else {
		if req.Source == "" {
			req.Source = componentID
		}
		result = h.SubmitJob(req)
	}

	reply, err := env.Reply(envelope.TypeJobSubmitAck, h.source, result)
	if err != nil {
		h.logger.Warn().Err(err).Str("component_id", componentID).Msg("Failed to build job ack")
		return
	}
	if err := h.sub.Connections.Deliver(ctx, componentID, reply); err != nil {
		h.logger.Warn().Err(err).Str("component_id", componentID).Msg("Failed to ack job submission")
	}
}

// watchLoop keeps the registry in step with the connection table
func (h *Hub) watchLoop(watch *connection.Watch) {
	defer h.wg.Done()

	for event := range watch.C {
		if event.Kind != connection.EventStateChanged {
			continue
		}
		switch event.State {
		case connection.StateConnected:
			h.ensureRegistered(event.ComponentID)
		case connection.StateDisconnected:
			// reconnects keep their entry; only a removed connection unregisters
			if _, ok := h.sub.Connections.Connection(event.ComponentID); ok {
				continue
			}
			reg, _ := h.forget(event.ComponentID)
			if h.sub.Router.Unregister(event.ComponentID) {
				ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
				h.announce(ctx, envelope.TypeComponentDown, event.ComponentID, reg.Type)
				cancel()
			}
		}
	}
}

func (h *Hub) ensureRegistered(componentID string) {
	if _, ok := h.sub.Registry.Get(componentID); ok {
		return
	}
	reg, ok := h.registration(componentID)
	if !ok {
		return
	}
	if err := h.sub.Router.Register(&reg); err != nil {
		h.logger.Warn().Err(err).Str("component_id", componentID).Msg("Failed to re-register component")
		return
	}
	h.logger.Info().Str("component_id", componentID).Msg("Component re-registered after reconnect")
}

// AcceptPeer runs the registration handshake on a channel a component opened
// towards the hub. The first envelope must be a register carrying the
// component's registration; anything else is dropped until it arrives. The
// channel is closed when no registration arrives within timeout.
func (h *Hub) AcceptPeer(channel network.Channel, timeout time.Duration) {
	registrations := make(chan *envelope.Envelope, 1)
	channel.OnMessage(func(env *envelope.Envelope) {
		if env.Type != envelope.TypeRegister {
			h.logger.Debug().Str("channel", channel.ID()).Str("type", env.Type).Msg("Dropping message before registration")
			return
		}
		select {
		case registrations <- env:
		default:
		}
	})

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case env := <-registrations:
			h.completeHandshake(channel, env)
		case <-timer.C:
			h.logger.Warn().Str("channel", channel.ID()).Dur("timeout", timeout).Msg("Peer never registered, closing channel")
			channel.Disconnect()
		case <-channel.Done():
		}
	}()
}

func (h *Hub) completeHandshake(channel network.Channel, env *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	var reg registry.Registration
	result := Result{}
	if err := env.DecodePayload(&reg); err != nil {
		result = failure(err)
	} else {
		if reg.ComponentID == "" {
			reg.ComponentID = env.Source.ComponentID
		}
		if reg.Type == "" {
			reg.Type = env.Source.Type
		}
		result = h.AttachComponent(ctx, reg, channel)
	}

	reply, err := env.Reply(envelope.TypeRegisterAck, h.source, result)
	if err == nil {
		err = channel.Send(ctx, reply)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", channel.ID()).Msg("Failed to ack registration")
	}
	if !result.Success {
		h.logger.Warn().Str("channel", channel.ID()).Str("error", result.Error).Msg("Peer registration rejected")
		channel.Disconnect()
	}
}
