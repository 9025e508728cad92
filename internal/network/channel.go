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

package network

import (
	"context"
	"errors"

	"courier/internal/envelope"
)

var (
	ErrChannelClosed    = errors.New("channel closed")
	ErrPeerUnavailable  = errors.New("peer unavailable")
	ErrUnknownTransport = errors.New("unknown transport")
)

// PeerRef locates a component on a transport
type PeerRef struct {
	ComponentID string `json:"component_id"`
	Transport   string `json:"transport"`
	Address     string `json:"address"`
}

// MessageHandler receives inbound envelopes from a channel
type MessageHandler func(env *envelope.Envelope)

// Channel is an ordered bidirectional link to one peer
type Channel interface {
	// ID identifies the channel for logging and bookkeeping
	ID() string

	// Send writes an envelope to the peer
	Send(ctx context.Context, env *envelope.Envelope) error

	// OnMessage installs the inbound handler. Envelopes arriving before a
	// handler is installed are dropped.
	OnMessage(handler MessageHandler)

	// Disconnect closes the channel. It is safe to call more than once.
	Disconnect() error

	// Done is closed once the channel is closed from either side
	Done() <-chan struct{}
}

// Connector opens channels over one transport
type Connector interface {
	// Name returns the transport name (e.g., "memory", "zmq", "websocket")
	Name() string

	// Connect opens a channel to peer. The context bounds the attempt.
	Connect(ctx context.Context, peer PeerRef) (Channel, error)
}

// PeerRegistry tracks which transport each peer was reached over
type PeerRegistry struct {
	// peerTransports maps component_id to connector name
	peerTransports map[string]string
}

// NewPeerRegistry creates a new peer transport registry
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peerTransports: make(map[string]string),
	}
}

// Bind records which transport a peer is using
func (r *PeerRegistry) Bind(componentID, transport string) {
	r.peerTransports[componentID] = transport
}

// TransportFor returns the transport name for a peer
func (r *PeerRegistry) TransportFor(componentID string) (string, bool) {
	transport, exists := r.peerTransports[componentID]
	return transport, exists
}

// Forget removes a peer from the registry
func (r *PeerRegistry) Forget(componentID string) {
	delete(r.peerTransports, componentID)
}

// All returns all peers and their transports
func (r *PeerRegistry) All() map[string]string {
	result := make(map[string]string)
	for componentID, transport := range r.peerTransports {
		result[componentID] = transport
	}
	return result
}
