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
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"courier/internal/logger"
)

// Transports selects a connector by the transport named in a PeerRef
type Transports struct {
	registry   *PeerRegistry
	connectors map[string]Connector
	fallback   string
	logger     zerolog.Logger
	mutex      sync.RWMutex
}

// NewTransports creates an empty transport set. fallback names the connector
// used when a PeerRef leaves Transport empty.
func NewTransports(fallback string) *Transports {
	return &Transports{
		registry:   NewPeerRegistry(),
		connectors: make(map[string]Connector),
		fallback:   fallback,
		logger:     logger.GetLogger("network.transports"),
	}
}

// Name identifies the set as a connector. Individual transports are chosen per peer.
func (t *Transports) Name() string {
	return "transports"
}

// Register adds a connector
func (t *Transports) Register(connector Connector) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	name := connector.Name()
	if _, exists := t.connectors[name]; exists {
		return fmt.Errorf("transport %s already registered", name)
	}

	t.connectors[name] = connector
	t.logger.Info().Str("transport", name).Msg("Transport registered")
	return nil
}

// Connect opens a channel to peer over its transport
func (t *Transports) Connect(ctx context.Context, peer PeerRef) (Channel, error) {
	t.mutex.RLock()
	name := peer.Transport
	if name == "" {
		name = t.fallback
	}
	connector, exists := t.connectors[name]
	t.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, name)
	}

	t.logger.Debug().
		Str("component_id", peer.ComponentID).
		Str("transport", name).
		Str("address", peer.Address).
		Msg("Connecting to peer")

	channel, err := connector.Connect(ctx, peer)
	if err != nil {
		return nil, err
	}

	t.mutex.Lock()
	t.registry.Bind(peer.ComponentID, name)
	t.mutex.Unlock()
	return channel, nil
}

// Forget drops the transport binding for a peer
func (t *Transports) Forget(componentID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.registry.Forget(componentID)
}

// Peers returns the transport each connected peer was reached over
func (t *Transports) Peers() map[string]string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.registry.All()
}

// Names returns the registered transport names
func (t *Transports) Names() []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	names := make([]string, 0, len(t.connectors))
	for name := range t.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
