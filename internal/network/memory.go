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
	"sync"

	"github.com/google/uuid"

	"courier/internal/envelope"
)

const memoryInboxSize = 256

// MemoryChannel is one end of an in-process pipe. Envelopes are copied through
// a codec so each side owns what it receives.
type MemoryChannel struct {
	id        string
	peer      *MemoryChannel
	codec     envelope.Codec
	inbox     chan []byte
	handler   MessageHandler
	done      chan struct{}
	closeOnce *sync.Once
	mutex     sync.RWMutex
}

// NewPipe returns two connected channel ends
func NewPipe(codec envelope.Codec) (*MemoryChannel, *MemoryChannel) {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	done := make(chan struct{})
	once := &sync.Once{}
	a := &MemoryChannel{id: "mem_" + uuid.NewString(), codec: codec, inbox: make(chan []byte, memoryInboxSize), done: done, closeOnce: once}
	b := &MemoryChannel{id: "mem_" + uuid.NewString(), codec: codec, inbox: make(chan []byte, memoryInboxSize), done: done, closeOnce: once}
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

// ID returns the channel identifier
func (c *MemoryChannel) ID() string {
	return c.id
}

// Send encodes env and queues it for the other end
func (c *MemoryChannel) Send(ctx context.Context, env *envelope.Envelope) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case c.peer.inbox <- frame:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMessage installs the inbound handler
func (c *MemoryChannel) OnMessage(handler MessageHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handler = handler
}

// Disconnect closes both ends of the pipe
func (c *MemoryChannel) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Done is closed when either end disconnects
func (c *MemoryChannel) Done() <-chan struct{} {
	return c.done
}

func (c *MemoryChannel) pump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.inbox:
			env, err := c.codec.Unmarshal(frame)
			if err != nil {
				continue
			}
			c.mutex.RLock()
			handler := c.handler
			c.mutex.RUnlock()
			if handler != nil {
				handler(env)
			}
		}
	}
}

// AcceptFunc is called with the server end of a new in-process connection
type AcceptFunc func(peer PeerRef, channel *MemoryChannel) error

// MemoryConnector connects to in-process peers registered with Expose
type MemoryConnector struct {
	codec     envelope.Codec
	listeners map[string]AcceptFunc
	mutex     sync.RWMutex
}

// NewMemoryConnector creates a connector for in-process peers
func NewMemoryConnector(codec envelope.Codec) *MemoryConnector {
	return &MemoryConnector{
		codec:     codec,
		listeners: make(map[string]AcceptFunc),
	}
}

// Name returns the transport name
func (m *MemoryConnector) Name() string {
	return "memory"
}

// Expose makes address connectable. accept receives the far end of each connection.
func (m *MemoryConnector) Expose(address string, accept AcceptFunc) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.listeners[address] = accept
}

// Withdraw makes address unreachable for new connections
func (m *MemoryConnector) Withdraw(address string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.listeners, address)
}

// Connect opens a pipe to the peer exposed at peer.Address, or at its
// component ID when no address is given
func (m *MemoryConnector) Connect(ctx context.Context, peer PeerRef) (Channel, error) {
	address := peer.Address
	if address == "" {
		address = peer.ComponentID
	}

	m.mutex.RLock()
	accept, ok := m.listeners[address]
	m.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, address)
	}

	local, remote := NewPipe(m.codec)
	result := make(chan error, 1)
	go func() {
		result <- accept(peer, remote)
	}()

	select {
	case err := <-result:
		if err != nil {
			local.Disconnect()
			return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
		}
		return local, nil
	case <-ctx.Done():
		local.Disconnect()
		return nil, ctx.Err()
	}
}
