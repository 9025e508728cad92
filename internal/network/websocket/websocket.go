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

package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"courier/internal/envelope"
	"courier/internal/logger"
	"courier/internal/network"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

// Connector dials WebSocket peers at their ws:// or wss:// address
type Connector struct {
	codec  envelope.Codec
	dialer *gorilla.Dialer
	logger zerolog.Logger
}

// NewConnector creates a WebSocket connector
func NewConnector(codec envelope.Codec) *Connector {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	return &Connector{
		codec: codec,
		dialer: &gorilla.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger.GetLogger("network.websocket"),
	}
}

// Name returns the transport name
func (c *Connector) Name() string {
	return "websocket"
}

// Connect dials peer.Address
func (c *Connector) Connect(ctx context.Context, peer network.PeerRef) (network.Channel, error) {
	if peer.Address == "" {
		return nil, fmt.Errorf("%w: websocket peer %s has no address", network.ErrPeerUnavailable, peer.ComponentID)
	}

	conn, _, err := c.dialer.DialContext(ctx, peer.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", network.ErrPeerUnavailable, err)
	}

	c.logger.Info().
		Str("component_id", peer.ComponentID).
		Str("address", peer.Address).
		Msg("Connected to WebSocket peer")
	return newChannel(conn, c.codec, c.logger), nil
}

// Upgrader turns inbound HTTP requests into channels
type Upgrader struct {
	codec    envelope.Codec
	upgrader *gorilla.Upgrader
	logger   zerolog.Logger
}

// NewUpgrader creates an upgrader. A nil checkOrigin allows any origin.
func NewUpgrader(codec envelope.Codec, checkOrigin func(r *http.Request) bool) *Upgrader {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Upgrader{
		codec: codec,
		upgrader: &gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.GetLogger("network.websocket"),
	}
}

// Accept upgrades the request and returns the server side channel
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request) (network.Channel, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	u.logger.Info().Str("remote", r.RemoteAddr).Msg("Accepted WebSocket peer")
	return newChannel(conn, u.codec, u.logger), nil
}

// channel adapts a WebSocket connection. JSON frames are sent as text,
// other codecs as binary. Reading starts with the first OnMessage call, so
// frames sent before a handler exists wait in the socket.
type channel struct {
	id        string
	conn      *gorilla.Conn
	codec     envelope.Codec
	frameType int
	handler   network.MessageHandler
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	logger    zerolog.Logger

	writeMutex sync.Mutex
	mutex      sync.RWMutex
}

func newChannel(conn *gorilla.Conn, codec envelope.Codec, log zerolog.Logger) *channel {
	frameType := gorilla.BinaryMessage
	if codec.Name() == "json" {
		frameType = gorilla.TextMessage
	}
	conn.SetReadLimit(maxMessageSize)

	c := &channel{
		id:        "ws_" + uuid.NewString(),
		conn:      conn,
		codec:     codec,
		frameType: frameType,
		done:      make(chan struct{}),
		logger:    log,
	}
	return c
}

func (c *channel) ID() string {
	return c.id
}

func (c *channel) Send(ctx context.Context, env *envelope.Envelope) error {
	select {
	case <-c.done:
		return network.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(c.frameType, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *channel) OnMessage(handler network.MessageHandler) {
	c.mutex.Lock()
	c.handler = handler
	c.mutex.Unlock()

	c.startOnce.Do(func() { go c.readLoop() })
}

func (c *channel) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMutex.Lock()
		_ = c.conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMutex.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *channel) Done() <-chan struct{} {
	return c.done
}

func (c *channel) readLoop() {
	defer c.Disconnect()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseGoingAway, gorilla.CloseNormalClosure) {
				c.logger.Warn().Err(err).Str("channel", c.id).Msg("WebSocket closed unexpectedly")
			}
			return
		}

		env, err := c.codec.Unmarshal(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", c.id).Msg("Dropping undecodable WebSocket frame")
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
