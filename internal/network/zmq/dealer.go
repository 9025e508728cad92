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

package zmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"courier/internal/envelope"
	"courier/internal/logger"
	"courier/internal/network"
)

const (
	pollInterval = 10 * time.Millisecond
	sendTimeout  = 30 * time.Second
	linger       = time.Second
)

// Connector dials peers with a DEALER socket per channel
type Connector struct {
	identity string
	codec    envelope.Codec
	logger   zerolog.Logger
}

// NewConnector creates a ZeroMQ connector. identity is the local socket identity.
func NewConnector(identity string, codec envelope.Codec) *Connector {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	return &Connector{
		identity: identity,
		codec:    codec,
		logger:   logger.GetLogger("network.zmq"),
	}
}

// Name returns the transport name
func (c *Connector) Name() string {
	return "zmq"
}

// Connect opens a DEALER socket to peer.Address
func (c *Connector) Connect(ctx context.Context, peer network.PeerRef) (network.Channel, error) {
	if peer.Address == "" {
		return nil, fmt.Errorf("%w: zmq peer %s has no address", network.ErrPeerUnavailable, peer.ComponentID)
	}

	socket, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return nil, fmt.Errorf("failed to create DEALER socket: %w", err)
	}

	if err = socket.SetIdentity(c.identity); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set socket identity: %w", err)
	}
	if err = socket.SetLinger(linger); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.SetSndtimeo(sendTimeout); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set send timeout: %w", err)
	}
	if err = socket.Connect(peer.Address); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", peer.Address, err)
	}

	if err := ctx.Err(); err != nil {
		socket.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &dealerChannel{
		id:     fmt.Sprintf("zmq_%s_%s", c.identity, peer.ComponentID),
		socket: socket,
		codec:  c.codec,
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger.With().Str("peer", peer.ComponentID).Logger(),
	}
	go ch.receiveLoop()

	c.logger.Info().
		Str("component_id", peer.ComponentID).
		Str("address", peer.Address).
		Msg("Connected to ZMQ peer")
	return ch, nil
}

// dealerChannel frames envelopes as [empty, body] on a DEALER socket
type dealerChannel struct {
	id        string
	socket    *zmq4.Socket
	codec     envelope.Codec
	handler   network.MessageHandler
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger

	// zmq sockets are not thread safe; every socket call holds sockMutex
	sockMutex sync.Mutex
	mutex     sync.RWMutex
}

func (d *dealerChannel) ID() string {
	return d.id
}

func (d *dealerChannel) Send(ctx context.Context, env *envelope.Envelope) error {
	select {
	case <-d.done:
		return network.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	body, err := d.codec.Marshal(env)
	if err != nil {
		return err
	}

	d.sockMutex.Lock()
	defer d.sockMutex.Unlock()
	if _, err := d.socket.SendMessage("", body); err != nil {
		return fmt.Errorf("failed to send envelope: %w", err)
	}
	return nil
}

func (d *dealerChannel) OnMessage(handler network.MessageHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handler = handler
}

func (d *dealerChannel) Disconnect() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		close(d.done)

		d.sockMutex.Lock()
		err = d.socket.Close()
		d.sockMutex.Unlock()
		d.logger.Info().Msg("ZMQ channel closed")
	})
	return err
}

func (d *dealerChannel) Done() <-chan struct{} {
	return d.done
}

func (d *dealerChannel) receiveLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		d.sockMutex.Lock()
		msg, err := d.socket.RecvMessageBytes(zmq4.DONTWAIT)
		d.sockMutex.Unlock()

		if err != nil {
			if wouldBlock(err) {
				time.Sleep(pollInterval)
				continue
			}
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error().Err(err).Msg("Failed to receive from ZMQ peer")
			time.Sleep(pollInterval)
			continue
		}

		if len(msg) < 2 || len(msg[0]) != 0 {
			d.logger.Warn().Int("parts", len(msg)).Msg("Received malformed ZMQ frame")
			continue
		}

		env, err := d.codec.Unmarshal(msg[1])
		if err != nil {
			d.logger.Warn().Err(err).Msg("Dropping undecodable ZMQ frame")
			continue
		}

		d.mutex.RLock()
		handler := d.handler
		d.mutex.RUnlock()
		if handler != nil {
			handler(env)
		}
	}
}

// wouldBlock reports whether a DONTWAIT receive found no message
func wouldBlock(err error) bool {
	return err.Error() == "resource temporarily unavailable"
}
