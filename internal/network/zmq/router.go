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

// AcceptFunc receives a channel for each new peer identity seen by a Listener
type AcceptFunc func(identity string, channel network.Channel)

// Listener binds a ROUTER socket and exposes each connected DEALER identity as a Channel
type Listener struct {
	endpoint string
	codec    envelope.Codec
	accept   AcceptFunc
	socket   *zmq4.Socket
	channels map[string]*routerChannel
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   zerolog.Logger

	sockMutex sync.Mutex
	mutex     sync.RWMutex
}

// NewListener creates a listener for endpoint (e.g., "tcp://*:5555")
func NewListener(endpoint string, codec envelope.Codec, accept AcceptFunc) *Listener {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	return &Listener{
		endpoint: endpoint,
		codec:    codec,
		accept:   accept,
		channels: make(map[string]*routerChannel),
		logger:   logger.GetLogger("network.zmq.listener"),
	}
}

// Start binds the socket and begins receiving
func (l *Listener) Start(ctx context.Context) error {
	socket, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return fmt.Errorf("failed to create ROUTER socket: %w", err)
	}
	if err = socket.SetLinger(linger); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.Bind(l.endpoint); err != nil {
		socket.Close()
		return fmt.Errorf("failed to bind %s: %w", l.endpoint, err)
	}

	l.socket = socket
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.receiveLoop()

	l.logger.Info().Str("endpoint", l.endpoint).Msg("ZMQ listener started")
	return nil
}

// Stop closes every peer channel and the socket
func (l *Listener) Stop() error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	l.wg.Wait()

	l.mutex.Lock()
	channels := make([]*routerChannel, 0, len(l.channels))
	for _, ch := range l.channels {
		channels = append(channels, ch)
	}
	l.mutex.Unlock()
	for _, ch := range channels {
		ch.Disconnect()
	}

	l.sockMutex.Lock()
	defer l.sockMutex.Unlock()
	err := l.socket.Close()
	l.logger.Info().Msg("ZMQ listener stopped")
	return err
}

func (l *Listener) receiveLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		l.sockMutex.Lock()
		msg, err := l.socket.RecvMessageBytes(zmq4.DONTWAIT)
		l.sockMutex.Unlock()

		if err != nil {
			if !wouldBlock(err) {
				l.logger.Error().Err(err).Msg("Failed to receive on ZMQ listener")
			}
			time.Sleep(pollInterval)
			continue
		}

		// ROUTER prepends the sender identity: [identity, empty, body]
		if len(msg) < 3 || len(msg[1]) != 0 {
			l.logger.Warn().Int("parts", len(msg)).Msg("Received malformed ZMQ frame")
			continue
		}
		identity := string(msg[0])

		env, err := l.codec.Unmarshal(msg[2])
		if err != nil {
			l.logger.Warn().Err(err).Str("identity", identity).Msg("Dropping undecodable ZMQ frame")
			continue
		}

		ch := l.channelFor(identity)
		ch.dispatch(env)
	}
}

// channelFor returns the channel for identity, accepting it on first contact
func (l *Listener) channelFor(identity string) *routerChannel {
	l.mutex.Lock()
	ch, ok := l.channels[identity]
	if !ok {
		ch = &routerChannel{
			identity: identity,
			listener: l,
			done:     make(chan struct{}),
		}
		l.channels[identity] = ch
	}
	l.mutex.Unlock()

	if !ok {
		l.logger.Info().Str("identity", identity).Msg("New ZMQ peer")
		if l.accept != nil {
			l.accept(identity, ch)
		}
	}
	return ch
}

func (l *Listener) send(identity string, body []byte) error {
	l.sockMutex.Lock()
	defer l.sockMutex.Unlock()
	if _, err := l.socket.SendMessage(identity, "", body); err != nil {
		return fmt.Errorf("failed to send to %s: %w", identity, err)
	}
	return nil
}

func (l *Listener) forget(identity string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.channels, identity)
}

// routerChannel is the listener side of one DEALER peer
type routerChannel struct {
	identity  string
	listener  *Listener
	handler   network.MessageHandler
	done      chan struct{}
	closeOnce sync.Once
	mutex     sync.RWMutex
}

func (r *routerChannel) ID() string {
	return "zmq_router_" + r.identity
}

func (r *routerChannel) Send(ctx context.Context, env *envelope.Envelope) error {
	select {
	case <-r.done:
		return network.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	body, err := r.listener.codec.Marshal(env)
	if err != nil {
		return err
	}
	return r.listener.send(r.identity, body)
}

func (r *routerChannel) OnMessage(handler network.MessageHandler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handler = handler
}

func (r *routerChannel) Disconnect() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.listener.forget(r.identity)
	})
	return nil
}

func (r *routerChannel) Done() <-chan struct{} {
	return r.done
}

func (r *routerChannel) dispatch(env *envelope.Envelope) {
	r.mutex.RLock()
	handler := r.handler
	r.mutex.RUnlock()
	if handler != nil {
		handler(env)
	}
}
