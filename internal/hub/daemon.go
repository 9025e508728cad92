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
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"courier/internal/broadcast"
	"courier/internal/config"
	"courier/internal/connection"
	"courier/internal/envelope"
	"courier/internal/jobs"
	"courier/internal/logger"
	"courier/internal/network"
	"courier/internal/network/websocket"
	"courier/internal/network/zmq"
	"courier/internal/orchestrator"
	"courier/internal/registry"
	"courier/internal/router"
	"courier/internal/statesync"
	"courier/internal/storage"
	"courier/internal/transcribe"
)

// Daemon runs a hub built from configuration until a signal or Stop
type Daemon struct {
	config     *config.Config
	hub        *Hub
	api        *APIServer
	listener   *zmq.Listener
	memory     *network.MemoryConnector
	transports *network.Transports
	backend    storage.Backend
	logger     zerolog.Logger
	running    bool
	mutex      sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewDaemon builds every subsystem described by cfg
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: logger.GetLogger("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := d.build(ctx); err != nil {
		cancel()
		if d.backend != nil {
			d.backend.Close()
		}
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context) error {
	cfg := d.config

	codec, err := envelope.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return err
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	d.backend = backend

	var quota *storage.QuotaManager
	store := backend
	if cfg.Hub.EnforceQuota {
		quota = storage.NewQuotaManager(backend, nil, storage.DefaultThresholds())
		store = quota
	}

	d.memory = network.NewMemoryConnector(codec)
	d.transports = network.NewTransports(cfg.Transport.Default)
	for _, connector := range []network.Connector{
		d.memory,
		websocket.NewConnector(codec),
		zmq.NewConnector(cfg.Transport.ZMQIdentity, codec),
	} {
		if err := d.transports.Register(connector); err != nil {
			return err
		}
	}

	reg := registry.New()
	connections, err := connection.NewManager(d.transports, reg, cfg.Connection)
	if err != nil {
		return err
	}
	rtr, err := router.New(reg, connections, cfg.Router)
	if err != nil {
		return err
	}
	for _, rule := range router.DefaultRules() {
		rtr.Rules().Add(rule)
	}
	bc := broadcast.NewManager(rtr, cfg.Broadcast)

	source := envelope.Source{ComponentID: cfg.Hub.ID, Type: envelope.ComponentBackground}
	coordinator, err := statesync.New(cfg.Sync, &SyncPublisher{Broadcast: bc, Source: source})
	if err != nil {
		return err
	}

	queue, err := jobs.NewQueue(cfg.Jobs)
	if err != nil {
		return err
	}
	tracker, err := jobs.NewTracker(cfg.Jobs.EventLogSize, cfg.Jobs.FinishedRetention)
	if err != nil {
		return err
	}
	api, err := newTranscriber(cfg.Transcription)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg.Orchestrator, queue, tracker, api,
		&orchestrator.BroadcastPublisher{Broadcast: bc, Source: source})
	if err != nil {
		return err
	}

	d.hub, err = New(cfg.Hub.ID, Subsystems{
		Registry:     reg,
		Router:       rtr,
		Broadcast:    bc,
		Connections:  connections,
		Sync:         coordinator,
		Queue:        queue,
		Tracker:      tracker,
		Orchestrator: orch,
		Storage:      store,
		Quota:        quota,
	})
	if err != nil {
		return err
	}

	handshake := cfg.Connection.ConnectTimeout
	if cfg.Transport.ZMQListen != "" {
		d.listener = zmq.NewListener(cfg.Transport.ZMQListen, codec, func(identity string, ch network.Channel) {
			d.hub.AcceptPeer(ch, handshake)
		})
	}
	if cfg.API.Enabled {
		upgrader := websocket.NewUpgrader(codec, originChecker(cfg.API.AllowedOrigins))
		options := APIOptions{
			Listen:           cfg.API.Listen,
			ReadTimeout:      cfg.API.ReadTimeout,
			Upgrader:         upgrader,
			HandshakeTimeout: handshake,
		}
		if cfg.API.AuthSecret != "" {
			options.Tokens = NewTokenService(cfg.API.AuthSecret, cfg.Hub.ID, cfg.API.TokenTTL)
		}
		d.api = NewAPIServer(d.hub, options)
	}
	return nil
}

func newTranscriber(cfg transcribe.Config) (transcribe.API, error) {
	switch cfg.Provider {
	case "", "simulator":
		return transcribe.NewSimulator(), nil
	case "http":
		return transcribe.NewHTTPClient(cfg)
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", cfg.Provider)
	}
}

// Hub returns the composed hub
func (d *Daemon) Hub() *Hub {
	return d.hub
}

// APIAddr returns the address the API server is bound to, empty when disabled
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.Addr()
}

// Memory returns the in-process connector so embedded components can be exposed to the hub
func (d *Daemon) Memory() *network.MemoryConnector {
	return d.memory
}

// Start runs the daemon and blocks until SIGINT, SIGTERM, Stop or a fatal
// serve error, then shuts everything down
func (d *Daemon) Start() error {
	d.mutex.Lock()
	if d.running {
		d.mutex.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.mutex.Unlock()
	defer func() {
		d.mutex.Lock()
		d.running = false
		d.mutex.Unlock()
	}()

	ctx, stop := signal.NotifyContext(d.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.logger.Info().
		Str("hub_id", d.config.Hub.ID).
		Str("storage", d.config.Storage.Backend).
		Str("transcription", d.config.Transcription.Provider).
		Strs("transports", d.transports.Names()).
		Msg("Starting courier daemon")

	if err := d.hub.Start(ctx); err != nil {
		d.backend.Close()
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if d.listener != nil {
		if err := d.listener.Start(ctx); err != nil {
			d.shutdown()
			return fmt.Errorf("failed to start zmq listener: %w", err)
		}
	}
	if d.api != nil {
		if err := d.api.Listen(); err != nil {
			d.shutdown()
			return err
		}
	}
	d.connectPeers(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if d.api != nil {
		g.Go(d.api.Serve)
	}
	g.Go(func() error {
		d.checkpointLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	return g.Wait()
}

// Stop asks a running daemon to shut down
func (d *Daemon) Stop() {
	d.logger.Info().Msg("Stopping courier daemon")
	d.cancel()
}

// IsRunning returns whether the daemon is currently running
func (d *Daemon) IsRunning() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.running
}

// connectPeers dials the statically configured components. Failures are
// logged; the hub keeps running without them.
func (d *Daemon) connectPeers(ctx context.Context) {
	for _, peer := range d.config.Transport.Peers {
		req := RegisterRequest{
			Registration: registry.Registration{
				ComponentID: peer.ID,
				Type:        envelope.ComponentType(peer.Type),
				Capabilities: registry.Capabilities{
					SupportedMessageTypes: peer.Capabilities,
				},
			},
			Peer: &network.PeerRef{ComponentID: peer.ID, Transport: peer.Transport, Address: peer.Address},
		}
		if len(req.Registration.Capabilities.SupportedMessageTypes) == 0 {
			req.Registration.Capabilities.SupportedMessageTypes = []string{envelope.TypeAny}
		}

		res := d.hub.RegisterComponent(ctx, req)
		if !res.Success {
			d.logger.Warn().
				Str("component_id", peer.ID).
				Str("address", peer.Address).
				Str("error", res.Error).
				Msg("Failed to connect configured peer")
			continue
		}
		d.logger.Info().Str("component_id", peer.ID).Str("transport", peer.Transport).Msg("Configured peer connected")
	}
}

// checkpointLoop persists state every CheckpointInterval
func (d *Daemon) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.Hub.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.hub.Checkpoint(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("Periodic checkpoint failed")
				continue
			}
			stats := d.hub.sub.Orchestrator.Stats()
			d.logger.Debug().
				Int("components", d.hub.sub.Registry.Count()).
				Int("queued", stats.Queue.Queued).
				Int("active", stats.Active).
				Str("breaker", string(stats.Breaker.State)).
				Msg("Checkpoint completed")
		}
	}
}

// shutdown stops the API, the hub and the listener and closes storage
func (d *Daemon) shutdown() error {
	timeout := d.config.Orchestrator.ShutdownTimeout + checkpointTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if d.api != nil {
		if err := d.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api: %w", err))
		}
	}
	if res := d.hub.Shutdown(ctx); !res.Success && !errors.Is(res.Err(), ErrShutdown) {
		errs = append(errs, fmt.Errorf("hub: %w", res.Err()))
	}
	if d.listener != nil {
		if err := d.listener.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("zmq listener: %w", err))
		}
	}
	if err := d.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		d.logger.Error().Err(err).Msg("Courier daemon stopped with errors")
		return err
	}
	d.logger.Info().Msg("Courier daemon stopped")
	return nil
}
