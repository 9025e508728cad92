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
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"courier/internal/broadcast"
	"courier/internal/envelope"
	"courier/internal/jobs"
	"courier/internal/logger"
	"courier/internal/network/websocket"
	"courier/internal/registry"
	"courier/internal/router"
	"courier/internal/statesync"
)

// APIOptions configures the HTTP control surface
type APIOptions struct {
	Listen           string
	ReadTimeout      time.Duration
	Upgrader         *websocket.Upgrader
	HandshakeTimeout time.Duration
	// Tokens guards every route but health when set
	Tokens *TokenService
}

// APIServer exposes the hub over HTTP under /api/v1 and accepts WebSocket
// peers on /ws
type APIServer struct {
	hub      *Hub
	options  APIOptions
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
	mutex    sync.Mutex
}

// ResolveRequest settles a sync conflict over HTTP
type ResolveRequest struct {
	Resolution statesync.Resolution `json:"resolution"`
	Value      interface{}          `json:"value,omitempty"`
}

// NewAPIServer creates the API server for a hub
func NewAPIServer(hub *Hub, options APIOptions) *APIServer {
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = inboundTimeout
	}
	s := &APIServer{
		hub:     hub,
		options: options,
		logger:  logger.GetLogger("api"),
	}
	s.server = &http.Server{
		Addr:              options.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: options.ReadTimeout,
	}
	return s
}

// Handler builds the route table
func (s *APIServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.options.Tokens != nil {
		api.Use(s.options.Tokens.RequireToken)
	}

	api.HandleFunc("/components", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/components", s.handleComponents).Methods(http.MethodGet)
	api.HandleFunc("/components/{id}", s.handleUnregister).Methods(http.MethodDelete)

	api.HandleFunc("/messages", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions", s.handleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}", s.handleUnsubscribe).Methods(http.MethodDelete)

	api.HandleFunc("/broadcasts", s.handleBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/channels", s.handleChannels).Methods(http.MethodGet)

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/pause", s.handlePauseJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/resume", s.handleResumeJob).Methods(http.MethodPost)

	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/sync/conflicts", s.handleConflicts).Methods(http.MethodGet)
	api.HandleFunc("/sync/conflicts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)

	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPut)

	if s.options.Upgrader != nil {
		r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	}
	return r
}

// Listen binds the configured address. Serve calls it when needed.
func (s *APIServer) Listen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.options.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.options.Listen, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *APIServer) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.options.Listen
}

// Serve blocks until Shutdown. A closed server is not an error.
func (s *APIServer) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info().Str("address", s.Addr()).Msg("Starting API server")
	s.mutex.Lock()
	listener := s.listener
	s.mutex.Unlock()
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones within ctx
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	breaker := s.hub.Breaker()
	s.respond(w, success(map[string]interface{}{
		"status":     "healthy",
		"hub_id":     s.hub.source.ComponentID,
		"components": s.hub.sub.Registry.Count(),
		"breaker":    breaker.State,
	}))
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.hub.RegisterComponent(r.Context(), req))
}

func (s *APIServer) handleComponents(w http.ResponseWriter, r *http.Request) {
	s.respond(w, success(s.hub.sub.Registry.List()))
}

func (s *APIServer) handleUnregister(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.UnregisterComponent(r.Context(), mux.Vars(r)["id"]))
}

func (s *APIServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if !s.decode(w, r, &env) {
		return
	}
	fillEnvelope(&env)
	s.respond(w, s.hub.Send(r.Context(), &env))
}

func (s *APIServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.hub.Subscribe(req))
}

func (s *APIServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.Unsubscribe(mux.Vars(r)["id"]))
}

func (s *APIServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var event broadcast.Event
	if !s.decode(w, r, &event) {
		return
	}
	s.respond(w, s.hub.Broadcast(r.Context(), event))
}

func (s *APIServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	s.respond(w, success(s.hub.sub.Broadcast.Channels()))
}

func (s *APIServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.hub.SubmitJob(req))
}

func (s *APIServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.ListJobs(jobs.Status(r.URL.Query().Get("status"))))
}

func (s *APIServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.GetJobStatus(mux.Vars(r)["id"]))
}

func (s *APIServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.CancelJob(r.Context(), mux.Vars(r)["id"]))
}

func (s *APIServer) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.PauseJob(mux.Vars(r)["id"]))
}

func (s *APIServer) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.ResumeJob(mux.Vars(r)["id"]))
}

func (s *APIServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.hub.SyncData(r.Context(), req))
}

func (s *APIServer) handleConflicts(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.Conflicts())
}

func (s *APIServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.hub.ResolveConflict(r.Context(), mux.Vars(r)["id"], req.Resolution, req.Value))
}

func (s *APIServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.hub.GetMetrics(r.Context()))
}

func (s *APIServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update ConfigUpdate
	if !s.decode(w, r, &update) {
		return
	}
	s.respond(w, s.hub.UpdateConfig(update))
}

func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channel, err := s.options.Upgrader.Accept(w, r)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.AcceptPeer(channel, s.options.HandshakeTimeout)
}

// fillEnvelope applies the defaults envelope.New would for fields an HTTP
// caller left out
func fillEnvelope(env *envelope.Envelope) {
	if env.ID == "" {
		env.ID = envelope.GenerateID()
	}
	if env.Priority == 0 {
		env.Priority = envelope.PriorityNormal
	}
	if env.DeliveryMode == "" {
		env.DeliveryMode = envelope.DeliveryBroadcast
		if env.Target.ComponentID != "" {
			env.DeliveryMode = envelope.DeliveryUnicast
		}
	}
	if env.Metadata.Timestamp.IsZero() {
		env.Metadata.Timestamp = time.Now()
	}
	if env.Delivery.MaxAttempts == 0 {
		env.Delivery.MaxAttempts = envelope.DefaultMaxAttempts
	}
	if env.Delivery.Timeout == 0 {
		env.Delivery.Timeout = envelope.DefaultTimeout
	}
}

func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respond(w, failure(fmt.Errorf("invalid JSON body: %w", err)))
		return false
	}
	return true
}

// respond writes a Result. Retryable failures map to 503, unknown ids to 404
// and other failures to 400.
func (s *APIServer) respond(w http.ResponseWriter, res Result) {
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res)
		s.logger.Debug().Int("status", status).Str("error", res.Error).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func statusFor(res Result) int {
	err := res.Err()
	switch {
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, statesync.ErrConflictNotFound),
		errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, router.ErrSubscriptionUnknown):
		return http.StatusNotFound
	case res.Retryable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// originChecker allows requests whose Origin is listed. An empty list or a
// "*" entry allows every origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return nil
		}
		set[strings.TrimSuffix(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimSuffix(origin, "/")]
		return ok
	}
}
