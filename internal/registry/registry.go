package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/envelope"
	"courier/internal/logger"
)

var (
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrNotRegistered       = errors.New("component not registered")
)

// Capabilities declares what a component can do
type Capabilities struct {
	BackgroundProcessing  bool     `json:"background_processing"`
	Notifications         bool     `json:"notifications"`
	Storage               bool     `json:"storage"`
	ExternalAPI           bool     `json:"external_api"`
	SupportedMessageTypes []string `json:"supported_message_types"`
}

// Health is the registry's view of a component's liveness
type Health struct {
	Responsive     bool      `json:"responsive"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ErrorCount     int       `json:"error_count"`
}

// Registration describes a live component the router may target
type Registration struct {
	ComponentID  string                 `json:"component_id"`
	Type         envelope.ComponentType `json:"type"`
	Capabilities Capabilities           `json:"capabilities"`
	Health       Health                 `json:"health"`
	TabID        *int                   `json:"tab_id,omitempty"`
	WindowID     *int                   `json:"window_id,omitempty"`
	RegisteredAt time.Time              `json:"registered_at"`
	LastActivity time.Time              `json:"last_activity"`

	seq uint64
}

// Validate checks the identity and capability fields
func (r *Registration) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: registration is nil", ErrInvalidRegistration)
	}
	if r.ComponentID == "" {
		return fmt.Errorf("%w: component_id is required", ErrInvalidRegistration)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown component type %q", ErrInvalidRegistration, r.Type)
	}
	if len(r.Capabilities.SupportedMessageTypes) == 0 {
		return fmt.Errorf("%w: supported_message_types is required", ErrInvalidRegistration)
	}
	return nil
}

// Supports reports whether the component declared msgType or the wildcard
func (r *Registration) Supports(msgType string) bool {
	for _, t := range r.Capabilities.SupportedMessageTypes {
		if t == msgType || t == envelope.TypeAny {
			return true
		}
	}
	return false
}

// MatchesTarget applies the optional tab and window filters
func (r *Registration) MatchesTarget(tabID, windowID *int) bool {
	if tabID != nil && (r.TabID == nil || *r.TabID != *tabID) {
		return false
	}
	if windowID != nil && (r.WindowID == nil || *r.WindowID != *windowID) {
		return false
	}
	return true
}

// Seq is the registration order. Overwrites keep the original value.
func (r *Registration) Seq() uint64 {
	return r.seq
}

func (r *Registration) clone() *Registration {
	c := *r
	c.Capabilities.SupportedMessageTypes = append([]string(nil), r.Capabilities.SupportedMessageTypes...)
	if r.TabID != nil {
		tab := *r.TabID
		c.TabID = &tab
	}
	if r.WindowID != nil {
		window := *r.WindowID
		c.WindowID = &window
	}
	return &c
}

// Stats summarizes the registry
type Stats struct {
	Registered int `json:"registered"`
	Active     int `json:"active"`
	Errored    int `json:"errored"`
}

// Registry tracks live components. Callers receive copies; mutate through methods.
type Registry struct {
	components map[string]*Registration
	nextSeq    uint64
	now        func() time.Time
	logger     zerolog.Logger
	mutex      sync.RWMutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		components: make(map[string]*Registration),
		now:        time.Now,
		logger:     logger.GetLogger("registry"),
	}
}

// SetClock replaces the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.now = now
}

// Register adds or overwrites a component registration
func (r *Registry) Register(reg *Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	stored := reg.clone()
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	stored.LastActivity = now
	// A component that just registered is live
	stored.Health.Responsive = true
	if stored.Health.LastHeartbeat.IsZero() {
		stored.Health.LastHeartbeat = now
	}

	if existing, ok := r.components[reg.ComponentID]; ok {
		stored.seq = existing.seq
		r.logger.Warn().
			Str("component_id", reg.ComponentID).
			Str("type", string(reg.Type)).
			Msg("Component already registered, overwriting")
	} else {
		r.nextSeq++
		stored.seq = r.nextSeq
		r.logger.Info().
			Str("component_id", reg.ComponentID).
			Str("type", string(reg.Type)).
			Msg("Component registered")
	}

	r.components[reg.ComponentID] = stored
	return nil
}

// Unregister removes a component. It reports whether the component existed.
func (r *Registry) Unregister(componentID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.components[componentID]; !ok {
		return false
	}
	delete(r.components, componentID)
	r.logger.Info().Str("component_id", componentID).Msg("Component unregistered")
	return true
}

// Get returns a copy of a registration
func (r *Registry) Get(componentID string) (*Registration, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	reg, ok := r.components[componentID]
	if !ok {
		return nil, false
	}
	return reg.clone(), true
}

// List returns copies of all registrations in registration order
func (r *Registry) List() []*Registration {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	list := make([]*Registration, 0, len(r.components))
	for _, reg := range r.components {
		list = append(list, reg.clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

// Count returns the number of registered components
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.components)
}

// Touch records activity for a component
func (r *Registry) Touch(componentID string) error {
	return r.update(componentID, func(reg *Registration, now time.Time) {
		reg.LastActivity = now
	})
}

// RecordHeartbeat marks the component responsive with the measured round trip
func (r *Registry) RecordHeartbeat(componentID string, rtt time.Duration) error {
	return r.update(componentID, func(reg *Registration, now time.Time) {
		reg.Health.Responsive = true
		reg.Health.LastHeartbeat = now
		reg.Health.ResponseTimeMs = rtt.Milliseconds()
		reg.LastActivity = now
	})
}

// RecordError increments the component's error count
func (r *Registry) RecordError(componentID string) error {
	return r.update(componentID, func(reg *Registration, _ time.Time) {
		reg.Health.ErrorCount++
	})
}

// SetResponsive flips the responsive flag
func (r *Registry) SetResponsive(componentID string, responsive bool) error {
	return r.update(componentID, func(reg *Registration, _ time.Time) {
		reg.Health.Responsive = responsive
	})
}

func (r *Registry) update(componentID string, fn func(*Registration, time.Time)) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	reg, ok := r.components[componentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, componentID)
	}
	fn(reg, r.now())
	return nil
}

// Stats returns registered, responsive and errored component counts
func (r *Registry) Stats() Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := Stats{Registered: len(r.components)}
	for _, reg := range r.components {
		if reg.Health.Responsive {
			stats.Active++
		}
		if reg.Health.ErrorCount > 0 {
			stats.Errored++
		}
	}
	return stats
}
