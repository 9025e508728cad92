package router

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/envelope"
)

// Filters narrow a subscription beyond message type
type Filters struct {
	// SourceFilters match a source component ID or component type
	SourceFilters     []string               `json:"source_filters,omitempty"`
	PriorityThreshold *envelope.Priority     `json:"priority_threshold,omitempty"`
	ContentFilters    map[string]interface{} `json:"content_filters,omitempty"`
}

// Subscription registers a component's interest in message types
type Subscription struct {
	ID           string    `json:"id"`
	ComponentID  string    `json:"component_id"`
	MessageTypes []string  `json:"message_types"`
	Filters      Filters   `json:"filters"`
	CreatedAt    time.Time `json:"created_at"`
}

// Matches reports whether env passes the subscription's type and filters.
// payload is the decoded top-level payload object, or nil.
func (s *Subscription) Matches(env *envelope.Envelope, payload map[string]interface{}) bool {
	if !containsString(s.MessageTypes, env.Type) && !containsString(s.MessageTypes, envelope.TypeAny) {
		return false
	}

	if len(s.Filters.SourceFilters) > 0 &&
		!containsString(s.Filters.SourceFilters, env.Source.ComponentID) &&
		!containsString(s.Filters.SourceFilters, string(env.Source.Type)) {
		return false
	}

	if s.Filters.PriorityThreshold != nil && env.Priority < *s.Filters.PriorityThreshold {
		return false
	}

	for key, want := range s.Filters.ContentFilters {
		got, ok := payload[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// subscriptionStore indexes subscriptions by component
type subscriptionStore struct {
	byComponent map[string]map[string]*Subscription
	mutex       sync.RWMutex
}

func newSubscriptionStore() *subscriptionStore {
	return &subscriptionStore{
		byComponent: make(map[string]map[string]*Subscription),
	}
}

func (s *subscriptionStore) add(componentID string, messageTypes []string, filters Filters, now time.Time) (*Subscription, error) {
	if componentID == "" {
		return nil, fmt.Errorf("%w: component_id is required", ErrInvalidSubscription)
	}
	if len(messageTypes) == 0 {
		return nil, fmt.Errorf("%w: at least one message type is required", ErrInvalidSubscription)
	}
	if filters.PriorityThreshold != nil && !filters.PriorityThreshold.Valid() {
		return nil, fmt.Errorf("%w: unknown priority threshold", ErrInvalidSubscription)
	}

	normalized, err := normalizeContentFilters(filters.ContentFilters)
	if err != nil {
		return nil, err
	}
	filters.ContentFilters = normalized

	sub := &Subscription{
		ID:           "sub_" + uuid.NewString(),
		ComponentID:  componentID,
		MessageTypes: append([]string(nil), messageTypes...),
		Filters:      filters,
		CreatedAt:    now,
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	subs, ok := s.byComponent[componentID]
	if !ok {
		subs = make(map[string]*Subscription)
		s.byComponent[componentID] = subs
	}
	subs[sub.ID] = sub
	return sub, nil
}

func (s *subscriptionStore) remove(subscriptionID string) (*Subscription, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for componentID, subs := range s.byComponent {
		if sub, ok := subs[subscriptionID]; ok {
			delete(subs, subscriptionID)
			if len(subs) == 0 {
				delete(s.byComponent, componentID)
			}
			return sub, true
		}
	}
	return nil, false
}

func (s *subscriptionStore) removeComponent(componentID string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := len(s.byComponent[componentID])
	delete(s.byComponent, componentID)
	return n
}

func (s *subscriptionStore) forComponent(componentID string) []*Subscription {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	subs := s.byComponent[componentID]
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		c := *sub
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// accepts applies fail-open semantics: no subscriptions means every type is accepted
func (s *subscriptionStore) accepts(componentID string, env *envelope.Envelope, payload map[string]interface{}) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	subs := s.byComponent[componentID]
	if len(subs) == 0 {
		return true
	}
	for _, sub := range subs {
		if sub.Matches(env, payload) {
			return true
		}
	}
	return false
}

func (s *subscriptionStore) count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	n := 0
	for _, subs := range s.byComponent {
		n += len(subs)
	}
	return n
}

// normalizeContentFilters round-trips filter values through JSON so they
// compare equal to decoded payload values
func normalizeContentFilters(filters map[string]interface{}) (map[string]interface{}, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("%w: content filters: %v", ErrInvalidSubscription, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: content filters: %v", ErrInvalidSubscription, err)
	}
	return out, nil
}

// decodePayloadObject returns the payload as an object, or nil if it is not one
func decodePayloadObject(env *envelope.Envelope) map[string]interface{} {
	if len(env.Payload) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(env.Payload, &obj); err != nil {
		return nil
	}
	return obj
}
