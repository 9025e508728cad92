package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known message types
const (
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeSyncData      = "sync_data"
	TypeJobSubmit     = "job_submit"
	TypeJobProgress   = "job_progress"
	TypeJobCompleted  = "job_completed"
	TypeJobFailed     = "job_failed"
	TypeSystemEvent   = "system_event"
	TypeMeetingEvent  = "meeting_event"
	TypeComponentUp   = "component_up"
	TypeComponentDown = "component_down"
	TypeRegister      = "register"
	TypeRegisterAck   = "register_ack"
	TypeJobSubmitAck  = "job_submit_ack"

	// Wildcard accepted in supported message types and subscriptions
	TypeAny = "*"
)

// Priority orders envelopes inside the router queue. Higher values drain first.
// The zero value is not a valid priority.
type Priority int

const (
	PriorityBulk Priority = iota + 1
	PriorityLow
	PriorityNormal
	PriorityUrgent
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityBulk:     "bulk",
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityUrgent:   "urgent",
	PriorityCritical: "critical",
}

// Priorities lists every tier from highest to lowest
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityUrgent, PriorityNormal, PriorityLow, PriorityBulk}
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined tiers
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a tier name into a Priority
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %s", s)
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DeliveryMode selects how many targets an envelope resolves to
type DeliveryMode string

const (
	DeliveryUnicast   DeliveryMode = "unicast"
	DeliveryMulticast DeliveryMode = "multicast"
	DeliveryBroadcast DeliveryMode = "broadcast"
	DeliveryAnycast   DeliveryMode = "anycast"
)

// Valid reports whether m is a known delivery mode
func (m DeliveryMode) Valid() bool {
	switch m {
	case DeliveryUnicast, DeliveryMulticast, DeliveryBroadcast, DeliveryAnycast:
		return true
	}
	return false
}

// ComponentType identifies the kind of surface a component runs in
type ComponentType string

const (
	ComponentBackground ComponentType = "background"
	ComponentContent    ComponentType = "content"
	ComponentPopup      ComponentType = "popup"
	ComponentOptions    ComponentType = "options"
	ComponentSidePanel  ComponentType = "sidepanel"
	ComponentDevTools   ComponentType = "devtools"
	ComponentOffscreen  ComponentType = "offscreen"
)

// ComponentTypes lists every known component type
func ComponentTypes() []ComponentType {
	return []ComponentType{
		ComponentBackground,
		ComponentContent,
		ComponentPopup,
		ComponentOptions,
		ComponentSidePanel,
		ComponentDevTools,
		ComponentOffscreen,
	}
}

// Valid reports whether t is a known component type
func (t ComponentType) Valid() bool {
	for _, known := range ComponentTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Source identifies the sender of an envelope
type Source struct {
	ComponentID string        `json:"component_id"`
	Type        ComponentType `json:"type"`
}

// Target narrows the set of recipients. Which fields apply depends on the delivery mode.
type Target struct {
	ComponentID    string          `json:"component_id,omitempty"`
	ComponentTypes []ComponentType `json:"component_types,omitempty"`
	TabID          *int            `json:"tab_id,omitempty"`
	WindowID       *int            `json:"window_id,omitempty"`
}

// Metadata carries routing annotations
type Metadata struct {
	Timestamp     time.Time         `json:"timestamp"`
	Tags          []string          `json:"tags,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Confirmation records the outcome of delivering to one target
type Confirmation struct {
	ComponentID string    `json:"component_id"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Delivery holds per-envelope delivery bookkeeping
type Delivery struct {
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	Timeout       time.Duration  `json:"timeout"`
	Confirmations []Confirmation `json:"confirmations,omitempty"`
}

// Envelope is the routed unit of communication between components
type Envelope struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     Priority        `json:"priority"`
	DeliveryMode DeliveryMode    `json:"delivery_mode"`
	Source       Source          `json:"source"`
	Target       Target          `json:"target"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Metadata     Metadata        `json:"metadata"`
	Delivery     Delivery        `json:"delivery"`
}
