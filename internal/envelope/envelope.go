package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Defaults applied by New
const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 5 * time.Second
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
	ErrExpired         = errors.New("envelope expired")
)

// GenerateID returns a unique message ID
func GenerateID() string {
	return "msg_" + uuid.NewString()
}

// New creates a normal-priority broadcast envelope with a JSON payload
func New(msgType string, source Source, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		ID:           GenerateID(),
		Type:         msgType,
		Priority:     PriorityNormal,
		DeliveryMode: DeliveryBroadcast,
		Source:       source,
		Metadata: Metadata{
			Timestamp: time.Now(),
		},
		Delivery: Delivery{
			MaxAttempts: DefaultMaxAttempts,
			Timeout:     DefaultTimeout,
		},
	}

	if payload != nil {
		if err := env.SetPayload(payload); err != nil {
			return nil, err
		}
	}

	return env, nil
}

// NewUnicast creates an envelope addressed to a single component
func NewUnicast(msgType string, source Source, componentID string, payload interface{}) (*Envelope, error) {
	env, err := New(msgType, source, payload)
	if err != nil {
		return nil, err
	}
	env.DeliveryMode = DeliveryUnicast
	env.Target.ComponentID = componentID
	return env, nil
}

// SetPayload marshals v as the envelope payload
func (e *Envelope) SetPayload(v interface{}) error {
	if raw, ok := v.(json.RawMessage); ok {
		e.Payload = raw
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	e.Payload = data
	return nil
}

// DecodePayload unmarshals the payload into v
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// Validate checks required fields, the payload ceiling and expiry.
// maxPayloadBytes <= 0 disables the size check.
func (e *Envelope) Validate(maxPayloadBytes int) error {
	return e.ValidateAt(maxPayloadBytes, time.Now())
}

// ValidateAt is Validate with expiry judged at now
func (e *Envelope) ValidateAt(maxPayloadBytes int, now time.Time) error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEnvelope)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidEnvelope, int(e.Priority))
	}
	if !e.DeliveryMode.Valid() {
		return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidEnvelope, e.DeliveryMode)
	}
	if e.Source.ComponentID == "" {
		return fmt.Errorf("%w: source.component_id is required", ErrInvalidEnvelope)
	}

	switch e.DeliveryMode {
	case DeliveryUnicast:
		if e.Target.ComponentID == "" {
			return fmt.Errorf("%w: unicast requires target.component_id", ErrInvalidEnvelope)
		}
	case DeliveryMulticast:
		if len(e.Target.ComponentTypes) == 0 {
			return fmt.Errorf("%w: multicast requires target.component_types", ErrInvalidEnvelope)
		}
	}

	if maxPayloadBytes > 0 && len(e.Payload) > maxPayloadBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(e.Payload), maxPayloadBytes)
	}
	if e.Expired(now) {
		return ErrExpired
	}
	return nil
}

// Expired reports whether the envelope expiry lies before now
func (e *Envelope) Expired(now time.Time) bool {
	return e.Metadata.ExpiresAt != nil && now.After(*e.Metadata.ExpiresAt)
}

// HasTag reports whether the envelope carries tag
func (e *Envelope) HasTag(tag string) bool {
	for _, t := range e.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends tag once
func (e *Envelope) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Metadata.Tags = append(e.Metadata.Tags, tag)
	}
}

// SetExtra attaches a metadata key
func (e *Envelope) SetExtra(key, value string) {
	if e.Metadata.Extra == nil {
		e.Metadata.Extra = make(map[string]string)
	}
	e.Metadata.Extra[key] = value
}

// Confirm appends a delivery confirmation for componentID
func (e *Envelope) Confirm(componentID string, err error) {
	c := Confirmation{
		ComponentID: componentID,
		Success:     err == nil,
		At:          time.Now(),
	}
	if err != nil {
		c.Error = err.Error()
	}
	e.Delivery.Confirmations = append(e.Delivery.Confirmations, c)
}

// Clone copies the envelope. The payload is shared since it is never mutated.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Target.ComponentTypes != nil {
		c.Target.ComponentTypes = append([]ComponentType(nil), e.Target.ComponentTypes...)
	}
	if e.Target.TabID != nil {
		tab := *e.Target.TabID
		c.Target.TabID = &tab
	}
	if e.Target.WindowID != nil {
		window := *e.Target.WindowID
		c.Target.WindowID = &window
	}
	if e.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	}
	if e.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(e.Metadata.Extra))
		for k, v := range e.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	if e.Metadata.ExpiresAt != nil {
		exp := *e.Metadata.ExpiresAt
		c.Metadata.ExpiresAt = &exp
	}
	if e.Delivery.Confirmations != nil {
		c.Delivery.Confirmations = append([]Confirmation(nil), e.Delivery.Confirmations...)
	}
	return &c
}

// Reply builds an envelope answering e, addressed back to its source
func (e *Envelope) Reply(msgType string, source Source, payload interface{}) (*Envelope, error) {
	reply, err := NewUnicast(msgType, source, e.Source.ComponentID, payload)
	if err != nil {
		return nil, err
	}
	reply.Priority = e.Priority
	reply.Metadata.CorrelationID = e.ID
	return reply, nil
}
