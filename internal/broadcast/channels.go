package broadcast

import (
	"time"

	"courier/internal/envelope"
)

// Default channel names
const (
	ChannelMeetingEvents = "meeting-events"
	ChannelSystemEvents  = "system-events"
	ChannelJobEvents     = "job-events"
	ChannelSyncEvents    = "sync-events"
)

// Behavior describes how a channel retains and throttles events
type Behavior struct {
	Persistent         bool          `json:"persistent" yaml:"persistent"`
	RetentionPeriod    time.Duration `json:"retention_period" yaml:"retention_period"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	MaxSubscribers     int           `json:"max_subscribers" yaml:"max_subscribers"`
}

// ChannelDefinition is a named, pre-declared event channel. Empty publisher or
// subscriber lists allow every component type.
type ChannelDefinition struct {
	Name        string                   `json:"name" yaml:"name"`
	Description string                   `json:"description" yaml:"description"`
	EventTypes  []string                 `json:"event_types,omitempty" yaml:"event_types"`
	Publishers  []envelope.ComponentType `json:"publishers,omitempty" yaml:"publishers"`
	Subscribers []envelope.ComponentType `json:"subscribers,omitempty" yaml:"subscribers"`
	Behavior    Behavior                 `json:"behavior" yaml:"behavior"`
}

// CanPublish reports whether a component type may publish on the channel
func (c *ChannelDefinition) CanPublish(t envelope.ComponentType) bool {
	return len(c.Publishers) == 0 || containsType(c.Publishers, t)
}

// CanSubscribe reports whether a component type may receive from the channel
func (c *ChannelDefinition) CanSubscribe(t envelope.ComponentType) bool {
	return len(c.Subscribers) == 0 || containsType(c.Subscribers, t)
}

// Carries reports whether the channel accepts eventType
func (c *ChannelDefinition) Carries(eventType string) bool {
	if len(c.EventTypes) == 0 {
		return true
	}
	for _, t := range c.EventTypes {
		if t == eventType || t == envelope.TypeAny {
			return true
		}
	}
	return false
}

// DefaultChannels returns the channels every hub declares
func DefaultChannels() []ChannelDefinition {
	return []ChannelDefinition{
		{
			Name:        ChannelMeetingEvents,
			Description: "Meeting lifecycle and recording events",
			Publishers:  []envelope.ComponentType{envelope.ComponentContent, envelope.ComponentBackground},
			Subscribers: []envelope.ComponentType{
				envelope.ComponentBackground,
				envelope.ComponentPopup,
				envelope.ComponentSidePanel,
				envelope.ComponentOptions,
			},
			Behavior: Behavior{
				Persistent:         true,
				RetentionPeriod:    time.Hour,
				RateLimitPerMinute: 120,
				MaxSubscribers:     50,
			},
		},
		{
			Name:        ChannelSystemEvents,
			Description: "Hub lifecycle, configuration and health events",
			Publishers:  []envelope.ComponentType{envelope.ComponentBackground},
			Behavior: Behavior{
				RateLimitPerMinute: 60,
				MaxSubscribers:     100,
			},
		},
		{
			Name:        ChannelJobEvents,
			Description: "Job progress, completion and failure",
			EventTypes: []string{
				envelope.TypeJobProgress,
				envelope.TypeJobCompleted,
				envelope.TypeJobFailed,
			},
			Publishers: []envelope.ComponentType{envelope.ComponentBackground, envelope.ComponentOffscreen},
			Behavior: Behavior{
				Persistent:         true,
				RetentionPeriod:    24 * time.Hour,
				RateLimitPerMinute: 600,
				MaxSubscribers:     50,
			},
		},
		{
			Name:        ChannelSyncEvents,
			Description: "Shared state replication",
			EventTypes:  []string{envelope.TypeSyncData},
			Behavior: Behavior{
				RateLimitPerMinute: 300,
				MaxSubscribers:     100,
			},
		},
	}
}

func containsType(list []envelope.ComponentType, t envelope.ComponentType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
