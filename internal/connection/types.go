package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"courier/internal/envelope"
)

var (
	ErrNotConnected   = errors.New("component not connected")
	ErrConnectTimeout = errors.New("connection attempt timed out")
	ErrConnecting     = errors.New("connection attempt already in progress")
	ErrStopped        = errors.New("connection manager stopped")
	ErrNoPeer         = errors.New("no peer to reconnect to")
)

// State is a connection's lifecycle state
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
	StateTimeout       State = "timeout"
)

// Config controls connection lifecycle and health checks
type Config struct {
	LocalID              string        `yaml:"local_id" json:"local_id"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	AutoReconnect        bool          `yaml:"auto_reconnect" json:"auto_reconnect"`
	RetryDelay           time.Duration `yaml:"retry_delay" json:"retry_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	QualityThreshold     int           `yaml:"quality_threshold" json:"quality_threshold"`
}

// DefaultConfig returns the default connection settings
func DefaultConfig() Config {
	return Config{
		LocalID:              "courier-hub",
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		AutoReconnect:        true,
		RetryDelay:           5 * time.Second,
		MaxReconnectAttempts: 3,
		HealthCheckInterval:  60 * time.Second,
		QualityThreshold:     50,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive")
	}
	if c.RetryDelay < 0 || c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("retry_delay and max_reconnect_attempts must not be negative")
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		return fmt.Errorf("quality_threshold must be between 0 and 100")
	}
	return nil
}

// Connection is a snapshot of one component's link
type Connection struct {
	ID            string                 `json:"id"`
	ComponentID   string                 `json:"component_id"`
	ComponentType envelope.ComponentType `json:"component_type"`
	State         State                  `json:"state"`
	ChannelID     string                 `json:"channel_id"`
	Transport     string                 `json:"transport,omitempty"`
	Attached      bool                   `json:"attached"`
	TabID         *int                   `json:"tab_id,omitempty"`
	WindowID      *int                   `json:"window_id,omitempty"`
	ConnectedAt   time.Time              `json:"connected_at"`
	LastActivity  time.Time              `json:"last_activity"`
	MessageCount  int64                  `json:"message_count"`
}

// Health is the derived health of one connection
type Health struct {
	State            State     `json:"state"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	ErrorCount       int       `json:"error_count"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	QualityScore     int       `json:"quality_score"`
	Degraded         bool      `json:"degraded"`
}

// QualityScore derives a 0-100 score from errors, response time and state
func QualityScore(state State, errorCount int, responseTimeMs int64) int {
	score := 100

	errorPenalty := errorCount * 10
	if errorPenalty > 50 {
		errorPenalty = 50
	}
	score -= errorPenalty

	if responseTimeMs > 1000 {
		latencyPenalty := int((responseTimeMs - 1000) / 100)
		if latencyPenalty > 30 {
			latencyPenalty = 30
		}
		score -= latencyPenalty
	}

	switch state {
	case StateError:
		score -= 30
	case StateTimeout:
		score -= 20
	}

	if score < 0 {
		return 0
	}
	return score
}

// EventKind distinguishes watch events
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventDegraded     EventKind = "degraded"
)

// Event reports a connection change to watchers
type Event struct {
	Kind         EventKind `json:"kind"`
	ComponentID  string    `json:"component_id"`
	ConnectionID string    `json:"connection_id"`
	Previous     State     `json:"previous,omitempty"`
	State        State     `json:"state"`
	Quality      int       `json:"quality"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Watch is a subscription to connection events. Close releases it.
type Watch struct {
	C <-chan Event

	closeOnce sync.Once
	release   func()
}

// Close stops delivery to the watch and closes C
func (w *Watch) Close() {
	w.closeOnce.Do(w.release)
}
