package statesync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidMessage    = errors.New("invalid sync message")
	ErrConflictNotFound  = errors.New("sync conflict not found")
	ErrInvalidResolution = errors.New("invalid conflict resolution")
)

// Operation is the kind of write carried by a sync message
type Operation string

const (
	OpSet    Operation = "set"
	OpDelete Operation = "delete"
)

// Strategy decides how a detected conflict is settled
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyMerge         Strategy = "merge"
	StrategyUserChoice    Strategy = "user_choice"
	StrategyCustom        Strategy = "custom"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyMerge, StrategyUserChoice, StrategyCustom:
		return true
	}
	return false
}

// Resolution is an explicit answer to a pending conflict
type Resolution string

const (
	UseLocal  Resolution = "use_local"
	UseRemote Resolution = "use_remote"
	UseMerge  Resolution = "merge"
	UseManual Resolution = "manual"
)

// Data types with built-in custom resolvers
const (
	TypeUserPreferences = "user_preferences"
	TypeJobStatus       = "job_status"
)

// Record is the local value of one dataType:key
type Record struct {
	DataType  string      `json:"data_type"`
	Key       string      `json:"key"`
	Data      interface{} `json:"data"`
	Version   uint64      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
}

// ID is the record's store key
func (r Record) ID() string {
	return recordID(r.DataType, r.Key)
}

func recordID(dataType, key string) string {
	return dataType + ":" + key
}

// Message is the payload of a sync_data envelope
type Message struct {
	DataType  string      `json:"data_type"`
	Key       string      `json:"key,omitempty"`
	Operation Operation   `json:"operation"`
	Data      interface{} `json:"data,omitempty"`
	Version   uint64      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
}

// Validate checks the message fields
func (m Message) Validate() error {
	if m.DataType == "" {
		return fmt.Errorf("%w: data_type is required", ErrInvalidMessage)
	}
	switch m.Operation {
	case OpSet:
		if m.Key == "" {
			return fmt.Errorf("%w: key is required for set", ErrInvalidMessage)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidMessage, m.Operation)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidMessage)
	}
	return nil
}

// Conflict is a remote write that disagreed with the local record
type Conflict struct {
	ID         string    `json:"id"`
	DataType   string    `json:"data_type"`
	Key        string    `json:"key"`
	Local      Record    `json:"local"`
	Remote     Record    `json:"remote"`
	Strategy   Strategy  `json:"strategy"`
	DetectedAt time.Time `json:"detected_at"`
}

// Outcome reports what HandleRemote did
type Outcome struct {
	Applied  bool      `json:"applied"`
	Conflict *Conflict `json:"conflict,omitempty"`
	Resolved bool      `json:"resolved"`
	Record   *Record   `json:"record,omitempty"`
}

// Resolver picks the value for a conflict on one data type
type Resolver func(local, remote Record) (interface{}, error)

// Config for the coordinator
type Config struct {
	// SourceID marks writes made by this process
	SourceID string `yaml:"source_id" json:"source_id"`
	// BroadcastTypes are replicated to peers. "*" replicates everything.
	BroadcastTypes    []string            `yaml:"broadcast_types" json:"broadcast_types"`
	DefaultStrategy   Strategy            `yaml:"default_strategy" json:"default_strategy"`
	Strategies        map[string]Strategy `yaml:"strategies" json:"strategies,omitempty"`
	ConflictTolerance time.Duration       `yaml:"conflict_tolerance" json:"conflict_tolerance"`
	CheckpointKey     string              `yaml:"checkpoint_key" json:"checkpoint_key"`
}

// DefaultConfig replicates preferences, job status and meeting state
func DefaultConfig() Config {
	return Config{
		SourceID:        "courier-hub",
		BroadcastTypes:  []string{TypeUserPreferences, TypeJobStatus, "meeting_state", "settings"},
		DefaultStrategy: StrategyLastWriteWins,
		Strategies: map[string]Strategy{
			TypeUserPreferences: StrategyCustom,
			TypeJobStatus:       StrategyCustom,
		},
		ConflictTolerance: time.Second,
		CheckpointKey:     "checkpoint:sync_store",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	if !c.DefaultStrategy.Valid() {
		return fmt.Errorf("unknown default_strategy: %s", c.DefaultStrategy)
	}
	for dataType, s := range c.Strategies {
		if !s.Valid() {
			return fmt.Errorf("unknown strategy %q for %s", s, dataType)
		}
	}
	if c.ConflictTolerance < 0 {
		return fmt.Errorf("conflict_tolerance must not be negative")
	}
	return nil
}
