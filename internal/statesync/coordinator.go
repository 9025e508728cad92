package statesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/logger"
	"courier/internal/storage"
)

// Publisher replicates a local write to peers
type Publisher interface {
	PublishSync(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) PublishSync(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Stats counts coordinator activity
type Stats struct {
	Records          int    `json:"records"`
	PendingConflicts int    `json:"pending_conflicts"`
	ConflictsSeen    int64  `json:"conflicts_seen"`
	Resolved         int64  `json:"resolved"`
	Published        int64  `json:"published"`
	PublishFailures  int64  `json:"publish_failures"`
	RemoteApplied    int64  `json:"remote_applied"`
	Version          uint64 `json:"version"`
}

// Coordinator owns the local record store and reconciles it with peers
type Coordinator struct {
	config    Config
	publisher Publisher
	records   map[string]*Record
	conflicts map[string]*Conflict
	resolvers map[string]Resolver
	version   uint64
	stats     Stats
	now       func() time.Time
	logger    zerolog.Logger
	mutex     sync.Mutex
}

// New creates a coordinator. A nil publisher keeps every write local.
func New(config Config, publisher Publisher) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	c := &Coordinator{
		config:    config,
		publisher: publisher,
		records:   make(map[string]*Record),
		conflicts: make(map[string]*Conflict),
		resolvers: make(map[string]Resolver),
		now:       time.Now,
		logger:    logger.GetLogger("statesync"),
	}

	c.resolvers[TypeUserPreferences] = func(local, remote Record) (interface{}, error) {
		return DeepMerge(local.Data, remote.Data), nil
	}
	c.resolvers[TypeJobStatus] = func(local, remote Record) (interface{}, error) {
		if remote.Timestamp.After(local.Timestamp) {
			return remote.Data, nil
		}
		return local.Data, nil
	}
	return c, nil
}

// SetClock replaces the time source for write timestamps
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = now
}

// RegisterResolver installs the custom resolver for dataType
func (c *Coordinator) RegisterResolver(dataType string, resolver Resolver) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resolvers[dataType] = resolver
}

// SyncData applies a local write and replicates it when dataType is broadcast
func (c *Coordinator) SyncData(ctx context.Context, dataType, key string, data interface{}, op Operation) (*Record, error) {
	if op == "" {
		op = OpSet
	}
	normalized, err := normalize(data)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	msg := Message{
		DataType:  dataType,
		Key:       key,
		Operation: op,
		Data:      normalized,
		Timestamp: c.now(),
		Source:    c.config.SourceID,
	}
	if err := msg.Validate(); err != nil {
		c.mutex.Unlock()
		return nil, err
	}

	var rec *Record
	switch op {
	case OpSet:
		rec = c.applyLocked(dataType, key, normalized, msg.Timestamp, msg.Source)
		msg.Version = rec.Version
	case OpDelete:
		c.version++
		msg.Version = c.version
		if key == "" {
			c.clearLocked(dataType)
		} else {
			delete(c.records, recordID(dataType, key))
		}
	}
	c.mutex.Unlock()

	c.publish(ctx, msg)
	if rec == nil {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// HandleRemote reconciles a write that arrived from a peer
func (c *Coordinator) HandleRemote(ctx context.Context, msg Message) (*Outcome, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.Source == c.config.SourceID {
		return &Outcome{}, nil
	}
	data, err := normalize(msg.Data)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()

	if msg.Operation == OpDelete {
		if msg.Key == "" {
			c.clearLocked(msg.DataType)
		} else {
			delete(c.records, recordID(msg.DataType, msg.Key))
		}
		c.version++
		c.stats.RemoteApplied++
		c.mutex.Unlock()
		return &Outcome{Applied: true}, nil
	}

	remote := Record{
		DataType:  msg.DataType,
		Key:       msg.Key,
		Data:      data,
		Version:   msg.Version,
		Timestamp: msg.Timestamp,
		Source:    msg.Source,
	}

	local, exists := c.records[recordID(msg.DataType, msg.Key)]
	if !exists || c.sameWrite(*local, remote) {
		if exists && samePayload(local.Data, remote.Data) {
			out := *local
			c.mutex.Unlock()
			return &Outcome{Record: &out}, nil
		}
		rec := c.applyLocked(remote.DataType, remote.Key, remote.Data, remote.Timestamp, remote.Source)
		c.stats.RemoteApplied++
		out := *rec
		c.mutex.Unlock()
		return &Outcome{Applied: true, Record: &out}, nil
	}
	if samePayload(local.Data, remote.Data) {
		out := *local
		c.mutex.Unlock()
		return &Outcome{Record: &out}, nil
	}

	conflict := &Conflict{
		ID:         "conflict_" + uuid.NewString(),
		DataType:   msg.DataType,
		Key:        msg.Key,
		Local:      *local,
		Remote:     remote,
		Strategy:   c.strategyFor(msg.DataType),
		DetectedAt: c.now(),
	}
	// one pending conflict per record; a newer remote write supersedes it
	for id, pending := range c.conflicts {
		if pending.DataType == conflict.DataType && pending.Key == conflict.Key {
			delete(c.conflicts, id)
			c.logger.Debug().Str("conflict_id", id).Str("superseded_by", conflict.ID).Msg("Pending conflict replaced")
		}
	}
	c.conflicts[conflict.ID] = conflict
	c.stats.ConflictsSeen++
	c.mutex.Unlock()

	c.logger.Info().
		Str("conflict_id", conflict.ID).
		Str("record", remote.ID()).
		Str("strategy", string(conflict.Strategy)).
		Msg("Sync conflict detected")

	outcome := &Outcome{Conflict: conflict}
	if conflict.Strategy == StrategyUserChoice {
		return outcome, nil
	}

	value, err := c.strategyValue(conflict)
	if err != nil {
		return outcome, err
	}
	rec, err := c.settle(ctx, conflict.ID, value)
	if err != nil {
		return outcome, err
	}
	outcome.Applied = true
	outcome.Resolved = true
	outcome.Record = rec
	return outcome, nil
}

// ResolveConflict settles a pending conflict. manual is the value used with UseManual.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution, manual interface{}) (*Record, error) {
	c.mutex.Lock()
	conflict, ok := c.conflicts[conflictID]
	c.mutex.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	var value interface{}
	switch resolution {
	case UseLocal:
		value = conflict.Local.Data
	case UseRemote:
		value = conflict.Remote.Data
	case UseMerge:
		value = DeepMerge(conflict.Local.Data, conflict.Remote.Data)
	case UseManual:
		normalized, err := normalize(manual)
		if err != nil {
			return nil, err
		}
		value = normalized
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidResolution, resolution)
	}
	return c.settle(ctx, conflictID, value)
}

// Conflicts lists pending conflicts, oldest first
func (c *Coordinator) Conflicts() []Conflict {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]Conflict, 0, len(c.conflicts))
	for _, conflict := range c.conflicts {
		out = append(out, *conflict)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Get returns the local record for dataType:key
func (c *Coordinator) Get(dataType, key string) (*Record, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rec, ok := c.records[recordID(dataType, key)]
	if !ok {
		return nil, false
	}
	out := *rec
	return &out, true
}

// List returns every record of dataType sorted by key
func (c *Coordinator) List(dataType string) []Record {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var out []Record
	for _, rec := range c.records {
		if rec.DataType == dataType {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ClearDataType removes every record of dataType and broadcasts the delete
func (c *Coordinator) ClearDataType(ctx context.Context, dataType string) (int, error) {
	if dataType == "" {
		return 0, fmt.Errorf("%w: data_type is required", ErrInvalidMessage)
	}

	c.mutex.Lock()
	removed := c.clearLocked(dataType)
	c.version++
	msg := Message{
		DataType:  dataType,
		Operation: OpDelete,
		Version:   c.version,
		Timestamp: c.now(),
		Source:    c.config.SourceID,
	}
	c.mutex.Unlock()

	c.publish(ctx, msg)
	c.logger.Info().Str("data_type", dataType).Int("removed", removed).Msg("Sync data cleared")
	return removed, nil
}

// Stats returns coordinator counters
func (c *Coordinator) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := c.stats
	stats.Records = len(c.records)
	stats.PendingConflicts = len(c.conflicts)
	stats.Version = c.version
	return stats
}

type storeSnapshot struct {
	Version   uint64     `json:"version"`
	Records   []Record   `json:"records"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Checkpoint saves the record store and pending conflicts
func (c *Coordinator) Checkpoint(ctx context.Context, backend storage.Backend) error {
	c.mutex.Lock()
	snapshot := storeSnapshot{Version: c.version}
	for _, rec := range c.records {
		snapshot.Records = append(snapshot.Records, *rec)
	}
	for _, conflict := range c.conflicts {
		snapshot.Conflicts = append(snapshot.Conflicts, *conflict)
	}
	c.mutex.Unlock()

	sort.Slice(snapshot.Records, func(i, j int) bool { return snapshot.Records[i].ID() < snapshot.Records[j].ID() })
	return storage.SaveCheckpoint(ctx, backend, storage.AreaLocal, c.config.CheckpointKey, "sync_store", snapshot)
}

// Restore loads a checkpoint saved by Checkpoint. Records already present win.
func (c *Coordinator) Restore(ctx context.Context, backend storage.Backend) (int, error) {
	var snapshot storeSnapshot
	cp, err := storage.LoadCheckpoint(ctx, backend, storage.AreaLocal, c.config.CheckpointKey, &snapshot)
	if err != nil || cp == nil {
		return 0, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	restored := 0
	for i := range snapshot.Records {
		rec := snapshot.Records[i]
		if _, exists := c.records[rec.ID()]; exists {
			continue
		}
		c.records[rec.ID()] = &rec
		restored++
	}
	for i := range snapshot.Conflicts {
		conflict := snapshot.Conflicts[i]
		c.conflicts[conflict.ID] = &conflict
	}
	if snapshot.Version > c.version {
		c.version = snapshot.Version
	}
	return restored, nil
}

// settle writes the chosen value locally, replicates it and drops the conflict
func (c *Coordinator) settle(ctx context.Context, conflictID string, value interface{}) (*Record, error) {
	c.mutex.Lock()
	conflict, ok := c.conflicts[conflictID]
	if !ok {
		c.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	rec := c.applyLocked(conflict.DataType, conflict.Key, value, c.now(), c.config.SourceID)
	delete(c.conflicts, conflictID)
	c.stats.Resolved++
	out := *rec
	c.mutex.Unlock()

	c.publish(ctx, Message{
		DataType:  out.DataType,
		Key:       out.Key,
		Operation: OpSet,
		Data:      out.Data,
		Version:   out.Version,
		Timestamp: out.Timestamp,
		Source:    out.Source,
	})
	c.logger.Debug().Str("conflict_id", conflictID).Str("record", out.ID()).Msg("Sync conflict resolved")
	return &out, nil
}

func (c *Coordinator) strategyValue(conflict *Conflict) (interface{}, error) {
	switch conflict.Strategy {
	case StrategyMerge:
		return DeepMerge(conflict.Local.Data, conflict.Remote.Data), nil
	case StrategyCustom:
		c.mutex.Lock()
		resolver, ok := c.resolvers[conflict.DataType]
		c.mutex.Unlock()
		if ok {
			value, err := resolver(conflict.Local, conflict.Remote)
			if err != nil {
				return nil, fmt.Errorf("custom resolver for %s failed: %w", conflict.DataType, err)
			}
			return normalize(value)
		}
	}
	if conflict.Remote.Timestamp.After(conflict.Local.Timestamp) {
		return conflict.Remote.Data, nil
	}
	return conflict.Local.Data, nil
}

func (c *Coordinator) strategyFor(dataType string) Strategy {
	if s, ok := c.config.Strategies[dataType]; ok {
		return s
	}
	return c.config.DefaultStrategy
}

// sameWrite treats writes within the tolerance window as one logical write
func (c *Coordinator) sameWrite(local, remote Record) bool {
	delta := remote.Timestamp.Sub(local.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= c.config.ConflictTolerance
}

func (c *Coordinator) applyLocked(dataType, key string, data interface{}, at time.Time, source string) *Record {
	c.version++
	rec := &Record{
		DataType:  dataType,
		Key:       key,
		Data:      data,
		Version:   c.version,
		Timestamp: at,
		Source:    source,
	}
	c.records[rec.ID()] = rec
	return rec
}

func (c *Coordinator) clearLocked(dataType string) int {
	removed := 0
	for id, rec := range c.records {
		if rec.DataType == dataType {
			delete(c.records, id)
			removed++
		}
	}
	return removed
}

func (c *Coordinator) broadcasts(dataType string) bool {
	for _, t := range c.config.BroadcastTypes {
		if t == "*" || t == dataType {
			return true
		}
	}
	return false
}

func (c *Coordinator) publish(ctx context.Context, msg Message) {
	if c.publisher == nil || !c.broadcasts(msg.DataType) {
		return
	}
	err := c.publisher.PublishSync(ctx, msg)

	c.mutex.Lock()
	if err != nil {
		c.stats.PublishFailures++
	} else {
		c.stats.Published++
	}
	c.mutex.Unlock()

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("data_type", msg.DataType).
			Str("key", msg.Key).
			Msg("Failed to replicate sync write")
	}
}
