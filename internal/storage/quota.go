package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"courier/internal/logger"
)

// Level is a usage band of an area's capacity
type Level string

const (
	LevelOK         Level = "ok"
	LevelWarning    Level = "warning"
	LevelCritical   Level = "critical"
	LevelAggressive Level = "aggressive"
	LevelEmergency  Level = "emergency"
)

// cleanupTiers are tried in order when an area fills up
var cleanupTiers = []Level{LevelWarning, LevelCritical, LevelAggressive, LevelEmergency}

// Thresholds are usage ratios at which each level starts
type Thresholds struct {
	Warning    float64 `yaml:"warning" json:"warning"`
	Critical   float64 `yaml:"critical" json:"critical"`
	Aggressive float64 `yaml:"aggressive" json:"aggressive"`
	Emergency  float64 `yaml:"emergency" json:"emergency"`
}

// DefaultThresholds returns 80/90/95/98 percent
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.80, Critical: 0.90, Aggressive: 0.95, Emergency: 0.98}
}

// LevelFor maps a usage ratio to its level
func (t Thresholds) LevelFor(ratio float64) Level {
	switch {
	case ratio >= t.Emergency:
		return LevelEmergency
	case ratio >= t.Aggressive:
		return LevelAggressive
	case ratio >= t.Critical:
		return LevelCritical
	case ratio >= t.Warning:
		return LevelWarning
	default:
		return LevelOK
	}
}

// DefaultCapacities returns the per-area ceilings in bytes
func DefaultCapacities() map[Area]int64 {
	return map[Area]int64{
		AreaLocal:   10 << 20,
		AreaSync:    100 << 10,
		AreaSession: 10 << 20,
	}
}

// Usage reports how full an area is
type Usage struct {
	Area     Area    `json:"area"`
	Bytes    int64   `json:"bytes"`
	Capacity int64   `json:"capacity"`
	Ratio    float64 `json:"ratio"`
	Level    Level   `json:"level"`
}

type evictable struct {
	area   Area
	prefix string
}

// QuotaManager enforces area capacities over a Backend. When a write would not
// fit, registered evictable keys are removed tier by tier before the write is
// rejected with ErrQuotaExceeded.
type QuotaManager struct {
	backend    Backend
	capacities map[Area]int64
	thresholds Thresholds
	evictable  map[Level][]evictable
	logger     zerolog.Logger
	mutex      sync.Mutex
}

// NewQuotaManager wraps backend. A nil capacities map uses the defaults.
func NewQuotaManager(backend Backend, capacities map[Area]int64, thresholds Thresholds) *QuotaManager {
	if capacities == nil {
		capacities = DefaultCapacities()
	}
	return &QuotaManager{
		backend:    backend,
		capacities: capacities,
		thresholds: thresholds,
		evictable:  make(map[Level][]evictable),
		logger:     logger.GetLogger("storage.quota"),
	}
}

// RegisterEvictable marks keys with prefix in area as removable once cleanup
// reaches level
func (q *QuotaManager) RegisterEvictable(level Level, area Area, prefix string) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.evictable[level] = append(q.evictable[level], evictable{area: area, prefix: prefix})
}

// Usage reports the current fill of area
func (q *QuotaManager) Usage(ctx context.Context, area Area) (Usage, error) {
	used, err := q.backend.BytesInUse(ctx, area)
	if err != nil {
		return Usage{}, err
	}
	return q.usage(area, used), nil
}

func (q *QuotaManager) usage(area Area, used int64) Usage {
	capacity := q.capacities[area]
	u := Usage{Area: area, Bytes: used, Capacity: capacity, Level: LevelOK}
	if capacity > 0 {
		u.Ratio = float64(used) / float64(capacity)
		u.Level = q.thresholds.LevelFor(u.Ratio)
	}
	return u
}

func (q *QuotaManager) Get(ctx context.Context, area Area, keys []string) (map[string][]byte, error) {
	return q.backend.Get(ctx, area, keys)
}

// Set writes items if they fit, cleaning up evictable keys first when needed
func (q *QuotaManager) Set(ctx context.Context, area Area, items map[string][]byte) error {
	if err := checkArea(area); err != nil {
		return err
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	capacity, limited := q.capacities[area]
	if !limited || capacity <= 0 {
		return q.backend.Set(ctx, area, items)
	}

	projected, err := q.projected(ctx, area, items)
	if err != nil {
		return err
	}

	if projected > capacity {
		for _, tier := range cleanupTiers {
			freed, err := q.cleanupTier(ctx, area, tier, items)
			if err != nil {
				return err
			}
			projected -= freed
			if projected <= capacity {
				break
			}
		}
		if projected > capacity {
			q.logger.Error().
				Str("area", string(area)).
				Int64("projected", projected).
				Int64("capacity", capacity).
				Msg("Write rejected, quota exceeded after cleanup")
			return fmt.Errorf("%w: %s needs %d of %d bytes", ErrQuotaExceeded, area, projected, capacity)
		}
	}

	if err := q.backend.Set(ctx, area, items); err != nil {
		return err
	}

	usage := q.usage(area, projected)
	if usage.Level != LevelOK {
		q.logger.Warn().
			Str("area", string(area)).
			Str("level", string(usage.Level)).
			Float64("ratio", usage.Ratio).
			Msg("Storage area filling up")
		for _, tier := range cleanupTiers {
			if _, err := q.cleanupTier(ctx, area, tier, items); err != nil {
				return err
			}
			if tier == usage.Level {
				break
			}
		}
	}
	return nil
}

// Cleanup removes evictable keys for every tier up to and including level
func (q *QuotaManager) Cleanup(ctx context.Context, area Area, level Level) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var total int64
	for _, tier := range cleanupTiers {
		freed, err := q.cleanupTier(ctx, area, tier, nil)
		if err != nil {
			return total, err
		}
		total += freed
		if tier == level {
			break
		}
	}
	return total, nil
}

// projected returns the area size after items replace their current values
func (q *QuotaManager) projected(ctx context.Context, area Area, items map[string][]byte) (int64, error) {
	used, err := q.backend.BytesInUse(ctx, area)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(items))
	for key, value := range items {
		keys = append(keys, key)
		used += entrySize(key, value)
	}
	existing, err := q.backend.Get(ctx, area, keys)
	if err != nil {
		return 0, err
	}
	for key, value := range existing {
		used -= entrySize(key, value)
	}
	return used, nil
}

// cleanupTier removes keys registered for tier, sparing keys being written
func (q *QuotaManager) cleanupTier(ctx context.Context, area Area, tier Level, spare map[string][]byte) (int64, error) {
	var prefixes []string
	for _, e := range q.evictable[tier] {
		if e.area == area {
			prefixes = append(prefixes, e.prefix)
		}
	}
	if len(prefixes) == 0 {
		return 0, nil
	}

	keys, err := q.backend.Keys(ctx, area)
	if err != nil {
		return 0, err
	}

	var victims []string
	for _, key := range keys {
		if _, writing := spare[key]; writing {
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(key, prefix) {
				victims = append(victims, key)
				break
			}
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	sort.Strings(victims)

	values, err := q.backend.Get(ctx, area, victims)
	if err != nil {
		return 0, err
	}
	var freed int64
	for key, value := range values {
		freed += entrySize(key, value)
	}
	if err := q.backend.Remove(ctx, area, victims); err != nil {
		return 0, err
	}

	q.logger.Info().
		Str("area", string(area)).
		Str("tier", string(tier)).
		Int("keys", len(victims)).
		Int64("freed", freed).
		Msg("Storage cleanup removed keys")
	return freed, nil
}

func (q *QuotaManager) Remove(ctx context.Context, area Area, keys []string) error {
	return q.backend.Remove(ctx, area, keys)
}

func (q *QuotaManager) Keys(ctx context.Context, area Area) ([]string, error) {
	return q.backend.Keys(ctx, area)
}

func (q *QuotaManager) BytesInUse(ctx context.Context, area Area) (int64, error) {
	return q.backend.BytesInUse(ctx, area)
}

func (q *QuotaManager) Close() error {
	return q.backend.Close()
}
