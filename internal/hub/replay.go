package hub

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultReplayWindow = 256
	defaultReplayExpiry = 10 * time.Minute
)

// ReplayGuard remembers recent envelope IDs per sending component so a
// retransmitted envelope is dispatched once
type ReplayGuard struct {
	components map[string]*lru.Cache[string, time.Time]
	size       int
	expiration time.Duration
	dropped    uint64
	mutex      sync.Mutex
}

// ReplayStats reports the guard's footprint
type ReplayStats struct {
	Components int    `json:"components"`
	Tracked    int    `json:"tracked"`
	Dropped    uint64 `json:"dropped"`
}

// NewReplayGuard keeps up to size IDs per component for expiration
func NewReplayGuard(size int, expiration time.Duration) *ReplayGuard {
	if size <= 0 {
		size = defaultReplayWindow
	}
	if expiration <= 0 {
		expiration = defaultReplayExpiry
	}
	return &ReplayGuard{
		components: make(map[string]*lru.Cache[string, time.Time]),
		size:       size,
		expiration: expiration,
	}
}

// Seen records id for componentID and reports whether it was already
// recorded inside the expiration window. Empty IDs are never tracked.
func (g *ReplayGuard) Seen(componentID, id string) bool {
	if id == "" {
		return false
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	cache, ok := g.components[componentID]
	if !ok {
		cache, _ = lru.New[string, time.Time](g.size)
		g.components[componentID] = cache
	}

	now := time.Now()
	if at, found := cache.Get(id); found && now.Sub(at) <= g.expiration {
		g.dropped++
		return true
	}
	cache.Add(id, now)
	return false
}

// Forget drops everything remembered for a component
func (g *ReplayGuard) Forget(componentID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.components, componentID)
}

// Stats returns the number of tracked components and IDs
func (g *ReplayGuard) Stats() ReplayStats {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	stats := ReplayStats{Components: len(g.components), Dropped: g.dropped}
	for _, cache := range g.components {
		stats.Tracked += cache.Len()
	}
	return stats
}
