package router

import (
	"time"

	"courier/internal/envelope"
)

// queuedEnvelope is a pending delivery with its resolved targets
type queuedEnvelope struct {
	env        *envelope.Envelope
	targets    []string
	enqueuedAt time.Time
}

// priorityQueue keeps one FIFO per priority tier and drains strictly by tier.
// Not safe for concurrent use; the router guards it.
type priorityQueue struct {
	tiers   map[envelope.Priority][]*queuedEnvelope
	size    int
	maxSize int
}

func newPriorityQueue(maxSize int) *priorityQueue {
	return &priorityQueue{
		tiers:   make(map[envelope.Priority][]*queuedEnvelope),
		maxSize: maxSize,
	}
}

// push appends item to its tier. When the queue is full the oldest entry of the
// lowest non-empty tier is dropped and returned. If the incoming item ranks
// below every queued tier it is rejected instead.
func (q *priorityQueue) push(item *queuedEnvelope) (*queuedEnvelope, error) {
	if q.maxSize > 0 && q.size >= q.maxSize {
		lowest, ok := q.lowestTier()
		if ok && item.env.Priority < lowest {
			return nil, ErrQueueFull
		}
		dropped := q.dropOldest(lowest)
		q.append(item)
		return dropped, nil
	}
	q.append(item)
	return nil, nil
}

func (q *priorityQueue) append(item *queuedEnvelope) {
	p := item.env.Priority
	q.tiers[p] = append(q.tiers[p], item)
	q.size++
}

func (q *priorityQueue) lowestTier() (envelope.Priority, bool) {
	tiers := envelope.Priorities()
	for i := len(tiers) - 1; i >= 0; i-- {
		if len(q.tiers[tiers[i]]) > 0 {
			return tiers[i], true
		}
	}
	return envelope.PriorityBulk, false
}

func (q *priorityQueue) dropOldest(p envelope.Priority) *queuedEnvelope {
	tier := q.tiers[p]
	if len(tier) == 0 {
		return nil
	}
	dropped := tier[0]
	tier[0] = nil
	q.tiers[p] = tier[1:]
	q.size--
	return dropped
}

// popBatch removes up to n items, highest tier first, FIFO within a tier
func (q *priorityQueue) popBatch(n int) []*queuedEnvelope {
	batch := make([]*queuedEnvelope, 0, n)
	for _, p := range envelope.Priorities() {
		for len(batch) < n && len(q.tiers[p]) > 0 {
			batch = append(batch, q.tiers[p][0])
			q.tiers[p][0] = nil
			q.tiers[p] = q.tiers[p][1:]
			q.size--
		}
		if len(batch) == n {
			break
		}
	}
	return batch
}

// removeTarget drops items addressed to componentID and strips it from the
// target lists of the rest. It returns the number of items removed.
func (q *priorityQueue) removeTarget(componentID string) int {
	removed := 0
	for p, tier := range q.tiers {
		kept := tier[:0]
		for _, item := range tier {
			if item.env.Target.ComponentID == componentID {
				removed++
				continue
			}
			item.targets = without(item.targets, componentID)
			if len(item.targets) == 0 {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		for i := len(kept); i < len(tier); i++ {
			tier[i] = nil
		}
		q.tiers[p] = kept
	}
	q.size -= removed
	return removed
}

func (q *priorityQueue) len() int {
	return q.size
}

func (q *priorityQueue) depths() map[string]int {
	depths := make(map[string]int, len(q.tiers))
	for p, tier := range q.tiers {
		if len(tier) > 0 {
			depths[p.String()] = len(tier)
		}
	}
	return depths
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
