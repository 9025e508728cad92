package broadcast

import "sync"

// DefaultHistorySize is the number of recent broadcasts kept for inspection
const DefaultHistorySize = 100

// Record pairs a broadcast event with its delivery result
type Record struct {
	Event  Event  `json:"event"`
	Result Result `json:"result"`
}

// history is a fixed-size ring. Adding to a full ring overwrites the oldest record.
type history struct {
	records []Record
	start   int
	count   int
	mutex   sync.RWMutex
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{records: make([]Record, size)}
}

func (h *history) add(r Record) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	idx := (h.start + h.count) % len(h.records)
	h.records[idx] = r
	if h.count < len(h.records) {
		h.count++
		return
	}
	h.start = (h.start + 1) % len(h.records)
}

// list returns records from oldest to newest
func (h *history) list() []Record {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]Record, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.records[(h.start+i)%len(h.records)]
	}
	return out
}
