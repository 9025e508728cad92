package router

import (
	"sync"
	"time"

	"courier/internal/envelope"
)

const latencySamples = 100

// Metrics is a point-in-time snapshot of routing activity
type Metrics struct {
	MessagesByType       map[string]int64 `json:"messages_by_type"`
	MessagesByPriority   map[string]int64 `json:"messages_by_priority"`
	MessagesByMode       map[string]int64 `json:"messages_by_mode"`
	AverageLatencyMs     float64          `json:"average_latency_ms"`
	Sent                 int64            `json:"sent"`
	Delivered            int64            `json:"delivered"`
	Failed               int64            `json:"failed"`
	Dropped              int64            `json:"dropped"`
	RateLimited          int64            `json:"rate_limited"`
	Duplicates           int64            `json:"duplicates"`
	Vetoed               int64            `json:"vetoed"`
	Rejected             int64            `json:"rejected"`
	QueueDepth           int              `json:"queue_depth"`
	QueueDepthByPriority map[string]int   `json:"queue_depth_by_priority"`
	Subscriptions        int              `json:"subscriptions"`
	RegisteredComponents int              `json:"registered_components"`
	ActiveComponents     int              `json:"active_components"`
	ErrorComponents      int              `json:"error_components"`
}

// metricsCollector accumulates counters and a ring of recent latencies
type metricsCollector struct {
	byType     map[string]int64
	byPriority map[string]int64
	byMode     map[string]int64
	latencies  []time.Duration
	next       int

	sent        int64
	delivered   int64
	failed      int64
	dropped     int64
	rateLimited int64
	duplicates  int64
	vetoed      int64
	rejected    int64
	mutex       sync.Mutex
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		byType:     make(map[string]int64),
		byPriority: make(map[string]int64),
		byMode:     make(map[string]int64),
		latencies:  make([]time.Duration, 0, latencySamples),
	}
}

func (m *metricsCollector) recordRouted(env *envelope.Envelope) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sent++
	m.byType[env.Type]++
	m.byPriority[env.Priority.String()]++
	m.byMode[string(env.DeliveryMode)]++
}

func (m *metricsCollector) recordLatency(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.latencies) < latencySamples {
		m.latencies = append(m.latencies, d)
		return
	}
	m.latencies[m.next] = d
	m.next = (m.next + 1) % latencySamples
}

func (m *metricsCollector) recordDelivery(delivered, failed int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.delivered += int64(delivered)
	m.failed += int64(failed)
}

func (m *metricsCollector) incr(counter *int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	*counter++
}

func (m *metricsCollector) snapshot() Metrics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	snap := Metrics{
		MessagesByType:     copyCounts(m.byType),
		MessagesByPriority: copyCounts(m.byPriority),
		MessagesByMode:     copyCounts(m.byMode),
		Sent:               m.sent,
		Delivered:          m.delivered,
		Failed:             m.failed,
		Dropped:            m.dropped,
		RateLimited:        m.rateLimited,
		Duplicates:         m.duplicates,
		Vetoed:             m.vetoed,
		Rejected:           m.rejected,
	}

	if len(m.latencies) > 0 {
		var total time.Duration
		for _, d := range m.latencies {
			total += d
		}
		snap.AverageLatencyMs = float64(total.Microseconds()) / float64(len(m.latencies)) / 1000
	}
	return snap
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
