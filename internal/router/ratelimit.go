package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const rateLimiterSources = 4096

// sourceWindow holds the send times inside the rolling window for one source
type sourceWindow struct {
	sends []time.Time
}

// RateLimiter allows at most limit sends per source within a rolling window.
// Windows live in an LRU so an idle source eventually releases its memory.
type RateLimiter struct {
	windows *lru.Cache[string, *sourceWindow]
	limit   int
	window  time.Duration
	mutex   sync.Mutex
}

// NewRateLimiter creates a sliding-window limiter. limit <= 0 disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	windows, _ := lru.New[string, *sourceWindow](rateLimiterSources)
	return &RateLimiter{
		windows: windows,
		limit:   limit,
		window:  window,
	}
}

// Allow records a send for source at now if the window has room
func (l *RateLimiter) Allow(source string, now time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.limit <= 0 {
		return true
	}

	w, ok := l.windows.Get(source)
	if !ok {
		w = &sourceWindow{}
		l.windows.Add(source, w)
	}

	w.prune(now.Add(-l.window))
	if len(w.sends) >= l.limit {
		return false
	}
	w.sends = append(w.sends, now)
	return true
}

// Configure changes the limit and window. Existing windows are kept.
func (l *RateLimiter) Configure(limit int, window time.Duration) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.limit = limit
	l.window = window
}

func (w *sourceWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.sends) && !w.sends[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.sends = append(w.sends[:0], w.sends[i:]...)
	}
}
