package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/logger"
)

// ErrCircuitOpen is returned without calling the protected operation
var ErrCircuitOpen = errors.New("circuit open: service unavailable")

// BreakerState is the breaker's position
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig sets when the breaker trips and how long it stays open
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down" json:"cool_down"`
}

// DefaultBreakerConfig trips after 5 consecutive failures for 60s
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, CoolDown: 60 * time.Second}
}

// Validate checks the configuration
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.CoolDown <= 0 {
		return fmt.Errorf("cool_down must be positive")
	}
	return nil
}

// BreakerStats is a snapshot of breaker counters
type BreakerStats struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Successes           int64        `json:"successes"`
	Failures            int64        `json:"failures"`
	Rejected            int64        `json:"rejected"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
}

// Breaker stops calling a failing dependency until a cool-down elapses.
// After the cool-down exactly one trial call is let through.
type Breaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time
	logger zerolog.Logger

	state       BreakerState
	consecutive int
	openedAt    time.Time
	trial       bool
	stats       BreakerStats
	mutex       sync.Mutex
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, cfg BreakerConfig) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	return &Breaker{
		name:   name,
		config: cfg,
		now:    time.Now,
		logger: logger.GetLogger("resilience.breaker").With().Str("breaker", name).Logger(),
		state:  StateClosed,
		stats:  BreakerStats{Name: name},
	}, nil
}

// SetClock replaces the time source
func (b *Breaker) SetClock(now func() time.Time) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.now = now
}

// State returns the current state, moving open to half-open once the cool-down has passed
func (b *Breaker) State() BreakerState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.advanceLocked()
	return b.state
}

// Execute runs op unless the breaker is open
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.CoolDown {
		b.state = StateHalfOpen
		b.trial = false
		b.logger.Info().Msg("Circuit half-open, allowing a trial call")
	}
}

func (b *Breaker) acquire() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.advanceLocked()
	switch b.state {
	case StateOpen:
		b.stats.Rejected++
		return fmt.Errorf("%w (%s)", ErrCircuitOpen, b.name)
	case StateHalfOpen:
		if b.trial {
			b.stats.Rejected++
			return fmt.Errorf("%w (%s): trial in progress", ErrCircuitOpen, b.name)
		}
		b.trial = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	// a caller giving up says nothing about the dependency
	if err != nil && errors.Is(err, context.Canceled) {
		if b.state == StateHalfOpen {
			b.trial = false
		}
		return
	}

	if err == nil {
		b.stats.Successes++
		if b.state != StateClosed {
			b.logger.Info().Msg("Circuit closed")
		}
		b.state = StateClosed
		b.consecutive = 0
		b.trial = false
		return
	}

	b.stats.Failures++
	b.stats.LastError = err.Error()
	b.consecutive++

	if b.state == StateHalfOpen || b.consecutive >= b.config.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
		b.trial = false
		b.logger.Warn().
			Err(err).
			Int("consecutive_failures", b.consecutive).
			Dur("cool_down", b.config.CoolDown).
			Msg("Circuit opened")
	}
}

// Reset closes the breaker and clears the failure streak
func (b *Breaker) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.state = StateClosed
	b.consecutive = 0
	b.trial = false
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() BreakerStats {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.advanceLocked()

	stats := b.stats
	stats.State = b.state
	stats.ConsecutiveFailures = b.consecutive
	if b.state != StateClosed {
		stats.OpenedAt = b.openedAt
	}
	return stats
}

// Policy runs calls through a breaker inside a retry loop. An open circuit
// ends the retry loop immediately.
type Policy struct {
	Retry   RetryConfig
	Breaker *Breaker
}

// Execute runs op under the policy
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return Retry(ctx, p.Retry, func(ctx context.Context) error {
		if p.Breaker == nil {
			return op(ctx)
		}
		err := p.Breaker.Execute(ctx, op)
		if errors.Is(err, ErrCircuitOpen) {
			return Permanent(err)
		}
		return err
	})
}

// ExecuteValue is Policy.Execute for calls that produce a value
func ExecuteValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
