package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls exponential backoff between attempts
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`

	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(err error) bool `yaml:"-" json:"-"`
	// OnRetry is called before each wait with the attempt that just failed
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultRetryConfig returns 3 attempts starting at 1s and doubling
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Validate checks the configuration
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1")
	}
	return nil
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)
}

// Delay returns the wait that follows the given failed attempt (1-based)
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = c.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Retry runs op until it succeeds, returns a permanent error, or runs out of
// attempts. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
	}

	err := backoff.RetryNotify(operation, cfg.backOff(ctx), notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}
