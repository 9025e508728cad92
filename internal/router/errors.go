package router

import "errors"

var (
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrQueueFull           = errors.New("router queue full")
	ErrNoTargets           = errors.New("no resolvable targets")
	ErrDuplicateMessage    = errors.New("duplicate message id")
	ErrVetoed              = errors.New("message vetoed by routing rule")
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrSubscriptionUnknown = errors.New("subscription not found")
	ErrStopped             = errors.New("router stopped")
)

// IsRetryable reports whether err is a capacity error the sender may retry later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQueueFull)
}
