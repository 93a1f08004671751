package bulk

import (
	"fmt"
	"time"
)

// BackoffType controls whether the retry delay grows exponentially or stays
// constant between internal retries of a rejected batch.
type BackoffType string

const (
	BackoffConstant    BackoffType = "CONSTANT"
	BackoffExponential BackoffType = "EXPONENTIAL"
)

// BackoffPolicy decides how long to wait before a rejected batch is
// resubmitted. It applies only to whole-batch rejections, never to
// individual item failures. Immutable after construction.
type BackoffPolicy struct {
	Type       BackoffType
	MaxRetries int
	Delay      time.Duration
}

// Defaults follow the original bulk processor settings.
const (
	DefaultBackoffMaxRetries = 8
	DefaultBackoffDelay      = 50 * time.Millisecond
)

// DefaultBackoff returns the default exponential policy.
func DefaultBackoff() *BackoffPolicy {
	return &BackoffPolicy{
		Type:       BackoffExponential,
		MaxRetries: DefaultBackoffMaxRetries,
		Delay:      DefaultBackoffDelay,
	}
}

// Validate checks the policy parameters.
func (p *BackoffPolicy) Validate() error {
	switch p.Type {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("backoff type %q is not valid (must be CONSTANT or EXPONENTIAL)", p.Type)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("backoff max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.Delay < 0 {
		return fmt.Errorf("backoff delay must be >= 0, got %v", p.Delay)
	}
	return nil
}

// DelayFor returns the wait before the given retry attempt (1-based).
// Constant policies always return the base delay; exponential policies
// double it each attempt: base * 2^(attempt-1).
func (p *BackoffPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Type == BackoffConstant {
		return p.Delay
	}
	return p.Delay << (attempt - 1)
}
