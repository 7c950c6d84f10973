package queue

import (
	"time"
)

// RetryPolicy defines the redelivery backoff of nacked messages.
type RetryPolicy struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// CalculateBackoff returns the delay before redelivery number retryCount (1-based).
func (p RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	backoff := p.InitialBackoff
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * factor)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// RetryDecision is the outcome of DecideRetry.
type RetryDecision struct {
	ShouldRetry bool
	Backoff     time.Duration
	Reason      string
}

// DecideRetry decides what happens to a message that has failed retryCount
// times (including this failure) with err.
func DecideRetry(cfg Config, err error, retryCount int) RetryDecision {
	if pe := Categorize(err); pe != nil && !pe.IsRetryable() {
		return RetryDecision{Reason: "permanent error: " + pe.Code}
	}
	if retryCount >= cfg.MaxRetries {
		return RetryDecision{Reason: "max retries exceeded"}
	}
	return RetryDecision{
		ShouldRetry: true,
		Backoff:     cfg.Backoff.CalculateBackoff(retryCount),
		Reason:      "retryable error",
	}
}
