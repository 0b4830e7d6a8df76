package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"openclaw/internal/domain"
)

// RetryPolicy governs redispatch of failed workflow steps. Only error kinds
// the Retryable predicate accepts are retried; each retry issues a brand new
// request with its own request id.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
	Retryable   func(error) bool
}

func (p *RetryPolicy) applyDefaults() {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Retryable == nil {
		p.Retryable = domain.IsRetryableError
	}
}

// run executes op under the policy. op is classified through Retryable:
// non-retryable errors stop immediately, retryable ones are redispatched
// with exponential backoff until MaxAttempts is spent. attempts counts every
// execution of op, the first one included.
func (p RetryPolicy) run(ctx context.Context, op func() error) (attempts int, err error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0

	wrapped := func() error {
		attempts++
		opErr := op()
		if opErr == nil {
			return nil
		}
		if !p.Retryable(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}
	err = backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))
	return attempts, err
}
