package fifo

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// =============================================================================
// RETRY - Bounded exponential backoff for retriable conflicts
// =============================================================================

// RetryPolicy bounds how often an operation is re-planned and re-executed
// after a retriable failure.
type RetryPolicy struct {
	MaxAttempts     int // total attempts including the first
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     400 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry runs fn until it succeeds, fails with a non-retriable error, or the
// policy is exhausted. fn must re-plan on every call: a retried attempt that
// reused an old plan would fail the same way.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			e.metrics.conflict()
			return err
		}
		return backoff.Permanent(err)
	}, e.retryPolicy.backOff(ctx), func(err error, wait time.Duration) {
		e.metrics.retry(op)
		e.logger.Debug("retrying after conflict",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}
