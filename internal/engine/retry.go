package engine

import (
	"context"
	"time"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/pkg/schema"
)

// DefaultMaxRetryDelay caps a single backoff sleep regardless of policy.
const DefaultMaxRetryDelay = 30 * time.Second

// IsRetryableError reports whether a node failure may be retried under the
// node's retry policy. Context cancellation is never retried; deadline
// expiry of a single attempt is.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled {
		return false
	}
	if err == context.DeadlineExceeded {
		return true
	}
	return catalog.IsRetriable(err)
}

// ComputeBackoff returns the sleep before retry attempt k (1-indexed).
// Linear policies sleep k*delay_ms, exponential delay_ms*2^(k-1). The
// result never exceeds maxDelay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int, maxDelay time.Duration) time.Duration {
	if policy == nil || attempt < 1 {
		return 0
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxRetryDelay
	}
	base := time.Duration(policy.DelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}

	var delay time.Duration
	switch policy.Backoff {
	case schema.BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				return maxDelay
			}
		}
	default:
		delay = time.Duration(attempt) * base
	}

	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the given delay, returning early with a
// CANCELLED error when the context ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "backoff wait interrupted").WithCause(ctx.Err())
	}
}
