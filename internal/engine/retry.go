package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/venueos/mailflow/pkg/schema"
)

// DefaultExponentialBase is used when a retry policy leaves the base unset.
const DefaultExponentialBase = 2.0

// statusCoder is satisfied by HTTP-shaped errors from agent and tool clients.
type statusCoder interface {
	StatusCode() int
}

// IsRetryableError classifies whether an error is worth retrying.
// Network errors, timeouts, 429 and 5xx responses are retryable; other 4xx
// responses are not; context cancellation means the run is shutting down and
// is never retried. Unknown errors default to retryable — the retry policy
// bounds the attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code == 429 || code >= 500 {
			return true
		}
		if code >= 400 {
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
		"rate limit",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return true
}

// ComputeBackoff calculates the delay before attempt k+1 (attempt is
// zero-based): min(max_delay, base_delay * exponential_base^attempt),
// optionally scaled by a uniform random factor in [0.5, 1.0] when jitter is
// enabled.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BaseDelay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.BaseDelay)
	if err != nil {
		return 0
	}

	expBase := policy.ExponentialBase
	if expBase <= 0 {
		expBase = DefaultExponentialBase
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= expBase
	}
	delay := time.Duration(float64(base) * multiplier)

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	if policy.Jitter && delay > 0 {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}

	return delay
}

// WithRetry runs fn up to policy.MaxAttempts times, sleeping the computed
// backoff between attempts. Returns the first success or the last error after
// exhausting attempts. A nil policy or MaxAttempts <= 1 means a single
// attempt.
func WithRetry[T any](ctx context.Context, policy *schema.RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry(ctx, policy, fn, false)
}

// WithRetryIf is like WithRetry but consults IsRetryableError after every
// failure and stops immediately on a non-retryable error without consuming
// further attempts.
func WithRetryIf[T any](ctx context.Context, policy *schema.RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry(ctx, policy, fn, true)
}

func retry[T any](ctx context.Context, policy *schema.RetryPolicy, fn func(ctx context.Context) (T, error), conditional bool) (T, error) {
	var zero T

	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return zero, err
			}
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if conditional && !IsRetryableError(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

// waitBackoff sleeps for the delay or returns early if the context ends.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
