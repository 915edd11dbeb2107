package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venueos/mailflow/pkg/schema"
)

type httpError struct {
	code int
}

func (e *httpError) Error() string   { return fmt.Sprintf("http %d", e.code) }
func (e *httpError) StatusCode() int { return e.code }

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"context cancelled", context.Canceled, false},
		{"flow timeout", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"flow execution", schema.NewError(schema.ErrCodeExecution, "boom"), true},
		{"flow validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"flow circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"flow cancelled", schema.NewError(schema.ErrCodeCancelled, "stopped"), false},
		{"flow guardrail", schema.NewError(schema.ErrCodeGuardrailViolation, "blocked"), false},
		{"http 429", &httpError{429}, true},
		{"http 503", &httpError{503}, true},
		{"http 400", &httpError{400}, false},
		{"http 404", &httpError{404}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limit text", errors.New("rate limit exceeded"), true},
		{"unknown defaults retryable", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "100ms", ExponentialBase: 2}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(policy, 2))
}

func TestComputeBackoffMaxDelayCap(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "100ms", MaxDelay: "250ms"}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 250*time.Millisecond, ComputeBackoff(policy, 5))
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "100ms", Jitter: true}

	for i := 0; i < 50; i++ {
		d := ComputeBackoff(policy, 0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestComputeBackoffDegenerate(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 3))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{}, 3))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{BaseDelay: "potato"}, 3))
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	out, err := WithRetry(context.Background(), &schema.RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryExhausts(t *testing.T) {
	attempts := 0
	_, err := WithRetry(context.Background(), &schema.RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) (string, error) {
		attempts++
		return "", errors.New("always down")
	})
	require.Error(t, err)
	assert.Equal(t, "always down", err.Error())
	assert.Equal(t, 3, attempts)
}

func TestWithRetryNilPolicySingleAttempt(t *testing.T) {
	attempts := 0
	_, err := WithRetry(context.Background(), nil, func(ctx context.Context) (int, error) {
		attempts++
		return 0, errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryIfStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := WithRetryIf(context.Background(), &schema.RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) (int, error) {
		attempts++
		return 0, schema.NewError(schema.ErrCodeValidation, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryIfRetriesRetryable(t *testing.T) {
	attempts := 0
	_, err := WithRetryIf(context.Background(), &schema.RetryPolicy{MaxAttempts: 4}, func(ctx context.Context) (int, error) {
		attempts++
		return 0, schema.NewError(schema.ErrCodeTimeout, "slow upstream")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestWithRetryIfStopsOnCircuitOpen(t *testing.T) {
	attempts := 0
	_, err := WithRetryIf(context.Background(), &schema.RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) (int, error) {
		attempts++
		return 0, schema.NewError(schema.ErrCodeCircuitOpen, "breaker open")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	policy := &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "5s"}
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = WithRetry(ctx, policy, func(ctx context.Context) (int, error) {
			attempts++
			return 0, errors.New("transient")
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
