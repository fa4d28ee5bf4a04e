package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:   maxRetries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func fastPolicy() Policy {
	return Policy{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

var errTransient = errors.New("connection reset by peer")

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("expected InitialDelay=100ms, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 5*time.Second {
		t.Errorf("expected MaxDelay=5s, got %v", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", cfg.Multiplier)
	}
}

func TestDoWithResult_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	callCount := 0
	start := time.Now()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		callCount++
		return struct{}{}, errors.New("error")
	})

	elapsed := time.Since(start)

	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("expected quick cancellation, took %v", elapsed)
	}
}

func TestDoWithResult_ExponentialBackoff(t *testing.T) {
	cfg := &Config{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
	}

	callTimes := []time.Time{}
	_, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		callTimes = append(callTimes, time.Now())
		return 0, errors.New("error")
	})

	if err == nil {
		t.Error("expected error after exhausting retries")
	}
	if len(callTimes) != 4 {
		t.Fatalf("expected 4 calls, got %d", len(callTimes))
	}

	delay1 := callTimes[1].Sub(callTimes[0])
	if delay1 < 45*time.Millisecond || delay1 > 90*time.Millisecond {
		t.Errorf("expected ~50ms delay, got %v", delay1)
	}
	delay2 := callTimes[2].Sub(callTimes[1])
	if delay2 < 90*time.Millisecond || delay2 > 150*time.Millisecond {
		t.Errorf("expected ~100ms delay, got %v", delay2)
	}
}

func TestDoWithResult_OnRetryCallback(t *testing.T) {
	cfg := fastConfig(2)
	var attempts []int
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}

	_, _ = DoWithResult(context.Background(), cfg, func() (int, error) { return 0, errors.New("error") })

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoWithResult_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		callCount++
		if callCount < 3 {
			return 0, errors.New("transient error")
		}
		return 42, nil
	})

	if err != nil {
		t.Errorf("expected no error after retries, got %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDoWithResult_MaxRetriesExhausted(t *testing.T) {
	expectedErr := errors.New("persistent error")
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(2), func() (string, error) {
		callCount++
		return "partial", expectedErr
	})

	if err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
	if result != "partial" {
		t.Errorf("expected 'partial' result, got %s", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDoWithResult_RetryableStopsOnPermanentError(t *testing.T) {
	denied := errors.New("authentication failed")
	cfg := fastConfig(3)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, denied) }

	callCount := 0
	_, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		callCount++
		if callCount == 1 {
			return 0, errors.New("connection refused")
		}
		return 0, fmt.Errorf("ping: %w", denied)
	})

	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 2, callCount, "the permanent error ends the loop")
}

func TestDoWithResult_NilConfig(t *testing.T) {
	result, err := DoWithResult(context.Background(), nil, func() (bool, error) {
		return true, nil
	})

	if err != nil {
		t.Errorf("expected no error with nil config, got %v", err)
	}
	if !result {
		t.Error("expected true result")
	}
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	policy := fastPolicy()
	retries := 0
	policy.OnRetry = func(int, time.Duration, error) { retries++ }

	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, 5, policy)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// k attempts report k-1 retries
	assert.Equal(t, 2, retries)
}

func TestWithRetry_ExhaustedReturnsLastError(t *testing.T) {
	policy := fastPolicy()
	calls := 0
	last := errors.New("i/o timeout on attempt 3")

	err := WithRetry(context.Background(), func() error {
		calls++
		if calls == 3 {
			return last
		}
		return errTransient
	}, 3, policy)

	assert.Same(t, last, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_PermanentNotRetried(t *testing.T) {
	policy := fastPolicy()
	policy.Classify = func(error) bool { return false }

	calls := 0
	permanent := errors.New("duplicate key")
	err := WithRetry(context.Background(), func() error {
		calls++
		return permanent
	}, 5, policy)

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	}, 0, fastPolicy())

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{InitialDelay: time.Second, Multiplier: 2}
	policy.OnRetry = func(int, time.Duration, error) { cancel() }

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		return errTransient
	}, 5, policy)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("connection refused"), true},
		{"Connection Refused (uppercase)", errors.New("Connection Refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"i/o timeout", errors.New("i/o timeout"), true},
		{"too many connections", errors.New("too many connections"), true},
		{"postgres serialization failure", errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{"postgres deadlock", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{"mssql deadlock victim", errors.New("Transaction (Process ID 52) was deadlocked on lock resources"), true},
		{"context canceled", context.Canceled, false},
		{"auth error", errors.New("password authentication failed"), false},
		{"syntax error", errors.New("syntax error at or near \"FROM\" (SQLSTATE 42601)"), false},
		{"not found", errors.New("relation \"orders\" does not exist"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRetryable(tt.err)
			if result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, expected %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestDoIfRetryable_NonRetryableError(t *testing.T) {
	expectedErr := errors.New("authentication failed")
	callCount := 0
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		callCount++
		return expectedErr
	})

	if err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (no retries), got %d", callCount)
	}
}

func TestDoIfRetryable_RepeatedSameErrorEscalates(t *testing.T) {
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Millisecond
	cfg.MaxSameErrorType = 3

	callCount := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		callCount++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated error (3 times, type=connection)")
	assert.Equal(t, 3, callCount)
}

func TestClassifyErrorType(t *testing.T) {
	assert.Equal(t, "nil", classifyErrorType(nil))
	assert.Equal(t, "deadlock", classifyErrorType(errors.New("deadlock detected (SQLSTATE 40P01)")))
	assert.Equal(t, "serialization", classifyErrorType(errors.New("could not serialize (SQLSTATE 40001)")))
	assert.Equal(t, "unknown", classifyErrorType(errors.New("weird")))
}
